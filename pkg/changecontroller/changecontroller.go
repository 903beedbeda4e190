// Package changecontroller implements the Change Controller: it watches
// the Local Store's change log and dispatches uploads/removes to the
// Remote Connector, bounded by a small concurrency ceiling, and
// reconciles server acknowledgements back into the change log.
package changecontroller

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/relaysync/engine/pkg/changelog"
	"github.com/relaysync/engine/pkg/localstore"
	"github.com/relaysync/engine/pkg/objectkey"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// Uploader is the Remote Connector's upload-facing surface. The Change
// Controller never imports the connector package directly; the engine
// wires a concrete *remoteconnector.Connector in through this interface,
// so neither package depends on the other.
type Uploader interface {
	Upload(ctx context.Context, key objectkey.ObjectKey, version int64, payload map[string]any) error
	Remove(ctx context.Context, key objectkey.ObjectKey, version int64) error
}

const defaultConcurrency = 4

// Controller is the Change Controller.
type Controller struct {
	store    *localstore.Store
	uploader Uploader
	sem      *semaphore.Weighted
	logger   zerolog.Logger

	mu        sync.Mutex
	connected bool
	genCtx    context.Context
	genCancel context.CancelFunc

	inflight atomic.Int64
}

// Option configures a Controller at construction time.
type Option func(*Controller)

func WithConcurrency(n int64) Option {
	return func(c *Controller) { c.sem = semaphore.NewWeighted(n) }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// New creates a Controller bound to store and uploader. It starts in the
// disconnected state: nothing dispatches until OnConnected is called.
func New(store *localstore.Store, uploader Uploader, opts ...Option) *Controller {
	c := &Controller{
		store:    store,
		uploader: uploader,
		sem:      semaphore.NewWeighted(defaultConcurrency),
		logger:   log.Logger.With().Str("component", "changecontroller").Logger(),
	}
	c.genCtx, c.genCancel = context.WithCancel(context.Background())
	c.genCancel() // disconnected: the initial generation starts already cancelled
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Uploading reports whether at least one upload or remove is inflight.
func (c *Controller) Uploading() bool {
	return c.inflight.Load() > 0
}

// OnConnected starts a fresh dispatch generation and enumerates the
// change log, dispatching one upload or remove per pending entry.
func (c *Controller) OnConnected(ctx context.Context) error {
	c.mu.Lock()
	c.genCancel()
	c.genCtx, c.genCancel = context.WithCancel(context.Background())
	c.connected = true
	gen := c.genCtx
	c.mu.Unlock()

	return c.dispatchPending(ctx, gen)
}

// OnDisconnected cancels every inflight ack-wait. Local writes already
// committed to the Local Store are untouched; their change-log entries
// remain pending and are retried on the next OnConnected.
func (c *Controller) OnDisconnected() {
	c.mu.Lock()
	c.connected = false
	c.genCancel()
	c.mu.Unlock()
}

// HandleLocalEvent reacts to a Local Store notification. A single
// changed/removed record is dispatched immediately; a type clear falls
// back to re-scanning the whole change log, since that event doesn't
// carry individual keys. A local reset dispatches nothing: it is
// local-only and never propagated.
func (c *Controller) HandleLocalEvent(ctx context.Context, ev localstore.Event) {
	gen, connected := c.generation()
	if !connected {
		return
	}

	switch ev.Kind {
	case localstore.EventChanged:
		state := changelog.Changed
		if ev.WasDeleted {
			state = changelog.Deleted
		}
		go c.dispatch(gen, ev.Key, state, ev.Version)
	case localstore.EventTypeCleared:
		go func() {
			if err := c.dispatchPending(ctx, gen); err != nil {
				c.logger.Warn().Err(err).Str("type", ev.TypeName).Msg("dispatch after clear failed")
			}
		}()
	case localstore.EventReset:
		// local-only, nothing to propagate
	}
}

// HandleUploadAck reconciles a server acknowledgement for (key, version)
// with the change log, only clearing the pending entry if version still
// matches the record's current stored version.
func (c *Controller) HandleUploadAck(ctx context.Context, key objectkey.ObjectKey, version int64) error {
	_, err := c.store.AcknowledgeUpload(ctx, key, version)
	return err
}

// HandleRemoveAck reconciles a server acknowledgement for a delete at
// version, only clearing the pending entry if version still matches the
// tombstone version recorded when the delete was dispatched.
func (c *Controller) HandleRemoveAck(ctx context.Context, key objectkey.ObjectKey, version int64) error {
	_, err := c.store.AcknowledgeRemove(ctx, key, version)
	return err
}

// RequestResync marks every record of the given types as Changed and, if
// currently connected, dispatches them immediately.
func (c *Controller) RequestResync(ctx context.Context, typeNames []string) error {
	if err := c.store.MarkTypesChangedForResync(ctx, typeNames); err != nil {
		return err
	}
	gen, connected := c.generation()
	if !connected {
		return nil
	}
	return c.dispatchPending(ctx, gen)
}

func (c *Controller) generation() (context.Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.genCtx, c.connected
}

func (c *Controller) dispatchPending(ctx context.Context, gen context.Context) error {
	changes, err := c.store.ListLocalChanges(ctx)
	if err != nil {
		return err
	}
	for _, ci := range changes {
		go c.dispatch(gen, ci.Key, ci.State, ci.Version)
	}
	return nil
}

func (c *Controller) dispatch(gen context.Context, key objectkey.ObjectKey, state changelog.ChangeState, version int64) {
	if state == changelog.Unchanged {
		return
	}
	if err := c.sem.Acquire(gen, 1); err != nil {
		// generation was cancelled (connection lost) before a slot
		// opened; the entry stays pending and is retried on reconnect.
		return
	}
	defer c.sem.Release(1)

	c.inflight.Add(1)
	defer c.inflight.Add(-1)

	switch state {
	case changelog.Changed:
		value, version, err := c.store.LoadWithVersion(gen, key)
		if err != nil {
			c.logger.Debug().Err(err).Str("key", key.String()).Msg("load for upload failed, skipping")
			return
		}
		if err := c.uploader.Upload(gen, key, version, value); err != nil {
			c.logger.Warn().Err(err).Str("key", key.String()).Msg("upload failed, will retry on reconnect")
		}
	case changelog.Deleted:
		if err := c.uploader.Remove(gen, key, version); err != nil {
			c.logger.Warn().Err(err).Str("key", key.String()).Msg("remove upload failed, will retry on reconnect")
		}
	}
}
