package facade

import (
	"context"

	"github.com/relaysync/engine/pkg/localstore"
	"github.com/relaysync/engine/pkg/objectkey"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultWorkQueueCapacity = 64

// DataChangeEvent mirrors a single record's change, surfaced to
// applications as the dataChanged stream.
type DataChangeEvent struct {
	TypeName   string
	Key        string
	WasDeleted bool
}

// Store is the Async Data Store Facade: every operation below marshals
// onto one owning goroutine and returns a Task fulfilled by it.
type Store struct {
	ls     *localstore.Store
	work   chan func()
	logger zerolog.Logger

	dataChanged  chan DataChangeEvent
	dataResetted chan struct{}
	onEvent      func(localstore.Event)

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Store at construction time.
type Option func(*Store)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func WithWorkQueueCapacity(n int) Option {
	return func(s *Store) { s.work = make(chan func(), n) }
}

// WithLocalEventHook registers a callback invoked for every Local Store
// event the facade's pump consumes, in addition to the public
// DataChanged/DataResetted streams. The engine uses this to feed the
// Change Controller without opening a second reader on the same
// Local Store event channel.
func WithLocalEventHook(fn func(localstore.Event)) Option {
	return func(s *Store) { s.onEvent = fn }
}

// New creates a Store over ls and starts its owning goroutine.
func New(ls *localstore.Store, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		ls:           ls,
		work:         make(chan func(), defaultWorkQueueCapacity),
		logger:       log.Logger.With().Str("component", "facade").Logger(),
		dataChanged:  make(chan DataChangeEvent, 256),
		dataResetted: make(chan struct{}, 16),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.runWorker(ctx)
	go s.pumpLocalEvents(ctx)
	return s
}

// Close stops the owning goroutine and the event pump. In-flight tasks
// already dispatched still run to completion; Close does not wait for
// them beyond the bounded drain below.
func (s *Store) Close() {
	s.cancel()
	<-s.done
}

// DataChanged streams per-record change notifications.
func (s *Store) DataChanged() <-chan DataChangeEvent {
	return s.dataChanged
}

// DataResetted streams store-wide reset notifications.
func (s *Store) DataResetted() <-chan struct{} {
	return s.dataResetted
}

func (s *Store) runWorker(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			// bounded drain: run whatever was already queued, then stop.
			for {
				select {
				case fn := <-s.work:
					fn()
				default:
					return
				}
			}
		case fn := <-s.work:
			fn()
		}
	}
}

func (s *Store) pumpLocalEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.ls.Events():
			if !ok {
				return
			}
			s.relay(ev)
		}
	}
}

func (s *Store) relay(ev localstore.Event) {
	if s.onEvent != nil {
		s.onEvent(ev)
	}
	switch ev.Kind {
	case localstore.EventChanged:
		select {
		case s.dataChanged <- DataChangeEvent{TypeName: ev.Key.TypeName, Key: ev.Key.ID, WasDeleted: ev.WasDeleted}:
		default:
			s.logger.Warn().Str("key", ev.Key.String()).Msg("dataChanged listener backlog full, dropping event")
		}
	case localstore.EventReset:
		select {
		case s.dataResetted <- struct{}{}:
		default:
			s.logger.Warn().Msg("dataResetted listener backlog full, dropping event")
		}
	case localstore.EventTypeCleared:
		// clear() has no dedicated facade stream; it is observed
		// indirectly by the next count/keys/find call returning empty.
		s.logger.Debug().Str("type", ev.TypeName).Msg("type cleared")
	}
}

func (s *Store) dispatch(fn func()) {
	s.work <- fn
}

// Count returns the number of records of typeName.
func (s *Store) Count(typeName string) *Task[uint64] {
	task, fulfil := newTask[uint64]()
	s.dispatch(func() {
		n, err := s.ls.Count(context.Background(), typeName)
		fulfil(n, err)
	})
	return task
}

// Keys returns every id of typeName.
func (s *Store) Keys(typeName string) *Task[[]string] {
	task, fulfil := newTask[[]string]()
	s.dispatch(func() {
		keys, err := s.ls.Keys(context.Background(), typeName)
		fulfil(keys, err)
	})
	return task
}

// LoadAll returns every payload of typeName.
func (s *Store) LoadAll(typeName string) *Task[[]map[string]any] {
	task, fulfil := newTask[[]map[string]any]()
	s.dispatch(func() {
		all, err := s.ls.LoadAll(context.Background(), typeName)
		fulfil(all, err)
	})
	return task
}

// Load returns the payload for typeName/id.
func (s *Store) Load(typeName, id string) *Task[map[string]any] {
	task, fulfil := newTask[map[string]any]()
	s.dispatch(func() {
		value, err := s.ls.Load(context.Background(), objectkey.New(typeName, id))
		fulfil(value, err)
	})
	return task
}

// Save creates or updates typeName/id with value.
func (s *Store) Save(typeName, id string, value map[string]any) *Task[struct{}] {
	task, fulfil := newTask[struct{}]()
	s.dispatch(func() {
		err := s.ls.Save(context.Background(), objectkey.New(typeName, id), value)
		fulfil(struct{}{}, err)
	})
	return task
}

// Remove deletes typeName/id, reporting whether it existed.
func (s *Store) Remove(typeName, id string) *Task[bool] {
	task, fulfil := newTask[bool]()
	s.dispatch(func() {
		existed, err := s.ls.Remove(context.Background(), objectkey.New(typeName, id))
		fulfil(existed, err)
	})
	return task
}

// Find returns every payload of typeName whose id matches the glob
// pattern (`*` any sequence, `?` one character).
func (s *Store) Find(typeName, pattern string) *Task[[]map[string]any] {
	task, fulfil := newTask[[]map[string]any]()
	s.dispatch(func() {
		matches, err := s.ls.Find(context.Background(), typeName, pattern)
		fulfil(matches, err)
	})
	return task
}

// Clear drops every record of typeName.
func (s *Store) Clear(typeName string) *Task[struct{}] {
	task, fulfil := newTask[struct{}]()
	s.dispatch(func() {
		err := s.ls.Clear(context.Background(), typeName)
		fulfil(struct{}{}, err)
	})
	return task
}

// Reset drops the entire store (all types, local-only).
func (s *Store) Reset() *Task[struct{}] {
	task, fulfil := newTask[struct{}]()
	s.dispatch(func() {
		err := s.ls.Reset(context.Background())
		fulfil(struct{}{}, err)
	})
	return task
}
