// Package engine composes the Local Store, Change Log, Change
// Controller, Remote Connector and Async Data Store Facade into a single
// named Setup, and keeps the process-wide registry of Setups spec.md §6
// describes.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/relaysync/engine/pkg/changecontroller"
	"github.com/relaysync/engine/pkg/changelog"
	lserrors "github.com/relaysync/engine/pkg/errors"
	"github.com/relaysync/engine/pkg/facade"
	"github.com/relaysync/engine/pkg/localstore"
	"github.com/relaysync/engine/pkg/remoteconnector"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Setup is a named engine instance with its own storage root and
// configuration.
type Setup struct {
	name   string
	cfg    Config
	logger zerolog.Logger

	db         *sql.DB
	local      *localstore.Store
	controller *changecontroller.Controller
	connector  *remoteconnector.Connector
	Facade     *facade.Store

	mu       sync.Mutex
	state    SyncState
	stateCh  chan SyncState
	idleTime *time.Timer

	cancel context.CancelFunc
	runDone chan struct{}
}

func newSetup(name string, cfg Config) (*Setup, error) {
	if err := os.MkdirAll(cfg.storageRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(cfg.storageRoot, "store.db"))
	if err != nil {
		return nil, fmt.Errorf("open store.db: %w", err)
	}

	logger := cfg.logger.With().Str("setup", name).Logger()

	s := &Setup{
		name:    name,
		cfg:     cfg,
		logger:  logger,
		db:      db,
		stateCh: make(chan SyncState, 16),
		state:   Offline,
		runDone: make(chan struct{}),
	}

	local, err := localstore.New(db, cfg.storageRoot,
		localstore.WithCacheBudget(cfg.cacheBudgetBytes),
		localstore.WithLogger(logger),
		localstore.WithFatalHandler(s.handleFatal),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open local store: %w", err)
	}
	s.local = local

	s.Facade = facade.New(local,
		facade.WithLogger(logger),
		facade.WithLocalEventHook(s.onLocalEvent),
	)

	if cfg.remoteEnabled {
		s.connector = remoteconnector.New(local, cfg.remoteURL,
			remoteconnector.WithAccessKey(cfg.accessKey),
			remoteconnector.WithDeviceID(cfg.deviceID),
			remoteconnector.WithDeviceName(cfg.deviceName),
			remoteconnector.WithHeaders(cfg.headers),
			remoteconnector.WithKeepaliveInterval(cfg.keepalive),
			remoteconnector.WithLogger(logger),
		)
		s.controller = changecontroller.New(local, s.connector,
			changecontroller.WithConcurrency(cfg.concurrency),
			changecontroller.WithLogger(logger),
		)

		// The controller needs a concrete Uploader (the connector) at
		// construction time; the connector's ack callbacks need the
		// controller. Neither package imports the other, so the cycle
		// closes here with post-construction setters.
		s.connector.SetUploadAckHandler(s.controller.HandleUploadAck)
		s.connector.SetRemoveAckHandler(s.controller.HandleRemoveAck)
		s.connector.SetRemoteStateLoadedHandler(s.onRemoteStateLoaded)
		s.connector.SetAuthenticationFailedHandler(s.onAuthenticationFailed)
		s.connector.SetRequestLocalResyncHandler(s.onRequestLocalResync)
		s.connector.SetStateChangeHandler(s.onConnectorStateChange)

		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		go func() {
			defer close(s.runDone)
			s.connector.Run(ctx)
		}()
	} else {
		s.cancel = func() {}
		close(s.runDone)
	}

	return s, nil
}

// State returns the current SyncState.
func (s *Setup) State() SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StateChanges streams every SyncState transition.
func (s *Setup) StateChanges() <-chan SyncState {
	return s.stateCh
}

func (s *Setup) setState(next SyncState) {
	s.mu.Lock()
	changed := s.state != next
	s.state = next
	s.mu.Unlock()

	if !changed {
		return
	}
	select {
	case s.stateCh <- next:
	default:
		s.logger.Warn().Str("state", next.String()).Msg("state listener backlog full, dropping transition")
	}
}

func (s *Setup) onConnectorStateChange(cs remoteconnector.State) {
	switch cs {
	case remoteconnector.Disconnected, remoteconnector.Reconnecting:
		s.controller.OnDisconnected()
		s.cancelIdleTimer()
		s.setState(Offline)
	case remoteconnector.Connected, remoteconnector.Registering, remoteconnector.LoggingIn:
		s.setState(Connecting)
	case remoteconnector.Idle:
		s.setState(Loading)
		go func() {
			if err := s.controller.OnConnected(context.Background()); err != nil {
				s.logger.Warn().Err(err).Msg("dispatch of pending local changes failed")
			}
		}()
	case remoteconnector.Fatal:
		s.logger.Error().Msg("remote connector entered a fatal state")
		s.cancelIdleTimer()
		s.setState(Fatal)
		if s.cfg.fatalHandler != nil {
			s.cfg.fatalHandler(&lserrors.FatalError{Reason: "server reported a fatal error"})
		}
	}
}

func (s *Setup) onRemoteStateLoaded(canUpdate bool, remoteChanges []changelog.ChangedInfo) {
	if len(remoteChanges) == 0 && !s.controller.Uploading() {
		s.setState(Synced)
		return
	}
	s.setState(Syncing)
	s.armIdleTimer()
}

func (s *Setup) onAuthenticationFailed(reason string) {
	s.logger.Error().Str("reason", reason).Msg("authentication failed")
}

func (s *Setup) onRequestLocalResync(typeNames []string) {
	if err := s.controller.RequestResync(context.Background(), typeNames); err != nil {
		s.logger.Warn().Err(err).Strs("types", typeNames).Msg("resync request failed")
	}
}

// onLocalEvent feeds the Change Controller from the single Local Store
// event reader the facade owns, and treats any event as sync activity
// worth delaying the Synced transition for.
func (s *Setup) onLocalEvent(ev localstore.Event) {
	if s.controller != nil {
		s.controller.HandleLocalEvent(context.Background(), ev)
	}
	if s.State() == Syncing {
		s.armIdleTimer()
	}
}

func (s *Setup) armIdleTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleTime != nil {
		s.idleTime.Stop()
	}
	s.idleTime = time.AfterFunc(s.cfg.syncIdleWindow, func() {
		s.mu.Lock()
		stillConnecting := s.state == Syncing || s.state == Loading
		s.mu.Unlock()
		if stillConnecting && !s.controller.Uploading() {
			s.setState(Synced)
		}
	})
}

func (s *Setup) cancelIdleTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleTime != nil {
		s.idleTime.Stop()
		s.idleTime = nil
	}
}

func (s *Setup) handleFatal(err error) {
	s.logger.Error().Err(err).Msg("entering fatal state")
	s.cancelIdleTimer()
	s.setState(Fatal)
	if s.cfg.fatalHandler != nil {
		s.cfg.fatalHandler(&lserrors.FatalError{Reason: "local store invariant violated", Err: err})
	}
}

// DeviceID returns the device identity assigned by the server, or the
// empty string before registration completes (or if the Remote Connector
// is disabled).
func (s *Setup) DeviceID() string {
	if s.connector == nil {
		return ""
	}
	return s.connector.DeviceID()
}

// TriggerResync marks every record of the given types Changed and, if
// connected, requests the server resend its authoritative copies.
func (s *Setup) TriggerResync(typeNames []string) error {
	if s.controller == nil {
		return &lserrors.OfflineError{Op: "triggerResync"}
	}
	if err := s.controller.RequestResync(context.Background(), typeNames); err != nil {
		return err
	}
	if s.connector.State() != remoteconnector.Idle {
		return nil
	}
	return s.connector.TriggerResync(typeNames)
}

// close tears the Setup down: stops the Remote Connector's reconnect
// loop, closes the Facade's worker, unsubscribes the Local Store and
// closes the database handle it owns.
func (s *Setup) close(waitTimeout time.Duration) error {
	s.cancel()

	select {
	case <-s.runDone:
	case <-time.After(waitTimeout):
		s.logger.Warn().Msg("remote connector did not stop within the teardown timeout")
	}

	s.Facade.Close()
	s.local.Close()
	return s.db.Close()
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Setup{}
)

// DefaultSetup is the name used when CreateSetup/RemoveSetup are called
// without an explicit one.
const DefaultSetup = "default"

// DefaultTeardownTimeout bounds how long RemoveSetup waits for the
// Remote Connector to stop before giving up and closing storage anyway.
const DefaultTeardownTimeout = 5 * time.Second

// CreateSetup creates (or returns the existing) named Setup. Creation is
// idempotent per name: a second call with the same name returns the
// already-running instance and ignores cfg.
func CreateSetup(name string, cfg Config) (*Setup, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if existing, ok := registry[name]; ok {
		return existing, nil
	}
	s, err := newSetup(name, cfg)
	if err != nil {
		return nil, err
	}
	registry[name] = s
	return s, nil
}

// RemoveSetup tears an instance down with a bounded timeout. It is a
// no-op if name is not registered.
func RemoveSetup(name string, waitForFinished bool) error {
	registryMu.Lock()
	s, ok := registry[name]
	if ok {
		delete(registry, name)
	}
	registryMu.Unlock()
	if !ok {
		return nil
	}

	timeout := DefaultTeardownTimeout
	if !waitForFinished {
		timeout = 0
	}
	return s.close(timeout)
}
