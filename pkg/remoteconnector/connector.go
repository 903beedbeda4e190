package remoteconnector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/relaysync/engine/pkg/changelog"
	lserrors "github.com/relaysync/engine/pkg/errors"
	"github.com/relaysync/engine/pkg/localstore"
	"github.com/relaysync/engine/pkg/objectkey"
	"github.com/relaysync/engine/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Connector is the Remote Connector: it owns the single long-lived
// duplex connection to the relay server and drives the handshake,
// keepalive, upload/download and resync protocol on one dedicated
// worker, per Run's caller.
type Connector struct {
	store *localstore.Store
	url   string
	dial  dialer

	accessKey         string
	deviceName        string
	headers           http.Header
	keepaliveInterval time.Duration
	logger            zerolog.Logger

	onUploadAck            func(ctx context.Context, key objectkey.ObjectKey, version int64) error
	onRemoveAck            func(ctx context.Context, key objectkey.ObjectKey, version int64) error
	onRemoteStateLoaded    func(canUpdate bool, remoteChanges []changelog.ChangedInfo)
	onAuthenticationFailed func(reason string)
	onRequestLocalResync   func(typeNames []string)
	onStateChange          func(State)

	mu       sync.Mutex
	state    State
	deviceID string
	conn     duplexConn
	writeMu  sync.Mutex
	backoff  backoffState

	pendingMu      sync.Mutex
	pendingUploads map[objectkey.ObjectKey]int64
	pendingRemoves map[objectkey.ObjectKey]int64

	lastPingAt time.Time
	lastPongAt time.Time
}

// New creates a Connector bound to store, dialing url on Run.
func New(store *localstore.Store, url string, opts ...Option) *Connector {
	c := &Connector{
		store:             store,
		url:               url,
		dial:              newWebsocketDialer(),
		keepaliveInterval: defaultKeepaliveInterval,
		logger:            log.Logger.With().Str("component", "remoteconnector").Logger(),
		state:             Disconnected,
		pendingUploads:    make(map[objectkey.ObjectKey]int64),
		pendingRemoves:    make(map[objectkey.ObjectKey]int64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State reports the connector's current position in the state machine.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// DeviceID reports the device id assigned at registration, empty until
// the first successful handshake.
func (c *Connector) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

func (c *Connector) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.onStateChange != nil {
		c.onStateChange(s)
	}
}

// Run drives the reconnect loop until ctx is cancelled. Each iteration
// dials, performs the handshake and, on success, services frames until
// the connection breaks, then backs off before retrying.
func (c *Connector) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := c.runSession(ctx)
		if errors.Is(err, errFatal) {
			c.setState(Fatal)
			return
		}
		if errors.Is(err, errAuthFailed) {
			c.setState(Disconnected)
			return
		}
		if ctx.Err() != nil {
			return
		}

		delay := c.backoff.next()
		c.setState(Reconnecting)
		c.logger.Warn().Err(err).Dur("backoff", delay).Msg("connection lost, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

var (
	errFatal      = errors.New("remoteconnector: fatal error")
	errAuthFailed = errors.New("remoteconnector: authentication failed")
)

// runSession dials once, performs the handshake, and services frames
// until the connection ends. It returns nil only when ctx is cancelled.
func (c *Connector) runSession(ctx context.Context) error {
	conn, err := c.dial.Dial(ctx, c.url, c.headers)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(Connected)
	defer func() {
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	if err := c.handshake(ctx); err != nil {
		return err
	}

	c.backoff.reset()
	c.setState(Idle)

	keepaliveCtx, stopKeepalive := context.WithCancel(ctx)
	defer stopKeepalive()
	keepaliveDone := make(chan struct{})
	go func() {
		defer close(keepaliveDone)
		c.runKeepalive(keepaliveCtx)
	}()

	err = c.serve(ctx)
	stopKeepalive()
	<-keepaliveDone
	return err
}

// handshake performs IDENTIFY followed by ACCOUNT (unknown device) or
// LOGIN (known device), and waits for WELCOME.
func (c *Connector) handshake(ctx context.Context) error {
	c.mu.Lock()
	deviceID := c.deviceID
	c.mu.Unlock()

	if err := c.writeMessage(protocol.TagIdentify, protocol.IdentifyMessage{
		DeviceID:        deviceID,
		ProtocolVersion: protocol.Version,
	}); err != nil {
		return fmt.Errorf("send identify: %w", err)
	}

	if deviceID == "" {
		c.setState(Registering)
		if err := c.writeMessage(protocol.TagAccount, protocol.AccountMessage{
			AccessKey:  c.accessKey,
			DeviceName: c.deviceName,
		}); err != nil {
			return fmt.Errorf("send account: %w", err)
		}
	} else {
		c.setState(LoggingIn)
		if err := c.writeMessage(protocol.TagLogin, protocol.LoginMessage{
			DeviceID:  deviceID,
			AccessKey: c.accessKey,
		}); err != nil {
			return fmt.Errorf("send login: %w", err)
		}
	}

	frame, err := c.readFrame()
	if err != nil {
		return fmt.Errorf("read handshake reply: %w", err)
	}
	defer protocol.ReleaseFrame(frame)

	switch frame.Header.Tag {
	case protocol.TagWelcome:
		var welcome protocol.WelcomeMessage
		if err := protocol.Decode(frame, &welcome); err != nil {
			return fmt.Errorf("decode welcome: %w", err)
		}
		c.mu.Lock()
		if welcome.DeviceID != "" {
			c.deviceID = welcome.DeviceID
		}
		c.mu.Unlock()
		if c.onRemoteStateLoaded != nil {
			c.onRemoteStateLoaded(welcome.CanUpdate, convertRemoteChanges(welcome.RemoteChanges))
		}
		return nil
	case protocol.TagError:
		var errMsg protocol.ErrorMessage
		_ = protocol.Decode(frame, &errMsg)
		if c.onAuthenticationFailed != nil {
			c.onAuthenticationFailed(errMsg.Reason)
		}
		if errMsg.Fatal {
			return errFatal
		}
		return errAuthFailed
	default:
		return &lserrors.ProtocolError{Reason: fmt.Sprintf("unexpected frame %s during handshake", frame.Header.Tag)}
	}
}

func convertRemoteChanges(in []protocol.RemoteChangeInfo) []changelog.ChangedInfo {
	out := make([]changelog.ChangedInfo, 0, len(in))
	for _, rc := range in {
		out = append(out, changelog.ChangedInfo{
			Key:   objectkey.New(rc.TypeName, rc.Key),
			State: changelog.ChangeState(rc.State),
		})
	}
	return out
}

// serve reads frames until the connection breaks or ctx is cancelled.
func (c *Connector) serve(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		frame, err := c.readFrame()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		c.handleFrame(ctx, frame)
		protocol.ReleaseFrame(frame)
	}
}

func (c *Connector) handleFrame(ctx context.Context, frame *protocol.Frame) {
	switch frame.Header.Tag {
	case protocol.TagData:
		c.handleData(ctx, frame)
	case protocol.TagDelete:
		c.handleDelete(ctx, frame)
	case protocol.TagMarkUnchanged:
		c.handleMarkUnchanged(ctx, frame)
	case protocol.TagPing:
		_ = c.writeMessage(protocol.TagPong, nil)
	case protocol.TagPong:
		c.mu.Lock()
		c.lastPongAt = time.Now()
		c.mu.Unlock()
	case protocol.TagResync:
		c.logger.Debug().Msg("server acknowledged resync request")
	case protocol.TagError:
		var errMsg protocol.ErrorMessage
		_ = protocol.Decode(frame, &errMsg)
		c.logger.Warn().Str("reason", errMsg.Reason).Bool("fatal", errMsg.Fatal).Msg("server error frame")
	default:
		c.logger.Warn().Str("tag", frame.Header.Tag.String()).Msg("unexpected frame in idle state")
	}
}

func (c *Connector) handleData(ctx context.Context, frame *protocol.Frame) {
	var msg protocol.DataMessage
	if err := protocol.Decode(frame, &msg); err != nil {
		c.logger.Warn().Err(err).Msg("corrupted DATA frame, requesting resync")
		c.requestResyncFor(msg.TypeName)
		return
	}

	key := objectkey.New(msg.TypeName, msg.Key)
	_, localVersion, err := c.store.LoadWithVersion(ctx, key)
	var nf *lserrors.NotFoundError
	if err != nil && !errors.As(err, &nf) {
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("load before apply failed, requesting resync")
		c.requestResyncFor(msg.TypeName)
		return
	}
	present := !errors.As(err, &nf)
	if present && msg.Version <= localVersion {
		return // stale, ignore
	}

	if err := c.store.Save(ctx, key, msg.Payload); err != nil {
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("apply remote DATA failed")
		return
	}
	if err := c.writeMessage(protocol.TagMarkUnchanged, protocol.MarkUnchangedMessage{
		TypeName: msg.TypeName,
		Key:      msg.Key,
		Version:  msg.Version,
	}); err != nil {
		c.logger.Warn().Err(err).Msg("send mark-unchanged after apply failed")
	}
}

func (c *Connector) handleDelete(ctx context.Context, frame *protocol.Frame) {
	var msg protocol.DeleteMessage
	if err := protocol.Decode(frame, &msg); err != nil {
		c.logger.Warn().Err(err).Msg("corrupted DELETE frame, requesting resync")
		c.requestResyncFor(msg.TypeName)
		return
	}

	key := objectkey.New(msg.TypeName, msg.Key)
	_, localVersion, err := c.store.LoadWithVersion(ctx, key)
	var nf *lserrors.NotFoundError
	if err != nil && !errors.As(err, &nf) {
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("load before remove failed, requesting resync")
		c.requestResyncFor(msg.TypeName)
		return
	}
	present := !errors.As(err, &nf)
	if present && msg.Version <= localVersion {
		return // stale, ignore
	}

	if _, err := c.store.Remove(ctx, key); err != nil {
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("apply remote DELETE failed")
		return
	}
	if err := c.writeMessage(protocol.TagMarkUnchanged, protocol.MarkUnchangedMessage{
		TypeName: msg.TypeName,
		Key:      msg.Key,
		Version:  msg.Version,
	}); err != nil {
		c.logger.Warn().Err(err).Msg("send mark-unchanged after remove failed")
	}
}

func (c *Connector) handleMarkUnchanged(ctx context.Context, frame *protocol.Frame) {
	var msg protocol.MarkUnchangedMessage
	if err := protocol.Decode(frame, &msg); err != nil {
		c.logger.Warn().Err(err).Msg("corrupted MARK_UNCHANGED frame")
		return
	}
	key := objectkey.New(msg.TypeName, msg.Key)

	c.pendingMu.Lock()
	if removeVersion, ok := c.pendingRemoves[key]; ok {
		if removeVersion != msg.Version {
			// superseded by a newer delete for the same key: drop it.
			c.pendingMu.Unlock()
			return
		}
		delete(c.pendingRemoves, key)
		c.pendingMu.Unlock()
		if c.onRemoveAck != nil {
			if err := c.onRemoveAck(ctx, key, msg.Version); err != nil {
				c.logger.Warn().Err(err).Str("key", key.String()).Msg("remove-ack handler failed")
			}
		}
		return
	}
	sentVersion, ok := c.pendingUploads[key]
	c.pendingMu.Unlock()

	if !ok || sentVersion != msg.Version {
		// superseded by a newer upload for the same key, or an ack for a
		// request we never made: drop it.
		return
	}
	c.pendingMu.Lock()
	delete(c.pendingUploads, key)
	c.pendingMu.Unlock()

	if c.onUploadAck != nil {
		if err := c.onUploadAck(ctx, key, msg.Version); err != nil {
			c.logger.Warn().Err(err).Str("key", key.String()).Msg("upload-ack handler failed")
		}
	}
}

func (c *Connector) requestResyncFor(typeName string) {
	if c.onRequestLocalResync != nil {
		c.onRequestLocalResync([]string{typeName})
	}
}

// Upload sends a DATA frame for key at version, pre-empting any earlier
// pending upload for the same key. It satisfies changecontroller.Uploader.
func (c *Connector) Upload(ctx context.Context, key objectkey.ObjectKey, version int64, payload map[string]any) error {
	if c.State() != Idle {
		return &lserrors.OfflineError{Op: "upload " + key.String()}
	}

	c.pendingMu.Lock()
	c.pendingUploads[key] = version
	c.pendingMu.Unlock()

	return c.writeMessage(protocol.TagData, protocol.DataMessage{
		TypeName: key.TypeName,
		Key:      key.ID,
		Version:  version,
		Payload:  payload,
	})
}

// Remove sends a DELETE frame for key at version (the tombstone version
// computed when the record was removed locally, always strictly greater
// than the record's last live version). It satisfies
// changecontroller.Uploader: without a real version here, a peer's
// stale check on the incoming DELETE would always treat it as older
// than whatever it already has and silently discard it.
func (c *Connector) Remove(ctx context.Context, key objectkey.ObjectKey, version int64) error {
	if c.State() != Idle {
		return &lserrors.OfflineError{Op: "remove " + key.String()}
	}

	c.pendingMu.Lock()
	c.pendingRemoves[key] = version
	c.pendingMu.Unlock()

	return c.writeMessage(protocol.TagDelete, protocol.DeleteMessage{
		TypeName: key.TypeName,
		Key:      key.ID,
		Version:  version,
	})
}

// TriggerResync sends an explicit RESYNC request for typeNames (empty
// means every type).
func (c *Connector) TriggerResync(typeNames []string) error {
	if c.State() != Idle {
		return &lserrors.OfflineError{Op: "resync"}
	}
	return c.writeMessage(protocol.TagResync, protocol.ResyncMessage{TypeNames: typeNames})
}

func (c *Connector) runKeepalive(ctx context.Context) {
	ticker := time.NewTicker(c.keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			unanswered := !c.lastPingAt.IsZero() && c.lastPongAt.Before(c.lastPingAt)
			c.mu.Unlock()
			if unanswered {
				c.logger.Warn().Msg("keepalive timeout, tearing down connection")
				c.mu.Lock()
				if c.conn != nil {
					c.conn.Close()
				}
				c.mu.Unlock()
				return
			}
			c.mu.Lock()
			c.lastPingAt = time.Now()
			c.mu.Unlock()
			if err := c.writeMessage(protocol.TagPing, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connector) writeMessage(tag protocol.Tag, payload any) error {
	var data []byte
	if payload != nil {
		var err error
		data, err = bson.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s: %w", tag, err)
		}
	}

	var buf bytes.Buffer
	if err := protocol.WriteFrame(&buf, tag, data); err != nil {
		return fmt.Errorf("write %s frame: %w", tag, err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return &lserrors.OfflineError{Op: "write " + tag.String()}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, buf.Bytes())
}

func (c *Connector) readFrame() (*protocol.Frame, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, &lserrors.OfflineError{Op: "read"}
	}

	// A generous multiple of the keepalive interval: the runKeepalive
	// goroutine already tears the connection down on an unanswered PING,
	// this is a second, independent backstop so a read never blocks
	// forever if keepalive itself stalls or the transport goes quiet
	// without closing.
	if err := conn.SetReadDeadline(time.Now().Add(3 * c.keepaliveInterval)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.ReadFrame(bytes.NewReader(data))
}
