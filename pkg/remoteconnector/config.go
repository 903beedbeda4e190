package remoteconnector

import (
	"context"
	"net/http"
	"time"

	"github.com/relaysync/engine/pkg/changelog"
	"github.com/relaysync/engine/pkg/objectkey"
	"github.com/rs/zerolog"
)

const defaultKeepaliveInterval = 30 * time.Second

// Option configures a Connector at construction time.
type Option func(*Connector)

// WithAccessKey sets the bearer credential sent during ACCOUNT/LOGIN.
func WithAccessKey(key string) Option {
	return func(c *Connector) { c.accessKey = key }
}

// WithDeviceID resumes a previously registered device instead of
// registering a new one.
func WithDeviceID(id string) Option {
	return func(c *Connector) { c.deviceID = id }
}

// WithDeviceName sets the human-readable label sent at registration.
func WithDeviceName(name string) Option {
	return func(c *Connector) { c.deviceName = name }
}

// WithHeaders attaches extra headers to the handshake request.
func WithHeaders(h http.Header) Option {
	return func(c *Connector) { c.headers = h }
}

// WithKeepaliveInterval overrides the default 30s PING interval.
func WithKeepaliveInterval(d time.Duration) Option {
	return func(c *Connector) { c.keepaliveInterval = d }
}

// WithLogger overrides the default logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Connector) { c.logger = logger }
}

// WithDialer overrides how the connector opens its socket; used by tests
// to substitute an in-process duplex instead of a live websocket.
func WithDialer(d dialer) Option {
	return func(c *Connector) { c.dial = d }
}

// WithUploadAckHandler is invoked when the server confirms it has the
// latest version of a record this connector uploaded.
func WithUploadAckHandler(fn func(ctx context.Context, key objectkey.ObjectKey, version int64) error) Option {
	return func(c *Connector) { c.onUploadAck = fn }
}

// WithRemoveAckHandler is invoked when the server confirms a delete this
// connector sent, at the version it was sent at.
func WithRemoveAckHandler(fn func(ctx context.Context, key objectkey.ObjectKey, version int64) error) Option {
	return func(c *Connector) { c.onRemoveAck = fn }
}

// WithRemoteStateLoadedHandler is invoked once per successful handshake,
// carrying the server's full change set and whether it can accept writes.
func WithRemoteStateLoadedHandler(fn func(canUpdate bool, remoteChanges []changelog.ChangedInfo)) Option {
	return func(c *Connector) { c.onRemoteStateLoaded = fn }
}

// WithAuthenticationFailedHandler is invoked when the server rejects
// IDENTIFY, ACCOUNT or LOGIN.
func WithAuthenticationFailedHandler(fn func(reason string)) Option {
	return func(c *Connector) { c.onAuthenticationFailed = fn }
}

// WithRequestLocalResyncHandler is invoked when the connector decides a
// full local resync is needed (e.g. a corrupted inbound payload).
func WithRequestLocalResyncHandler(fn func(typeNames []string)) Option {
	return func(c *Connector) { c.onRequestLocalResync = fn }
}

// WithStateChangeHandler is invoked on every state machine transition.
func WithStateChangeHandler(fn func(State)) Option {
	return func(c *Connector) { c.onStateChange = fn }
}

// The setters below mirror the With* options above but apply after
// construction. The Change Controller and the Remote Connector
// reference each other (the controller dispatches through the
// connector's Uploader surface; the connector reports acks back through
// these handlers), so the engine builds both, then closes the cycle with
// these setters instead of threading an import between the two packages.

func (c *Connector) SetUploadAckHandler(fn func(ctx context.Context, key objectkey.ObjectKey, version int64) error) {
	c.onUploadAck = fn
}

func (c *Connector) SetRemoveAckHandler(fn func(ctx context.Context, key objectkey.ObjectKey, version int64) error) {
	c.onRemoveAck = fn
}

func (c *Connector) SetRemoteStateLoadedHandler(fn func(canUpdate bool, remoteChanges []changelog.ChangedInfo)) {
	c.onRemoteStateLoaded = fn
}

func (c *Connector) SetAuthenticationFailedHandler(fn func(reason string)) {
	c.onAuthenticationFailed = fn
}

func (c *Connector) SetRequestLocalResyncHandler(fn func(typeNames []string)) {
	c.onRequestLocalResync = fn
}

func (c *Connector) SetStateChangeHandler(fn func(State)) {
	c.onStateChange = fn
}
