package engine

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultCacheBudgetBytes = 256 << 20
	defaultConcurrency      = 4
	defaultKeepalive        = 30 * time.Second
	defaultSyncIdleWindow   = 400 * time.Millisecond
)

// Config builds a Setup. It is a programmatic builder, not a file or env
// loader: the recognized keys of spec.md §6 (remoteEnabled, remoteUrl,
// accessKey, headers, keepaliveTimeout, deviceName, CacheSize) each have a
// With* option below.
type Config struct {
	storageRoot string

	remoteEnabled bool
	remoteURL     string
	accessKey     string
	headers       http.Header
	keepalive     time.Duration
	deviceName    string
	deviceID      string

	cacheBudgetBytes int64
	concurrency      int64
	syncIdleWindow   time.Duration

	logger       zerolog.Logger
	fatalHandler func(error)
}

// Option configures a Config.
type Option func(*Config)

func NewConfig(storageRoot string, opts ...Option) Config {
	c := Config{
		storageRoot:      storageRoot,
		keepalive:        defaultKeepalive,
		cacheBudgetBytes: defaultCacheBudgetBytes,
		concurrency:      defaultConcurrency,
		syncIdleWindow:   defaultSyncIdleWindow,
		logger:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func WithRemoteEnabled(enabled bool) Option {
	return func(c *Config) { c.remoteEnabled = enabled }
}

func WithRemoteURL(url string) Option {
	return func(c *Config) { c.remoteURL = url }
}

func WithAccessKey(key string) Option {
	return func(c *Config) { c.accessKey = key }
}

func WithHeaders(h http.Header) Option {
	return func(c *Config) { c.headers = h }
}

// WithKeepaliveInterval overrides the PING interval (spec's
// keepaliveTimeout configuration key).
func WithKeepaliveInterval(d time.Duration) Option {
	return func(c *Config) { c.keepalive = d }
}

func WithDeviceName(name string) Option {
	return func(c *Config) { c.deviceName = name }
}

// WithDeviceID resumes a previously registered device instead of
// registering a new one.
func WithDeviceID(id string) Option {
	return func(c *Config) { c.deviceID = id }
}

// WithCacheBudget sets the LRU payload cache's byte budget (spec's
// CacheSize configuration key).
func WithCacheBudget(bytes int64) Option {
	return func(c *Config) { c.cacheBudgetBytes = bytes }
}

// WithConcurrency bounds how many uploads the Change Controller
// dispatches at once.
func WithConcurrency(n int64) Option {
	return func(c *Config) { c.concurrency = n }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Config) { c.logger = logger }
}

// WithFatalHandler is invoked every time the engine transitions to the
// Fatal state: on a Local Store invariant violation (from the goroutine
// running the failing write) and when the Remote Connector reports a
// fatal server error (from the connector's goroutine).
func WithFatalHandler(fn func(error)) Option {
	return func(c *Config) { c.fatalHandler = fn }
}

// WithSyncIdleWindow overrides how long the engine waits without local
// or remote activity before declaring SyncState Synced.
func WithSyncIdleWindow(d time.Duration) Option {
	return func(c *Config) { c.syncIdleWindow = d }
}
