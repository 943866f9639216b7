package websocket

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/eventsocket"
	"github.com/luciancaetano/eventsocket/internal/handshake"
	"github.com/luciancaetano/eventsocket/internal/protocol"
)

// HandlerFn is invoked once for every connection that completes the
// handshake on the path it was registered for.
type HandlerFn = func(conn eventsocket.Connection)

// OnConnectFn is called for every new connection regardless of path, before
// the path handler.
type OnConnectFn = func(conn eventsocket.Connection)

// OnDisconnectFn is called once a connection has been pruned from the
// registry. voluntary is true when the peer sent a close frame.
type OnDisconnectFn = func(conn eventsocket.Connection, voluntary bool)

const (
	DefaultAddr              = ":8080"
	DefaultReadTimeout       = 60 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultPingInterval      = 54 * time.Second
	DefaultMaxPendingFrames  = 256
	DefaultQueuePollInterval = time.Second
	DefaultQueueBatchSize    = 100
)

// RateLimitConfig defines rate limiting of inbound messages per connection
type RateLimitConfig struct {
	// MessagesPerSecond defines how many messages a client can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 messages per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

func (c *RateLimitConfig) newLimiter() *rate.Limiter {
	if c == nil || !c.Enabled {
		return nil
	}
	return rate.NewLimiter(c.MessagesPerSecond, c.Burst)
}

// ServerConfig configures a Server. Zero fields fall back to defaults when
// passed to New.
type ServerConfig struct {
	// Addr is the host:port to bind, e.g. ":8080" or "127.0.0.1:0".
	Addr string
	// MaxConnections caps concurrently accepted sockets. Zero means no cap.
	MaxConnections int

	HandshakeTimeout time.Duration
	MaxHeaderBytes   int

	// ReadTimeout is how long a connection may stay silent. Pongs to the
	// server's keepalive pings count as traffic.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration

	// MaxFrameSize caps the declared payload of one inbound frame.
	MaxFrameSize int64
	// MaxPendingFrames bounds each connection's outbound queue; a
	// connection whose queue is full is dropped.
	MaxPendingFrames int

	RateLimitConfig *RateLimitConfig

	// QueueDir enables the file event bridge when non-empty.
	QueueDir          string
	QueuePollInterval time.Duration
	// QueueBatchSize caps files drained per poll. Zero or less means no cap.
	QueueBatchSize int

	OnConnect    OnConnectFn
	OnDisconnect OnDisconnectFn

	Logger *zap.Logger
}

// DefaultServerConfig returns a configuration with every field at its default.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:              DefaultAddr,
		HandshakeTimeout:  handshake.DefaultTimeout,
		MaxHeaderBytes:    handshake.DefaultMaxHeaderBytes,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		PingInterval:      DefaultPingInterval,
		MaxFrameSize:      protocol.DefaultMaxPayload,
		MaxPendingFrames:  DefaultMaxPendingFrames,
		RateLimitConfig:   DefaultRateLimitConfig(),
		QueuePollInterval: DefaultQueuePollInterval,
		QueueBatchSize:    DefaultQueueBatchSize,
	}
}

// sanitize returns a copy with zero values replaced by defaults.
func (c *ServerConfig) sanitize() *ServerConfig {
	out := DefaultServerConfig()
	if c == nil {
		out.Logger = zap.NewNop()
		return out
	}

	cfg := *c
	if cfg.Addr == "" {
		cfg.Addr = out.Addr
	}
	if cfg.MaxConnections < 0 {
		cfg.MaxConnections = 0
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = out.HandshakeTimeout
	}
	if cfg.MaxHeaderBytes <= 0 {
		cfg.MaxHeaderBytes = out.MaxHeaderBytes
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = out.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = out.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = out.PingInterval
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = out.MaxFrameSize
	}
	if cfg.MaxPendingFrames <= 0 {
		cfg.MaxPendingFrames = out.MaxPendingFrames
	}
	if cfg.RateLimitConfig == nil {
		cfg.RateLimitConfig = out.RateLimitConfig
	}
	if cfg.QueuePollInterval <= 0 {
		cfg.QueuePollInterval = out.QueuePollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &cfg
}
