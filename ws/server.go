package ws

import (
	"github.com/luciancaetano/eventsocket"
	"github.com/luciancaetano/eventsocket/internal/bridge"
	"github.com/luciancaetano/eventsocket/internal/websocket"
)

type RateLimitConfig = websocket.RateLimitConfig
type HandlerFn = websocket.HandlerFn
type OnConnectFn = websocket.OnConnectFn
type OnDisconnectFn = websocket.OnDisconnectFn
type ServerConfig = *websocket.ServerConfig

// QueuedEvent is the on-disk form of an event written by QueueEvent.
type QueuedEvent = bridge.Event

// New creates a WebSocket server from cfg. A nil cfg uses DefaultConfig().
//
// Example:
//
//	cfg := ws.DefaultConfig()
//	cfg.Addr = ":8080"
//	cfg.QueueDir = "/var/spool/eventsocket"
//	cfg.OnConnect = func(conn eventsocket.Connection) {
//	    log.Printf("connected: %s", conn.ID())
//	}
//	server := ws.New(cfg)
func New(cfg ServerConfig) eventsocket.Server {
	return websocket.New(cfg)
}

// DefaultConfig returns a configuration populated with defaults.
func DefaultConfig() ServerConfig {
	return websocket.DefaultServerConfig()
}

// NewConfig creates a configuration for addr with the given rate limit and
// callbacks; every other field takes its default.
func NewConfig(addr string, rateLimitConfig *RateLimitConfig, onConnect OnConnectFn, onDisconnect OnDisconnectFn) ServerConfig {
	cfg := websocket.DefaultServerConfig()
	cfg.Addr = addr
	if rateLimitConfig != nil {
		cfg.RateLimitConfig = rateLimitConfig
	}
	cfg.OnConnect = onConnect
	cfg.OnDisconnect = onDisconnect
	return cfg
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return websocket.NoRateLimit()
}

// QueueEvent writes an event for a server draining dir to broadcast. It is
// meant for producers running outside the server process. It creates dir
// when missing and returns false, never panicking, when the event cannot
// be written.
//
// Example:
//
//	if !ws.QueueEvent("/var/spool/eventsocket", "deploy", map[string]string{"rev": rev}) {
//	    log.Print("event not queued")
//	}
func QueueEvent(dir, event string, payload any) bool {
	return bridge.Enqueue(dir, event, payload)
}
