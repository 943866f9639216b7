package eventsocket

import (
	"context"
	"net"
)

// Server defines a WebSocket server that speaks JSON envelopes over text
// frames and fans every event out to all connected peers.
//
// Example usage:
//
//	import "github.com/luciancaetano/eventsocket/ws"
//
//	cfg := ws.DefaultConfig()
//	cfg.Addr = ":8080"
//	cfg.QueueDir = "/var/spool/eventsocket"
//	server := ws.New(cfg)
//
//	server.RegisterHandler(ctx, "/events", func(conn eventsocket.Connection) {
//	    conn.Send(ctx, "welcome", map[string]string{"id": conn.ID()})
//	})
//
//	server.Start(ctx)
type Server interface {
	// Start binds the listening socket and starts the reactor.
	//
	// Bind and listen failures are returned directly; nothing runs in that
	// case. Returns an error if the server is already running. Cancelling
	// ctx stops the server.
	Start(ctx context.Context) error

	// Stop closes the listener, sends a close frame to every live
	// connection, force-closes them and clears the registry. It is safe to
	// call more than once.
	Stop(ctx context.Context) error

	// RegisterHandler registers a callback for a request path.
	//
	// The handler runs once per connection whose handshake requested path,
	// in its own goroutine, so a slow handler does not hold up other
	// connections. Connections on paths without a handler are still
	// accepted and receive broadcasts.
	//
	// Example:
	//
	//	server.RegisterHandler(ctx, "/chat", func(conn eventsocket.Connection) {
	//	    log.Printf("joined: %s", conn.Header("User-Agent"))
	//	})
	RegisterHandler(ctx context.Context, path string, handler func(conn Connection)) error

	// Broadcast sends {event, payload, timestamp} to every connected peer.
	//
	// A peer that cannot take the message is marked disconnected and pruned;
	// the remaining peers still receive it. payload may be any value
	// encoding/json accepts, or a json.RawMessage.
	//
	// Example:
	//
	//	server.Broadcast(ctx, "price", map[string]float64{"btc": 64000})
	Broadcast(ctx context.Context, event string, payload any) error

	// Addr returns the bound listener address, or nil before Start.
	Addr() net.Addr

	// ConnectionCount returns the number of registered connections.
	ConnectionCount() int
}

// Connection represents one negotiated WebSocket peer.
//
// The connection's context is cancelled when it closes.
type Connection interface {
	// ID returns a unique identifier assigned at handshake.
	ID() string

	// RemoteAddr returns the peer address, e.g. "192.168.1.100:54321".
	RemoteAddr() string

	// Path returns the request path from the upgrade request line.
	Path() string

	// Header returns a request header from the upgrade request, matched
	// case-insensitively. Missing headers yield "".
	Header(name string) string

	// Headers returns a copy of all upgrade request headers.
	Headers() map[string]string

	// Context returns the connection's lifecycle context.
	//
	// Example:
	//
	//	go func() {
	//	    <-conn.Context().Done()
	//	    log.Printf("connection %s closed", conn.ID())
	//	}()
	Context() context.Context

	// Send queues {event, payload, timestamp} for this connection only.
	//
	// Returns an error if the connection is closed or its outbound queue is
	// full; the latter also drops the connection.
	Send(ctx context.Context, event string, payload any) error

	// Close closes the connection with CloseNormalClosure.
	Close(ctx context.Context) error

	// CloseWithCode writes a close frame with code and reason, best effort,
	// then closes the socket.
	CloseWithCode(ctx context.Context, code int, reason string) error

	// IsAlive reports whether the connection is still marked connected.
	IsAlive() bool
}
