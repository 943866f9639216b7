// Package eventsocket provides a WebSocket broadcast server built directly on
// TCP sockets, with a file-backed queue that lets other processes inject
// events.
//
// # Architecture
//
// The server negotiates the RFC6455 upgrade itself and speaks text frames
// carrying JSON envelopes:
//
//	{"event": "<name>", "payload": <any JSON>, "timestamp": <unix seconds>}
//
// Every well-formed envelope a client sends is broadcast to all connected
// clients, the sender included. Events can also come from Server.Broadcast
// inside the process or from files dropped into a queue directory by
// ws.QueueEvent in any other process.
//
// A single reactor goroutine owns the set of live connections. Each
// connection has a reader goroutine, which decodes frames and reassembles
// frames split across reads, and a writer goroutine draining a bounded
// outbound queue, so one slow peer cannot stall delivery to the others.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/eventsocket"
//	    "github.com/luciancaetano/eventsocket/ws"
//	)
//
//	cfg := ws.DefaultConfig()
//	cfg.Addr = ":8080"
//	cfg.QueueDir = "/var/spool/eventsocket"
//	server := ws.New(cfg)
//
//	server.RegisterHandler(ctx, "/events", func(conn eventsocket.Connection) {
//	    conn.Send(ctx, "hello", map[string]string{"id": conn.ID()})
//	})
//
//	server.Start(ctx)
//
//	// Elsewhere, possibly another process:
//	ws.QueueEvent("/var/spool/eventsocket", "deploy", map[string]string{"rev": "abc123"})
//
// # Event Queue
//
// Each queued event is one JSON file:
//
//	{"event": "...", "payload": ..., "timestamp": ..., "queued_at": ...}
//
// The server claims files by atomic rename before reading them and deletes
// them after broadcast. Claims left by a crash are put back on the next
// start, so delivery is at-least-once across crashes. Malformed files are
// moved to a "failed" subdirectory.
//
// # Rate Limiting
//
// Each connection has an independent token bucket for inbound messages:
//
//	// Default: 100 messages/second, burst 200
//	cfg.RateLimitConfig = ws.DefaultRateLimitConfig()
//
//	// Disabled
//	cfg.RateLimitConfig = ws.NoRateLimit()
//
// When the limit is exceeded the client receives close code 1008 (Policy
// Violation).
//
// # Security Features
//
//   - Handshake header cap (8KB) and timeout (10s)
//   - Maximum frame payload: 10MB (close 1009)
//   - Unmasked client frames rejected (close 1002)
//   - Read timeout: 60s, reset by any inbound traffic
//   - Write timeout: 10s; a full outbound queue drops the peer
//   - Keepalive ping every 54 seconds
//   - Optional connection cap (MaxConnections)
//
// # Important
//
//   - Only text frames are delivered; binary and continuation frames are ignored
//   - Handlers run in their own goroutine, once per connection
//   - No ordering is guaranteed between queued events and client events
package eventsocket
