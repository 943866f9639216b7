package websocket

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/luciancaetano/eventsocket/internal/handshake"
	"github.com/luciancaetano/eventsocket/internal/protocol"
)

var testKey = [4]byte{0x11, 0x22, 0x33, 0x44}

func testOptions() connOptions {
	return connOptions{
		readTimeout:  5 * time.Second,
		writeTimeout: time.Second,
		pingInterval: time.Hour,
		maxFrameSize: protocol.DefaultMaxPayload,
		maxPending:   DefaultMaxPendingFrames,
	}
}

// newPipeConn returns a Connection over one end of an in-memory pipe and a
// peer that collects every frame the server writes.
func newPipeConn(t *testing.T, opts connOptions) (*Connection, *peer) {
	t.Helper()

	server, client := net.Pipe()
	res := &handshake.Result{
		Path:    "/test",
		Headers: map[string]string{"Host": "example.com", "X-Token": "abc"},
	}
	c := NewConnection(server, res, opts, zaptest.NewLogger(t))
	p := newPeer(client)
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return c, p
}

// peer plays the client side of a pipe, decoding server frames.
type peer struct {
	conn   net.Conn
	frames chan *protocol.Frame
}

func newPeer(conn net.Conn) *peer {
	p := &peer{conn: conn, frames: make(chan *protocol.Frame, 64)}
	go p.readLoop()
	return p
}

func (p *peer) readLoop() {
	defer close(p.frames)

	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := p.conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		for {
			f, used, derr := protocol.DecodeLimit(buf, 0)
			if derr != nil {
				break
			}
			buf = buf[used:]
			p.frames <- f
		}
		if err != nil {
			return
		}
	}
}

// next waits for the next server frame.
func (p *peer) next(t *testing.T) *protocol.Frame {
	t.Helper()

	select {
	case f, ok := <-p.frames:
		if !ok {
			t.Fatal("peer connection closed before a frame arrived")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a server frame")
	}
	return nil
}

// none asserts that no further frame arrives within d.
func (p *peer) none(t *testing.T, d time.Duration) {
	t.Helper()

	select {
	case f, ok := <-p.frames:
		if ok {
			t.Errorf("unexpected frame: opcode %v payload %q", f.Opcode, f.Payload)
		}
	case <-time.After(d):
	}
}

func (p *peer) write(t *testing.T, b []byte) {
	t.Helper()

	if _, err := p.conn.Write(b); err != nil {
		t.Fatalf("peer write: %v", err)
	}
}

func masked(op protocol.Opcode, payload string) []byte {
	return protocol.EncodeMasked(op, []byte(payload), testKey)
}

// startServer starts a server on a random loopback port.
func startServer(t *testing.T, mutate func(cfg *ServerConfig)) *Server {
	t.Helper()

	cfg := DefaultServerConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.Logger = zaptest.NewLogger(t)
	cfg.RateLimitConfig = NoRateLimit()
	if mutate != nil {
		mutate(cfg)
	}

	s := New(cfg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Stop(ctx); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	})
	return s
}

func wsURL(s *Server, path string) string {
	return "ws://" + s.Addr().String() + path
}

func dial(t *testing.T, s *Server, path string) *ws.Conn {
	t.Helper()

	dialer := &ws.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, _, err := dialer.Dial(wsURL(s, path), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func readEnvelope(t *testing.T, conn *ws.Conn) *protocol.Envelope {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if mt != ws.TextMessage {
		t.Fatalf("message type = %d, want text", mt)
	}
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		t.Fatalf("ParseEnvelope(%s) error = %v", data, err)
	}
	return env
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
