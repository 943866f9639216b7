package websocket

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/eventsocket"
	"github.com/luciancaetano/eventsocket/internal/handshake"
	"github.com/luciancaetano/eventsocket/internal/protocol"
)

const (
	readChunkSize     = 4096
	closeWriteTimeout = time.Second
)

var (
	errConnectionClosed = errors.New(eventsocket.ErrConnectionClosed)
	errSendQueueFull    = errors.New(eventsocket.ErrSendQueueFull)
)

// connOptions is the slice of ServerConfig a Connection needs.
type connOptions struct {
	readTimeout  time.Duration
	writeTimeout time.Duration
	pingInterval time.Duration
	maxFrameSize int64
	maxPending   int
	limiter      *rate.Limiter
}

// Connection implements eventsocket.Connection over a raw socket that has
// completed the upgrade handshake.
//
// The socket is owned exclusively by the Connection. One reader goroutine
// decodes inbound frames and one writer goroutine drains the outbound
// queue; every socket write goes through writeFrame.
type Connection struct {
	id         string
	conn       net.Conn
	remoteAddr string
	path       string
	headers    map[string]string

	ctx    context.Context
	cancel context.CancelFunc
	opts   connOptions
	logger *zap.Logger

	connected atomic.Bool
	voluntary atomic.Bool
	closeOnce sync.Once

	writeMu sync.Mutex

	qmu     sync.Mutex
	pending *queue.Queue // of []byte, guarded by qmu
	wake    chan struct{}

	// buf holds inbound bytes that do not yet form a complete frame.
	// Only the reader goroutine touches it.
	buf []byte
}

// NewConnection wraps a negotiated socket. The connection starts marked
// connected; its pumps are started by the server on registration.
func NewConnection(conn net.Conn, res *handshake.Result, opts connOptions, logger *zap.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Connection{
		id:         uuid.New().String(),
		conn:       conn,
		remoteAddr: conn.RemoteAddr().String(),
		ctx:        ctx,
		cancel:     cancel,
		opts:       opts,
		pending:    queue.New(),
		wake:       make(chan struct{}, 1),
	}
	if res != nil {
		c.path = res.Path
		c.headers = res.Headers
		c.buf = append(c.buf, res.Buffered...)
	}
	if c.headers == nil {
		c.headers = map[string]string{}
	}
	c.logger = logger.With(
		zap.String("conn_id", c.id),
		zap.String("remote_addr", c.remoteAddr),
		zap.String("path", c.path),
	)
	c.connected.Store(true)
	return c
}

// ID returns a unique identifier for the connection
func (c *Connection) ID() string {
	return c.id
}

// RemoteAddr returns the peer's network address
func (c *Connection) RemoteAddr() string {
	return c.remoteAddr
}

// Path returns the path negotiated at handshake
func (c *Connection) Path() string {
	return c.path
}

// Header returns an upgrade request header, matched case-insensitively
func (c *Connection) Header(name string) string {
	if v, ok := c.headers[name]; ok {
		return v
	}
	for k, v := range c.headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Headers returns a copy of the upgrade request headers
func (c *Connection) Headers() map[string]string {
	return maps.Clone(c.headers)
}

// Context returns the connection's lifecycle context
func (c *Connection) Context() context.Context {
	return c.ctx
}

// IsAlive returns true while the connection is marked connected
func (c *Connection) IsAlive() bool {
	return c.connected.Load()
}

// Voluntary reports whether the peer ended the session with a close frame.
func (c *Connection) Voluntary() bool {
	return c.voluntary.Load()
}

// Send encodes an envelope and queues it for this connection
func (c *Connection) Send(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", eventsocket.ErrContextCancelled, err)
	}

	env, err := protocol.NewEnvelope(event, payload, time.Now())
	if err != nil {
		return fmt.Errorf("%s: %w", eventsocket.ErrFailedToEncode, err)
	}
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("%s: %w", eventsocket.ErrFailedToEncode, err)
	}
	return c.enqueue(protocol.Encode(data))
}

// Close closes the connection with a normal closure code
func (c *Connection) Close(ctx context.Context) error {
	return c.CloseWithCode(ctx, eventsocket.CloseNormalClosure, "")
}

// CloseWithCode writes a close frame, best effort, and closes the socket
func (c *Connection) CloseWithCode(ctx context.Context, code int, reason string) error {
	return c.shutdown(uint16(code), reason)
}

// enqueue adds an encoded frame to the outbound queue without blocking.
// A full queue marks the connection disconnected.
func (c *Connection) enqueue(frame []byte) error {
	c.qmu.Lock()
	if !c.IsAlive() {
		c.qmu.Unlock()
		return errConnectionClosed
	}
	if c.pending.Length() >= c.opts.maxPending {
		c.qmu.Unlock()
		c.logger.Warn("outbound queue full, dropping connection",
			zap.Int("pending", c.opts.maxPending))
		c.markDisconnected(false)
		return errSendQueueFull
	}
	c.pending.Add(frame)
	c.qmu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *Connection) dequeue() ([]byte, bool) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if c.pending.Length() == 0 {
		return nil, false
	}
	return c.pending.Remove().([]byte), true
}

// writeFrame writes one encoded frame under the write deadline.
func (c *Connection) writeFrame(frame []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.IsAlive() {
		return errConnectionClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(frame)
	return err
}

// markDisconnected flips connected to false exactly once, cancels the
// connection context and wakes the reader so it reports to the reactor.
func (c *Connection) markDisconnected(voluntary bool) bool {
	if !c.connected.CompareAndSwap(true, false) {
		return false
	}
	if voluntary {
		c.voluntary.Store(true)
	}
	c.cancel()
	_ = c.conn.SetReadDeadline(time.Now())
	return true
}

// shutdown writes a close frame, best effort, then releases the socket.
// Only the first call has any effect.
func (c *Connection) shutdown(code uint16, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.markDisconnected(false)

		// Pull in the deadline of a write in flight so a writer stuck on a
		// slow peer releases writeMu within closeWriteTimeout.
		deadline := time.Now().Add(closeWriteTimeout)
		_ = c.conn.SetWriteDeadline(deadline)

		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(deadline)
		_, _ = c.conn.Write(protocol.EncodeClose(code, reason))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

// writePump drains the outbound queue and keeps the peer alive with pings.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.opts.pingInterval)
	defer ticker.Stop()

	ping, _ := protocol.EncodeControl(protocol.OpPing, nil)

	for {
		select {
		case <-c.wake:
			for {
				frame, ok := c.dequeue()
				if !ok {
					break
				}
				if err := c.writeFrame(frame, c.opts.writeTimeout); err != nil {
					if c.markDisconnected(false) {
						c.logger.Debug("write failed", zap.Error(err))
					}
					return
				}
			}

		case <-ticker.C:
			if err := c.writeFrame(ping, c.opts.writeTimeout); err != nil {
				if c.markDisconnected(false) {
					c.logger.Debug("ping failed", zap.Error(err))
				}
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// readPump reads from the socket until the connection ends, handing each
// decoded text message to deliver. It returns once the connection is
// marked disconnected.
func (c *Connection) readPump(deliver func(c *Connection, msg []byte) bool) {
	chunk := make([]byte, readChunkSize)

	for {
		msgs, err := c.process(nil)
		for _, msg := range msgs {
			if !deliver(c, msg) {
				c.markDisconnected(false)
				return
			}
		}
		if err != nil || !c.IsAlive() {
			return
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.readTimeout)); err != nil {
			c.markDisconnected(false)
			return
		}
		// markDisconnected may have raced with the deadline reset above.
		if !c.IsAlive() {
			return
		}

		n, err := c.conn.Read(chunk)
		if n > 0 {
			c.buf = append(c.buf, chunk[:n]...)
		}
		if err != nil {
			// Frames that arrived together with the error are still decoded.
			msgs, _ := c.process(nil)
			for _, msg := range msgs {
				if !deliver(c, msg) {
					break
				}
			}
			if c.markDisconnected(false) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
	}
}

// process appends data to the inbound buffer and decodes every complete
// frame in it, applying each frame's control semantics. It returns the text
// messages in arrival order. A non-nil error means the session ended.
func (c *Connection) process(data []byte) ([][]byte, error) {
	c.buf = append(c.buf, data...)

	var msgs [][]byte
	for len(c.buf) > 0 {
		frame, n, err := protocol.DecodeLimit(c.buf, c.opts.maxFrameSize)
		if errors.Is(err, protocol.ErrIncomplete) {
			break
		}
		if err != nil {
			return msgs, c.protocolError(err)
		}
		c.buf = c.buf[n:]

		msg, ok, err := c.handleFrame(frame)
		if err != nil {
			return msgs, err
		}
		if ok {
			msgs = append(msgs, msg)
		}
	}

	// Release the backing array once fully consumed.
	if len(c.buf) == 0 {
		c.buf = nil
	}
	return msgs, nil
}

// handleFrame applies one frame's semantics: text frames yield a message,
// close ends the session, ping is answered with one empty pong before
// returning, anything else is ignored.
func (c *Connection) handleFrame(f *protocol.Frame) ([]byte, bool, error) {
	if !c.IsAlive() {
		return nil, false, errConnectionClosed
	}
	if !f.Masked {
		return nil, false, c.protocolError(protocol.ErrUnmaskedFrame)
	}

	switch f.Opcode {
	case protocol.OpText:
		if c.opts.limiter != nil && !c.opts.limiter.Allow() {
			c.logger.Warn("rate limit exceeded")
			_ = c.CloseWithCode(context.Background(), eventsocket.ClosePolicyViolation, eventsocket.ErrRateLimitExceeded)
			return nil, false, errConnectionClosed
		}
		return f.Payload, true, nil

	case protocol.OpClose:
		c.markDisconnected(true)
		code := uint16(eventsocket.CloseNormalClosure)
		if len(f.Payload) >= 2 {
			if peer := binary.BigEndian.Uint16(f.Payload); protocol.ValidCloseCode(peer) {
				code = peer
			}
		}
		_ = c.shutdown(code, "")
		return nil, false, errConnectionClosed

	case protocol.OpPing:
		if err := c.writeFrame(protocol.Pong, c.opts.writeTimeout); err != nil {
			c.markDisconnected(false)
			return nil, false, err
		}
		return nil, false, nil

	default:
		// Pong, binary and continuation frames carry nothing for us.
		return nil, false, nil
	}
}

func (c *Connection) protocolError(err error) error {
	code, reason := eventsocket.CloseProtocolError, eventsocket.ErrInvalidMessageFormat
	switch {
	case errors.Is(err, protocol.ErrFrameTooLarge):
		code, reason = eventsocket.CloseMessageTooBig, eventsocket.ErrFrameTooLarge
	case errors.Is(err, protocol.ErrUnmaskedFrame):
		reason = eventsocket.ErrUnmaskedFrame
	}
	c.logger.Debug("protocol error", zap.Error(err))
	_ = c.CloseWithCode(context.Background(), code, reason)
	return err
}
