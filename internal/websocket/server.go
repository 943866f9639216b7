package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/eventsocket"
	"github.com/luciancaetano/eventsocket/internal/bridge"
	"github.com/luciancaetano/eventsocket/internal/handshake"
	"github.com/luciancaetano/eventsocket/internal/protocol"
)

const acceptBackoffMax = time.Second

var (
	errAlreadyRunning = errors.New(eventsocket.ErrServerAlreadyRunning)
	errNotRunning     = errors.New(eventsocket.ErrServerNotRunning)
)

type inboundMessage struct {
	conn *Connection
	data []byte
}

type broadcastRequest struct {
	frame []byte
	sent  chan int
}

// reactor is the state of one Start/Stop cycle. conns is touched only by
// the run goroutine; every other goroutine talks to it over the channels:
// handshakes submit new connections, readers submit messages and their own
// end, and Broadcast submits frames.
type reactor struct {
	listener net.Listener
	bridge   *bridge.Bridge
	stop     chan struct{}
	done     chan struct{}

	joins      chan *Connection
	inbound    chan inboundMessage
	gone       chan *Connection
	broadcasts chan broadcastRequest

	conns *registry

	// pending tracks sockets still in the handshake so Stop can cut them off.
	pendingMu sync.Mutex
	pending   map[net.Conn]struct{}
}

func newReactor(ln net.Listener, b *bridge.Bridge) *reactor {
	return &reactor{
		listener:   ln,
		bridge:     b,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		joins:      make(chan *Connection),
		inbound:    make(chan inboundMessage),
		gone:       make(chan *Connection),
		broadcasts: make(chan broadcastRequest),
		conns:      newRegistry(),
		pending:    make(map[net.Conn]struct{}),
	}
}

// Server implements eventsocket.Server.
type Server struct {
	cfg    *ServerConfig
	logger *zap.Logger

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFn

	mu      sync.Mutex
	running bool
	r       *reactor

	count atomic.Int64

	// wg covers the accept loop, handshakes, connection pumps and socket
	// releases. Handler callbacks are user code and are not waited for.
	wg sync.WaitGroup
}

// New creates a WebSocket server. A nil cfg uses DefaultServerConfig.
//
// Example:
//
//	cfg := DefaultServerConfig()
//	cfg.Addr = "127.0.0.1:9000"
//	cfg.QueueDir = "/tmp/events"
//	server := New(cfg)
func New(cfg *ServerConfig) *Server {
	cfg = cfg.sanitize()
	return &Server{
		cfg:      cfg,
		logger:   cfg.Logger,
		handlers: make(map[string]HandlerFn),
	}
}

// RegisterHandler registers the handler for connections on path
func (s *Server) RegisterHandler(ctx context.Context, path string, handler func(conn eventsocket.Connection)) error {
	if handler == nil {
		return fmt.Errorf("nil handler for path %q", path)
	}
	s.handlersMu.Lock()
	s.handlers[path] = handler
	s.handlersMu.Unlock()
	return nil
}

// EventQueue points the event bridge at dir, polled every interval. It must
// be called before Start; a non-positive interval keeps the configured one.
func (s *Server) EventQueue(dir string, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errAlreadyRunning
	}
	s.cfg.QueueDir = dir
	if interval > 0 {
		s.cfg.QueuePollInterval = interval
	}
	return nil
}

// Start binds the listener and starts the reactor
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errAlreadyRunning
	}

	var b *bridge.Bridge
	if s.cfg.QueueDir != "" {
		var err error
		b, err = bridge.New(s.cfg.QueueDir, bridge.Options{
			BatchSize: s.cfg.QueueBatchSize,
			Logger:    s.logger,
		})
		if err != nil {
			return err
		}
		n, err := b.Recover()
		if err != nil {
			return err
		}
		s.logger.Info("event queue enabled",
			zap.String("queue_dir", b.Dir()),
			zap.Int("recovered", n))
	}

	ln, err := listen(ctx, s.cfg.Addr, s.cfg.MaxConnections)
	if err != nil {
		return fmt.Errorf("%s on %s: %w", eventsocket.ErrListen, s.cfg.Addr, err)
	}

	r := newReactor(ln, b)
	s.r = r
	s.running = true

	s.logger.Info("server listening", zap.String("addr", ln.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop(r)
	go s.run(r)

	// Cancelling the start context stops the server.
	go func() {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.Stop(stopCtx)
		case <-r.stop:
		}
	}()

	return nil
}

// Stop ends the reactor, closes every connection and waits for the
// server's goroutines or ctx, whichever comes first
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	r := s.r
	close(r.stop)
	err := r.listener.Close()
	s.mu.Unlock()

	r.pendingMu.Lock()
	for raw := range r.pending {
		_ = raw.Close()
	}
	r.pendingMu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		s.logger.Info("server stopped")
	case <-ctx.Done():
		return ctx.Err()
	}

	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// Addr returns the bound address, or nil when not running
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	return s.r.listener.Addr()
}

// ConnectionCount returns the number of registered connections
func (s *Server) ConnectionCount() int {
	return int(s.count.Load())
}

// Broadcast sends an envelope to every connected peer
func (s *Server) Broadcast(ctx context.Context, event string, payload any) error {
	frame, err := encodeEnvelope(event, payload, time.Now())
	if err != nil {
		return err
	}
	_, err = s.submitBroadcast(ctx, frame)
	return err
}

// submitBroadcast hands frame to the reactor and returns how many
// connections it was queued for.
func (s *Server) submitBroadcast(ctx context.Context, frame []byte) (int, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return 0, errNotRunning
	}
	r := s.r
	s.mu.Unlock()

	req := broadcastRequest{frame: frame, sent: make(chan int, 1)}
	select {
	case r.broadcasts <- req:
	case <-r.stop:
		return 0, errNotRunning
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case n := <-req.sent:
		return n, nil
	case <-r.done:
		return 0, errNotRunning
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func encodeEnvelope(event string, payload any, now time.Time) ([]byte, error) {
	env, err := protocol.NewEnvelope(event, payload, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", eventsocket.ErrFailedToEncode, err)
	}
	data, err := env.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", eventsocket.ErrFailedToEncode, err)
	}
	return protocol.Encode(data), nil
}

// acceptLoop accepts sockets and starts a handshake for each.
func (s *Server) acceptLoop(r *reactor) {
	defer s.wg.Done()

	var backoff time.Duration
	for {
		raw, err := r.listener.Accept()
		if err != nil {
			select {
			case <-r.stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > acceptBackoffMax {
				backoff = acceptBackoffMax
			}
			s.logger.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if !r.track(raw) {
			_ = raw.Close()
			return
		}
		s.wg.Add(1)
		go s.negotiate(r, raw)
	}
}

// track records a socket entering the handshake. It refuses once the
// reactor is stopping.
func (r *reactor) track(raw net.Conn) bool {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	select {
	case <-r.stop:
		return false
	default:
	}
	r.pending[raw] = struct{}{}
	return true
}

func (r *reactor) untrack(raw net.Conn) {
	r.pendingMu.Lock()
	delete(r.pending, raw)
	r.pendingMu.Unlock()
}

// negotiate runs the handshake and submits the connection to the reactor.
// Failed handshakes are closed without any response.
func (s *Server) negotiate(r *reactor, raw net.Conn) {
	defer s.wg.Done()

	res, err := handshake.Negotiate(raw, handshake.Options{
		MaxHeaderBytes: s.cfg.MaxHeaderBytes,
		Timeout:        s.cfg.HandshakeTimeout,
	})
	r.untrack(raw)
	if err != nil {
		s.logger.Debug("handshake failed",
			zap.String("remote_addr", raw.RemoteAddr().String()),
			zap.Error(err))
		_ = raw.Close()
		return
	}

	conn := NewConnection(raw, res, connOptions{
		readTimeout:  s.cfg.ReadTimeout,
		writeTimeout: s.cfg.WriteTimeout,
		pingInterval: s.cfg.PingInterval,
		maxFrameSize: s.cfg.MaxFrameSize,
		maxPending:   s.cfg.MaxPendingFrames,
		limiter:      s.cfg.RateLimitConfig.newLimiter(),
	}, s.logger)

	select {
	case r.joins <- conn:
	case <-r.stop:
		_ = conn.CloseWithCode(context.Background(), eventsocket.CloseGoingAway, eventsocket.ErrServerShutdown)
	}
}

// run is the reactor loop. It is the only goroutine that touches r.conns.
func (s *Server) run(r *reactor) {
	defer close(r.done)

	var tick <-chan time.Time
	if r.bridge != nil {
		ticker := time.NewTicker(s.cfg.QueuePollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-r.stop:
			s.closeAll(r)
			return

		case conn := <-r.joins:
			s.register(r, conn)

		case conn := <-r.gone:
			s.prune(r, conn)

		case msg := <-r.inbound:
			s.handleInbound(r, msg)

		case req := <-r.broadcasts:
			req.sent <- r.conns.fanout(req.frame)

		case <-tick:
			s.drainQueue(r)
		}
	}
}

func (s *Server) register(r *reactor, conn *Connection) {
	r.conns.add(conn)
	s.count.Store(int64(r.conns.len()))
	conn.logger.Debug("connection registered", zap.Int("connections", r.conns.len()))

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		conn.writePump()
	}()
	go func() {
		defer s.wg.Done()
		conn.readPump(func(c *Connection, msg []byte) bool {
			select {
			case r.inbound <- inboundMessage{conn: c, data: msg}:
				return true
			case <-r.stop:
				return false
			}
		})
		select {
		case r.gone <- conn:
		case <-r.stop:
		}
	}()

	s.handlersMu.RLock()
	handler := s.handlers[conn.Path()]
	s.handlersMu.RUnlock()

	onConnect := s.cfg.OnConnect
	if handler == nil && onConnect == nil {
		return
	}
	go func() {
		defer func() {
			if p := recover(); p != nil {
				conn.logger.Error("connection handler panicked", zap.Any("panic", p))
			}
		}()
		if onConnect != nil {
			onConnect(conn)
		}
		if handler != nil {
			handler(conn)
		}
	}()
}

// prune removes conn from the registry and releases its socket.
func (s *Server) prune(r *reactor, conn *Connection) {
	if !r.conns.remove(conn) {
		return
	}
	s.count.Store(int64(r.conns.len()))
	conn.logger.Debug("connection removed",
		zap.Bool("voluntary", conn.Voluntary()),
		zap.Int("connections", r.conns.len()))

	s.release(conn, eventsocket.CloseNormalClosure, "")
}

// release closes the socket off the reactor goroutine, since the close
// frame write may block for up to closeWriteTimeout, then reports the
// disconnect.
func (s *Server) release(conn *Connection, code int, reason string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = conn.CloseWithCode(context.Background(), code, reason)
	}()

	if cb := s.cfg.OnDisconnect; cb != nil {
		go cb(conn, conn.Voluntary())
	}
}

func (s *Server) handleInbound(r *reactor, msg inboundMessage) {
	env, err := protocol.ParseEnvelope(msg.data)
	if err != nil {
		msg.conn.logger.Debug("ignoring malformed message", zap.Error(err))
		return
	}

	frame, err := encodeEnvelope(env.Event, env.Payload, time.Now())
	if err != nil {
		msg.conn.logger.Debug("ignoring unencodable message", zap.Error(err))
		return
	}
	n := r.conns.fanout(frame)
	msg.conn.logger.Debug("broadcast client event", zap.String("event", env.Event), zap.Int("sent", n))
}

func (s *Server) drainQueue(r *reactor) {
	n, err := r.bridge.Drain(func(ev bridge.Event) error {
		frame, err := encodeEnvelope(ev.Event, ev.Payload, time.Now())
		if err != nil {
			// Not retryable; drop it like any other malformed file.
			s.logger.Warn("dropping queued event", zap.String("event", ev.Event), zap.Error(err))
			return nil
		}
		sent := r.conns.fanout(frame)
		s.logger.Debug("broadcast queued event", zap.String("event", ev.Event), zap.Int("sent", sent))
		return nil
	})
	if err != nil {
		s.logger.Warn("event queue drain failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Debug("drained event queue", zap.Int("events", n))
	}
}

// closeAll runs on stop: every connection gets a going-away close frame,
// best effort, and the registry is cleared.
func (s *Server) closeAll(r *reactor) {
	conns := r.conns.drain()
	s.count.Store(0)
	for _, conn := range conns {
		s.release(conn, eventsocket.CloseGoingAway, eventsocket.ErrServerShutdown)
	}
	s.logger.Info("closed connections", zap.Int("count", len(conns)))
}
