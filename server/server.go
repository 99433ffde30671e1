package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/pool/pbufio"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/danielfoord/sox"
)

// ErrServerClosed is returned by Serve after Stop was called.
var ErrServerClosed = errors.New("server: closed")

// Handlers are the callbacks fired by Server. Any of them may be nil.
// Callbacks for one connection are called from its reading goroutine, so a
// blocking callback delays reading of that connection only.
type Handlers struct {
	OnConnect    func(c *Conn)
	OnDisconnect func(c *Conn)
	OnText       func(c *Conn, msg string)
	OnBinary     func(c *Conn, msg []byte)
	// OnFrame is called for every received frame before it is handled.
	OnFrame func(c *Conn, f sox.Frame)
	OnError func(c *Conn, err error)
}

// Option configures Server.
type Option func(*Server)

// WithLogger sets server logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithTLSConfig makes server speak TLS with given config. It overrides
// identity files from Config.
func WithTLSConfig(c *tls.Config) Option {
	return func(s *Server) { s.tlsConfig = c }
}

// WithUpgrader sets upgrader used for handshakes.
func WithUpgrader(u sox.Upgrader) Option {
	return func(s *Server) { s.upgrader = u }
}

// Server accepts WebSocket connections and dispatches their messages to
// Handlers.
type Server struct {
	cfg       Config
	handlers  Handlers
	log       *zap.Logger
	tlsConfig *tls.Config
	upgrader  sox.Upgrader

	conns *table

	mu sync.Mutex
	ln net.Listener
	// pending holds accepted streams that are not upgraded yet.
	pending  map[net.Conn]struct{}
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
	wg       sync.WaitGroup
}

// New returns server configured by cfg. It loads TLS identity if cfg has
// one.
func New(cfg Config, h Handlers, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		handlers: h,
		log:      zap.NewNop(),
		conns:    newTable(),
		pending:  make(map[net.Conn]struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tlsConfig == nil && cfg.TLS.Enabled() {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		s.tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	return s, nil
}

// Scheme returns "wss" if server speaks TLS and "ws" otherwise.
func (s *Server) Scheme() string {
	if s.tlsConfig != nil {
		return "wss"
	}
	return "ws"
}

// Addr returns listener address or nil if server is not listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ConnectionCount returns number of tracked connections.
func (s *Server) ConnectionCount() int {
	return s.conns.Len()
}

// Connection returns tracked connection with given id.
func (s *Server) Connection(id uuid.UUID) (*Conn, bool) {
	return s.conns.Get(id)
}

// Start binds configured address and serves it in background. Bind errors
// are returned.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	go func() {
		if err := s.Serve(ln); err != nil && !errors.Is(err, ErrServerClosed) {
			s.log.Error("serve failed", zap.Error(err))
		}
	}()
	return nil
}

// ListenAndServe binds configured address and serves it until Stop.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Stop is called. It always returns
// non-nil error; after Stop it is ErrServerClosed.
func (s *Server) Serve(ln net.Listener) error {
	if n := s.cfg.MaxConnections; n > 0 {
		ln = netutil.LimitListener(ln, n)
	}

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	default:
	}
	s.ln = ln
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	s.log.Info("listening",
		zap.Stringer("addr", ln.Addr()),
		zap.String("scheme", s.Scheme()),
	)

	if t := s.cfg.PongTimeout; t > 0 {
		s.wg.Add(1)
		go s.evict(t)
	}

	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return ErrServerClosed
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else {
					delay = min(2*delay, time.Second)
				}
				s.log.Warn("accept failed", zap.Error(err), zap.Duration("retry", delay))
				time.Sleep(delay)
				continue
			}
			return err
		}
		delay = 0

		s.mu.Lock()
		select {
		case <-s.done:
			s.mu.Unlock()
			nc.Close()
			return ErrServerClosed
		default:
		}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handle(nc)
	}
}

// Stop stops accepting, closes every connection with StatusGoingAway and
// waits for all connection goroutines to finish. It is safe to call Stop
// many times and concurrently.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		close(s.done)
		ln := s.ln
		for nc := range s.pending {
			// Interrupts the handshake read.
			nc.Close()
		}
		clear(s.pending)
		s.mu.Unlock()

		for _, c := range s.conns.Snapshot() {
			// Peer may be gone already.
			if err := c.Close(sox.StatusGoingAway); err != nil {
				c.log.Debug("close failed", zap.Error(err))
			}
		}
		var err error
		if ln != nil {
			err = ignoreClosed(ln.Close())
		}
		s.wg.Wait()

		s.stopErr = err
		s.log.Info("stopped", zap.Error(err))
	})
	return s.stopErr
}

func (s *Server) stopping() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// trackConn adds nc to the set of streams in handshake or removes it from
// there. Adding fails once Stop was called.
func (s *Server) trackConn(nc net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !add {
		delete(s.pending, nc)
		return true
	}
	if s.stopping() {
		return false
	}
	s.pending[nc] = struct{}{}
	return true
}

func (s *Server) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Server) handle(nc net.Conn) {
	defer s.wg.Done()

	if !s.trackConn(nc, true) {
		nc.Close()
		return
	}
	raw := nc

	log := s.log.With(zap.Stringer("remote", nc.RemoteAddr()))

	if t := s.cfg.HandshakeTimeout; t > 0 {
		nc.SetDeadline(time.Now().Add(t))
	}
	if s.tlsConfig != nil {
		tc := tls.Server(nc, s.tlsConfig)
		if err := tc.HandshakeContext(context.Background()); err != nil {
			log.Debug("tls handshake failed", zap.Error(err))
			s.trackConn(raw, false)
			nc.Close()
			return
		}
		nc = tc
	}

	br := pbufio.GetReader(nc, s.cfg.ReadBufferSize)

	req, err := sox.ReadRequest(br)
	if err == nil {
		var hs sox.Handshake
		if hs, err = s.upgrader.Negotiate(req); err == nil {
			// Stop reaches the connection through the table from now on.
			s.trackConn(raw, false)
			s.serveConn(newConn(nc, br, hs, s.cfg, log))
			return
		}
	}
	s.trackConn(raw, false)
	if sox.IsHandshakeError(err) {
		sox.WriteRejection(nc, err)
	}
	log.Debug("handshake rejected", zap.Error(err))
	pbufio.PutReader(br)
	nc.Close()
}

func (s *Server) serveConn(c *Conn) {
	defer c.release()

	if err := s.upgrader.WriteUpgrade(c.nc, c.hs); err != nil {
		c.log.Debug("upgrade response failed", zap.Error(err))
		return
	}
	c.nc.SetDeadline(time.Time{})
	c.open()

	s.conns.Insert(c)
	defer s.conns.Remove(c.ID())
	if s.stopping() {
		// Stop could take its snapshot before the insert.
		c.Close(sox.StatusGoingAway)
	}

	c.log.Info("connected", zap.String("path", c.hs.Path))
	if fn := s.handlers.OnConnect; fn != nil {
		fn(c)
	}

	s.readLoop(c)

	if fn := s.handlers.OnDisconnect; fn != nil {
		fn(c)
	}
	c.log.Info("disconnected",
		zap.Stringer("code", c.CloseCode()),
		zap.Stringer("remote_code", c.RemoteCloseCode()),
	)
}

func (s *Server) readLoop(c *Conn) {
	limit := s.cfg.FrameLimit()
	for c.State() == StateOpen {
		if t := s.cfg.ReadTimeout; t > 0 {
			c.nc.SetReadDeadline(time.Now().Add(t))
		}
		h, err := sox.ReadHeader(c.br)
		if err != nil {
			s.fail(c, err)
			return
		}
		if h.Length > limit {
			s.fail(c, fmt.Errorf("%w: frame of %d bytes", sox.ErrMessageTooBig, h.Length))
			return
		}
		if err = sox.CheckHeader(h, c.checkState()); err != nil {
			s.fail(c, err)
			return
		}
		p, err := sox.ReadPayload(c.br, h)
		if err != nil {
			s.fail(c, err)
			return
		}
		if c.State() != StateOpen {
			return
		}

		f := sox.Frame{Header: h, Payload: p}
		if fn := s.handlers.OnFrame; fn != nil {
			fn(c, f)
		}
		if err = s.dispatch(c, f); err != nil {
			s.fail(c, err)
			return
		}
	}
}

func (s *Server) dispatch(c *Conn, f sox.Frame) error {
	switch f.Header.OpCode {
	case sox.OpText, sox.OpBinary, sox.OpContinuation:
		if !c.TryAddFrame(f) {
			s.report(c, sox.ErrMessageTooBig)
			return nil
		}
		if !f.Header.Fin {
			return nil
		}
		m, err := c.UnpackMessage()
		if err != nil {
			return err
		}
		switch m.OpCode {
		case sox.OpText:
			if fn := s.handlers.OnText; fn != nil {
				fn(c, string(m.Payload))
			}
		case sox.OpBinary:
			if fn := s.handlers.OnBinary; fn != nil {
				fn(c, m.Payload)
			}
		}

	case sox.OpClose:
		code, err := sox.CheckClosePayload(f.Payload)
		c.setRemoteCloseCode(code)
		if err != nil {
			return err
		}
		c.Close(sox.StatusNormalClosure)

	case sox.OpPing:
		return c.Pong(f.Payload)

	case sox.OpPong:
		c.UpdateLastPong(time.Now())

	default:
		return sox.ErrInvalidOpcode
	}
	return nil
}

// fail reports err and closes c. Errors of a connection that is already
// closing or of a stopping server are expected and only logged.
func (s *Server) fail(c *Conn, err error) {
	if c.State() != StateOpen || s.stopping() {
		c.log.Debug("read interrupted", zap.Error(err))
		return
	}
	s.report(c, err)
	code := sox.StatusProtocolError
	if errors.Is(err, sox.ErrPayloadTooLarge) || errors.Is(err, sox.ErrMessageTooBig) {
		code = sox.StatusMessageTooBig
	}
	c.Close(code)
}

func (s *Server) report(c *Conn, err error) {
	c.log.Debug("connection failed", zap.Error(err))
	if fn := s.handlers.OnError; fn != nil {
		fn(c, err)
	}
}

// evict closes connections that sent no pong within timeout.
func (s *Server) evict(timeout time.Duration) {
	defer s.wg.Done()

	t := time.NewTicker(timeout / 2)
	defer t.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-t.C:
			for _, c := range s.conns.Snapshot() {
				if c.State() == StateOpen && now.Sub(c.LastPong()) > timeout {
					c.log.Info("pong timeout", zap.Time("last_pong", c.LastPong()))
					c.Close(sox.StatusPolicyViolation)
				}
			}
		}
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}
