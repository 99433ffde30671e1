package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/pool/pbufio"
	"github.com/gobwas/pool/pbytes"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danielfoord/sox"
	"github.com/danielfoord/sox/internal/logging"
	"github.com/danielfoord/sox/wsutil"
)

// ErrNotOpen is returned when sending to a connection that is not open.
var ErrNotOpen = errors.New("server: connection is not open")

// Conn is a single upgraded client connection.
//
// Outbound frames are written by a single writer at a time: the caller that
// finds the queue idle writes every queued frame until the queue is empty,
// others only append their frames.
type Conn struct {
	id  uuid.UUID
	cfg Config
	hs  sox.Handshake
	nc  net.Conn
	br  *bufio.Reader
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	state           ConnectionState
	closeCode       sox.StatusCode
	remoteCloseCode sox.StatusCode

	// Inbound fragments of the current message. Owned by the reading
	// goroutine.
	frames   []sox.Frame
	buffered int64

	lastPong atomic.Int64

	outMu   sync.Mutex
	queue   []outFrame
	writing bool
	werr    error
	// sealed is set once the close frame is queued. No frame may follow it.
	sealed bool

	pingStop    chan struct{}
	pingDone    chan struct{}
	pingOnce    sync.Once
	releaseOnce sync.Once
}

type outFrame struct {
	bts    []byte
	pooled bool
	close  bool
	done   chan error
}

func newConn(nc net.Conn, br *bufio.Reader, hs sox.Handshake, cfg Config, log *zap.Logger) *Conn {
	id := uuid.New()
	log = log.With(zap.Stringer("conn", id))
	ctx, cancel := context.WithCancel(logging.WithLogger(context.Background(), log))
	return &Conn{
		id:       id,
		cfg:      cfg,
		hs:       hs,
		nc:       nc,
		br:       br,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		state:    StateConnecting,
		pingStop: make(chan struct{}),
	}
}

// ID returns unique connection id.
func (c *Conn) ID() uuid.UUID { return c.id }

// Handshake returns the upgrade request details.
func (c *Conn) Handshake() sox.Handshake { return c.hs }

// RemoteAddr returns the peer network address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Context returns context holding the connection logger. It is canceled when
// the connection is released.
func (c *Conn) Context() context.Context { return c.ctx }

// State returns current connection state.
func (c *Conn) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// CloseCode returns the status this side closed the connection with.
func (c *Conn) CloseCode() sox.StatusCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// RemoteCloseCode returns status received in peer close frame, if any.
func (c *Conn) RemoteCloseCode() sox.StatusCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteCloseCode
}

func (c *Conn) setRemoteCloseCode(code sox.StatusCode) {
	c.mu.Lock()
	c.remoteCloseCode = code
	c.mu.Unlock()
}

// LastPong returns time of the most recent pong.
func (c *Conn) LastPong() time.Time {
	return time.Unix(0, c.lastPong.Load())
}

// UpdateLastPong records a pong observed at t.
func (c *Conn) UpdateLastPong(t time.Time) {
	c.lastPong.Store(t.UnixNano())
}

// open marks connection as open and starts the ping ticker.
func (c *Conn) open() {
	c.setState(StateOpen)
	c.UpdateLastPong(time.Now())
	c.startPinger(c.cfg.PingInterval)
}

// Send packs m into frames of at most FragmentSize bytes and queues them.
// Frames of one message are queued together, so messages sent concurrently
// never interleave.
func (c *Conn) Send(m wsutil.Message) error {
	if c.State() != StateOpen {
		return ErrNotOpen
	}
	p := wsutil.NewPacker(m, c.cfg.FragmentSize, false)
	out := make([]outFrame, 0, p.Len())
	for f, ok := p.Next(); ok; f, ok = p.Next() {
		of, err := compile(f)
		if err != nil {
			for _, of := range out {
				pbytes.Put(of.bts)
			}
			return err
		}
		out = append(out, of)
	}
	return c.enqueue(out...)
}

// SendText sends text message.
func (c *Conn) SendText(s string) error {
	return c.Send(wsutil.NewTextMessage(s))
}

// SendBinary sends binary message.
func (c *Conn) SendBinary(p []byte) error {
	return c.Send(wsutil.NewBinaryMessage(p))
}

// Ping writes ping frame and waits until it is flushed.
func (c *Conn) Ping() error {
	return c.enqueueWait(outFrame{bts: sox.CompiledPing})
}

// Pong queues pong frame carrying p, which is the payload of answered ping.
func (c *Conn) Pong(p []byte) error {
	of, err := compile(sox.NewPongFrame(p))
	if err != nil {
		return err
	}
	return c.enqueue(of)
}

// Close sends close frame with given code and marks connection closed.
// It does nothing unless connection is connecting or open, so it is safe to
// call it many times.
func (c *Conn) Close(code sox.StatusCode) error {
	c.mu.Lock()
	if c.state != StateConnecting && c.state != StateOpen {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	c.closeCode = code
	c.mu.Unlock()

	c.stopPinger()

	var body []byte
	if !code.Empty() {
		body = sox.NewCloseFrameBody(code, "")
	}
	of, err := compile(sox.NewCloseFrame(body))
	if err == nil {
		of.close = true
		err = c.enqueueWait(of)
	}
	c.setState(StateClosed)

	// Give the peer a chance to answer and then unblock the reader.
	c.nc.SetReadDeadline(time.Now().Add(c.cfg.CloseTimeout))

	c.log.Debug("connection closed", zap.Stringer("code", code), zap.Error(err))

	return err
}

// TryAddFrame buffers a fragment of inbound message. If the frame alone or
// the buffered message grows over MaxMessageSize, the connection is closed
// with StatusMessageTooBig and false is returned.
//
// It must be called only by the goroutine reading the connection.
func (c *Conn) TryAddFrame(f sox.Frame) bool {
	n := int64(len(f.Payload))
	if limit := c.cfg.MaxMessageSize; limit > 0 && (n > limit || c.buffered+n > limit) {
		c.log.Debug("message too big",
			zap.Int64("buffered", c.buffered),
			zap.Int64("frame", n),
		)
		c.resetFrames()
		c.Close(sox.StatusMessageTooBig)
		return false
	}
	c.frames = append(c.frames, f)
	c.buffered += n
	return true
}

// UnpackMessage glues buffered frames into a message and clears the buffer.
// It must be called only after the final frame was added.
func (c *Conn) UnpackMessage() (wsutil.Message, error) {
	defer c.resetFrames()
	return wsutil.Unpack(c.frames)
}

func (c *Conn) resetFrames() {
	clear(c.frames)
	c.frames = c.frames[:0]
	c.buffered = 0
}

// checkState returns state used to check inbound headers.
func (c *Conn) checkState() sox.CheckState {
	return sox.CheckServerSide.With(sox.CheckFragmented, len(c.frames) > 0)
}

func (c *Conn) startPinger(interval time.Duration) {
	c.pingDone = make(chan struct{})
	if interval <= 0 {
		close(c.pingDone)
		return
	}
	go func() {
		defer close(c.pingDone)

		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-c.pingStop:
				return
			case <-t.C:
				if c.State() != StateOpen {
					continue
				}
				if err := c.Ping(); err != nil {
					c.log.Debug("ping failed", zap.Error(err))
					return
				}
			}
		}
	}()
}

func (c *Conn) stopPinger() {
	c.pingOnce.Do(func() { close(c.pingStop) })
}

// release stops the pinger and frees connection resources.
func (c *Conn) release() {
	c.releaseOnce.Do(func() {
		c.stopPinger()
		if c.pingDone != nil {
			<-c.pingDone
		}
		c.setState(StateClosed)
		c.nc.Close()
		c.cancel()
		pbufio.PutReader(c.br)
	})
}

func compile(f sox.Frame) (outFrame, error) {
	buf := bytes.NewBuffer(pbytes.GetCap(sox.HeaderSize(f.Header) + len(f.Payload)))
	if err := sox.WriteFrame(buf, f); err != nil {
		pbytes.Put(buf.Bytes())
		return outFrame{}, err
	}
	return outFrame{bts: buf.Bytes(), pooled: true}, nil
}

func (c *Conn) enqueueWait(f outFrame) error {
	f.done = make(chan error, 1)
	c.enqueue(f)
	return <-f.done
}

// enqueue queues fs and, unless another goroutine is writing already, writes
// the queue out. Frames offered after the close frame are dropped with
// ErrNotOpen.
func (c *Conn) enqueue(fs ...outFrame) error {
	c.outMu.Lock()
	if c.sealed {
		c.outMu.Unlock()
		for _, f := range fs {
			finish(f, ErrNotOpen)
		}
		return ErrNotOpen
	}
	for _, f := range fs {
		c.sealed = c.sealed || f.close
	}
	c.queue = append(c.queue, fs...)
	if c.writing {
		c.outMu.Unlock()
		return nil
	}
	c.writing = true

	var failed error
	for len(c.queue) > 0 {
		f := c.queue[0]
		c.queue[0] = outFrame{}
		c.queue = c.queue[1:]

		err := c.werr
		c.outMu.Unlock()

		if err == nil {
			if err = c.write(f.bts); err != nil {
				failed = err
			}
		}
		finish(f, err)

		c.outMu.Lock()
		if failed != nil && c.werr == nil {
			c.werr = failed
		}
	}
	c.writing = false
	c.outMu.Unlock()

	if failed != nil {
		c.abort(failed)
	}
	return nil
}

func (c *Conn) write(p []byte) error {
	if t := c.cfg.WriteTimeout; t > 0 {
		c.nc.SetWriteDeadline(time.Now().Add(t))
	}
	_, err := c.nc.Write(p)
	return err
}

// abort tears the stream down after a write failure.
func (c *Conn) abort(err error) {
	c.log.Debug("write failed", zap.Error(err))
	c.stopPinger()
	c.setState(StateClosed)
	c.nc.Close()
}

func finish(f outFrame, err error) {
	if f.pooled {
		pbytes.Put(f.bts)
	}
	if f.done != nil {
		f.done <- err
	}
}
