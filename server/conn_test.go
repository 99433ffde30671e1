package server

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/pool/pbufio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/danielfoord/sox"
	"github.com/danielfoord/sox/wsutil"
)

// stubConn is a net.Conn which records written bytes and has nothing to
// read.
type stubConn struct {
	mu     sync.Mutex
	out    bytes.Buffer
	werr   error
	closed bool
}

func (s *stubConn) Read([]byte) (int, error) { return 0, io.EOF }

func (s *stubConn) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.werr != nil {
		return 0, s.werr
	}
	return s.out.Write(p)
}

func (s *stubConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubConn) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubConn) written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.out.Bytes()...)
}

func (s *stubConn) LocalAddr() net.Addr { return &net.TCPAddr{} }

func (s *stubConn) RemoteAddr() net.Addr { return &net.TCPAddr{} }

func (s *stubConn) SetDeadline(time.Time) error { return nil }

func (s *stubConn) SetReadDeadline(time.Time) error { return nil }

func (s *stubConn) SetWriteDeadline(time.Time) error { return nil }

func newTestConn(t *testing.T, cfg Config) (*Conn, *stubConn) {
	t.Helper()
	nc := &stubConn{}
	c := newConn(nc, pbufio.GetReader(nc, 512), sox.Handshake{}, cfg, zap.NewNop())
	c.open()
	t.Cleanup(c.release)
	return c, nc
}

func testConnConfig() Config {
	cfg := DefaultConfig()
	cfg.PingInterval = 0
	return cfg
}

// readFrames parses all frames from p.
func readFrames(t *testing.T, p []byte) []sox.Frame {
	t.Helper()
	var (
		r      = bytes.NewReader(p)
		frames []sox.Frame
	)
	for r.Len() > 0 {
		f, err := sox.ReadFrame(r)
		require.NoError(t, err)
		frames = append(frames, f)
	}
	return frames
}

func TestConnCloseIdempotent(t *testing.T) {
	c, nc := newTestConn(t, testConnConfig())

	require.NoError(t, c.Close(sox.StatusNormalClosure))
	require.NoError(t, c.Close(sox.StatusGoingAway))

	frames := readFrames(t, nc.written())
	require.Len(t, frames, 1)
	assert.Equal(t, sox.OpClose, frames[0].Header.OpCode)
	assert.False(t, frames[0].Header.Masked)

	code, _ := sox.ParseCloseFrameData(frames[0].Payload)
	assert.Equal(t, sox.StatusNormalClosure, code)
	assert.Equal(t, sox.StatusNormalClosure, c.CloseCode())
	assert.Equal(t, StateClosed, c.State())
}

func TestConnNoFramesAfterClose(t *testing.T) {
	c, nc := newTestConn(t, testConnConfig())

	// Frame compiled while the connection was still open.
	of, err := compile(sox.NewTextFrame("late"))
	require.NoError(t, err)

	require.NoError(t, c.Close(sox.StatusNormalClosure))

	assert.ErrorIs(t, c.enqueue(of), ErrNotOpen)
	assert.ErrorIs(t, c.Pong([]byte("x")), ErrNotOpen)
	assert.ErrorIs(t, c.Ping(), ErrNotOpen)
	assert.ErrorIs(t, c.SendText("late"), ErrNotOpen)

	frames := readFrames(t, nc.written())
	require.Len(t, frames, 1)
	assert.Equal(t, sox.OpClose, frames[0].Header.OpCode)
}

func TestConnConcurrentSendAndClose(t *testing.T) {
	for i := 0; i < 50; i++ {
		c, nc := newTestConn(t, testConnConfig())

		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for k := 0; k < 10; k++ {
					if err := c.SendText("data"); err != nil {
						assert.ErrorIs(t, err, ErrNotOpen)
						return
					}
				}
			}()
		}
		require.NoError(t, c.Close(sox.StatusGoingAway))
		wg.Wait()

		frames := readFrames(t, nc.written())
		require.NotEmpty(t, frames)
		assert.Equal(t, sox.OpClose, frames[len(frames)-1].Header.OpCode)
	}
}

func TestConnSendFragments(t *testing.T) {
	cfg := testConnConfig()
	cfg.FragmentSize = 3
	c, nc := newTestConn(t, cfg)

	require.NoError(t, c.SendText("Hello World"))

	frames := readFrames(t, nc.written())
	require.Len(t, frames, 4)
	for _, f := range frames {
		assert.False(t, f.Header.Masked)
	}
	m, err := wsutil.Unpack(frames)
	require.NoError(t, err)
	assert.Equal(t, "Hello World", string(m.Payload))
}

func TestConnSendNotOpen(t *testing.T) {
	c, _ := newTestConn(t, testConnConfig())
	require.NoError(t, c.Close(sox.StatusNormalClosure))

	assert.ErrorIs(t, c.SendBinary([]byte{1}), ErrNotOpen)
}

func TestConnConcurrentSendDoesNotInterleave(t *testing.T) {
	cfg := testConnConfig()
	cfg.FragmentSize = 7
	c, nc := newTestConn(t, cfg)

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(b byte) {
			defer wg.Done()
			assert.NoError(t, c.SendBinary(bytes.Repeat([]byte{b}, 100)))
		}(byte(i))
	}
	wg.Wait()

	r := bytes.NewReader(nc.written())
	seen := make(map[byte]bool)
	for i := 0; i < n; i++ {
		ms, err := wsutil.ReadServerMessage(r, nil)
		require.NoError(t, err)
		require.Len(t, ms, 1)

		p := ms[0].Payload
		require.Len(t, p, 100)
		assert.Equal(t, bytes.Repeat(p[:1], 100), p)
		seen[p[0]] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, 0, r.Len())
}

func TestConnTryAddFrameTooBig(t *testing.T) {
	cfg := testConnConfig()
	cfg.MaxMessageSize = 10
	c, nc := newTestConn(t, cfg)

	assert.True(t, c.TryAddFrame(sox.NewFrame(sox.OpBinary, false, make([]byte, 6))))
	assert.False(t, c.TryAddFrame(sox.NewFrame(sox.OpContinuation, true, make([]byte, 6))))

	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, sox.StatusMessageTooBig, c.CloseCode())

	frames := readFrames(t, nc.written())
	require.Len(t, frames, 1)
	code, _ := sox.ParseCloseFrameData(frames[0].Payload)
	assert.Equal(t, sox.StatusMessageTooBig, code)
}

func TestConnTryAddSingleFrameTooBig(t *testing.T) {
	cfg := testConnConfig()
	cfg.MaxMessageSize = 10
	c, _ := newTestConn(t, cfg)

	assert.False(t, c.TryAddFrame(sox.NewFrame(sox.OpBinary, true, make([]byte, 11))))
	assert.Equal(t, sox.StatusMessageTooBig, c.CloseCode())
}

func TestConnUnpackMessage(t *testing.T) {
	c, _ := newTestConn(t, testConnConfig())

	require.True(t, c.TryAddFrame(sox.NewFrame(sox.OpText, false, []byte("Hel"))))
	assert.True(t, c.checkState().Is(sox.CheckFragmented))
	require.True(t, c.TryAddFrame(sox.NewFrame(sox.OpContinuation, true, []byte("lo"))))

	m, err := c.UnpackMessage()
	require.NoError(t, err)
	assert.Equal(t, wsutil.NewTextMessage("Hello"), m)
	assert.False(t, c.checkState().Is(sox.CheckFragmented))
	assert.Equal(t, int64(0), c.buffered)
}

func TestConnPongEchoesPayload(t *testing.T) {
	c, nc := newTestConn(t, testConnConfig())

	require.NoError(t, c.Pong([]byte("abc")))

	frames := readFrames(t, nc.written())
	require.Len(t, frames, 1)
	assert.Equal(t, sox.OpPong, frames[0].Header.OpCode)
	assert.Equal(t, "abc", string(frames[0].Payload))
}

func TestConnPinger(t *testing.T) {
	cfg := testConnConfig()
	cfg.PingInterval = 10 * time.Millisecond
	_, nc := newTestConn(t, cfg)

	require.Eventually(t, func() bool {
		return bytes.Contains(nc.written(), sox.CompiledPing)
	}, time.Second, 5*time.Millisecond)
}

func TestConnWriteFailureDisposes(t *testing.T) {
	c, nc := newTestConn(t, testConnConfig())
	nc.mu.Lock()
	nc.werr = errors.New("broken pipe")
	nc.mu.Unlock()

	require.NoError(t, c.SendText("lost"))
	assert.Equal(t, StateClosed, c.State())
	assert.True(t, nc.isClosed())

	// Following writes fail with the same error.
	assert.EqualError(t, c.Ping(), "broken pipe")
}

func TestConnLastPong(t *testing.T) {
	c, _ := newTestConn(t, testConnConfig())
	ts := time.Unix(1700000000, 0)
	c.UpdateLastPong(ts)
	assert.True(t, ts.Equal(c.LastPong()))
}
