package wsutil

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/danielfoord/sox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackerFragments(t *testing.T) {
	frames := NewTextMessage("Hello World").Frames(3, false)
	require.Len(t, frames, 4)

	var (
		payloads []string
		ops      []sox.OpCode
		fins     []bool
	)
	for _, f := range frames {
		payloads = append(payloads, string(f.Payload))
		ops = append(ops, f.Header.OpCode)
		fins = append(fins, f.Header.Fin)
		assert.Equal(t, int64(len(f.Payload)), f.Header.Length)
		assert.False(t, f.Header.Masked)
	}
	assert.Equal(t, []string{"Hel", "lo ", "Wor", "ld"}, payloads)
	assert.Equal(t, []sox.OpCode{sox.OpText, sox.OpContinuation, sox.OpContinuation, sox.OpContinuation}, ops)
	assert.Equal(t, []bool{false, false, false, true}, fins)
}

func TestPackerFrameCount(t *testing.T) {
	for _, test := range []struct {
		name  string
		msg   Message
		max   int
		count int
	}{
		{"exact", NewTextMessage("Hello World"), 11, 1},
		{"bigger", NewTextMessage("Hello World"), 4096, 1},
		{"single byte", NewTextMessage("Hello World"), 1, 11},
		{"divides evenly", NewBinaryMessage(make([]byte, 12)), 4, 3},
		{"no fragmentation", NewBinaryMessage(make([]byte, 100)), 0, 1},
		{"empty payload", NewBinaryMessage([]byte{}), 4, 1},
		{"absent payload", Message{OpCode: sox.OpBinary}, 4, 0},
	} {
		t.Run(test.name, func(t *testing.T) {
			p := NewPacker(test.msg, test.max, false)
			assert.Equal(t, test.count, p.Len())

			frames := test.msg.Frames(test.max, false)
			require.Len(t, frames, test.count)
			if test.count > 0 {
				assert.True(t, frames[len(frames)-1].Header.Fin)
				assert.Equal(t, test.msg.OpCode, frames[0].Header.OpCode)
			}
		})
	}
}

func TestPackerMasksEveryFrame(t *testing.T) {
	for _, f := range NewBinaryMessage(make([]byte, 10)).Frames(3, true) {
		assert.True(t, f.Header.Masked)
	}
}

func TestPackerExhausted(t *testing.T) {
	p := NewPacker(NewTextMessage("ab"), 1, false)
	_, ok := p.Next()
	assert.True(t, ok)
	_, ok = p.Next()
	assert.True(t, ok)
	_, ok = p.Next()
	assert.False(t, ok)
	_, ok = p.Next()
	assert.False(t, ok)
}

func TestMessageRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 2, 3, 10, 125, 126, 4096, 10000} {
		for _, max := range []int{1, 3, 7, 125, 4096, 0} {
			if max == 1 && size > 4096 {
				continue
			}
			for _, op := range []sox.OpCode{sox.OpText, sox.OpBinary} {
				t.Run(fmt.Sprintf("%s/size=%d/max=%d", op, size, max), func(t *testing.T) {
					msg := Message{OpCode: op, Payload: bytes.Repeat([]byte{'a'}, size)}

					act, err := Unpack(msg.Frames(max, false))
					require.NoError(t, err)
					assert.Equal(t, msg.OpCode, act.OpCode)
					assert.Equal(t, msg.Payload, act.Payload)
				})
			}
		}
	}
}

func TestUnpackErrors(t *testing.T) {
	text := func(fin bool, s string) sox.Frame { return sox.NewFrame(sox.OpText, fin, []byte(s)) }
	cont := func(fin bool, s string) sox.Frame { return sox.NewFrame(sox.OpContinuation, fin, []byte(s)) }

	for _, test := range []struct {
		name   string
		frames []sox.Frame
		err    error
	}{
		{"ping first", []sox.Frame{sox.NewPingFrame(nil)}, sox.ErrInvalidOpcode},
		{"continuation first", []sox.Frame{cont(true, "a")}, sox.ErrInvalidOpcode},
		{"two initial frames", []sox.Frame{text(false, "a"), text(true, "b")}, sox.ErrProtocolContinuationExpected},
		{"early fin", []sox.Frame{text(true, "a"), cont(true, "b")}, sox.ErrProtocolContinuationUnexpected},
		{"no fin", []sox.Frame{text(false, "a"), cont(false, "b")}, ErrMessageNotFinal},
		{"invalid utf8", []sox.Frame{text(false, "\xe2\x82"), cont(true, "\xff")}, sox.ErrInvalidEncoding},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := Unpack(test.frames)
			assert.ErrorIs(t, err, test.err)
		})
	}
}

func TestUnpackUTF8AcrossFrames(t *testing.T) {
	// Euro sign split between two frames.
	msg, err := Unpack([]sox.Frame{
		sox.NewFrame(sox.OpText, false, []byte{0xe2, 0x82}),
		sox.NewFrame(sox.OpContinuation, true, []byte{0xac}),
	})
	require.NoError(t, err)
	assert.Equal(t, "€", string(msg.Payload))
}

func TestUnpackEmpty(t *testing.T) {
	msg, err := Unpack(nil)
	require.NoError(t, err)
	assert.Equal(t, sox.OpBinary, msg.OpCode)
	assert.Equal(t, 0, msg.Size())
}
