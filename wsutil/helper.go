package wsutil

import (
	"errors"
	"io"

	"github.com/danielfoord/sox"
)

// ErrMessageNotFinal is returned by Unpack when the last frame of a message
// has no fin bit set.
var ErrMessageNotFinal = errors.New("message error: last frame is not final")

// WriteMessage is a helper function that writes message to the w. It packs m
// into frames with payload at most max bytes each and writes them in order.
// Frames are masked when mask is true. Payload of m is never mutated.
func WriteMessage(w io.Writer, m Message, max int, mask bool) error {
	p := NewPacker(m, max, mask)
	for f, ok := p.Next(); ok; f, ok = p.Next() {
		if err := sox.WriteFrame(w, f); err != nil {
			return err
		}
	}
	return nil
}

// WriteClientMessage writes message to w as a single frame, considering that
// caller represents client side.
func WriteClientMessage(w io.Writer, op sox.OpCode, p []byte) error {
	return sox.WriteFrame(w, sox.MaskFrame(sox.NewFrame(op, true, p)))
}

// WriteClientText is the same as WriteClientMessage with
// sox.OpText.
func WriteClientText(w io.Writer, p []byte) error {
	return WriteClientMessage(w, sox.OpText, p)
}

// WriteClientBinary is the same as WriteClientMessage with
// sox.OpBinary.
func WriteClientBinary(w io.Writer, p []byte) error {
	return WriteClientMessage(w, sox.OpBinary, p)
}

// WriteServerMessage writes message to w as a single frame, considering that
// caller represents server side.
func WriteServerMessage(w io.Writer, op sox.OpCode, p []byte) error {
	return sox.WriteFrame(w, sox.NewFrame(op, true, p))
}

// ReadFrame reads next frame from r and checks its header to be valid for
// state s.
func ReadFrame(r io.Reader, s sox.CheckState) (sox.Frame, error) {
	h, err := sox.ReadHeader(r)
	if err != nil {
		return sox.Frame{}, err
	}
	if err = sox.CheckHeader(h, s); err != nil {
		return sox.Frame{Header: h}, err
	}
	p, err := sox.ReadPayload(r, h)
	return sox.Frame{Header: h, Payload: p}, err
}

// ReadServerFrame reads next frame from r, considering that caller
// represents client side.
func ReadServerFrame(r io.Reader) (sox.Frame, error) {
	return ReadFrame(r, sox.CheckClientSide)
}

// ReadMessage is a helper function that reads next message from r. It appends
// received message(s) to the third argument and returns the result of it and
// an error if some failure happened. That is, it probably could receive more
// than one message when peer sending fragmented message in multiple frames and
// want to send some control frame between fragments. Then returned slice will
// contain those control frames at first, and then result of gluing fragments.
//
// A close frame ends reading and is returned as the last message.
func ReadMessage(r io.Reader, s sox.CheckState, m []Message) ([]Message, error) {
	var frames []sox.Frame
	for {
		f, err := ReadFrame(r, s.With(sox.CheckFragmented, len(frames) > 0))
		if err != nil {
			return m, err
		}
		if f.Header.OpCode.IsControl() {
			m = append(m, Message{f.Header.OpCode, f.Payload})
			if f.Header.OpCode == sox.OpClose {
				return m, nil
			}
			continue
		}
		frames = append(frames, f)
		if !f.Header.Fin {
			continue
		}
		msg, err := Unpack(frames)
		if err != nil {
			return m, err
		}
		return append(m, msg), nil
	}
}

// ReadServerMessage reads next message from r, considering that caller
// represents client side.
// It is a shortcut for ReadMessage(r, sox.CheckClientSide, m)
func ReadServerMessage(r io.Reader, m []Message) ([]Message, error) {
	return ReadMessage(r, sox.CheckClientSide, m)
}

// ReadClientMessage reads next message from r, considering that caller
// represents server side.
// It is a shortcut for ReadMessage(r, sox.CheckServerSide, m)
func ReadClientMessage(r io.Reader, m []Message) ([]Message, error) {
	return ReadMessage(r, sox.CheckServerSide, m)
}
