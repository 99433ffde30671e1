package sox

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/gobwas/pool/pbytes"
)

// Header size length bounds in bytes.
const (
	MaxHeaderSize = 14
	MinHeaderSize = 2
)

const (
	bit0 = 0x80
	bit1 = 0x40
	bit2 = 0x20
	bit3 = 0x10
	bit4 = 0x08
	bit5 = 0x04
	bit6 = 0x02
	bit7 = 0x01

	len7  = int64(125)
	len16 = int64(^(uint16(0)))
	len64 = int64(^(uint64(0)) >> 1)
)

// ErrFrameLengthMismatch is returned by WriteFrame when header length differs
// from the payload length.
var ErrFrameLengthMismatch = errors.New("frame error: header length does not match payload")

// HeaderSize returns number of bytes that are needed to encode given header.
// It returns -1 if header is malformed.
func HeaderSize(h Header) (n int) {
	switch {
	case h.Length < 0:
		return -1
	case h.Length <= len7:
		n = 2
	case h.Length <= len16:
		n = 4
	case h.Length <= len64:
		n = 10
	default:
		return -1
	}
	if h.Masked {
		n += len(h.Mask)
	}
	return n
}

// WriteHeader writes header binary representation into w.
// It picks the shortest length encoding for h.Length and always writes
// extended lengths in network byte order.
func WriteHeader(w io.Writer, h Header) error {
	// Make slice of bytes with capacity 14 that could hold any header.
	bts := make([]byte, MaxHeaderSize)

	if h.Fin {
		bts[0] |= bit0
	}
	bts[0] |= h.Rsv << 4
	bts[0] |= byte(h.OpCode)

	var n int
	switch {
	case h.Length < 0:
		return ErrHeaderLengthUnexpected
	case h.Length <= len7:
		bts[1] = byte(h.Length)
		n = 2

	case h.Length <= len16:
		bts[1] = 126
		binary.BigEndian.PutUint16(bts[2:4], uint16(h.Length))
		n = 4

	default:
		bts[1] = 127
		binary.BigEndian.PutUint64(bts[2:10], uint64(h.Length))
		n = 10
	}

	if h.Masked {
		bts[1] |= bit0
		n += copy(bts[n:], h.Mask[:])
	}

	_, err := w.Write(bts[:n])

	return err
}

// WriteFrame writes frame binary representation into w.
// When the frame header is masked, a masked copy of the payload is written and
// f.Payload stays untouched.
func WriteFrame(w io.Writer, f Frame) error {
	if f.Header.Length != int64(len(f.Payload)) {
		return ErrFrameLengthMismatch
	}
	err := WriteHeader(w, f.Header)
	if err != nil {
		return err
	}
	if len(f.Payload) == 0 {
		return nil
	}
	if !f.Header.Masked {
		_, err = w.Write(f.Payload)
		return err
	}

	payload := pbytes.GetLen(len(f.Payload))
	defer pbytes.Put(payload)

	copy(payload, f.Payload)
	Cipher(payload, f.Header.Mask, 0)

	_, err = w.Write(payload)
	return err
}

// CompileFrame returns byte representation of given frame.
// In terms of memory consumption it is useful to precompile static frames which are often used.
func CompileFrame(f Frame) (bts []byte, err error) {
	n := HeaderSize(f.Header)
	if n < 0 {
		return nil, ErrHeaderLengthUnexpected
	}
	buf := bytes.NewBuffer(make([]byte, 0, n+len(f.Payload)))
	err = WriteFrame(buf, f)
	bts = buf.Bytes()
	return
}

// MustCompileFrame is like CompileFrame but panics if frame cannot be encoded.
func MustCompileFrame(f Frame) []byte {
	bts, err := CompileFrame(f)
	if err != nil {
		panic(err)
	}
	return bts
}
