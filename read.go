package sox

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	PlatformSizeLimit = int64(^(uint(0)) >> 1) // Max int value for current platform.
)

// Errors used by frame reader.
var (
	ErrTruncatedStream        = errors.New("frame error: stream ended before declared length")
	ErrInvalidOpcode          = errors.New("frame error: reserved or unknown op code")
	ErrPayloadTooLarge        = errors.New("frame error: payload length exceeds platform limit")
	ErrHeaderLengthUnexpected = errors.New("header error: unexpected payload length bits")
)

// Errors used by message level helpers.
var (
	ErrInvalidEncoding = errors.New("message error: text payload is not valid utf8")
	ErrMessageTooBig   = errors.New("message error: message size exceeds limit")
)

// ReadHeader reads a frame header from r.
//
// Short reads are reported as ErrTruncatedStream wrapping the underlying
// io.EOF or io.ErrUnexpectedEOF. A reserved op code is reported as
// ErrInvalidOpcode together with the partially decoded header.
func ReadHeader(r io.Reader) (h Header, err error) {
	// Make slice with 2 bytes len for header, but with 12 byte capacity.
	// The most useful case of reading header is to read header from
	// client, that is with mask (4 byte) and some length most cases <= uint16 (2 bytes).
	bts := make([]byte, 2, MaxHeaderSize-2)

	// Prepare to hold first 2 bytes to choose size of next read.
	if err = readFull(r, bts); err != nil {
		return
	}

	h.Fin = bts[0]&bit0 != 0
	h.Rsv = (bts[0] & 0x70) >> 4
	h.OpCode = OpCode(bts[0] & 0x0f)
	if h.OpCode.IsReserved() {
		err = ErrInvalidOpcode
		return
	}

	var extra int

	if bts[1]&bit0 != 0 {
		h.Masked = true
		extra += 4
	}

	length := bts[1] & 0x7f
	switch {
	case length < 126:
		h.Length = int64(length)

	case length == 126:
		extra += 2

	case length == 127:
		extra += 8

	default:
		err = ErrHeaderLengthUnexpected
		return
	}

	if extra == 0 {
		return
	}

	bts = bts[:extra]
	if err = readFull(r, bts); err != nil {
		return
	}

	switch {
	case length == 126:
		h.Length = int64(binary.BigEndian.Uint16(bts[:2]))
		bts = bts[2:]

	case length == 127:
		v := binary.BigEndian.Uint64(bts[:8])
		if v > uint64(PlatformSizeLimit) {
			err = ErrPayloadTooLarge
			return
		}
		h.Length = int64(v)
		bts = bts[8:]
	}

	if h.Masked {
		copy(h.Mask[:], bts)
	}

	return
}

// ReadPayload reads payload described by h from r and unmasks it when the
// header is masked. It returns nil slice for zero length payload.
func ReadPayload(r io.Reader, h Header) ([]byte, error) {
	if h.Length == 0 {
		return nil, nil
	}
	// int(h.Length) is safe here cause ReadHeader has checked it for
	// overflow.
	p := make([]byte, int(h.Length))
	if err := readFull(r, p); err != nil {
		return nil, err
	}
	if h.Masked {
		Cipher(p, h.Mask, 0)
	}
	return p, nil
}

// ReadFrame reads a frame from r.
// It is not designed for high optimized use case cause it makes allocation
// for frame.Header.Length size inside to read frame payload into.
//
// Note that ReadFrame unmasks payload, so the returned frame holds the same
// bytes that were passed to WriteFrame.
func ReadFrame(r io.Reader) (f Frame, err error) {
	f.Header, err = ReadHeader(r)
	if err != nil {
		return
	}
	f.Payload, err = ReadPayload(r, f.Header)
	return
}

// ParseCloseFrameData parses close frame status code and closure reason if any provided.
// If there is no status code in the payload
// the empty status code is returned (code.Empty()) with empty string as a reason.
func ParseCloseFrameData(payload []byte) (code StatusCode, reason string) {
	if len(payload) < 2 {
		// We returning empty StatusCode here, preventing the situation
		// when endpoint really sent code 1005 and we should return ProtocolError on that.
		//
		// In other words, we ignoring this rule [RFC6455:7.1.5]:
		//   If this Close control frame contains no status code, _The WebSocket
		//   Connection Close Code_ is considered to be 1005.
		return
	}
	code = StatusCode(binary.BigEndian.Uint16(payload))
	reason = string(payload[2:])
	return
}

func readFull(r io.Reader, p []byte) error {
	_, err := io.ReadFull(r, p)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: %w", ErrTruncatedStream, err)
	}
	return err
}
