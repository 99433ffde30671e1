package sox

import (
	"errors"
	"unicode/utf8"
)

// CheckState describes the endpoint which validates incoming frames.
// It makes CheckHeader stricter about masking and fragmentation rules.
type CheckState uint8

const (
	// CheckServerSide means that frames are received by a server.
	CheckServerSide CheckState = 1 << iota
	// CheckClientSide means that frames are received by a client.
	CheckClientSide
	// CheckFragmented means that a data frame without fin bit was received
	// and the endpoint waits for continuation frames.
	CheckFragmented
)

// Is reports whether s has all bits of v set.
func (s CheckState) Is(v CheckState) bool {
	return s&v == v
}

// With returns s with v set when cond is true and cleared otherwise.
func (s CheckState) With(v CheckState, cond bool) CheckState {
	if cond {
		return s | v
	}
	return s &^ v
}

// ProtocolError describes a violation of RFC6455 framing rules found while
// checking headers or close frames. Receiving one is a reason to close the
// connection with StatusProtocolError.
type ProtocolError struct {
	reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.reason
}

func protocolError(reason string) error {
	return &ProtocolError{reason: reason}
}

// IsProtocolError reports whether err is or wraps a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// Errors used by the protocol checkers.
var (
	ErrProtocolOpCodeReserved             = protocolError("use of reserved op code")
	ErrProtocolControlPayloadOverflow     = protocolError("control frame payload limit exceeded")
	ErrProtocolControlNotFinal            = protocolError("control frame is not final")
	ErrProtocolNonZeroRsv                 = protocolError("non-zero rsv bits")
	ErrProtocolMaskRequired               = protocolError("frames from client to server must be masked")
	ErrProtocolMaskUnexpected             = protocolError("frames from server to client must be not masked")
	ErrProtocolContinuationExpected       = protocolError("unexpected non-continuation data frame")
	ErrProtocolContinuationUnexpected     = protocolError("unexpected continuation data frame")
	ErrProtocolStatusCodeNotInUse         = protocolError("status code is not in use")
	ErrProtocolStatusCodeApplicationLevel = protocolError("status code is reserved for local use")
	ErrProtocolStatusCodeNoMeaning        = protocolError("status code has no meaning yet")
	ErrProtocolStatusCodeUnknown          = protocolError("status code is not defined by RFC6455")
	ErrProtocolCloseDataTooShort          = protocolError("close frame payload of one byte")
	ErrProtocolInvalidUTF8                = protocolError("invalid utf8 sequence in close reason")
)

// CheckHeader checks h to contain valid header data for given state s.
//
// Extensions are not supported, so any rsv bit is an error.
func CheckHeader(h Header, s CheckState) error {
	if h.OpCode.IsReserved() {
		return ErrProtocolOpCodeReserved
	}
	if h.OpCode.IsControl() {
		if h.Length > MaxControlFramePayloadSize {
			return ErrProtocolControlPayloadOverflow
		}
		if !h.Fin {
			return ErrProtocolControlNotFinal
		}
	}

	switch {
	case h.Rsv != 0:
		return ErrProtocolNonZeroRsv

	// [RFC6455]: The server MUST close the connection upon receiving a frame
	// that is not masked. A client MUST close a connection if it detects a
	// masked frame.
	case s.Is(CheckServerSide) && !h.Masked:
		return ErrProtocolMaskRequired
	case s.Is(CheckClientSide) && h.Masked:
		return ErrProtocolMaskUnexpected

	// [RFC6455]: See detailed explanation in 5.4 section.
	case s.Is(CheckFragmented) && h.OpCode.IsData() && h.OpCode != OpContinuation:
		return ErrProtocolContinuationExpected
	case !s.Is(CheckFragmented) && h.OpCode == OpContinuation:
		return ErrProtocolContinuationUnexpected
	}

	return nil
}

// CheckCloseFrameData checks received close information
// to be valid RFC6455 compatible close info.
//
// Callers should not check payload of a close frame without status code.
func CheckCloseFrameData(code StatusCode, reason string) error {
	switch {
	case code.IsNotUsed():
		return ErrProtocolStatusCodeNotInUse

	case code.IsProtocolReserved():
		return ErrProtocolStatusCodeApplicationLevel

	case code == StatusNoMeaningYet:
		return ErrProtocolStatusCodeNoMeaning

	case code.IsProtocolSpec() && !code.IsProtocolDefined():
		return ErrProtocolStatusCodeUnknown

	case !utf8.ValidString(reason):
		return ErrProtocolInvalidUTF8

	default:
		return nil
	}
}

// CheckClosePayload validates raw payload of a received close frame and
// returns the status code it carries. Empty payload is valid and yields an
// empty code.
func CheckClosePayload(p []byte) (StatusCode, error) {
	switch len(p) {
	case 0:
		return 0, nil
	case 1:
		return 0, ErrProtocolCloseDataTooShort
	}
	code, reason := ParseCloseFrameData(p)
	return code, CheckCloseFrameData(code, reason)
}
