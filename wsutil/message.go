package wsutil

import (
	"unicode/utf8"

	"github.com/danielfoord/sox"
)

// Message represents a message from peer, that could be presented in one or
// more frames. That is, it contains payload of all message fragments and
// operation code of initial frame for this message.
type Message struct {
	OpCode  sox.OpCode
	Payload []byte
}

// NewTextMessage returns text message with a copy of s as payload.
func NewTextMessage(s string) Message {
	return Message{OpCode: sox.OpText, Payload: []byte(s)}
}

// NewBinaryMessage returns binary message with p as payload.
// Note that p is not copied.
func NewBinaryMessage(p []byte) Message {
	return Message{OpCode: sox.OpBinary, Payload: p}
}

// Size returns payload length of the message.
func (m Message) Size() int {
	return len(m.Payload)
}

// Unpack glues frames of a single message back together.
//
// The first frame defines the message type and must be a text or binary
// frame, otherwise sox.ErrInvalidOpcode is returned. All other frames must be
// continuation frames and only the last one may have fin bit set. Text
// payload must be valid utf8, otherwise sox.ErrInvalidEncoding is returned.
//
// Empty frames slice produces an empty binary message.
func Unpack(frames []sox.Frame) (Message, error) {
	if len(frames) == 0 {
		return Message{OpCode: sox.OpBinary, Payload: []byte{}}, nil
	}

	op := frames[0].Header.OpCode
	if op != sox.OpText && op != sox.OpBinary {
		return Message{}, sox.ErrInvalidOpcode
	}

	var n int
	for i, f := range frames {
		if i > 0 && f.Header.OpCode != sox.OpContinuation {
			return Message{}, sox.ErrProtocolContinuationExpected
		}
		last := i == len(frames)-1
		if f.Header.Fin != last {
			if last {
				return Message{}, ErrMessageNotFinal
			}
			return Message{}, sox.ErrProtocolContinuationUnexpected
		}
		n += len(f.Payload)
	}

	payload := make([]byte, 0, n)
	for _, f := range frames {
		payload = append(payload, f.Payload...)
	}
	if op == sox.OpText && !utf8.Valid(payload) {
		return Message{}, sox.ErrInvalidEncoding
	}

	return Message{OpCode: op, Payload: payload}, nil
}
