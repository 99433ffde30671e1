package sox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckHeader(t *testing.T) {
	masked := func(h Header) Header {
		h.Masked = true
		h.Mask = [4]byte{1, 2, 3, 4}
		return h
	}
	for _, test := range []struct {
		name  string
		h     Header
		state CheckState
		err   error
	}{
		{
			name:  "masked text",
			h:     masked(Header{Fin: true, OpCode: OpText, Length: 10}),
			state: CheckServerSide,
		},
		{
			name:  "unmasked to server",
			h:     Header{Fin: true, OpCode: OpText, Length: 10},
			state: CheckServerSide,
			err:   ErrProtocolMaskRequired,
		},
		{
			name:  "masked to client",
			h:     masked(Header{Fin: true, OpCode: OpText}),
			state: CheckClientSide,
			err:   ErrProtocolMaskUnexpected,
		},
		{
			name:  "rsv",
			h:     masked(Header{Fin: true, OpCode: OpText, Rsv: Rsv(true, false, false)}),
			state: CheckServerSide,
			err:   ErrProtocolNonZeroRsv,
		},
		{
			name:  "fragmented ping",
			h:     masked(Header{OpCode: OpPing}),
			state: CheckServerSide,
			err:   ErrProtocolControlNotFinal,
		},
		{
			name:  "big ping",
			h:     masked(Header{Fin: true, OpCode: OpPing, Length: 126}),
			state: CheckServerSide,
			err:   ErrProtocolControlPayloadOverflow,
		},
		{
			name:  "reserved",
			h:     masked(Header{Fin: true, OpCode: 0x5}),
			state: CheckServerSide,
			err:   ErrProtocolOpCodeReserved,
		},
		{
			name:  "unexpected continuation",
			h:     masked(Header{Fin: true, OpCode: OpContinuation}),
			state: CheckServerSide,
			err:   ErrProtocolContinuationUnexpected,
		},
		{
			name:  "expected continuation",
			h:     masked(Header{Fin: true, OpCode: OpBinary}),
			state: CheckServerSide | CheckFragmented,
			err:   ErrProtocolContinuationExpected,
		},
		{
			name:  "ping between fragments",
			h:     masked(Header{Fin: true, OpCode: OpPing}),
			state: CheckServerSide | CheckFragmented,
		},
		{
			name:  "continuation",
			h:     masked(Header{Fin: true, OpCode: OpContinuation}),
			state: CheckServerSide | CheckFragmented,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := CheckHeader(test.h, test.state)
			if test.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, test.err)
			assert.True(t, IsProtocolError(err))
		})
	}
}

func TestCheckStateWith(t *testing.T) {
	s := CheckServerSide
	s = s.With(CheckFragmented, true)
	assert.True(t, s.Is(CheckFragmented))
	assert.True(t, s.Is(CheckServerSide))
	s = s.With(CheckFragmented, false)
	assert.False(t, s.Is(CheckFragmented))
	assert.True(t, s.Is(CheckServerSide))
}

func TestCheckClosePayload(t *testing.T) {
	for _, test := range []struct {
		name string
		in   []byte
		code StatusCode
		err  error
	}{
		{"empty", nil, 0, nil},
		{"one byte", []byte{0x03}, 0, ErrProtocolCloseDataTooShort},
		{"normal", NewCloseFrameBody(StatusNormalClosure, "bye"), StatusNormalClosure, nil},
		{"private", NewCloseFrameBody(4001, ""), 4001, nil},
		{"not in use", NewCloseFrameBody(999, ""), 999, ErrProtocolStatusCodeNotInUse},
		{"no status on wire", NewCloseFrameBody(StatusNoStatusRcvd, ""), StatusNoStatusRcvd, ErrProtocolStatusCodeApplicationLevel},
		{"undefined", NewCloseFrameBody(1016, ""), 1016, ErrProtocolStatusCodeUnknown},
		{"bad utf8", NewCloseFrameBody(StatusNormalClosure, "\xff\xfe"), StatusNormalClosure, ErrProtocolInvalidUTF8},
	} {
		t.Run(test.name, func(t *testing.T) {
			code, err := CheckClosePayload(test.in)
			assert.Equal(t, test.code, code)
			if test.err == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, test.err)
			}
		})
	}
}
