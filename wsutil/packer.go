package wsutil

import "github.com/danielfoord/sox"

// Packer splits a message into a sequence of frames. Frames are produced
// one by one by Next.
//
// The first frame carries the message op code, all following frames are
// continuation frames. Only the last frame has fin bit set.
type Packer struct {
	msg  Message
	max  int
	mask bool

	count int
	n     int
	off   int
}

// NewPacker returns Packer for m, which produces frames with payload at most
// max bytes each. Non-positive max disables fragmentation. If mask is true
// every frame is masked with its own random mask.
func NewPacker(m Message, max int, mask bool) *Packer {
	p := &Packer{
		msg:  m,
		max:  max,
		mask: mask,
	}
	switch {
	case m.Payload == nil:
		// Absent payload produces no frames at all.
	case max <= 0 || len(m.Payload) == 0:
		p.count = 1
	default:
		p.count = (len(m.Payload) + max - 1) / max
	}
	return p
}

// Len returns total number of frames the message is packed into.
func (p *Packer) Len() int {
	return p.count
}

// Next returns next frame of the message. It returns false when all frames
// were produced.
func (p *Packer) Next() (sox.Frame, bool) {
	if p.n >= p.count {
		return sox.Frame{}, false
	}

	end := len(p.msg.Payload)
	if p.max > 0 {
		end = min(p.off+p.max, end)
	}
	chunk := p.msg.Payload[p.off:end]

	op := sox.OpContinuation
	if p.n == 0 {
		op = p.msg.OpCode
	}
	f := sox.NewFrame(op, p.n == p.count-1, chunk)
	if p.mask {
		f = sox.MaskFrame(f)
	}

	p.off = end
	p.n++

	return f, true
}

// Frames returns all frames of m at once. See NewPacker for the meaning of
// arguments.
func (m Message) Frames(max int, mask bool) []sox.Frame {
	p := NewPacker(m, max, mask)
	frames := make([]sox.Frame, 0, p.Len())
	for f, ok := p.Next(); ok; f, ok = p.Next() {
		frames = append(frames, f)
	}
	return frames
}
