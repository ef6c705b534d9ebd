package codec

import "errors"

var errShortRBSP = errors.New("codec: parameter set truncated")

// bitReader reads MSB-first bit fields from an RBSP. The first overrun is
// recorded in err; later reads return zero so callers check once.
type bitReader struct {
	data []byte
	pos  int // bit position
	err  error
}

func (r *bitReader) bits(n int) uint {
	var v uint
	for i := 0; i < n; i++ {
		if r.pos>>3 >= len(r.data) {
			r.err = errShortRBSP
			return 0
		}
		v = v<<1 | uint(r.data[r.pos>>3]>>(7-r.pos&7)&1)
		r.pos++
	}
	return v
}

func (r *bitReader) flag() bool { return r.bits(1) == 1 }

// ue reads an unsigned Exp-Golomb code.
func (r *bitReader) ue() uint {
	zeros := 0
	for r.bits(1) == 0 {
		if r.err != nil || zeros == 31 {
			r.err = errShortRBSP
			return 0
		}
		zeros++
	}
	return 1<<zeros - 1 + r.bits(zeros)
}

// se reads a signed Exp-Golomb code.
func (r *bitReader) se() int {
	v := r.ue()
	if v&1 == 0 {
		return -int(v / 2)
	}
	return int(v/2 + 1)
}

func (r *bitReader) scalingList(size int) {
	last, next := 8, 8
	for j := 0; j < size && r.err == nil; j++ {
		if next != 0 {
			next = (last + r.se() + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
}

// unescape strips emulation prevention bytes (00 00 03) from a NAL payload.
func unescape(nal []byte) []byte {
	out := make([]byte, 0, len(nal))
	zeros := 0
	for _, b := range nal {
		if zeros >= 2 && b == 3 {
			zeros = 0
			continue
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}
