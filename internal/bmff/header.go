package bmff

import (
	"errors"
	"math"
)

// Header sizes.
const (
	HeaderSize      = 8
	LargeHeaderSize = 16
)

// ErrShortBuffer is returned by DecodeHeader when more bytes are needed.
var ErrShortBuffer = errors.New("bmff: short buffer")

// Header is the size/type prefix of a box and its position in the file.
type Header struct {
	Type       BoxType
	Size       int64 // total box size including header
	HeaderSize int   // 8, or 16 for 64-bit sizes
	Offset     int64 // file offset of the first header byte
}

// End returns the file offset just past the box.
func (h Header) End() int64 { return h.Offset + h.Size }

// DataOffset returns the file offset of the first payload byte.
func (h Header) DataOffset() int64 { return h.Offset + int64(h.HeaderSize) }

// DataSize returns the payload size (excluding the header).
func (h Header) DataSize() int64 { return h.Size - int64(h.HeaderSize) }

// Large reports whether the header used the 64-bit size variant.
func (h Header) Large() bool { return h.HeaderSize == LargeHeaderSize }

// NeededHeaderBytes returns how many bytes DecodeHeader needs given the
// first bytes of a header (8, or 16 once a large size is visible).
func NeededHeaderBytes(b []byte) int {
	if len(b) >= 4 && be.Uint32(b) == 1 {
		return LargeHeaderSize
	}
	return HeaderSize
}

// DecodeHeader decodes the box header at the start of b, which sits at
// file offset off. It returns ErrShortBuffer when b is too short and a
// *MalformedError when the declared size cannot describe a box.
func DecodeHeader(b []byte, off int64) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortBuffer
	}
	var h Header
	copy(h.Type[:], b[4:8])
	h.Offset = off
	h.HeaderSize = HeaderSize

	size32 := be.Uint32(b)
	switch size32 {
	case 0:
		return Header{}, malformed(h.Type, off, "size zero")
	case 1:
		if len(b) < LargeHeaderSize {
			return Header{}, ErrShortBuffer
		}
		size64 := be.Uint64(b[8:16])
		if size64 > math.MaxInt64 {
			return Header{}, malformed(h.Type, off, "size %d overflows", size64)
		}
		h.Size = int64(size64)
		h.HeaderSize = LargeHeaderSize
	default:
		h.Size = int64(size32)
	}

	if h.Size < int64(h.HeaderSize) {
		return Header{}, malformed(h.Type, off, "size %d smaller than header", h.Size)
	}
	return h, nil
}
