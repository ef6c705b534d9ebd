// Package mp4test synthesizes ISO-BMFF files for tests: progressive files
// with full sample tables and fragmented files built from an init segment
// plus moof/mdat pairs.
package mp4test

import (
	"encoding/binary"

	"github.com/zsiec/hplayer/internal/bmff"
)

var be = binary.BigEndian

// Writer encodes boxes into a growing buffer. Box sizes are backpatched
// when the box ends.
type Writer struct {
	buf   []byte
	stack []int
}

// Bytes returns the written data.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written.
func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) u8(v byte)    { w.buf = append(w.buf, v) }
func (w *Writer) u16(v uint16) { w.buf = be.AppendUint16(w.buf, v) }
func (w *Writer) u32(v uint32) { w.buf = be.AppendUint32(w.buf, v) }
func (w *Writer) u64(v uint64) { w.buf = be.AppendUint64(w.buf, v) }
func (w *Writer) raw(p []byte) { w.buf = append(w.buf, p...) }
func (w *Writer) zeros(n int)  { w.buf = append(w.buf, make([]byte, n)...) }
func (w *Writer) str(s string) { w.buf = append(w.buf, s...) }
func (w *Writer) i32(v int32)  { w.u32(uint32(v)) }

// Start begins a box; End backpatches its size.
func (w *Writer) Start(t bmff.BoxType) {
	w.stack = append(w.stack, len(w.buf))
	w.u32(0)
	w.raw(t[:])
}

// StartFull begins a full box with version and flags.
func (w *Writer) StartFull(t bmff.BoxType, version uint8, flags uint32) {
	w.Start(t)
	w.u32(uint32(version)<<24 | flags&0x00ffffff)
}

// End finishes the innermost open box.
func (w *Writer) End() {
	start := w.stack[len(w.stack)-1]
	w.stack = w.stack[:len(w.stack)-1]
	be.PutUint32(w.buf[start:], uint32(len(w.buf)-start))
}

// Box writes a complete box with the given payload.
func (w *Writer) Box(t bmff.BoxType, payload []byte) {
	w.Start(t)
	w.raw(payload)
	w.End()
}

// LargeBox writes a complete box using the 64-bit size header variant.
func (w *Writer) LargeBox(t bmff.BoxType, payload []byte) {
	w.u32(1)
	w.raw(t[:])
	w.u64(uint64(bmff.LargeHeaderSize + len(payload)))
	w.raw(payload)
}

// Raw appends bytes outside any box structure.
func (w *Writer) Raw(p []byte) { w.raw(p) }
