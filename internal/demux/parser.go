package demux

import (
	"errors"
	"fmt"

	"github.com/zsiec/hplayer/internal/bmff"
	"github.com/zsiec/hplayer/internal/ingest"
)

// ByteSource is the read side of an ingest arena.
type ByteSource interface {
	Read(pos int64, n int) ([]byte, error)
}

// ErrChunkLimit is returned when a descriptor box is larger than the
// parser is willing to buffer.
var ErrChunkLimit = errors.New("demux: descriptor box exceeds chunk limit")

// Frame is one open container on the parse stack.
type Frame struct {
	Box *bmff.ContainerBox
	End int64
}

// ParseState is the complete resumable state of a Parser. Copying it and
// feeding the copy to another Parser resumes from the same point.
type ParseState struct {
	// Pos is the file offset of the next box header to read.
	Pos int64
	// Stack holds the open containers, outermost first.
	Stack []Frame
	// Need is the number of bytes required at Pos before the last step
	// can complete; zero when the parser is not waiting.
	Need int
	// FirstMdat is the offset of the first mdat seen, or -1.
	FirstMdat int64
}

// Parser decodes the box tree one top-level box at a time.
type Parser struct {
	State      ParseState
	chunkLimit int
	warnings   []error
}

// NewParser returns a Parser positioned at offset 0.
func NewParser(chunkLimit int) *Parser {
	return &Parser{State: ParseState{FirstMdat: -1}, chunkLimit: chunkLimit}
}

// Warnings returns and clears the non-fatal damage found since the last
// call.
func (p *Parser) Warnings() []error {
	w := p.warnings
	p.warnings = nil
	return w
}

// Next advances until one top-level box is complete and returns it.
// It returns ingest.ErrNeedMore, with State.Need set, when the source does
// not yet hold the bytes the next step needs. A *bmff.MalformedError is
// returned for damage that cannot be skipped.
func (p *Parser) Next(src ByteSource) (bmff.Box, error) {
	st := &p.State
	for {
		if n := len(st.Stack); n > 0 && st.Pos >= st.Stack[n-1].End {
			done := st.Stack[n-1].Box
			st.Stack = st.Stack[:n-1]
			if box, top := p.attach(done); top {
				return box, nil
			}
			continue
		}

		h, err := p.header(src)
		if err != nil {
			if errors.Is(err, ingest.ErrNeedMore) {
				return nil, err
			}
			if skipErr := p.damage(err, nil); skipErr != nil {
				return nil, skipErr
			}
			continue
		}

		if n := len(st.Stack); n > 0 && h.End() > st.Stack[n-1].End {
			parent := st.Stack[n-1].Box.Hdr
			err := &bmff.MalformedError{
				Type:   h.Type,
				Offset: h.Offset,
				Reason: fmt.Sprintf("size %d exceeds parent %q ending at %d", h.Size, parent.Type.String(), st.Stack[n-1].End),
			}
			if skipErr := p.damage(err, nil); skipErr != nil {
				return nil, skipErr
			}
			continue
		}

		var box bmff.Box
		switch bmff.CategoryOf(h.Type) {
		case bmff.CategoryStructural, bmff.CategoryFragment:
			st.Stack = append(st.Stack, Frame{Box: &bmff.ContainerBox{Hdr: h}, End: h.End()})
			st.Pos = h.DataOffset()
			continue
		case bmff.CategoryDescriptor:
			leaf, err := p.leaf(src, h)
			if err != nil {
				if errors.Is(err, ingest.ErrNeedMore) || errors.Is(err, ErrChunkLimit) {
					return nil, err
				}
				if skipErr := p.damage(err, &h); skipErr != nil {
					return nil, skipErr
				}
				continue
			}
			box = leaf
		case bmff.CategoryReference:
			if st.FirstMdat < 0 {
				st.FirstMdat = h.Offset
			}
			box = &bmff.DataBox{Hdr: h}
		default:
			box = &bmff.SkippedBox{Hdr: h}
		}
		st.Pos = h.End()
		if b, top := p.attach(box); top {
			return b, nil
		}
	}
}

// header reads the box header at the cursor.
func (p *Parser) header(src ByteSource) (bmff.Header, error) {
	st := &p.State
	b, err := src.Read(st.Pos, bmff.HeaderSize)
	if err != nil {
		st.Need = bmff.HeaderSize
		return bmff.Header{}, err
	}
	if need := bmff.NeededHeaderBytes(b); need > len(b) {
		if b, err = src.Read(st.Pos, need); err != nil {
			st.Need = need
			return bmff.Header{}, err
		}
	}
	st.Need = 0
	return bmff.DecodeHeader(b, st.Pos)
}

// leaf reads a descriptor box's payload and splits off the full box
// version and flags.
func (p *Parser) leaf(src ByteSource, h bmff.Header) (*bmff.LeafBox, error) {
	st := &p.State
	if p.chunkLimit > 0 && h.Size > int64(p.chunkLimit) {
		return nil, fmt.Errorf("%w: %q is %d bytes", ErrChunkLimit, h.Type.String(), h.Size)
	}
	b, err := src.Read(h.Offset, int(h.Size))
	if err != nil {
		st.Need = int(h.Size)
		return nil, err
	}
	st.Need = 0
	return bmff.NewLeaf(h, b[h.HeaderSize:])
}

// attach adds a finished box to the innermost open container. It reports
// true, with the box, when the box is top-level.
func (p *Parser) attach(b bmff.Box) (bmff.Box, bool) {
	st := &p.State
	if n := len(st.Stack); n > 0 {
		parent := st.Stack[n-1].Box
		parent.Children = append(parent.Children, b)
		return nil, false
	}
	return b, true
}

// damage decides whether a malformed box can be stepped over. A box whose
// header is intact and which is not load-bearing is skipped on its own.
// Otherwise damage at top level or inside a load-bearing container is
// fatal, and elsewhere the rest of the enclosing container is skipped.
// Skipped damage is recorded as a warning.
func (p *Parser) damage(err error, h *bmff.Header) error {
	st := &p.State
	n := len(st.Stack)
	if n == 0 {
		return err
	}
	if h != nil && !bmff.LoadBearing(h.Type) {
		p.warnings = append(p.warnings, err)
		st.Pos = h.End()
		return nil
	}
	parent := st.Stack[n-1]
	if bmff.LoadBearing(parent.Box.Hdr.Type) {
		return err
	}
	p.warnings = append(p.warnings, err)
	st.Pos = parent.End
	return nil
}
