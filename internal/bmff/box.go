// Package bmff decodes ISO Base Media File Format (ISO/IEC 14496-12) boxes.
//
// Boxes are modelled as a small set of variants, one per category:
// [*ContainerBox] for structural and fragment containers whose children are
// descended into, [*LeafBox] for descriptor boxes whose payload is decoded
// by typed readers built on go-mp4's box definitions, [*DataBox] for media data that stays in the ingest
// arena, and [*SkippedBox] for everything the player does not understand.
package bmff

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var be = binary.BigEndian

// BoxType is a 4-byte box type identifier.
type BoxType [4]byte

func (t BoxType) String() string {
	return string(t[:])
}

// Known box types.
var (
	TypeFtyp = BoxType{'f', 't', 'y', 'p'}
	TypeStyp = BoxType{'s', 't', 'y', 'p'}
	TypeMoov = BoxType{'m', 'o', 'o', 'v'}
	TypeMvhd = BoxType{'m', 'v', 'h', 'd'}
	TypeTrak = BoxType{'t', 'r', 'a', 'k'}
	TypeTkhd = BoxType{'t', 'k', 'h', 'd'}
	TypeEdts = BoxType{'e', 'd', 't', 's'}
	TypeElst = BoxType{'e', 'l', 's', 't'}
	TypeMdia = BoxType{'m', 'd', 'i', 'a'}
	TypeMdhd = BoxType{'m', 'd', 'h', 'd'}
	TypeHdlr = BoxType{'h', 'd', 'l', 'r'}
	TypeMinf = BoxType{'m', 'i', 'n', 'f'}
	TypeDinf = BoxType{'d', 'i', 'n', 'f'}
	TypeStbl = BoxType{'s', 't', 'b', 'l'}
	TypeStsd = BoxType{'s', 't', 's', 'd'}
	TypeStts = BoxType{'s', 't', 't', 's'}
	TypeCtts = BoxType{'c', 't', 't', 's'}
	TypeStsc = BoxType{'s', 't', 's', 'c'}
	TypeStsz = BoxType{'s', 't', 's', 'z'}
	TypeStz2 = BoxType{'s', 't', 'z', '2'}
	TypeStco = BoxType{'s', 't', 'c', 'o'}
	TypeCo64 = BoxType{'c', 'o', '6', '4'}
	TypeStss = BoxType{'s', 't', 's', 's'}
	TypeSdtp = BoxType{'s', 'd', 't', 'p'}
	TypeMvex = BoxType{'m', 'v', 'e', 'x'}
	TypeMehd = BoxType{'m', 'e', 'h', 'd'}
	TypeTrex = BoxType{'t', 'r', 'e', 'x'}
	TypeMoof = BoxType{'m', 'o', 'o', 'f'}
	TypeMfhd = BoxType{'m', 'f', 'h', 'd'}
	TypeTraf = BoxType{'t', 'r', 'a', 'f'}
	TypeTfhd = BoxType{'t', 'f', 'h', 'd'}
	TypeTfdt = BoxType{'t', 'f', 'd', 't'}
	TypeTrun = BoxType{'t', 'r', 'u', 'n'}
	TypeSidx = BoxType{'s', 'i', 'd', 'x'}
	TypeMfra = BoxType{'m', 'f', 'r', 'a'}
	TypeUdta = BoxType{'u', 'd', 't', 'a'}
	TypeMeta = BoxType{'m', 'e', 't', 'a'}
	TypeMdat = BoxType{'m', 'd', 'a', 't'}
	TypeFree = BoxType{'f', 'r', 'e', 'e'}
	TypeSkip = BoxType{'s', 'k', 'i', 'p'}
	TypeAvc1 = BoxType{'a', 'v', 'c', '1'}
	TypeAvc3 = BoxType{'a', 'v', 'c', '3'}
	TypeAvcC = BoxType{'a', 'v', 'c', 'C'}
	TypeHvc1 = BoxType{'h', 'v', 'c', '1'}
	TypeHev1 = BoxType{'h', 'e', 'v', '1'}
	TypeHvcC = BoxType{'h', 'v', 'c', 'C'}
	TypeMp4a = BoxType{'m', 'p', '4', 'a'}
	TypeEsds = BoxType{'e', 's', 'd', 's'}
	TypeBtrt = BoxType{'b', 't', 'r', 't'}
	TypeC608 = BoxType{'c', '6', '0', '8'}
)

// IsFullBox reports whether the box type carries version and flags fields.
func IsFullBox(t BoxType) bool {
	switch t {
	case TypeMvhd, TypeTkhd, TypeMdhd, TypeHdlr,
		TypeStsd, TypeStts, TypeCtts, TypeStsc,
		TypeStsz, TypeStz2, TypeStco, TypeCo64,
		TypeStss, TypeSdtp, TypeElst, TypeMehd,
		TypeTrex, TypeMfhd, TypeTfhd, TypeTfdt,
		TypeTrun, TypeSidx, TypeEsds:
		return true
	}
	return false
}

// Category selects which box variant the parser builds for a type.
type Category int

// Box categories.
const (
	// CategoryUnknown boxes are skipped structurally: neither their payload
	// nor their children are read.
	CategoryUnknown Category = iota
	// CategoryStructural containers (moov and its descendants) are descended.
	CategoryStructural
	// CategoryFragment containers (moof and its descendants) are descended.
	CategoryFragment
	// CategoryReference boxes point at media bytes left in the ingest arena.
	CategoryReference
	// CategoryDescriptor boxes have their payload read and decoded.
	CategoryDescriptor
)

// CategoryOf returns the category of a box type.
func CategoryOf(t BoxType) Category {
	switch t {
	case TypeMoov, TypeTrak, TypeEdts, TypeMdia,
		TypeMinf, TypeStbl, TypeMvex:
		return CategoryStructural
	case TypeMoof, TypeTraf:
		return CategoryFragment
	case TypeMdat:
		return CategoryReference
	case TypeFtyp, TypeStyp, TypeMvhd, TypeTkhd,
		TypeElst, TypeMdhd, TypeHdlr, TypeStsd,
		TypeStts, TypeCtts, TypeStsc, TypeStsz,
		TypeStz2, TypeStco, TypeCo64, TypeStss,
		TypeSdtp, TypeMehd, TypeTrex, TypeMfhd,
		TypeTfhd, TypeTfdt, TypeTrun:
		return CategoryDescriptor
	}
	return CategoryUnknown
}

// LoadBearing reports whether a malformed box of this type makes the
// enclosing structure unusable. Damage anywhere else is skipped.
func LoadBearing(t BoxType) bool {
	switch t {
	case TypeMoov, TypeMvhd, TypeTrak, TypeTkhd,
		TypeMdia, TypeMdhd, TypeHdlr, TypeMinf,
		TypeStbl, TypeStsd, TypeStts, TypeStsc,
		TypeStsz, TypeStz2, TypeStco, TypeCo64,
		TypeMoof, TypeMfhd, TypeTraf, TypeTfhd,
		TypeTrun:
		return true
	}
	return false
}

// Box is one parsed box. The concrete type is one of *ContainerBox,
// *LeafBox, *DataBox or *SkippedBox.
type Box interface {
	Header() Header
	box()
}

// ContainerBox holds child boxes in file order.
type ContainerBox struct {
	Hdr      Header
	Children []Box
}

// LeafBox carries a descriptor payload. For full boxes Version and Flags
// are split off and Data starts after them.
type LeafBox struct {
	Hdr     Header
	Version uint8
	Flags   uint32
	Data    []byte

	payload []byte // Data with the version and flags still in front
}

// NewLeaf builds a LeafBox from the bytes following its header. Full box
// types must carry version and flags.
func NewLeaf(h Header, payload []byte) (*LeafBox, error) {
	l := &LeafBox{Hdr: h, Data: payload, payload: payload}
	if IsFullBox(h.Type) {
		if len(payload) < 4 {
			return nil, malformed(h.Type, h.Offset, "full box without version and flags")
		}
		l.Version = payload[0]
		l.Flags = uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3])
		l.Data = payload[4:]
	}
	return l, nil
}

// DataBox references media data by file position only.
type DataBox struct {
	Hdr Header
}

// SkippedBox records a box the parser stepped over.
type SkippedBox struct {
	Hdr Header
}

func (b *ContainerBox) Header() Header { return b.Hdr }
func (b *LeafBox) Header() Header      { return b.Hdr }
func (b *DataBox) Header() Header      { return b.Hdr }
func (b *SkippedBox) Header() Header   { return b.Hdr }

func (*ContainerBox) box() {}
func (*LeafBox) box()      {}
func (*DataBox) box()      {}
func (*SkippedBox) box()   {}

// Child returns the first direct child of the given type, or nil.
func (b *ContainerBox) Child(t BoxType) Box {
	for _, c := range b.Children {
		if c.Header().Type == t {
			return c
		}
	}
	return nil
}

// Container returns the first direct child container of the given type.
func (b *ContainerBox) Container(t BoxType) *ContainerBox {
	c, _ := b.Child(t).(*ContainerBox)
	return c
}

// Leaf returns the first direct child descriptor of the given type.
func (b *ContainerBox) Leaf(t BoxType) *LeafBox {
	l, _ := b.Child(t).(*LeafBox)
	return l
}

// Containers returns every direct child container of the given type.
func (b *ContainerBox) Containers(t BoxType) []*ContainerBox {
	var out []*ContainerBox
	for _, c := range b.Children {
		if cb, ok := c.(*ContainerBox); ok && cb.Hdr.Type == t {
			out = append(out, cb)
		}
	}
	return out
}

// Leaves returns every direct child descriptor of the given type.
func (b *ContainerBox) Leaves(t BoxType) []*LeafBox {
	var out []*LeafBox
	for _, c := range b.Children {
		if l, ok := c.(*LeafBox); ok && l.Hdr.Type == t {
			out = append(out, l)
		}
	}
	return out
}

// ErrMalformed is wrapped by every MalformedError.
var ErrMalformed = errors.New("bmff: malformed container")

// MalformedError reports a size or offset inconsistency in a box.
type MalformedError struct {
	Type   BoxType
	Offset int64
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("bmff: malformed %q box at offset %d: %s", e.Type.String(), e.Offset, e.Reason)
}

func (e *MalformedError) Unwrap() error {
	return ErrMalformed
}

func malformed(t BoxType, off int64, format string, args ...any) error {
	return &MalformedError{Type: t, Offset: off, Reason: fmt.Sprintf(format, args...)}
}
