package bmff

import (
	"bytes"
	"time"

	"github.com/abema/go-mp4"
)

// epoch1904 is the reference time for mvhd/tkhd/mdhd timestamps.
var epoch1904 = time.Date(1904, time.January, 1, 0, 0, 0, 0, time.UTC)

// unmarshal decodes a leaf's payload, version and flags included, into a
// go-mp4 box. Any decoding failure is reported as malformed.
func unmarshal(l *LeafBox, dst mp4.IBox) error {
	p := l.payload
	if _, err := mp4.Unmarshal(bytes.NewReader(p), uint64(len(p)), dst, mp4.Context{}); err != nil {
		return malformed(l.Hdr.Type, l.Hdr.Offset, "%v", err)
	}
	return nil
}

func need(l *LeafBox, n int) error {
	if len(l.Data) < n {
		return malformed(l.Hdr.Type, l.Hdr.Offset, "payload %d bytes, need %d", len(l.Data), n)
	}
	return nil
}

func macTime(secs uint64) time.Time {
	if secs == 0 {
		return time.Time{}
	}
	return epoch1904.Add(time.Duration(secs) * time.Second)
}

// pick returns the version 1 field of a full box, or the version 0 one.
func pick(version uint8, v0 uint32, v1 uint64) uint64 {
	if version == 1 {
		return v1
	}
	return uint64(v0)
}

// Ftyp holds the brands of an ftyp or styp box.
type Ftyp struct {
	MajorBrand   string
	MinorVersion uint32
	Compatible   []string
}

// ReadFtyp decodes an ftyp or styp box.
func ReadFtyp(l *LeafBox) (Ftyp, error) {
	if err := need(l, 8); err != nil {
		return Ftyp{}, err
	}
	var box mp4.Ftyp
	if err := unmarshal(l, &box); err != nil {
		return Ftyp{}, err
	}
	f := Ftyp{MajorBrand: string(box.MajorBrand[:]), MinorVersion: box.MinorVersion}
	for _, b := range box.CompatibleBrands {
		f.Compatible = append(f.Compatible, string(b.CompatibleBrand[:]))
	}
	return f, nil
}

// Mvhd holds the movie header fields the player uses.
type Mvhd struct {
	Created     time.Time
	Modified    time.Time
	Timescale   uint32
	Duration    uint64
	NextTrackID uint32
}

// ReadMvhd decodes an mvhd box.
func ReadMvhd(l *LeafBox) (Mvhd, error) {
	var box mp4.Mvhd
	if err := unmarshal(l, &box); err != nil {
		return Mvhd{}, err
	}
	v := box.GetVersion()
	return Mvhd{
		Created:     macTime(pick(v, box.CreationTimeV0, box.CreationTimeV1)),
		Modified:    macTime(pick(v, box.ModificationTimeV0, box.ModificationTimeV1)),
		Timescale:   box.Timescale,
		Duration:    pick(v, box.DurationV0, box.DurationV1),
		NextTrackID: box.NextTrackID,
	}, nil
}

// Tkhd holds the track header fields the player uses. Width and Height
// are in pixels (the 16.16 fixed point fraction is dropped).
type Tkhd struct {
	TrackID  uint32
	Duration uint64
	Width    int
	Height   int
	Enabled  bool
}

// ReadTkhd decodes a tkhd box.
func ReadTkhd(l *LeafBox) (Tkhd, error) {
	var box mp4.Tkhd
	if err := unmarshal(l, &box); err != nil {
		return Tkhd{}, err
	}
	return Tkhd{
		TrackID:  box.TrackID,
		Duration: pick(box.GetVersion(), box.DurationV0, box.DurationV1),
		Width:    int(box.Width >> 16),
		Height:   int(box.Height >> 16),
		Enabled:  box.GetFlags()&0x000001 != 0,
	}, nil
}

// Mdhd holds the media header fields.
type Mdhd struct {
	Timescale uint32
	Duration  uint64
	Language  string
}

// ReadMdhd decodes an mdhd box.
func ReadMdhd(l *LeafBox) (Mdhd, error) {
	var box mp4.Mdhd
	if err := unmarshal(l, &box); err != nil {
		return Mdhd{}, err
	}
	m := Mdhd{
		Timescale: box.Timescale,
		Duration:  pick(box.GetVersion(), box.DurationV0, box.DurationV1),
		Language:  decodeLanguage(box.Language),
	}
	if m.Timescale == 0 {
		return m, malformed(l.Hdr.Type, l.Hdr.Offset, "zero timescale")
	}
	return m, nil
}

// decodeLanguage turns the three 5-bit letters of an ISO-639-2/T code
// into text. Unset codes read as "und".
func decodeLanguage(v [3]byte) string {
	if v == [3]byte{} || v == [3]byte{0x1f, 0x1f, 0x1f} {
		return "und"
	}
	return string([]byte{v[0] + 0x60, v[1] + 0x60, v[2] + 0x60})
}

// Hdlr holds the handler type and name.
type Hdlr struct {
	HandlerType string
	Name        string
}

// ReadHdlr decodes an hdlr box.
func ReadHdlr(l *LeafBox) (Hdlr, error) {
	if err := need(l, 8); err != nil {
		return Hdlr{}, err
	}
	var box mp4.Hdlr
	if err := unmarshal(l, &box); err != nil {
		// Some muxers cut the box short after the handler type.
		return Hdlr{HandlerType: string(l.Data[4:8])}, nil
	}
	return Hdlr{HandlerType: string(box.HandlerType[:]), Name: box.Name}, nil
}

// ReadMehd decodes the fragment duration from an mehd box.
func ReadMehd(l *LeafBox) (uint64, error) {
	var box mp4.Mehd
	if err := unmarshal(l, &box); err != nil {
		return 0, err
	}
	return pick(box.GetVersion(), box.FragmentDurationV0, box.FragmentDurationV1), nil
}

// Trex holds per-track fragment defaults.
type Trex struct {
	TrackID               uint32
	DefaultDescIndex      uint32
	DefaultSampleDuration uint32
	DefaultSampleSize     uint32
	DefaultSampleFlags    uint32
}

// ReadTrex decodes a trex box.
func ReadTrex(l *LeafBox) (Trex, error) {
	var box mp4.Trex
	if err := unmarshal(l, &box); err != nil {
		return Trex{}, err
	}
	return Trex{
		TrackID:               box.TrackID,
		DefaultDescIndex:      box.DefaultSampleDescriptionIndex,
		DefaultSampleDuration: box.DefaultSampleDuration,
		DefaultSampleSize:     box.DefaultSampleSize,
		DefaultSampleFlags:    box.DefaultSampleFlags,
	}, nil
}

// ReadMfhd decodes the fragment sequence number from an mfhd box.
func ReadMfhd(l *LeafBox) (uint32, error) {
	var box mp4.Mfhd
	if err := unmarshal(l, &box); err != nil {
		return 0, err
	}
	return box.SequenceNumber, nil
}

// Tfhd flags (Track Fragment Header Box).
const (
	TfhdBaseDataOffsetPresent         = 0x000001
	TfhdSampleDescriptionIndexPresent = 0x000002
	TfhdDefaultSampleDurationPresent  = 0x000008
	TfhdDefaultSampleSizePresent      = 0x000010
	TfhdDefaultSampleFlagsPresent     = 0x000020
	TfhdDurationIsEmpty               = 0x010000
	TfhdDefaultBaseIsMoof             = 0x020000
)

// Tfhd holds a track fragment header. Optional fields are only meaningful
// when the matching flag is set.
type Tfhd struct {
	Flags                 uint32
	TrackID               uint32
	BaseDataOffset        uint64
	DescIndex             uint32
	DefaultSampleDuration uint32
	DefaultSampleSize     uint32
	DefaultSampleFlags    uint32
}

// Has reports whether flag is set.
func (t Tfhd) Has(flag uint32) bool { return t.Flags&flag != 0 }

// ReadTfhd decodes a tfhd box.
func ReadTfhd(l *LeafBox) (Tfhd, error) {
	var box mp4.Tfhd
	if err := unmarshal(l, &box); err != nil {
		return Tfhd{}, err
	}
	return Tfhd{
		Flags:                 box.GetFlags(),
		TrackID:               box.TrackID,
		BaseDataOffset:        box.BaseDataOffset,
		DescIndex:             box.SampleDescriptionIndex,
		DefaultSampleDuration: box.DefaultSampleDuration,
		DefaultSampleSize:     box.DefaultSampleSize,
		DefaultSampleFlags:    box.DefaultSampleFlags,
	}, nil
}

// ReadTfdt decodes the base media decode time from a tfdt box.
func ReadTfdt(l *LeafBox) (uint64, error) {
	var box mp4.Tfdt
	if err := unmarshal(l, &box); err != nil {
		return 0, err
	}
	return pick(box.GetVersion(), box.BaseMediaDecodeTimeV0, box.BaseMediaDecodeTimeV1), nil
}

// Sample flag helpers (ISO/IEC 14496-12 8.8.3.1).
const sampleIsNonSync = 0x00010000

// SampleFlagsSync reports whether trun/trex/tfhd sample flags mark a sync
// sample.
func SampleFlagsSync(flags uint32) bool {
	return flags&sampleIsNonSync == 0
}

// SampleFlagsDependsOn returns the sample_depends_on field (0 unknown,
// 1 depends on others, 2 independent).
func SampleFlagsDependsOn(flags uint32) uint8 {
	return uint8(flags >> 24 & 0x03)
}
