package bmff

import "github.com/abema/go-mp4"

// entries validates an entry_count-prefixed table and returns the count.
// The count is checked against the payload before the table is decoded so
// a corrupt count cannot trigger a large allocation.
func entries(l *LeafBox, hdr, entrySize int) (int, error) {
	if err := need(l, hdr); err != nil {
		return 0, err
	}
	n := be.Uint32(l.Data[hdr-4 : hdr])
	if uint64(n)*uint64(entrySize) > uint64(len(l.Data)-hdr) {
		return 0, malformed(l.Hdr.Type, l.Hdr.Offset, "%d entries do not fit in %d bytes", n, len(l.Data)-hdr)
	}
	return int(n), nil
}

// SttsEntry is a run of samples sharing a decode delta.
type SttsEntry struct {
	Count uint32
	Delta uint32
}

// ReadStts decodes a time-to-sample table.
func ReadStts(l *LeafBox) ([]SttsEntry, error) {
	if _, err := entries(l, 4, 8); err != nil {
		return nil, err
	}
	var box mp4.Stts
	if err := unmarshal(l, &box); err != nil {
		return nil, err
	}
	out := make([]SttsEntry, len(box.Entries))
	for i, e := range box.Entries {
		out[i] = SttsEntry{Count: e.SampleCount, Delta: e.SampleDelta}
	}
	return out, nil
}

// CttsEntry is a run of samples sharing a composition offset.
type CttsEntry struct {
	Count  uint32
	Offset int32
}

// ReadCtts decodes a composition offset table. Version 0 offsets are
// nominally unsigned but are read as signed, matching what muxers write.
func ReadCtts(l *LeafBox) ([]CttsEntry, error) {
	if _, err := entries(l, 4, 8); err != nil {
		return nil, err
	}
	var box mp4.Ctts
	if err := unmarshal(l, &box); err != nil {
		return nil, err
	}
	out := make([]CttsEntry, len(box.Entries))
	for i, e := range box.Entries {
		off := e.SampleOffsetV1
		if box.GetVersion() == 0 {
			off = int32(e.SampleOffsetV0)
		}
		out[i] = CttsEntry{Count: e.SampleCount, Offset: off}
	}
	return out, nil
}

// StscEntry maps a run of chunks to a samples-per-chunk count.
type StscEntry struct {
	FirstChunk      uint32
	SamplesPerChunk uint32
	DescIndex       uint32
}

// ReadStsc decodes a sample-to-chunk table.
func ReadStsc(l *LeafBox) ([]StscEntry, error) {
	if _, err := entries(l, 4, 12); err != nil {
		return nil, err
	}
	var box mp4.Stsc
	if err := unmarshal(l, &box); err != nil {
		return nil, err
	}
	out := make([]StscEntry, len(box.Entries))
	for i, e := range box.Entries {
		out[i] = StscEntry{FirstChunk: e.FirstChunk, SamplesPerChunk: e.SamplesPerChunk, DescIndex: e.SampleDescriptionIndex}
		if out[i].FirstChunk == 0 || (i > 0 && out[i].FirstChunk <= out[i-1].FirstChunk) {
			return nil, malformed(l.Hdr.Type, l.Hdr.Offset, "entry %d first chunk %d out of order", i, out[i].FirstChunk)
		}
	}
	return out, nil
}

// SampleSizes is a decoded stsz or stz2 table.
type SampleSizes struct {
	Constant uint32 // non-zero when every sample has this size
	Count    int
	Sizes    []uint32
}

// Size returns the size of sample i (0-based).
func (s SampleSizes) Size(i int) uint32 {
	if s.Constant != 0 {
		return s.Constant
	}
	return s.Sizes[i]
}

// ReadStsz decodes an stsz table.
func ReadStsz(l *LeafBox) (SampleSizes, error) {
	if err := need(l, 8); err != nil {
		return SampleSizes{}, err
	}
	if be.Uint32(l.Data[0:4]) == 0 {
		if _, err := entries(l, 8, 4); err != nil {
			return SampleSizes{}, err
		}
	}
	var box mp4.Stsz
	if err := unmarshal(l, &box); err != nil {
		return SampleSizes{}, err
	}
	if box.SampleSize != 0 {
		return SampleSizes{Constant: box.SampleSize, Count: int(box.SampleCount)}, nil
	}
	return SampleSizes{Count: len(box.EntrySize), Sizes: box.EntrySize}, nil
}

// ReadStz2 decodes a compact sample size table.
func ReadStz2(l *LeafBox) (SampleSizes, error) {
	if err := need(l, 8); err != nil {
		return SampleSizes{}, err
	}
	field := l.Data[3]
	n := int(be.Uint32(l.Data[4:8]))
	var bits int
	switch field {
	case 4, 8, 16:
		bits = int(field)
	default:
		return SampleSizes{}, malformed(l.Hdr.Type, l.Hdr.Offset, "field size %d", field)
	}
	if (n*bits+7)/8 > len(l.Data)-8 {
		return SampleSizes{}, malformed(l.Hdr.Type, l.Hdr.Offset, "%d entries do not fit in %d bytes", n, len(l.Data)-8)
	}
	s := SampleSizes{Count: n, Sizes: make([]uint32, n)}
	d := l.Data[8:]
	for i := range s.Sizes {
		switch bits {
		case 4:
			b := d[i/2]
			if i%2 == 0 {
				s.Sizes[i] = uint32(b >> 4)
			} else {
				s.Sizes[i] = uint32(b & 0x0f)
			}
		case 8:
			s.Sizes[i] = uint32(d[i])
		case 16:
			s.Sizes[i] = uint32(be.Uint16(d[i*2:]))
		}
	}
	return s, nil
}

// ReadChunkOffsets decodes an stco or co64 table.
func ReadChunkOffsets(l *LeafBox) ([]uint64, error) {
	if l.Hdr.Type == TypeCo64 {
		if _, err := entries(l, 4, 8); err != nil {
			return nil, err
		}
		var box mp4.Co64
		if err := unmarshal(l, &box); err != nil {
			return nil, err
		}
		return box.ChunkOffset, nil
	}
	if _, err := entries(l, 4, 4); err != nil {
		return nil, err
	}
	var box mp4.Stco
	if err := unmarshal(l, &box); err != nil {
		return nil, err
	}
	out := make([]uint64, len(box.ChunkOffset))
	for i, off := range box.ChunkOffset {
		out[i] = uint64(off)
	}
	return out, nil
}

// ReadStss decodes a sync sample table of 1-based sample numbers.
func ReadStss(l *LeafBox) ([]uint32, error) {
	if _, err := entries(l, 4, 4); err != nil {
		return nil, err
	}
	var box mp4.Stss
	if err := unmarshal(l, &box); err != nil {
		return nil, err
	}
	return box.SampleNumber, nil
}

// ReadSdtp returns the sample_depends_on value of each sample in an sdtp
// box. The table has no count of its own; one byte per sample follows the
// full box header.
func ReadSdtp(l *LeafBox) []uint8 {
	out := make([]uint8, len(l.Data))
	for i, b := range l.Data {
		out[i] = b >> 4 & 0x03
	}
	return out
}

// Trun flags (Track Fragment Run Box).
const (
	TrunDataOffsetPresent                  = 0x000001
	TrunFirstSampleFlagsPresent            = 0x000004
	TrunSampleDurationPresent              = 0x000100
	TrunSampleSizePresent                  = 0x000200
	TrunSampleFlagsPresent                 = 0x000400
	TrunSampleCompositionTimeOffsetPresent = 0x000800
)

// TrunSample holds the per-sample fields of a track run. Fields whose
// flag is clear are zero and must be filled from tfhd/trex defaults.
type TrunSample struct {
	Duration uint32
	Size     uint32
	Flags    uint32
	CTO      int32
}

// Trun is a decoded track fragment run.
type Trun struct {
	Flags            uint32
	DataOffset       int32
	FirstSampleFlags uint32
	Samples          []TrunSample
}

// Has reports whether flag is set.
func (t Trun) Has(flag uint32) bool { return t.Flags&flag != 0 }

// ReadTrun decodes a trun box.
func ReadTrun(l *LeafBox) (Trun, error) {
	t := Trun{Flags: l.Flags}
	hdr := 4
	if t.Has(TrunDataOffsetPresent) {
		hdr += 4
	}
	if t.Has(TrunFirstSampleFlagsPresent) {
		hdr += 4
	}
	per := 0
	for _, f := range []uint32{TrunSampleDurationPresent, TrunSampleSizePresent, TrunSampleFlagsPresent, TrunSampleCompositionTimeOffsetPresent} {
		if t.Has(f) {
			per += 4
		}
	}
	if err := need(l, hdr); err != nil {
		return t, err
	}
	if n := be.Uint32(l.Data[0:4]); uint64(n)*uint64(per) > uint64(len(l.Data)-hdr) {
		return t, malformed(l.Hdr.Type, l.Hdr.Offset, "%d samples do not fit in %d bytes", n, len(l.Data)-hdr)
	}

	var box mp4.Trun
	if err := unmarshal(l, &box); err != nil {
		return t, err
	}
	t.DataOffset = box.DataOffset
	t.FirstSampleFlags = box.FirstSampleFlags
	t.Samples = make([]TrunSample, len(box.Entries))
	for i, e := range box.Entries {
		cto := e.SampleCompositionTimeOffsetV1
		if box.GetVersion() == 0 {
			cto = int32(e.SampleCompositionTimeOffsetV0)
		}
		t.Samples[i] = TrunSample{Duration: e.SampleDuration, Size: e.SampleSize, Flags: e.SampleFlags, CTO: cto}
	}
	return t, nil
}
