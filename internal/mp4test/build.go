package mp4test

import (
	"github.com/zsiec/hplayer/internal/bmff"
)

// Sample is one synthesized sample.
type Sample struct {
	Duration uint32
	CTO      int32
	Sync     bool
	Data     []byte
}

// Track describes one synthesized track.
type Track struct {
	ID        uint32
	Handler   string // "vide", "soun", "text", ...
	Format    string // sample entry type, e.g. "avc1", "mp4a", "c608"
	Timescale uint32
	Language  string
	Width     int
	Height    int

	SampleRate int
	Channels   int

	// Config is the decoder configuration record written as the sample
	// entry's avcC (avc1/avc3) or esds (mp4a) child.
	Config []byte

	// TrakExtra is written verbatim inside the trak after mdia.
	TrakExtra []byte

	Samples []Sample
}

func (t Track) duration() uint64 {
	var d uint64
	for _, s := range t.Samples {
		d += uint64(s.Duration)
	}
	return d
}

// Options controls the progressive layout.
type Options struct {
	// MoovLast writes the mdat before the moov.
	MoovLast bool
	// LargeMdat writes the mdat with a 64-bit size header.
	LargeMdat bool
	// SamplesPerChunk groups consecutive samples of a track into chunks.
	// Zero means one sample per chunk.
	SamplesPerChunk int
	// Co64 writes 64-bit chunk offsets.
	Co64 bool
	// Brands overrides the compatible brands.
	Brands []string
}

const movieTimescale = 1000

// Progressive builds a complete non-fragmented file: ftyp, moov and one
// mdat holding every sample, tracks interleaved chunk by chunk.
func Progressive(opts Options, tracks ...Track) []byte {
	per := opts.SamplesPerChunk
	if per <= 0 {
		per = 1
	}
	brands := opts.Brands
	if brands == nil {
		brands = []string{"isom", "iso2", "avc1", "mp41"}
	}

	// Lay out the mdat payload and remember each chunk's payload offset.
	var payload []byte
	chunks := make([][]uint64, len(tracks))
	for start := 0; ; start += per {
		wrote := false
		for i, t := range tracks {
			if start >= len(t.Samples) {
				continue
			}
			wrote = true
			chunks[i] = append(chunks[i], uint64(len(payload)))
			for _, s := range t.Samples[start:min(start+per, len(t.Samples))] {
				payload = append(payload, s.Data...)
			}
		}
		if !wrote {
			break
		}
	}

	var ftyp Writer
	writeFtyp(&ftyp, bmff.TypeFtyp, brands)

	mdatHeader := uint64(bmff.HeaderSize)
	if opts.LargeMdat {
		mdatHeader = bmff.LargeHeaderSize
	}

	// The moov size does not depend on the chunk offsets' values, so build
	// it once to measure and again with the final offsets.
	moov := buildMoov(tracks, chunks, per, 0, opts.Co64)
	var base uint64
	if opts.MoovLast {
		base = uint64(ftyp.Len()) + mdatHeader
	} else {
		base = uint64(ftyp.Len()+len(moov)) + mdatHeader
	}
	moov = buildMoov(tracks, chunks, per, base, opts.Co64)

	w := ftyp
	if !opts.MoovLast {
		w.Raw(moov)
	}
	if opts.LargeMdat {
		w.LargeBox(bmff.TypeMdat, payload)
	} else {
		w.Box(bmff.TypeMdat, payload)
	}
	if opts.MoovLast {
		w.Raw(moov)
	}
	return w.Bytes()
}

func writeFtyp(w *Writer, t bmff.BoxType, brands []string) {
	w.Start(t)
	w.str(brands[0])
	w.u32(0x200)
	for _, b := range brands {
		w.str(b)
	}
	w.End()
}

func buildMoov(tracks []Track, chunks [][]uint64, per int, base uint64, co64 bool) []byte {
	var w Writer
	w.Start(bmff.TypeMoov)
	var dur uint64
	for _, t := range tracks {
		dur = max(dur, t.duration()*movieTimescale/uint64(t.Timescale))
	}
	writeMvhd(&w, dur, uint32(len(tracks)+1))
	for i, t := range tracks {
		w.Start(bmff.TypeTrak)
		writeTrackHeader(&w, t, t.duration()*movieTimescale/uint64(t.Timescale))
		w.Start(bmff.TypeMdia)
		writeMdhd(&w, t, t.duration())
		writeHdlr(&w, t.Handler)
		w.Start(bmff.TypeMinf)
		w.Start(bmff.TypeStbl)
		writeStsd(&w, t)
		writeSampleTables(&w, t, chunks[i], per, base, co64)
		w.End() // stbl
		w.End() // minf
		w.End() // mdia
		w.Raw(t.TrakExtra)
		w.End() // trak
	}
	w.End()
	return w.Bytes()
}

func writeMvhd(w *Writer, duration uint64, nextTrack uint32) {
	w.StartFull(bmff.TypeMvhd, 0, 0)
	w.u32(0) // creation time
	w.u32(0) // modification time
	w.u32(movieTimescale)
	w.u32(uint32(duration))
	w.u32(0x00010000) // rate 1.0
	w.u16(0x0100)     // volume 1.0
	w.zeros(10)
	writeMatrix(w)
	w.zeros(24)
	w.u32(nextTrack)
	w.End()
}

func writeMatrix(w *Writer) {
	for _, v := range []uint32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000} {
		w.u32(v)
	}
}

func writeTrackHeader(w *Writer, t Track, duration uint64) {
	w.StartFull(bmff.TypeTkhd, 0, 0x000003)
	w.u32(0) // creation time
	w.u32(0) // modification time
	w.u32(t.ID)
	w.u32(0)
	w.u32(uint32(duration))
	w.zeros(8)
	w.u16(0) // layer
	w.u16(0) // alternate group
	w.u16(0) // volume
	w.u16(0)
	writeMatrix(w)
	w.u32(uint32(t.Width) << 16)
	w.u32(uint32(t.Height) << 16)
	w.End()
}

func writeMdhd(w *Writer, t Track, duration uint64) {
	w.StartFull(bmff.TypeMdhd, 0, 0)
	w.u32(0)
	w.u32(0)
	w.u32(t.Timescale)
	w.u32(uint32(duration))
	w.u16(packLanguage(t.Language))
	w.u16(0)
	w.End()
}

func packLanguage(lang string) uint16 {
	if len(lang) != 3 {
		lang = "und"
	}
	return uint16(lang[0]-0x60)<<10 | uint16(lang[1]-0x60)<<5 | uint16(lang[2]-0x60)
}

func writeHdlr(w *Writer, handler string) {
	w.StartFull(bmff.TypeHdlr, 0, 0)
	w.u32(0)
	w.str(handler)
	w.zeros(12)
	w.str("mp4test")
	w.u8(0)
	w.End()
}

func writeStsd(w *Writer, t Track) {
	w.StartFull(bmff.TypeStsd, 0, 0)
	w.u32(1)
	var format bmff.BoxType
	copy(format[:], t.Format)
	w.Start(format)
	w.zeros(6)
	w.u16(1) // data reference index
	switch t.Handler {
	case "vide":
		w.zeros(16)
		w.u16(uint16(t.Width))
		w.u16(uint16(t.Height))
		w.u32(0x00480000)
		w.u32(0x00480000)
		w.zeros(4)
		w.u16(1) // frame count
		w.zeros(32)
		w.u16(0x0018)
		w.u16(0xffff)
		if t.Config != nil {
			w.Box(bmff.TypeAvcC, t.Config)
		}
	case "soun":
		w.zeros(8)
		w.u16(uint16(t.Channels))
		w.u16(16)
		w.zeros(4)
		w.u32(uint32(t.SampleRate) << 16)
		if t.Config != nil {
			w.StartFull(bmff.TypeEsds, 0, 0)
			w.raw(ESDescriptor(0x40, t.Config))
			w.End()
		}
	}
	w.End()
	w.End()
}

func writeSampleTables(w *Writer, t Track, chunks []uint64, per int, base uint64, co64 bool) {
	// stts, run-length encoded.
	type run struct{ count, value uint32 }
	var stts []run
	var ctts []run
	hasCTO := false
	var sync []uint32
	for i, s := range t.Samples {
		if n := len(stts); n > 0 && stts[n-1].value == s.Duration {
			stts[n-1].count++
		} else {
			stts = append(stts, run{1, s.Duration})
		}
		if n := len(ctts); n > 0 && ctts[n-1].value == uint32(s.CTO) {
			ctts[n-1].count++
		} else {
			ctts = append(ctts, run{1, uint32(s.CTO)})
		}
		if s.CTO != 0 {
			hasCTO = true
		}
		if s.Sync {
			sync = append(sync, uint32(i+1))
		}
	}

	w.StartFull(bmff.TypeStts, 0, 0)
	w.u32(uint32(len(stts)))
	for _, r := range stts {
		w.u32(r.count)
		w.u32(r.value)
	}
	w.End()

	if hasCTO {
		w.StartFull(bmff.TypeCtts, 1, 0)
		w.u32(uint32(len(ctts)))
		for _, r := range ctts {
			w.u32(r.count)
			w.u32(r.value)
		}
		w.End()
	}

	w.StartFull(bmff.TypeStsc, 0, 0)
	last := len(t.Samples) % per
	switch {
	case len(t.Samples) == 0:
		w.u32(0)
	case last == 0 || len(chunks) == 1:
		w.u32(1)
		w.u32(1)
		w.u32(uint32(min(per, len(t.Samples))))
		w.u32(1)
	default:
		w.u32(2)
		w.u32(1)
		w.u32(uint32(per))
		w.u32(1)
		w.u32(uint32(len(chunks)))
		w.u32(uint32(last))
		w.u32(1)
	}
	w.End()

	w.StartFull(bmff.TypeStsz, 0, 0)
	w.u32(0)
	w.u32(uint32(len(t.Samples)))
	for _, s := range t.Samples {
		w.u32(uint32(len(s.Data)))
	}
	w.End()

	if co64 {
		w.StartFull(bmff.TypeCo64, 0, 0)
		w.u32(uint32(len(chunks)))
		for _, c := range chunks {
			w.u64(base + c)
		}
	} else {
		w.StartFull(bmff.TypeStco, 0, 0)
		w.u32(uint32(len(chunks)))
		for _, c := range chunks {
			w.u32(uint32(base + c))
		}
	}
	w.End()

	if len(sync) < len(t.Samples) {
		w.StartFull(bmff.TypeStss, 0, 0)
		w.u32(uint32(len(sync)))
		for _, n := range sync {
			w.u32(n)
		}
		w.End()
	}
}

// Init builds an initialization segment for a fragmented file: ftyp and a
// moov whose tracks have empty sample tables plus an mvex with one trex
// per track. Sample lists on the tracks are ignored.
func Init(tracks ...Track) []byte {
	var w Writer
	writeFtyp(&w, bmff.TypeFtyp, []string{"iso6", "isom", "iso6", "avc1", "mp41"})
	w.Start(bmff.TypeMoov)
	writeMvhd(&w, 0, uint32(len(tracks)+1))
	for _, t := range tracks {
		empty := t
		empty.Samples = nil
		w.Start(bmff.TypeTrak)
		writeTrackHeader(&w, empty, 0)
		w.Start(bmff.TypeMdia)
		writeMdhd(&w, empty, 0)
		writeHdlr(&w, t.Handler)
		w.Start(bmff.TypeMinf)
		w.Start(bmff.TypeStbl)
		writeStsd(&w, empty)
		writeSampleTables(&w, empty, nil, 1, 0, false)
		w.End()
		w.End()
		w.End()
		w.End()
	}
	w.Start(bmff.TypeMvex)
	for _, t := range tracks {
		w.StartFull(bmff.TypeTrex, 0, 0)
		w.u32(t.ID)
		w.u32(1) // default sample description index
		w.u32(0) // default sample duration
		w.u32(0) // default sample size
		w.u32(0) // default sample flags
		w.End()
	}
	w.End()
	w.End()
	return w.Bytes()
}

// Run is one track's contribution to a fragment.
type Run struct {
	TrackID  uint32
	BaseTime uint64
	Samples  []Sample
}

// Sample flags written into trun entries.
const (
	FlagsSync    = 0x02000000 // depends on no other sample
	FlagsNonSync = 0x01010000 // depends on others, non-sync
)

// Fragment builds one moof+mdat pair. Every traf uses default-base-is-moof
// and a trun data offset pointing into the following mdat.
func Fragment(seq uint32, runs ...Run) []byte {
	var w Writer
	w.Start(bmff.TypeMoof)
	w.StartFull(bmff.TypeMfhd, 0, 0)
	w.u32(seq)
	w.End()

	const trunFlags = bmff.TrunDataOffsetPresent | bmff.TrunSampleDurationPresent |
		bmff.TrunSampleSizePresent | bmff.TrunSampleFlagsPresent |
		bmff.TrunSampleCompositionTimeOffsetPresent
	patch := make([]int, len(runs))
	for i, r := range runs {
		w.Start(bmff.TypeTraf)
		w.StartFull(bmff.TypeTfhd, 0, bmff.TfhdDefaultBaseIsMoof)
		w.u32(r.TrackID)
		w.End()
		w.StartFull(bmff.TypeTfdt, 1, 0)
		w.u64(r.BaseTime)
		w.End()
		w.StartFull(bmff.TypeTrun, 1, trunFlags)
		w.u32(uint32(len(r.Samples)))
		patch[i] = w.Len()
		w.i32(0)
		for _, s := range r.Samples {
			w.u32(s.Duration)
			w.u32(uint32(len(s.Data)))
			if s.Sync {
				w.u32(FlagsSync)
			} else {
				w.u32(FlagsNonSync)
			}
			w.i32(s.CTO)
		}
		w.End()
		w.End()
	}
	w.End()

	moofSize := w.Len()
	var payload []byte
	for i, r := range runs {
		be.PutUint32(w.buf[patch[i]:], uint32(moofSize+bmff.HeaderSize+len(payload)))
		for _, s := range r.Samples {
			payload = append(payload, s.Data...)
		}
	}
	w.Box(bmff.TypeMdat, payload)
	return w.Bytes()
}
