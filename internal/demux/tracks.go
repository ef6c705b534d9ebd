package demux

import (
	"fmt"

	"github.com/zsiec/hplayer/internal/bmff"
	"github.com/zsiec/hplayer/internal/codec"
	"github.com/zsiec/hplayer/media"
)

// track is the demuxer's per-track state. samples is append-only: entries
// are never modified once published, so readers may keep old slices.
type track struct {
	info    media.TrackInfo
	trex    bmff.Trex
	entries []bmff.SampleEntry
	samples []media.Sample
	nextDTS int64
}

// buildTrack decodes one trak box into track metadata and its progressive
// sample table. Non-fatal damage is returned as warnings.
func buildTrack(trak *bmff.ContainerBox) (*track, []error, error) {
	var warns []error
	tkhdBox := trak.Leaf(bmff.TypeTkhd)
	mdia := trak.Container(bmff.TypeMdia)
	if tkhdBox == nil || mdia == nil {
		return nil, nil, &bmff.MalformedError{Type: bmff.TypeTrak, Offset: trak.Hdr.Offset, Reason: "missing tkhd or mdia"}
	}
	tkhd, err := bmff.ReadTkhd(tkhdBox)
	if err != nil {
		return nil, nil, err
	}
	mdhdBox, hdlrBox := mdia.Leaf(bmff.TypeMdhd), mdia.Leaf(bmff.TypeHdlr)
	if mdhdBox == nil || hdlrBox == nil {
		return nil, nil, &bmff.MalformedError{Type: bmff.TypeMdia, Offset: mdia.Hdr.Offset, Reason: "missing mdhd or hdlr"}
	}
	mdhd, err := bmff.ReadMdhd(mdhdBox)
	if err != nil {
		return nil, nil, err
	}
	hdlr, err := bmff.ReadHdlr(hdlrBox)
	if err != nil {
		return nil, nil, err
	}

	t := &track{info: media.TrackInfo{
		ID:        tkhd.TrackID,
		Kind:      media.KindFromHandler(hdlr.HandlerType),
		Handler:   hdlr.HandlerType,
		Language:  mdhd.Language,
		Timescale: mdhd.Timescale,
		Duration:  mdhd.Duration,
		Width:     tkhd.Width,
		Height:    tkhd.Height,
	}}

	var stbl *bmff.ContainerBox
	if minf := mdia.Container(bmff.TypeMinf); minf != nil {
		stbl = minf.Container(bmff.TypeStbl)
	}
	if stbl == nil {
		return nil, nil, &bmff.MalformedError{Type: bmff.TypeMdia, Offset: mdia.Hdr.Offset, Reason: "missing minf/stbl"}
	}

	if stsd := stbl.Leaf(bmff.TypeStsd); stsd != nil {
		if t.entries, err = bmff.ReadStsd(stsd, hdlr.HandlerType); err != nil {
			return nil, nil, err
		}
	}
	if len(t.entries) > 0 {
		e := t.entries[0]
		if e.Damaged {
			warns = append(warns, fmt.Errorf("track %d: damaged %q sample entry", t.info.ID, e.Format.String()))
		}
		ci, err := codec.Describe(e)
		if err != nil {
			warns = append(warns, fmt.Errorf("track %d: %w", t.info.ID, err))
		}
		t.info.SampleEntry = e.Format.String()
		t.info.Codec = ci.Codec
		t.info.DecoderConfig = ci.Config
		if ci.Width > 0 {
			t.info.Width, t.info.Height = ci.Width, ci.Height
		}
		t.info.SampleRate = ci.SampleRate
		t.info.Channels = ci.Channels
		switch {
		case e.AvgBitrate > 0:
			t.info.Bitrate = int64(e.AvgBitrate)
		case e.Esds != nil && e.Esds.AvgBitrate > 0:
			t.info.Bitrate = int64(e.Esds.AvgBitrate)
		}
	}

	samples, tw, err := expandTables(stbl)
	if err != nil {
		return nil, nil, err
	}
	for _, w := range tw {
		warns = append(warns, fmt.Errorf("track %d: %w", t.info.ID, w))
	}
	t.samples = samples
	if n := len(samples); n > 0 {
		last := samples[n-1]
		t.nextDTS = last.DTS + int64(last.Duration)
	}
	t.info.NumSamples = len(samples)
	if t.info.Bitrate == 0 && t.info.Duration > 0 {
		var bytes int64
		for _, s := range samples {
			bytes += int64(s.Size)
		}
		t.info.Bitrate = bytes * 8 * int64(t.info.Timescale) / int64(t.info.Duration)
	}
	return t, warns, nil
}

// expandTables builds the sample table of a progressive track from stts,
// ctts, stsc, stsz/stz2, stco/co64, stss and sdtp. An stbl without sample
// size and chunk offset tables yields an empty table (fragmented files).
func expandTables(stbl *bmff.ContainerBox) ([]media.Sample, []error, error) {
	var warns []error

	var sizes bmff.SampleSizes
	var err error
	switch {
	case stbl.Leaf(bmff.TypeStsz) != nil:
		sizes, err = bmff.ReadStsz(stbl.Leaf(bmff.TypeStsz))
	case stbl.Leaf(bmff.TypeStz2) != nil:
		sizes, err = bmff.ReadStz2(stbl.Leaf(bmff.TypeStz2))
	}
	if err != nil {
		return nil, nil, err
	}
	n := sizes.Count
	if n == 0 {
		return nil, nil, nil
	}

	chunkBox := stbl.Leaf(bmff.TypeStco)
	if chunkBox == nil {
		chunkBox = stbl.Leaf(bmff.TypeCo64)
	}
	sttsBox, stscBox := stbl.Leaf(bmff.TypeStts), stbl.Leaf(bmff.TypeStsc)
	if chunkBox == nil || sttsBox == nil || stscBox == nil {
		return nil, nil, &bmff.MalformedError{Type: bmff.TypeStbl, Offset: stbl.Hdr.Offset, Reason: "missing stts, stsc or chunk offsets"}
	}
	chunks, err := bmff.ReadChunkOffsets(chunkBox)
	if err != nil {
		return nil, nil, err
	}
	stsc, err := bmff.ReadStsc(stscBox)
	if err != nil {
		return nil, nil, err
	}
	stts, err := bmff.ReadStts(sttsBox)
	if err != nil {
		return nil, nil, err
	}

	// Bound the allocation by what the chunk tables can address.
	if n > maxSamples {
		return nil, nil, &bmff.MalformedError{Type: bmff.TypeStsz, Offset: stbl.Hdr.Offset, Reason: fmt.Sprintf("%d samples", n)}
	}
	samples := make([]media.Sample, n)
	for i := range samples {
		samples[i].Number = i + 1
		samples[i].Size = sizes.Size(i)
		samples[i].Sync = true
	}

	// Offsets and description indexes, chunk by chunk.
	i := 0
	for e, ent := range stsc {
		last := uint32(len(chunks))
		if e+1 < len(stsc) {
			last = stsc[e+1].FirstChunk - 1
		}
		if ent.FirstChunk > uint32(len(chunks)) || last > uint32(len(chunks)) {
			return nil, nil, &bmff.MalformedError{Type: bmff.TypeStsc, Offset: stscBox.Hdr.Offset, Reason: fmt.Sprintf("chunk %d beyond %d chunk offsets", max(ent.FirstChunk, last), len(chunks))}
		}
		for c := ent.FirstChunk; c <= last && i < n; c++ {
			off := int64(chunks[c-1])
			for k := uint32(0); k < ent.SamplesPerChunk && i < n; k++ {
				samples[i].Offset = off
				samples[i].DescriptionIndex = ent.DescIndex
				off += int64(samples[i].Size)
				i++
			}
		}
	}
	if i < n {
		return nil, nil, &bmff.MalformedError{Type: bmff.TypeStsc, Offset: stscBox.Hdr.Offset, Reason: fmt.Sprintf("chunks hold %d of %d samples", i, n)}
	}

	// Decode times. Samples past the end of stts repeat the last delta.
	var dts int64
	var delta uint32
	i = 0
	for _, ent := range stts {
		delta = ent.Delta
		for k := uint32(0); k < ent.Count && i < n; k++ {
			samples[i].DTS = dts
			samples[i].CTS = dts
			samples[i].Duration = delta
			dts += int64(delta)
			i++
		}
	}
	if i < n {
		warns = append(warns, fmt.Errorf("stts covers %d of %d samples", i, n))
		for ; i < n; i++ {
			samples[i].DTS = dts
			samples[i].CTS = dts
			samples[i].Duration = delta
			dts += int64(delta)
		}
	}

	if l := stbl.Leaf(bmff.TypeCtts); l != nil {
		if ctts, err := bmff.ReadCtts(l); err != nil {
			warns = append(warns, err)
		} else {
			i = 0
			for _, ent := range ctts {
				for k := uint32(0); k < ent.Count && i < n; k++ {
					samples[i].CTS = samples[i].DTS + int64(ent.Offset)
					i++
				}
			}
		}
	}

	if l := stbl.Leaf(bmff.TypeStss); l != nil {
		if stss, err := bmff.ReadStss(l); err != nil {
			warns = append(warns, err)
		} else {
			for i := range samples {
				samples[i].Sync = false
			}
			for _, num := range stss {
				if num >= 1 && int(num) <= n {
					samples[num-1].Sync = true
				}
			}
		}
	}

	if l := stbl.Leaf(bmff.TypeSdtp); l != nil {
		for i, dep := range bmff.ReadSdtp(l) {
			if i >= n {
				break
			}
			samples[i].DependsOn = dep
		}
	}
	return samples, warns, nil
}

// maxSamples caps progressive table allocation.
const maxSamples = 1 << 26
