package demux

import (
	"errors"
	"fmt"

	"github.com/zsiec/hplayer/internal/bmff"
	"github.com/zsiec/hplayer/media"
)

var errUnknownTrack = errors.New("demux: fragment for unknown track")

// fragment is one parsed moof: its sequence number and the samples it
// contributes per track.
type fragment struct {
	seq     uint32
	offset  int64
	samples map[uint32][]media.Sample
}

// readFragment resolves every traf of a moof against the track defaults.
// Samples are numbered and timed relative to each track's current table.
func readFragment(moof *bmff.ContainerBox, tracks map[uint32]*track) (*fragment, []error, error) {
	var warns []error
	mfhdBox := moof.Leaf(bmff.TypeMfhd)
	if mfhdBox == nil {
		return nil, nil, &bmff.MalformedError{Type: bmff.TypeMoof, Offset: moof.Hdr.Offset, Reason: "missing mfhd"}
	}
	seq, err := bmff.ReadMfhd(mfhdBox)
	if err != nil {
		return nil, nil, err
	}
	f := &fragment{seq: seq, offset: moof.Hdr.Offset, samples: make(map[uint32][]media.Sample)}

	// Without an explicit base, the first traf starts at the moof and each
	// following traf continues where the previous one's data ended.
	prevEnd := moof.Hdr.Offset
	for _, traf := range moof.Containers(bmff.TypeTraf) {
		tfhdBox := traf.Leaf(bmff.TypeTfhd)
		if tfhdBox == nil {
			return nil, nil, &bmff.MalformedError{Type: bmff.TypeTraf, Offset: traf.Hdr.Offset, Reason: "missing tfhd"}
		}
		tfhd, err := bmff.ReadTfhd(tfhdBox)
		if err != nil {
			return nil, nil, err
		}
		t, ok := tracks[tfhd.TrackID]
		if !ok {
			warns = append(warns, fmt.Errorf("%w %d in fragment %d", errUnknownTrack, tfhd.TrackID, seq))
			continue
		}

		base := prevEnd
		switch {
		case tfhd.Has(bmff.TfhdBaseDataOffsetPresent):
			base = int64(tfhd.BaseDataOffset)
		case tfhd.Has(bmff.TfhdDefaultBaseIsMoof):
			base = moof.Hdr.Offset
		}

		descIndex := t.trex.DefaultDescIndex
		if tfhd.Has(bmff.TfhdSampleDescriptionIndexPresent) {
			descIndex = tfhd.DescIndex
		}
		defDuration := t.trex.DefaultSampleDuration
		if tfhd.Has(bmff.TfhdDefaultSampleDurationPresent) {
			defDuration = tfhd.DefaultSampleDuration
		}
		defSize := t.trex.DefaultSampleSize
		if tfhd.Has(bmff.TfhdDefaultSampleSizePresent) {
			defSize = tfhd.DefaultSampleSize
		}
		defFlags := t.trex.DefaultSampleFlags
		if tfhd.Has(bmff.TfhdDefaultSampleFlagsPresent) {
			defFlags = tfhd.DefaultSampleFlags
		}

		out := f.samples[t.info.ID]
		number := len(t.samples) + len(out)
		dts := t.nextDTS
		if n := len(out); n > 0 {
			dts = out[n-1].DTS + int64(out[n-1].Duration)
		}
		if l := traf.Leaf(bmff.TypeTfdt); l != nil {
			tfdt, err := bmff.ReadTfdt(l)
			if err != nil {
				warns = append(warns, err)
			} else if int64(tfdt) < dts {
				warns = append(warns, fmt.Errorf("track %d: tfdt %d behind table end %d", t.info.ID, tfdt, dts))
			} else {
				dts = int64(tfdt)
			}
		}

		dataOff := base
		for ri, l := range traf.Leaves(bmff.TypeTrun) {
			trun, err := bmff.ReadTrun(l)
			if err != nil {
				return nil, nil, err
			}
			if trun.Has(bmff.TrunDataOffsetPresent) {
				dataOff = base + int64(trun.DataOffset)
			} else if ri == 0 {
				dataOff = base
			}
			for i, ts := range trun.Samples {
				dur, size, flags := defDuration, defSize, defFlags
				if trun.Has(bmff.TrunSampleDurationPresent) {
					dur = ts.Duration
				}
				if trun.Has(bmff.TrunSampleSizePresent) {
					size = ts.Size
				}
				if trun.Has(bmff.TrunSampleFlagsPresent) {
					flags = ts.Flags
				} else if i == 0 && trun.Has(bmff.TrunFirstSampleFlagsPresent) {
					flags = trun.FirstSampleFlags
				}
				number++
				out = append(out, media.Sample{
					Number:           number,
					Offset:           dataOff,
					Size:             size,
					Duration:         dur,
					DTS:              dts,
					CTS:              dts + int64(ts.CTO),
					Sync:             bmff.SampleFlagsSync(flags),
					DescriptionIndex: descIndex,
					DependsOn:        bmff.SampleFlagsDependsOn(flags),
				})
				dataOff += int64(size)
				dts += int64(dur)
			}
		}
		prevEnd = dataOff
		f.samples[t.info.ID] = out
	}
	return f, warns, nil
}
