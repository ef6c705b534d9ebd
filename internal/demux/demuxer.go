package demux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/hplayer/internal/bmff"
	"github.com/zsiec/hplayer/internal/ingest"
	"github.com/zsiec/hplayer/media"
)

var (
	// ErrNoPlayableTracks is returned when parsing completes without any
	// video or audio track.
	ErrNoPlayableTracks = errors.New("demux: no playable tracks")
	// ErrClosed is returned by Run after Close.
	ErrClosed = errors.New("demux: closed")
)

// DefaultChunkLimit bounds the size of a single descriptor box (moov
// children are read whole).
const DefaultChunkLimit = 64 << 20

// Option configures a Demuxer.
type Option func(*Demuxer)

// WithChunkLimit sets the largest descriptor box the parser will buffer.
func WithChunkLimit(n int) Option {
	return func(d *Demuxer) { d.chunkLimit = n }
}

// WithReporter sets the receiver of ready, fragment and warning events.
func WithReporter(r media.Reporter) Option {
	return func(d *Demuxer) { d.rep = r }
}

// Stats captures parse progress.
type Stats struct {
	Position  int64 `json:"position"`
	Boxes     int64 `json:"boxes"`
	Fragments int64 `json:"fragments"`
	Warnings  int64 `json:"warnings"`
	Samples   int64 `json:"samples"`
}

// Demuxer drives a Parser over an ingest arena and owns the resulting
// sample tables. Tables are written only by Run; readers take snapshots.
type Demuxer struct {
	log        *slog.Logger
	arena      *ingest.Arena
	rep        media.Reporter
	chunkLimit int
	parser     *Parser

	mu         sync.RWMutex
	tracks     map[uint32]*track
	order      []uint32
	inactive   map[uint32]bool
	brands     []string
	mvhd       bmff.Mvhd
	hasMoov    bool
	moovOffset int64
	fragmented bool
	fragDur    uint64
	pending    []*bmff.ContainerBox
	complete   bool
	readyFired bool
	changed    chan struct{}
	ready      chan struct{}
	closed     chan struct{}
	closeOnce  sync.Once

	boxes     atomic.Int64
	fragments atomic.Int64
	warnings  atomic.Int64
	samples   atomic.Int64
}

// New creates a Demuxer reading from arena. If log is nil, slog.Default()
// is used.
func New(arena *ingest.Arena, log *slog.Logger, opts ...Option) *Demuxer {
	if log == nil {
		log = slog.Default()
	}
	d := &Demuxer{
		log:        log.With("component", "demux"),
		arena:      arena,
		rep:        media.Discard,
		chunkLimit: DefaultChunkLimit,
		tracks:     make(map[uint32]*track),
		inactive:   make(map[uint32]bool),
		changed:    make(chan struct{}),
		ready:      make(chan struct{}),
		closed:     make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	d.parser = NewParser(d.chunkLimit)
	return d
}

// Ready returns a channel that is closed once a decodable structural
// description exists: after moov for progressive files, after the first
// fragment for fragmented ones.
func (d *Demuxer) Ready() <-chan struct{} { return d.ready }

// Changed returns a channel that is closed the next time a sample table
// grows or parsing completes.
func (d *Demuxer) Changed() <-chan struct{} {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.changed
}

// Complete reports whether parsing has finished and no further samples
// will be added.
func (d *Demuxer) Complete() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.complete
}

// Samples returns the current sample table of a track. The returned slice
// is shared and must not be modified; later appends do not affect it.
func (d *Demuxer) Samples(trackID uint32) []media.Sample {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tracks[trackID]
	if !ok {
		return nil
	}
	return t.samples[:len(t.samples):len(t.samples)]
}

// Info returns the current MediaInfo snapshot and whether moov has been
// parsed.
func (d *Demuxer) Info() (media.MediaInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.infoLocked(), d.hasMoov
}

// State returns a copy of the parser state.
func (d *Demuxer) State() ParseState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st := d.parser.State
	st.Stack = slices.Clone(st.Stack)
	return st
}

// Stats returns a snapshot of parse counters.
func (d *Demuxer) Stats() Stats {
	d.mu.RLock()
	pos := d.parser.State.Pos
	d.mu.RUnlock()
	return Stats{
		Position:  pos,
		Boxes:     d.boxes.Load(),
		Fragments: d.fragments.Load(),
		Warnings:  d.warnings.Load(),
		Samples:   d.samples.Load(),
	}
}

// Select limits byte retention to the given tracks. Samples of other
// tracks are unpinned so their bytes can be reclaimed, and samples added
// to them later are not pinned.
func (d *Demuxer) Select(ids ...uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	keep := make(map[uint32]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	for id, t := range d.tracks {
		if keep[id] || d.inactive[id] {
			continue
		}
		d.inactive[id] = true
		for _, s := range t.samples {
			d.arena.Release(s.Offset)
		}
		d.log.Debug("track deselected", "track", id, "samples", len(t.samples))
	}
}

// Close stops Run.
func (d *Demuxer) Close() {
	d.closeOnce.Do(func() { close(d.closed) })
}

// Run parses until the source is finished and every reachable box has
// been read, the context is cancelled, or a fatal error occurs. Fatal
// errors are also reported as media.EventError.
func (d *Demuxer) Run(ctx context.Context) error {
	for {
		d.mu.Lock()
		box, err := d.parser.Next(d.arena)
		warns := d.parser.Warnings()
		pos, need := d.parser.State.Pos, d.parser.State.Need
		d.mu.Unlock()

		for _, w := range warns {
			d.warn(0, w)
		}

		switch {
		case err == nil:
			d.boxes.Add(1)
			if err := d.handle(box); err != nil {
				return d.fail(err)
			}
			d.updateWatermark()
			continue
		case errors.Is(err, ingest.ErrNeedMore):
		default:
			return d.fail(err)
		}

		d.updateWatermark()
		changed := d.arena.Changed()
		if d.arena.Has(pos, need) {
			continue
		}
		if d.arena.Finished() {
			return d.finish(pos)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.closed:
			return ErrClosed
		case <-changed:
		}
	}
}

// updateWatermark lets the arena reclaim bytes the parser has passed.
// Until moov is known, bytes from the first mdat on are held so a
// trailing moov can still describe them.
func (d *Demuxer) updateWatermark() {
	d.mu.RLock()
	mark := d.parser.State.Pos
	if n := len(d.parser.State.Stack); n > 0 {
		mark = d.parser.State.Stack[0].Box.Hdr.Offset
	}
	if !d.hasMoov && d.parser.State.FirstMdat >= 0 {
		mark = min(mark, d.parser.State.FirstMdat)
	}
	d.mu.RUnlock()
	d.arena.SetWatermark(mark)
}

func (d *Demuxer) handle(b bmff.Box) error {
	switch b := b.(type) {
	case *bmff.LeafBox:
		if b.Hdr.Type == bmff.TypeFtyp || b.Hdr.Type == bmff.TypeStyp {
			f, err := bmff.ReadFtyp(b)
			if err != nil {
				d.warn(0, err)
				return nil
			}
			d.mu.Lock()
			for _, brand := range append([]string{f.MajorBrand}, f.Compatible...) {
				if !slices.Contains(d.brands, brand) {
					d.brands = append(d.brands, brand)
				}
			}
			d.mu.Unlock()
		}
	case *bmff.ContainerBox:
		switch b.Hdr.Type {
		case bmff.TypeMoov:
			return d.loadMoov(b)
		case bmff.TypeMoof:
			d.mu.RLock()
			hasMoov := d.hasMoov
			d.mu.RUnlock()
			if !hasMoov {
				d.mu.Lock()
				d.pending = append(d.pending, b)
				d.mu.Unlock()
				d.log.Debug("fragment before moov, holding", "offset", b.Hdr.Offset)
				return nil
			}
			return d.fold(b)
		}
	case *bmff.DataBox:
		d.log.Debug("mdat", "offset", b.Hdr.Offset, "size", b.Hdr.Size)
	}
	return nil
}

func (d *Demuxer) loadMoov(moov *bmff.ContainerBox) error {
	d.mu.RLock()
	already := d.hasMoov
	d.mu.RUnlock()
	if already {
		d.warn(0, fmt.Errorf("demux: ignoring second moov at offset %d", moov.Hdr.Offset))
		return nil
	}

	mvhdBox := moov.Leaf(bmff.TypeMvhd)
	if mvhdBox == nil {
		return &bmff.MalformedError{Type: bmff.TypeMoov, Offset: moov.Hdr.Offset, Reason: "missing mvhd"}
	}
	mvhd, err := bmff.ReadMvhd(mvhdBox)
	if err != nil {
		return err
	}

	tracks := make(map[uint32]*track)
	var order []uint32
	for _, trak := range moov.Containers(bmff.TypeTrak) {
		t, warns, err := buildTrack(trak)
		if err != nil {
			return fmt.Errorf("trak at %d: %w", trak.Hdr.Offset, err)
		}
		for _, w := range warns {
			d.warn(t.info.ID, w)
		}
		if _, dup := tracks[t.info.ID]; dup {
			d.warn(t.info.ID, fmt.Errorf("demux: duplicate track id %d", t.info.ID))
			continue
		}
		tracks[t.info.ID] = t
		order = append(order, t.info.ID)
	}

	var fragmented bool
	var fragDur uint64
	if mvex := moov.Container(bmff.TypeMvex); mvex != nil {
		fragmented = true
		if l := mvex.Leaf(bmff.TypeMehd); l != nil {
			if fragDur, err = bmff.ReadMehd(l); err != nil {
				d.warn(0, err)
			}
		}
		for _, l := range mvex.Leaves(bmff.TypeTrex) {
			trex, err := bmff.ReadTrex(l)
			if err != nil {
				return err
			}
			if t, ok := tracks[trex.TrackID]; ok {
				t.trex = trex
			}
		}
	}

	d.mu.Lock()
	d.mvhd = mvhd
	d.tracks = tracks
	d.order = order
	d.hasMoov = true
	d.moovOffset = moov.Hdr.Offset
	d.fragmented = fragmented
	d.fragDur = fragDur
	var total int
	for _, t := range tracks {
		d.pinLocked(t, t.samples)
		total += len(t.samples)
	}
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	d.samples.Add(int64(total))
	d.log.Info("moov parsed",
		"tracks", len(order),
		"samples", total,
		"fragmented", fragmented,
		"timescale", mvhd.Timescale,
	)

	for _, moof := range pending {
		if err := d.fold(moof); err != nil {
			return err
		}
	}
	d.milestone(0)
	return nil
}

// fold appends a fragment's samples to the track tables.
func (d *Demuxer) fold(moof *bmff.ContainerBox) error {
	d.mu.RLock()
	f, warns, err := readFragment(moof, d.tracks)
	d.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("moof at %d: %w", moof.Hdr.Offset, err)
	}
	for _, w := range warns {
		d.warn(0, w)
	}

	var added int
	d.mu.Lock()
	d.fragmented = true
	for id, samples := range f.samples {
		t := d.tracks[id]
		t.samples = append(t.samples, samples...)
		if n := len(samples); n > 0 {
			last := samples[n-1]
			t.nextDTS = last.DTS + int64(last.Duration)
		}
		d.pinLocked(t, samples)
		added += len(samples)
	}
	d.mu.Unlock()

	d.fragments.Add(1)
	d.samples.Add(int64(added))
	d.log.Debug("fragment folded", "seq", f.seq, "offset", f.offset, "samples", added)
	d.milestone(f.seq)
	return nil
}

func (d *Demuxer) pinLocked(t *track, samples []media.Sample) {
	if d.inactive[t.info.ID] {
		return
	}
	for _, s := range samples {
		d.arena.Retain(s.Offset)
	}
}

// milestone wakes table readers and reports ready (once) and fragment
// events. seq is zero for moov.
func (d *Demuxer) milestone(seq uint32) {
	d.mu.Lock()
	close(d.changed)
	d.changed = make(chan struct{})
	fireReady := !d.readyFired && d.hasPlayableLocked(true)
	if fireReady {
		d.readyFired = true
		close(d.ready)
	}
	info := d.infoLocked()
	d.mu.Unlock()

	now := time.Now()
	if fireReady {
		d.log.Info("ready", "tracks", len(info.Tracks), "mime", info.Mime())
		d.rep.Report(media.Event{Kind: media.EventReady, Time: now, Info: &info})
	}
	if seq != 0 {
		d.rep.Report(media.Event{Kind: media.EventFragment, Time: now, Fragment: seq, Info: &info})
	}
}

// hasPlayableLocked reports whether a video or audio track exists, and
// when withSamples is set, whether one of them has samples.
func (d *Demuxer) hasPlayableLocked(withSamples bool) bool {
	for _, t := range d.tracks {
		if t.info.Kind != media.KindVideo && t.info.Kind != media.KindAudio {
			continue
		}
		if !withSamples || len(t.samples) > 0 {
			return true
		}
	}
	return false
}

func (d *Demuxer) infoLocked() media.MediaInfo {
	info := media.MediaInfo{
		HasMoov:          d.hasMoov,
		Duration:         d.mvhd.Duration,
		Timescale:        d.mvhd.Timescale,
		IsFragmented:     d.fragmented,
		FragmentDuration: d.fragDur,
		IsProgressive:    d.hasMoov && (d.parser.State.FirstMdat < 0 || d.moovOffset < d.parser.State.FirstMdat),
		Brands:           slices.Clone(d.brands),
		Created:          d.mvhd.Created,
		Modified:         d.mvhd.Modified,
	}
	for _, id := range d.order {
		t := d.tracks[id]
		ti := t.info
		ti.NumSamples = len(t.samples)
		if ti.Duration == 0 {
			ti.Duration = uint64(t.nextDTS)
		}
		info.Tracks = append(info.Tracks, ti)
	}
	return info
}

// finish marks parsing complete once the source has nothing more to give.
func (d *Demuxer) finish(pos int64) error {
	d.mu.Lock()
	d.complete = true
	playable := d.hasPlayableLocked(false)
	inBox := len(d.parser.State.Stack) > 0
	d.mu.Unlock()

	if inBox {
		d.warn(0, fmt.Errorf("demux: source ended inside a box at offset %d", pos))
	}
	d.milestone(0)
	if !playable {
		return d.fail(ErrNoPlayableTracks)
	}
	// A file whose playable tracks are all empty still becomes ready so
	// the player can report the end of stream.
	d.mu.Lock()
	fire := !d.readyFired
	if fire {
		d.readyFired = true
		close(d.ready)
	}
	info := d.infoLocked()
	d.mu.Unlock()
	if fire {
		d.rep.Report(media.Event{Kind: media.EventReady, Time: time.Now(), Info: &info})
	}
	d.log.Info("parse complete", "position", pos, "fragments", d.fragments.Load())
	return nil
}

func (d *Demuxer) warn(trackID uint32, err error) {
	d.warnings.Add(1)
	d.log.Warn("container damage skipped", "track", trackID, "error", err)
	d.rep.Report(media.Event{Kind: media.EventWarning, Time: time.Now(), TrackID: trackID, Err: err})
}

func (d *Demuxer) fail(err error) error {
	d.log.Error("demux failed", "error", err)
	d.rep.Report(media.Event{Kind: media.EventError, Time: time.Now(), Err: err})
	return err
}
