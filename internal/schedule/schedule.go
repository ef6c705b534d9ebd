// Package schedule walks a track's sample table in decode order and turns
// entries plus their backing bytes into decode requests, keeping a bounded
// window of converted requests ahead of the decode queue.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/hplayer/internal/ingest"
	"github.com/zsiec/hplayer/media"
)

// ErrNotSeekable is returned by Seek when the target lies beyond the part
// of the sample table parsed so far. The caller may retry once more
// fragments have arrived.
var ErrNotSeekable = errors.New("schedule: seek target not yet available")

// Table is the demuxer's read side.
type Table interface {
	Samples(trackID uint32) []media.Sample
	Changed() <-chan struct{}
	Complete() bool
}

// Bytes is the ingest arena's read side plus its pins.
type Bytes interface {
	Read(pos int64, n int) ([]byte, error)
	Changed() <-chan struct{}
	Finished() bool
	Retain(off int64)
	Release(off int64)
}

// Config bounds the lookahead window. A window always admits at least one
// request, whatever its size.
type Config struct {
	LookaheadSamples int
	LookaheadBytes   int
}

// DefaultConfig returns the default lookahead bounds.
func DefaultConfig() Config {
	return Config{
		LookaheadSamples: media.DefaultLookahead,
		LookaheadBytes:   4 << 20,
	}
}

// Position is where playback resumes after a seek.
type Position struct {
	// Index is the 0-based table index of the sync sample decode restarts
	// from.
	Index int
	// Offset is the file offset of that sample; a source that no longer
	// holds the bytes refetches from here.
	Offset int64
	// Time is the sample's decode time.
	Time time.Duration
}

// Stats is a point-in-time view of a Track scheduler.
type Stats struct {
	Cursor      int   `json:"cursor"`
	Window      int   `json:"window"`
	WindowBytes int   `json:"windowBytes"`
	Emitted     int64 `json:"emitted"`
	Seeks       int64 `json:"seeks"`
}

// Track schedules one track. Next and Seek must not be called
// concurrently with each other; Stats may be called at any time.
type Track struct {
	log       *slog.Logger
	id        uint32
	timescale uint32
	table     Table
	bytes     Bytes
	cfg       Config

	mu          sync.Mutex
	cursor      int // next table index to convert; pins are held from here on
	window      []*media.DecodeRequest
	windowBytes int
	emitted     int64
	seeks       int64
}

// New creates a scheduler for one track starting at the first sample. The
// table's pins for samples of this track are taken over: each is released
// once its bytes have been copied into a request.
func New(track media.TrackInfo, table Table, bytes Bytes, cfg Config, log *slog.Logger) *Track {
	if log == nil {
		log = slog.Default()
	}
	if cfg.LookaheadSamples <= 0 {
		cfg.LookaheadSamples = media.DefaultLookahead
	}
	return &Track{
		log:       log.With("component", "scheduler", "track", track.ID),
		id:        track.ID,
		timescale: track.Timescale,
		table:     table,
		bytes:     bytes,
		cfg:       cfg,
	}
}

// ID returns the track id.
func (t *Track) ID() uint32 { return t.id }

// Next returns the next request in decode order. It blocks while the
// table has no further entries or their bytes have not arrived, and
// returns io.EOF once the table is complete and fully emitted. If the
// source finished without delivering a sample's bytes, Next returns
// io.ErrUnexpectedEOF.
func (t *Track) Next(ctx context.Context) (*media.DecodeRequest, error) {
	for {
		tableChanged := t.table.Changed()
		bytesChanged := t.bytes.Changed()

		samples := t.table.Samples(t.id)
		t.mu.Lock()
		starved := t.fillLocked(samples)
		if len(t.window) > 0 {
			req := t.window[0]
			t.window[0] = nil
			t.window = t.window[1:]
			t.windowBytes -= len(req.Data)
			t.emitted++
			t.mu.Unlock()
			return req, nil
		}
		cursor := t.cursor
		t.mu.Unlock()

		if t.table.Complete() {
			// Re-read: the final fragment may have landed between the
			// snapshot and the completion check.
			if len(t.table.Samples(t.id)) <= cursor {
				return nil, io.EOF
			}
			if starved && t.bytes.Finished() {
				return nil, fmt.Errorf("track %d sample %d: %w", t.id, samples[cursor].Number, io.ErrUnexpectedEOF)
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tableChanged:
		case <-bytesChanged:
		}
	}
}

// fillLocked converts samples into requests until the window is full, the
// table runs out, or the next sample's bytes are missing. It reports
// whether it stopped on missing bytes.
func (t *Track) fillLocked(samples []media.Sample) bool {
	for t.cursor < len(samples) {
		if n := len(t.window); n > 0 && (n >= t.cfg.LookaheadSamples ||
			(t.cfg.LookaheadBytes > 0 && t.windowBytes >= t.cfg.LookaheadBytes)) {
			return false
		}
		s := samples[t.cursor]
		data, err := t.bytes.Read(s.Offset, int(s.Size))
		if err != nil {
			if !errors.Is(err, ingest.ErrNeedMore) {
				t.log.Warn("sample read failed", "sample", s.Number, "error", err)
			}
			return true
		}
		t.window = append(t.window, media.NewDecodeRequest(t.id, t.timescale, s, data))
		t.windowBytes += len(data)
		t.bytes.Release(s.Offset)
		t.cursor++
	}
	return false
}

// Seek moves the cursor to the sync sample at or before target and drops
// the lookahead window. If no sync sample precedes target, the first sync
// sample of the table is used. Samples between the old and new cursor
// have their pins adjusted so that exactly the samples from the cursor on
// stay pinned.
func (t *Track) Seek(target time.Duration) (Position, error) {
	samples := t.table.Samples(t.id)
	if !covers(samples, t.table.Complete(), media.DurationToTicks(target, t.timescale)) {
		return Position{}, fmt.Errorf("track %d at %s: %w", t.id, target, ErrNotSeekable)
	}
	idx := SyncBefore(samples, media.DurationToTicks(target, t.timescale))

	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case idx < t.cursor:
		for i := idx; i < t.cursor; i++ {
			t.bytes.Retain(samples[i].Offset)
		}
	case idx > t.cursor:
		for i := t.cursor; i < idx; i++ {
			t.bytes.Release(samples[i].Offset)
		}
	}
	dropped := len(t.window)
	clear(t.window)
	t.window = t.window[:0]
	t.windowBytes = 0
	t.cursor = idx
	t.seeks++

	s := samples[idx]
	pos := Position{
		Index:  idx,
		Offset: s.Offset,
		Time:   media.TicksToDuration(s.DTS, t.timescale),
	}
	t.log.Debug("seek", "target", target, "sample", s.Number, "time", pos.Time, "dropped", dropped)
	return pos, nil
}

// Covers reports whether Seek(target) would succeed now.
func (t *Track) Covers(target time.Duration) bool {
	return covers(t.table.Samples(t.id), t.table.Complete(), media.DurationToTicks(target, t.timescale))
}

func covers(samples []media.Sample, complete bool, ticks int64) bool {
	if len(samples) == 0 {
		return false
	}
	last := samples[len(samples)-1]
	return complete || ticks < last.DTS+int64(last.Duration)
}

// SyncBefore returns the index of the sync sample with the greatest decode
// time not after ticks: a binary search over decode times followed by a
// backward scan. When no such sample exists it returns the first sync
// sample, or 0 for a table without any.
func SyncBefore(samples []media.Sample, ticks int64) int {
	i := sort.Search(len(samples), func(i int) bool { return samples[i].DTS > ticks }) - 1
	for ; i >= 0; i-- {
		if samples[i].Sync {
			return i
		}
	}
	for j, s := range samples {
		if s.Sync {
			return j
		}
	}
	return 0
}

// Stats returns a snapshot of the scheduler's state.
func (t *Track) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Cursor:      t.cursor,
		Window:      len(t.window),
		WindowBytes: t.windowBytes,
		Emitted:     t.emitted,
		Seeks:       t.seeks,
	}
}
