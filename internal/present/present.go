// Package present paces decoded frames against the presentation clock and
// hands each one to the render sink when it falls due.
package present

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/hplayer/media"
)

// DefaultTolerance is how far a frame may be early or late and still be
// rendered.
const DefaultTolerance = 40 * time.Millisecond

// DefaultTickInterval is how often the presenter checks for due frames
// when no decoded frame arrives in between.
const DefaultTickInterval = 5 * time.Millisecond

// Target names the logical display a frame is rendered to.
type Target struct {
	TrackID uint32
	Kind    media.TrackKind
}

// Sink is the external render sink. Render must not block for long; the
// presenter calls it from its own loop.
type Sink interface {
	Render(frame *media.DecodedFrame, target Target, deadline time.Time)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(frame *media.DecodedFrame, target Target, deadline time.Time)

// Render implements Sink.
func (f SinkFunc) Render(frame *media.DecodedFrame, target Target, deadline time.Time) {
	f(frame, target, deadline)
}

// Frames is the decode queue's consumer side.
type Frames interface {
	Peek(trackID uint32) (*media.DecodedFrame, bool)
	Pop(trackID uint32) (*media.DecodedFrame, bool)
	Drained(trackID uint32) bool
	Available() <-chan struct{}
}

// Clock is the presentation clock. The presenter reports audio frames as
// they are rendered, holes in the audio and the end of the audio track.
type Clock interface {
	Now() time.Duration
	AudioPresented(pts, dur time.Duration)
	AudioGap()
	AudioEnded()
}

// Config holds the pacing policy.
type Config struct {
	Tolerance    time.Duration
	TickInterval time.Duration
}

// DefaultConfig returns the default pacing policy.
func DefaultConfig() Config {
	return Config{Tolerance: DefaultTolerance, TickInterval: DefaultTickInterval}
}

// TrackStats counts what the presenter did with one track's frames.
type TrackStats struct {
	Presented int64         `json:"presented"`
	Skipped   int64         `json:"skipped"`
	Stalls    int64         `json:"stalls"`
	LastPTS   time.Duration `json:"lastPts"`
}

type trackState struct {
	target  Target
	lastEnd time.Duration // end of the last presented frame
	started bool
	stalled bool
	gap     bool // the clock was told the audio after lastEnd is missing
	ended   bool
	stats   TrackStats
}

// Presenter renders each track's frames independently against one clock.
type Presenter struct {
	log    *slog.Logger
	frames Frames
	clock  Clock
	sink   Sink
	rep    media.Reporter
	cfg    Config
	wall   func() time.Time

	mu     sync.Mutex
	tracks []*trackState
	ended  bool
}

// Option configures a Presenter.
type Option func(*Presenter)

// WithReporter sets the receiver of skip, stall and end events.
func WithReporter(r media.Reporter) Option {
	return func(p *Presenter) { p.rep = r }
}

// WithWallClock replaces the wall time source used for render deadlines.
func WithWallClock(now func() time.Time) Option {
	return func(p *Presenter) { p.wall = now }
}

// New creates a Presenter for the given tracks.
func New(tracks []Target, frames Frames, clock Clock, sink Sink, cfg Config, log *slog.Logger, opts ...Option) *Presenter {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	p := &Presenter{
		log:    log.With("component", "presenter"),
		frames: frames,
		clock:  clock,
		sink:   sink,
		rep:    media.Discard,
		cfg:    cfg,
		wall:   time.Now,
	}
	for _, t := range tracks {
		p.tracks = append(p.tracks, &trackState{target: t})
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Step runs one presentation cycle at the clock's current time and reports
// whether every track has ended.
func (p *Presenter) Step() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	ended := true
	for _, t := range p.tracks {
		p.stepTrack(t, now)
		ended = ended && t.ended
	}
	if ended && !p.ended && len(p.tracks) > 0 {
		p.ended = true
		p.log.Info("presentation ended", "pts", now)
		p.rep.Report(media.Event{Kind: media.EventEnded, Time: p.wall(), PTS: now})
	}
	return ended
}

func (p *Presenter) stepTrack(t *trackState, now time.Duration) {
	if t.ended {
		return
	}
	id := t.target.TrackID

	// Frames that fell out of the window are dropped, never rendered late.
	for {
		f, ok := p.frames.Peek(id)
		if !ok || f.PTS >= now-p.cfg.Tolerance {
			break
		}
		p.frames.Pop(id)
		t.stats.Skipped++
		t.lastEnd = max(t.lastEnd, f.End())
		t.started = true
		p.log.Debug("frame skipped", "track", id, "pts", f.PTS, "clock", now)
		p.rep.Report(media.Event{Kind: media.EventFrameSkipped, Time: p.wall(), TrackID: id, PTS: f.PTS})
	}

	if f, ok := p.frames.Peek(id); ok && f.PTS <= now+p.cfg.Tolerance {
		p.frames.Pop(id)
		p.render(t, f, now)
		return
	}

	// An audio clock holds at lastEnd waiting for the next frame. When the
	// next buffered frame starts beyond the window, the audio in between
	// was dropped and the clock has to run across the hole on its own.
	if t.target.Kind == media.KindAudio && t.started && !t.gap && now >= t.lastEnd {
		if f, ok := p.frames.Peek(id); ok {
			t.gap = true
			p.log.Debug("audio gap", "track", id, "from", t.lastEnd, "next", f.PTS)
			p.clock.AudioGap()
		}
	}

	if p.frames.Drained(id) {
		t.ended = true
		if t.target.Kind == media.KindAudio {
			p.clock.AudioEnded()
		}
		p.log.Debug("track ended", "track", id, "presented", t.stats.Presented)
		return
	}

	// Nothing due: the last frame stays on screen. Once the clock passes
	// its end by more than the tolerance the track is stalled.
	if t.started && !t.stalled && now > t.lastEnd+p.cfg.Tolerance {
		if _, ok := p.frames.Peek(id); !ok {
			t.stalled = true
			t.stats.Stalls++
			p.log.Warn("presentation stalled", "track", id, "clock", now, "last_end", t.lastEnd)
			p.rep.Report(media.Event{Kind: media.EventStall, Time: p.wall(), TrackID: id, PTS: now})
		}
	}
}

func (p *Presenter) render(t *trackState, f *media.DecodedFrame, now time.Duration) {
	deadline := p.wall().Add(f.PTS - now)
	p.sink.Render(f, t.target, deadline)
	t.stats.Presented++
	t.stats.LastPTS = f.PTS
	t.lastEnd = max(t.lastEnd, f.End())
	t.started = true
	t.stalled = false
	t.gap = false
	if t.target.Kind == media.KindAudio {
		p.clock.AudioPresented(f.PTS, f.Duration)
	}
}

// Reset forgets per-track progress after a seek. Counters are kept.
func (p *Presenter) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tracks {
		t.lastEnd = 0
		t.started = false
		t.stalled = false
		t.gap = false
		t.ended = false
	}
	p.ended = false
}

// Stats returns per-track counters keyed by track id.
func (p *Presenter) Stats() map[uint32]TrackStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[uint32]TrackStats, len(p.tracks))
	for _, t := range p.tracks {
		out[t.target.TrackID] = t.stats
	}
	return out
}

// Run steps on every tick and whenever a frame becomes available, until
// ctx ends. It returns nil once every track has ended.
func (p *Presenter) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()
	for {
		avail := p.frames.Available()
		if p.Step() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-avail:
		}
	}
}
