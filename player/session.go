package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zsiec/ccx"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/hplayer/internal/captions"
	"github.com/zsiec/hplayer/internal/clock"
	"github.com/zsiec/hplayer/internal/decode"
	"github.com/zsiec/hplayer/internal/demux"
	"github.com/zsiec/hplayer/internal/ingest"
	"github.com/zsiec/hplayer/internal/present"
	"github.com/zsiec/hplayer/internal/schedule"
	"github.com/zsiec/hplayer/internal/source"
	"github.com/zsiec/hplayer/internal/stats"
	"github.com/zsiec/hplayer/media"
)

// epoch is one uninterrupted stretch of feeding and presenting. A seek
// cancels the current epoch, waits for its workers to park, repositions
// the pipeline and starts the next.
type epoch struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	next   chan struct{}
	// successor is set before next is closed.
	successor *epoch
}

func newEpoch(parent context.Context, workers int) *epoch {
	ctx, cancel := context.WithCancel(parent)
	ep := &epoch{ctx: ctx, cancel: cancel, next: make(chan struct{})}
	ep.wg.Add(workers)
	return ep
}

// session is the pipeline playing one source.
type session struct {
	p      *Player
	id     string
	log    *slog.Logger
	cfg    Config
	src    source.Source
	arena  *ingest.Arena
	demux  *demux.Demuxer
	clock  *clock.Clock
	rec    *stats.Recorder
	events *eventSink

	ctx     context.Context
	cancel  context.CancelFunc
	g       *errgroup.Group
	done    chan struct{}
	err     error
	stopped atomic.Bool

	// frontier is the end of the furthest byte delivered by the source.
	frontier atomic.Int64
	refetch  chan int64

	seekMu sync.Mutex // serializes seeks

	mu        sync.Mutex
	ready     bool
	playing   bool
	pending   *time.Duration
	infos     map[uint32]media.TrackInfo
	tracks    []*schedule.Track
	queue     *decode.Queue
	presenter *present.Presenter
	epoch     *epoch
}

func newSession(p *Player, src source.Source) *session {
	id := uuid.NewString()
	log := p.log.With("session", id)
	arena := ingest.New(log)
	return &session{
		p:       p,
		id:      id,
		log:     log,
		cfg:     p.cfg,
		src:     src,
		arena:   arena,
		demux:   demux.New(arena, log, demux.WithReporter(p.events)),
		clock:   clock.New(clock.MasterWall, clock.WithRate(p.cfg.Rate)),
		rec:     stats.NewRecorder(),
		events:  p.events,
		done:    make(chan struct{}),
		refetch: make(chan int64, 1),
		playing: p.cfg.Autoplay,
	}
}

func (s *session) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)
	s.ctx, s.cancel, s.g = gctx, cancel, g

	s.log.Info("loading", "source", s.src.String(), "seekable", s.src.Seekable())
	g.Go(func() error { return s.fetch(gctx) })
	g.Go(func() error { return s.demux.Run(gctx) })
	g.Go(func() error { return s.setup(gctx) })

	go func() {
		err := g.Wait()
		if errors.Is(err, context.Canceled) && (s.stopped.Load() || parent.Err() != nil) {
			err = nil
		}
		s.shutdown(err)
	}()
}

func (s *session) shutdown(err error) {
	s.cancel()
	s.mu.Lock()
	queue := s.queue
	s.mu.Unlock()
	if queue != nil {
		if cerr := queue.Close(); cerr != nil {
			s.log.Warn("closing decoders", "error", cerr)
		}
	}
	s.arena.Close()
	if cerr := s.src.Close(); cerr != nil {
		s.log.Warn("closing source", "error", cerr)
	}
	if err != nil {
		s.log.Error("playback failed", "error", err)
	} else {
		s.log.Info("playback stopped")
	}
	s.err = err
	close(s.done)
	s.events.close()
}

func (s *session) stop() {
	s.stopped.Store(true)
	s.cancel()
}

func (s *session) wait() error {
	<-s.done
	return s.err
}

// frontierSink records how far the source has delivered.
type frontierSink struct{ s *session }

func (f frontierSink) Append(off int64, data []byte) (int, error) {
	n, err := f.s.arena.Append(off, data)
	end := off + int64(len(data))
	for {
		cur := f.s.frontier.Load()
		if end <= cur || f.s.frontier.CompareAndSwap(cur, end) {
			break
		}
	}
	return n, err
}

// fetch streams the source into the arena, restarting from a new offset
// whenever a seek needs bytes that were already reclaimed.
func (s *session) fetch(ctx context.Context) error {
	var from int64
	for {
		fctx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func(from int64) { done <- s.src.Stream(fctx, from, frontierSink{s}) }(from)

		var err error
		restart := false
		select {
		case err = <-done:
		case from = <-s.refetch:
			restart = true
		case <-ctx.Done():
			cancel()
			<-done
			return nil
		}
		cancel()
		if restart {
			<-done
			s.log.Debug("refetching", "from", from)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch %s: %w", s.src, err)
		}

		// Finish only if no seek asked for a refetch meanwhile; seek
		// reopens the arena under the same lock.
		s.mu.Lock()
		select {
		case from = <-s.refetch:
			s.mu.Unlock()
			continue
		default:
		}
		s.arena.Finish()
		s.mu.Unlock()
		s.log.Debug("source finished", "bytes", s.frontier.Load())

		select {
		case from = <-s.refetch:
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *session) requestRefetchLocked(from int64) {
	s.arena.Reopen()
	select {
	case <-s.refetch:
	default:
	}
	s.refetch <- from
}

// selectTracks picks what gets played: the first video track, the first
// audio track and the first CEA-608 caption track.
func selectTracks(info media.MediaInfo) []media.TrackInfo {
	var out []media.TrackInfo
	if v := info.VideoTracks(); len(v) > 0 {
		out = append(out, v[0])
	}
	if a := info.AudioTracks(); len(a) > 0 {
		out = append(out, a[0])
	}
	for _, t := range info.SubtitleTracks() {
		if t.SampleEntry == "c608" {
			out = append(out, t)
			break
		}
	}
	return out
}

func (s *session) newDecoder(t media.TrackInfo) (Decoder, error) {
	if t.SampleEntry == "c608" {
		return captions.New(s.cfg.QueueCap, s.log), nil
	}
	if s.p.decoders != nil {
		return s.p.decoders(t)
	}
	return decode.NewPassthrough(s.cfg.QueueCap), nil
}

// setup waits for the file structure, then builds and starts the decode
// side of the pipeline.
func (s *session) setup(ctx context.Context) error {
	select {
	case <-s.demux.Ready():
	case <-ctx.Done():
		return nil
	}
	info, _ := s.demux.Info()
	selected := selectTracks(info)
	if len(selected) == 0 {
		return demux.ErrNoPlayableTracks
	}

	relay := faultRelay{next: s.events, clock: s.clock, audio: make(map[uint32]bool)}
	for _, t := range selected {
		relay.audio[t.ID] = t.Kind == media.KindAudio
	}
	queue := decode.New(decode.Config{Cap: s.cfg.QueueCap, FaultThreshold: s.cfg.FaultThreshold}, relay, s.log)
	infos := make(map[uint32]media.TrackInfo, len(selected))
	var (
		ids     []uint32
		targets []present.Target
		tracks  []*schedule.Track
		audio   bool
	)
	schedCfg := schedule.Config{LookaheadSamples: s.cfg.LookaheadSamples, LookaheadBytes: s.cfg.LookaheadBytes}
	for _, t := range selected {
		dec, err := s.newDecoder(t)
		if err != nil {
			queue.Close()
			return fmt.Errorf("decoder for track %d (%s): %w", t.ID, t.Codec, err)
		}
		queue.AddTrack(t.ID, dec)
		s.rec.AddTrack(t)
		infos[t.ID] = t
		ids = append(ids, t.ID)
		targets = append(targets, present.Target{TrackID: t.ID, Kind: t.Kind})
		tracks = append(tracks, schedule.New(t, s.demux, s.arena, schedCfg, s.log))
		audio = audio || t.Kind == media.KindAudio
	}
	s.demux.Select(ids...)
	if audio {
		s.clock.SetMaster(clock.MasterAudio)
	}

	presenter := present.New(targets, queue, s.clock,
		observedSink{rec: s.rec, next: s.p.sink},
		present.Config{Tolerance: s.cfg.Tolerance, TickInterval: s.cfg.TickInterval},
		s.log, present.WithReporter(s.events))

	// One worker per track feeder plus the presenter.
	ep := newEpoch(ctx, len(tracks)+1)
	s.mu.Lock()
	s.queue, s.presenter, s.tracks, s.infos, s.epoch = queue, presenter, tracks, infos, ep
	s.ready = true
	playing := s.playing
	s.mu.Unlock()

	s.g.Go(func() error { return queue.Run(ctx) })
	s.g.Go(func() error { return s.present(ctx, ep) })
	for _, t := range tracks {
		s.g.Go(func() error { return s.feed(ctx, t, ep) })
	}
	s.g.Go(func() error { return s.applyPending(ctx) })

	s.log.Info("ready",
		"tracks", ids,
		"fragmented", info.IsFragmented,
		"duration", info.DurationTime(),
		"mime", info.Mime(),
		"master", s.clock.Master())
	if playing {
		s.clock.Play()
	}
	return nil
}

// feed moves one track's samples from its scheduler into the decode
// queue, epoch after epoch.
func (s *session) feed(ctx context.Context, t *schedule.Track, ep *epoch) error {
	for {
		err := s.feedEpoch(ep.ctx, t)
		ep.wg.Done()
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ep.next:
			ep = ep.successor
		}
	}
}

func (s *session) feedEpoch(ctx context.Context, t *schedule.Track) error {
	id := t.ID()
	for {
		req, err := t.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			s.queue.EndOfStream(id)
			return nil
		case errors.Is(err, io.ErrUnexpectedEOF):
			s.log.Warn("source ended inside a sample", "track", id, "error", err)
			s.events.Report(media.Event{Kind: media.EventWarning, Time: time.Now(), TrackID: id, Err: err})
			s.queue.EndOfStream(id)
			return nil
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("schedule track %d: %w", id, err)
		}

		s.rec.RecordSample(req)
		if err := s.queue.Submit(ctx, req); err != nil {
			if ctx.Err() != nil && !errors.Is(err, decode.ErrDecoderUnhealthy) {
				return nil
			}
			return fmt.Errorf("submit track %d: %w", id, err)
		}
	}
}

// present runs the presenter, epoch after epoch. When presentation ends
// it loops back to the start if configured to.
func (s *session) present(ctx context.Context, ep *epoch) error {
	for {
		err := s.presenter.Run(ep.ctx)
		ep.wg.Done()
		if err == nil && s.cfg.Loop {
			// The seek waits for this epoch's workers, so it cannot run
			// on this goroutine once the next epoch counts it.
			s.g.Go(func() error {
				s.log.Debug("looping")
				if err := s.seek(0, false); err != nil && ctx.Err() == nil {
					s.log.Warn("loop seek failed", "error", err)
				}
				return nil
			})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ep.next:
			ep = ep.successor
		}
	}
}

// applyPending retries a deferred seek each time the sample tables grow.
func (s *session) applyPending(ctx context.Context) error {
	for {
		changed := s.demux.Changed()
		s.mu.Lock()
		target := s.pending
		s.mu.Unlock()
		if target != nil {
			err := s.seek(*target, false)
			switch {
			case err == nil:
				s.log.Info("deferred seek applied", "target", *target)
			case errors.Is(err, ErrNotSeekable):
			case ctx.Err() != nil:
				return nil
			default:
				s.log.Warn("deferred seek failed", "target", *target, "error", err)
				s.mu.Lock()
				s.pending = nil
				s.mu.Unlock()
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		}
	}
}

func (s *session) setPlaying(play bool) {
	s.mu.Lock()
	s.playing = play
	ready := s.ready
	s.mu.Unlock()
	if !ready {
		return
	}
	if play {
		s.clock.Play()
	} else {
		s.clock.Pause()
	}
}

// deferSeek records target as the pending seek.
func (s *session) deferSeek(target time.Duration, report bool) error {
	s.mu.Lock()
	s.pending = &target
	s.mu.Unlock()
	if report {
		s.log.Info("seek deferred", "target", target)
		s.events.Report(media.Event{Kind: media.EventSeekDeferred, Time: time.Now(), PTS: target})
	}
	return fmt.Errorf("seek to %s: %w", target, ErrNotSeekable)
}

// resumeOffset returns the lowest file offset decoding restarts from.
func (s *session) resumeOffset(target time.Duration) int64 {
	off := int64(-1)
	for id, info := range s.infos {
		samples := s.demux.Samples(id)
		if len(samples) == 0 {
			continue
		}
		idx := schedule.SyncBefore(samples, media.DurationToTicks(target, info.Timescale))
		if o := samples[idx].Offset; off < 0 || o < off {
			off = o
		}
	}
	return max(off, 0)
}

func (s *session) seek(target time.Duration, user bool) error {
	s.seekMu.Lock()
	defer s.seekMu.Unlock()

	s.mu.Lock()
	ready, tracks, ep := s.ready, s.tracks, s.epoch
	s.mu.Unlock()
	if !ready {
		return s.deferSeek(target, user)
	}
	for _, t := range tracks {
		if !t.Covers(target) {
			return s.deferSeek(target, user)
		}
	}

	off := s.resumeOffset(target)
	missing := s.arena.ContiguousEnd(off) < s.frontier.Load()
	if missing && !s.src.Seekable() {
		return fmt.Errorf("seek to %s needs bytes from %d: %w", target, off, ErrSourceNotSeekable)
	}

	ep.cancel()
	parked := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(parked)
	}()
	select {
	case <-parked:
	case <-s.ctx.Done():
		return s.ctx.Err()
	}

	s.clock.Reset(target)
	for _, t := range tracks {
		pos, err := t.Seek(target)
		if err != nil {
			return err
		}
		s.log.Debug("track repositioned", "track", t.ID(), "sample_time", pos.Time, "offset", pos.Offset)
	}
	for _, t := range tracks {
		if _, err := s.queue.Reset(t.ID()); err != nil {
			s.log.Warn("decoder reset failed", "track", t.ID(), "error", err)
		}
	}
	s.presenter.Reset()
	s.rec.Seeked()

	next := newEpoch(s.ctx, len(tracks)+1)
	s.mu.Lock()
	if missing {
		s.requestRefetchLocked(s.arena.ContiguousEnd(off))
	}
	s.pending = nil
	s.epoch = next
	ep.successor = next
	s.mu.Unlock()
	close(ep.next)

	s.log.Info("seek", "target", target, "resume_offset", off, "refetch", missing)
	return nil
}

// faultRelay forwards decode queue events. A fault on an audio track
// means the frame the audio clock would wait for never comes, so the
// clock is released.
type faultRelay struct {
	next  media.Reporter
	clock *clock.Clock
	audio map[uint32]bool
}

func (r faultRelay) Report(ev media.Event) {
	if ev.Kind == media.EventDecodeFault && r.audio[ev.TrackID] {
		r.clock.AudioGap()
	}
	r.next.Report(ev)
}

// observedSink records presented frames before handing them on.
type observedSink struct {
	rec  *stats.Recorder
	next Sink
}

func (o observedSink) Render(f *media.DecodedFrame, target present.Target, deadline time.Time) {
	o.rec.RecordPresented(f)
	if c, ok := f.Payload.(*ccx.CaptionFrame); ok {
		o.rec.RecordCaption(c.Channel)
	}
	if o.next != nil {
		o.next.Render(f, target, deadline)
	}
}

func (s *session) snapshot() stats.Snapshot {
	snap := stats.Snapshot{
		Session:    s.id,
		Source:     s.src.String(),
		Timestamp:  time.Now().UnixMilli(),
		UptimeMs:   s.rec.Uptime().Milliseconds(),
		PositionMs: s.clock.Now().Milliseconds(),
		Paused:     s.clock.Paused(),
		Rate:       s.clock.Rate(),
		Ingest:     s.arena.Stats(),
		Demux:      s.demux.Stats(),
		Tracks:     s.rec.Tracks(),
		Captions:   s.rec.Captions(),
	}
	s.mu.Lock()
	queue, presenter, tracks := s.queue, s.presenter, s.tracks
	s.mu.Unlock()
	if presenter == nil {
		return snap
	}
	shown := presenter.Stats()
	for _, t := range tracks {
		ts := snap.Track(t.ID())
		if ts == nil {
			continue
		}
		ts.Schedule = t.Stats()
		ts.Queue, _ = queue.Stats(t.ID())
		ts.Presenter = shown[t.ID()]
	}
	return snap
}
