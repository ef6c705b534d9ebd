package decode

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/zsiec/hplayer/media"
)

var (
	// ErrDecoderUnhealthy is returned by Run when a track's decoder has
	// faulted on FaultThreshold consecutive requests.
	ErrDecoderUnhealthy = errors.New("decode: decoder unhealthy")
	// ErrUnknownTrack is returned for a track that was never added.
	ErrUnknownTrack = errors.New("decode: unknown track")
)

// DefaultFaultThreshold is the number of consecutive faults after which a
// decoder is given up on.
const DefaultFaultThreshold = 5

// Config holds the queue policy.
type Config struct {
	// Cap bounds, per track, the requests submitted but not yet decoded
	// plus the decoded frames not yet popped.
	Cap int
	// FaultThreshold is the run of consecutive faults that is fatal.
	FaultThreshold int
}

// DefaultConfig returns the default queue policy.
func DefaultConfig() Config {
	return Config{Cap: media.DefaultQueueCap, FaultThreshold: DefaultFaultThreshold}
}

// TrackStats is a point-in-time view of one track's lane.
type TrackStats struct {
	Outstanding int    `json:"outstanding"`
	Buffered    int    `json:"buffered"`
	Generation  uint64 `json:"generation"`
	Submitted   int64  `json:"submitted"`
	Decoded     int64  `json:"decoded"`
	Popped      int64  `json:"popped"`
	Faults      int64  `json:"faults"`
	Stale       int64  `json:"stale"`
}

type lane struct {
	id          uint32
	dec         Decoder
	sem         *semaphore.Weighted
	gen         uint64
	outstanding map[uint64]time.Duration // seq -> request PTS
	buf         frameHeap
	eos         bool
	consecutive int

	submitted int64
	decoded   int64
	popped    int64
	faults    int64
	stale     int64
}

// Queue holds one lane per track. Submit is called by a track's scheduler
// feed, Peek and Pop by the presenter; Run drains decoder results.
type Queue struct {
	log *slog.Logger
	rep media.Reporter
	cfg Config
	seq atomic.Uint64

	mu        sync.Mutex
	lanes     map[uint32]*lane
	order     []uint32
	available chan struct{}
}

// New creates an empty Queue. If log is nil, slog.Default() is used; if rep
// is nil, events are discarded.
func New(cfg Config, rep media.Reporter, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	if rep == nil {
		rep = media.Discard
	}
	if cfg.Cap <= 0 {
		cfg.Cap = media.DefaultQueueCap
	}
	if cfg.FaultThreshold <= 0 {
		cfg.FaultThreshold = DefaultFaultThreshold
	}
	return &Queue{
		log:       log.With("component", "decode-queue"),
		rep:       rep,
		cfg:       cfg,
		lanes:     make(map[uint32]*lane),
		available: make(chan struct{}),
	}
}

// AddTrack registers a track and the decoder serving it. Tracks must be
// added before Run.
func (q *Queue) AddTrack(id uint32, dec Decoder) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.lanes[id]; ok {
		return
	}
	q.lanes[id] = &lane{
		id:          id,
		dec:         dec,
		sem:         semaphore.NewWeighted(int64(q.cfg.Cap)),
		outstanding: make(map[uint64]time.Duration),
	}
	q.order = append(q.order, id)
}

// Tracks returns the registered track ids in the order they were added.
func (q *Queue) Tracks() []uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]uint32(nil), q.order...)
}

func (q *Queue) lane(id uint32) (*lane, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[id]
	if !ok {
		return nil, fmt.Errorf("track %d: %w", id, ErrUnknownTrack)
	}
	return l, nil
}

// Submit forwards req to its track's decoder, blocking while the track is
// at its cap. It assigns req.Seq and req.Generation. A synchronous decoder
// error counts as a fault on req; it is returned only when it makes the
// decoder unhealthy.
func (q *Queue) Submit(ctx context.Context, req *media.DecodeRequest) error {
	l, err := q.lane(req.TrackID)
	if err != nil {
		return err
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	q.mu.Lock()
	req.Seq = q.seq.Add(1)
	req.Generation = l.gen
	l.outstanding[req.Seq] = req.PTS
	l.submitted++
	q.mu.Unlock()

	if err := l.dec.Decode(req); err != nil {
		var fatal error
		q.mu.Lock()
		if _, ok := l.outstanding[req.Seq]; ok {
			delete(l.outstanding, req.Seq)
			l.sem.Release(1)
			fatal = q.faultLocked(l, req.Seq, req.PTS, err)
		}
		q.mu.Unlock()
		q.broadcast()
		if fatal != nil {
			q.unhealthy(l, fatal)
			return fatal
		}
	}
	return nil
}

// Run consumes every track's decoder results until ctx ends or a decoder
// turns unhealthy. Results for requests dropped by Reset are discarded.
func (q *Queue) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range q.Tracks() {
		l, _ := q.lane(id)
		g.Go(func() error { return q.runLane(ctx, l) })
	}
	return g.Wait()
}

func (q *Queue) runLane(ctx context.Context, l *lane) error {
	results := l.dec.Results()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-results:
			if !ok {
				q.log.Debug("decoder results closed", "track", l.id)
				return nil
			}
			if err := q.accept(l, res); err != nil {
				return err
			}
		}
	}
}

func (q *Queue) accept(l *lane, res media.DecodeResult) error {
	q.mu.Lock()
	pts, ok := l.outstanding[res.Seq]
	if !ok {
		l.stale++
		q.mu.Unlock()
		q.log.Debug("stale result dropped", "track", l.id, "seq", res.Seq)
		return nil
	}
	delete(l.outstanding, res.Seq)

	var fatal error
	switch {
	case res.Err != nil:
		l.sem.Release(1)
		fatal = q.faultLocked(l, res.Seq, pts, res.Err)
	case res.Frame == nil:
		l.sem.Release(1)
		l.consecutive = 0
	default:
		l.consecutive = 0
		l.decoded++
		f := res.Frame
		f.TrackID = l.id
		f.Seq = res.Seq
		heap.Push(&l.buf, f)
	}
	q.mu.Unlock()

	q.broadcast()
	if fatal != nil {
		q.unhealthy(l, fatal)
	}
	return fatal
}

func (q *Queue) unhealthy(l *lane, err error) {
	q.log.Error("decoder unhealthy", "track", l.id, "error", err)
	q.rep.Report(media.Event{Kind: media.EventError, Time: time.Now(), TrackID: l.id, Err: err})
}

// faultLocked records a per-request fault and reports it. It returns
// ErrDecoderUnhealthy once the run of consecutive faults reaches the
// threshold.
func (q *Queue) faultLocked(l *lane, seq uint64, pts time.Duration, err error) error {
	l.faults++
	l.consecutive++
	q.log.Warn("decode fault", "track", l.id, "seq", seq, "pts", pts, "consecutive", l.consecutive, "error", err)
	q.rep.Report(media.Event{Kind: media.EventDecodeFault, Time: time.Now(), TrackID: l.id, PTS: pts, Err: err})
	if l.consecutive >= q.cfg.FaultThreshold {
		return fmt.Errorf("track %d after %d consecutive faults: %w", l.id, l.consecutive, ErrDecoderUnhealthy)
	}
	return nil
}

// releasableLocked reports whether the earliest buffered frame can leave
// the buffer: no outstanding request has an earlier timestamp. Every
// accepted request yields one result, so a held frame is released once
// the earlier requests complete or fault.
func (q *Queue) releasableLocked(l *lane) bool {
	if len(l.buf) == 0 {
		return false
	}
	top := l.buf[0].PTS
	for _, pts := range l.outstanding {
		if pts < top {
			return false
		}
	}
	return true
}

// Peek returns the earliest frame of a track that is ready for
// presentation, without removing it.
func (q *Queue) Peek(id uint32) (*media.DecodedFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[id]
	if !ok || !q.releasableLocked(l) {
		return nil, false
	}
	return l.buf[0], true
}

// Pop removes and returns the frame Peek would return, freeing one unit of
// the track's cap.
func (q *Queue) Pop(id uint32) (*media.DecodedFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[id]
	if !ok || !q.releasableLocked(l) {
		return nil, false
	}
	f := heap.Pop(&l.buf).(*media.DecodedFrame)
	l.popped++
	l.sem.Release(1)
	return f, true
}

// Available returns a channel that is closed the next time a result is
// accepted or a track's state changes.
func (q *Queue) Available() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.available
}

func (q *Queue) broadcast() {
	q.mu.Lock()
	close(q.available)
	q.available = make(chan struct{})
	q.mu.Unlock()
}

// EndOfStream marks that no further requests will be submitted for a
// track until the next Reset.
func (q *Queue) EndOfStream(id uint32) {
	q.mu.Lock()
	if l, ok := q.lanes[id]; ok {
		l.eos = true
	}
	q.mu.Unlock()
	q.broadcast()
}

// Drained reports whether a track has reached end of stream with nothing
// outstanding or buffered.
func (q *Queue) Drained(id uint32) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[id]
	return ok && l.eos && len(l.outstanding) == 0 && len(l.buf) == 0
}

// Reset drops a track's outstanding requests and buffered frames, starts
// a new generation and resets the decoder. Results that arrive later for
// dropped requests are discarded. It returns the number of frames and
// requests dropped.
func (q *Queue) Reset(id uint32) (int, error) {
	q.mu.Lock()
	l, ok := q.lanes[id]
	if !ok {
		q.mu.Unlock()
		return 0, fmt.Errorf("track %d: %w", id, ErrUnknownTrack)
	}
	dropped := len(l.outstanding) + len(l.buf)
	if dropped > 0 {
		l.sem.Release(int64(dropped))
	}
	clear(l.outstanding)
	clear(l.buf)
	l.buf = l.buf[:0]
	l.gen++
	l.eos = false
	l.consecutive = 0
	gen := l.gen
	q.mu.Unlock()

	q.log.Debug("track reset", "track", id, "generation", gen, "dropped", dropped)
	err := l.dec.Reset()
	q.broadcast()
	if err != nil {
		return dropped, fmt.Errorf("reset track %d decoder: %w", id, err)
	}
	return dropped, nil
}

// Stats returns a snapshot of one track's lane.
func (q *Queue) Stats(id uint32) (TrackStats, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[id]
	if !ok {
		return TrackStats{}, false
	}
	return TrackStats{
		Outstanding: len(l.outstanding),
		Buffered:    len(l.buf),
		Generation:  l.gen,
		Submitted:   l.submitted,
		Decoded:     l.decoded,
		Popped:      l.popped,
		Faults:      l.faults,
		Stale:       l.stale,
	}, true
}

// Close closes every track's decoder.
func (q *Queue) Close() error {
	q.mu.Lock()
	lanes := make([]*lane, 0, len(q.order))
	for _, id := range q.order {
		lanes = append(lanes, q.lanes[id])
	}
	q.mu.Unlock()
	var errs []error
	for _, l := range lanes {
		if err := l.dec.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close track %d decoder: %w", l.id, err))
		}
	}
	return errors.Join(errs...)
}
