// Package stats accumulates playback telemetry: what was fed to the
// decoders, what was presented and at what rate. Player snapshots combine
// it with the pipeline stages' own counters.
package stats

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/hplayer/internal/decode"
	"github.com/zsiec/hplayer/internal/demux"
	"github.com/zsiec/hplayer/internal/ingest"
	"github.com/zsiec/hplayer/internal/present"
	"github.com/zsiec/hplayer/internal/schedule"
	"github.com/zsiec/hplayer/media"
)

// window is the span rates are averaged over.
const window = 2 * time.Second

// TrackStats is the per-track part of a Snapshot.
type TrackStats struct {
	ID            uint32  `json:"id"`
	Kind          string  `json:"kind"`
	Codec         string  `json:"codec"`
	Samples       int64   `json:"samples"`
	KeySamples    int64   `json:"keySamples"`
	Bytes         int64   `json:"bytes"`
	CurrentGOPLen int     `json:"currentGOPLen"`
	DTSErrors     int64   `json:"dtsErrors"`
	BitrateKbps   float64 `json:"bitrateKbps"`
	FrameRate     float64 `json:"frameRate"`
	LastPTSMs     int64   `json:"lastPtsMs"`

	Schedule  schedule.Stats     `json:"schedule"`
	Queue     decode.TrackStats  `json:"queue"`
	Presenter present.TrackStats `json:"presenter"`
}

// CaptionStats tracks caption activity across channels.
type CaptionStats struct {
	ActiveChannels []int `json:"activeChannels"`
	TotalFrames    int64 `json:"totalFrames"`
}

// Snapshot is the JSON-serializable view returned by Player.Stats.
type Snapshot struct {
	Session    string       `json:"session"`
	Source     string       `json:"source"`
	Timestamp  int64        `json:"ts"`
	UptimeMs   int64        `json:"uptimeMs"`
	PositionMs int64        `json:"positionMs"`
	Paused     bool         `json:"paused"`
	Rate       float64      `json:"rate"`
	Ingest     ingest.Stats `json:"ingest"`
	Demux      demux.Stats  `json:"demux"`
	Tracks     []TrackStats `json:"tracks"`
	Captions   CaptionStats `json:"captions"`
}

// Track returns the entry for track id, or nil.
func (s *Snapshot) Track(id uint32) *TrackStats {
	for i := range s.Tracks {
		if s.Tracks[i].ID == id {
			return &s.Tracks[i]
		}
	}
	return nil
}

type sizedAt struct {
	at    time.Time
	bytes int64
}

// trackAccum is a per-track accumulator. Counters are atomic; the rate
// windows are guarded by mu.
type trackAccum struct {
	info media.TrackInfo

	samples    atomic.Int64
	keySamples atomic.Int64
	bytes      atomic.Int64
	gopLen     atomic.Int32
	dtsErrors  atomic.Int64
	lastDTS    atomic.Int64
	haveDTS    atomic.Bool
	lastPTS    atomic.Int64

	mu        sync.Mutex
	fed       []sizedAt
	presented []time.Time
}

// Recorder accumulates telemetry for one playback session. All methods are
// safe for concurrent use.
type Recorder struct {
	now   func() time.Time
	start time.Time

	mu           sync.RWMutex
	tracks       map[uint32]*trackAccum
	captionChans map[int]bool
	captions     atomic.Int64
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithNow replaces the wall clock.
func WithNow(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates an empty Recorder.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		now:          time.Now,
		tracks:       make(map[uint32]*trackAccum),
		captionChans: make(map[int]bool),
	}
	for _, o := range opts {
		o(r)
	}
	r.start = r.now()
	return r
}

// AddTrack registers a track. Samples for unknown tracks are ignored.
func (r *Recorder) AddTrack(t media.TrackInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tracks[t.ID]; !ok {
		r.tracks[t.ID] = &trackAccum{info: t}
	}
}

func (r *Recorder) track(id uint32) *trackAccum {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tracks[id]
}

// RecordSample records a compressed sample handed to a decoder.
func (r *Recorder) RecordSample(req *media.DecodeRequest) {
	acc := r.track(req.TrackID)
	if acc == nil {
		return
	}
	acc.samples.Add(1)
	acc.bytes.Add(int64(len(req.Data)))
	if req.Type == media.ChunkKey {
		acc.keySamples.Add(1)
		acc.gopLen.Store(1)
	} else {
		acc.gopLen.Add(1)
	}
	dts := int64(req.DTS)
	if last := acc.lastDTS.Swap(dts); acc.haveDTS.Swap(true) && dts < last {
		acc.dtsErrors.Add(1)
	}

	now := r.now()
	acc.mu.Lock()
	acc.fed = append(acc.fed, sizedAt{now, int64(len(req.Data))})
	acc.fed = trim(acc.fed, now, func(e sizedAt) time.Time { return e.at })
	acc.mu.Unlock()
}

// RecordPresented records a frame handed to the sink.
func (r *Recorder) RecordPresented(f *media.DecodedFrame) {
	acc := r.track(f.TrackID)
	if acc == nil {
		return
	}
	acc.lastPTS.Store(int64(f.PTS))
	now := r.now()
	acc.mu.Lock()
	acc.presented = append(acc.presented, now)
	acc.presented = trim(acc.presented, now, func(t time.Time) time.Time { return t })
	acc.mu.Unlock()
}

// RecordCaption records a decoded caption on channel.
func (r *Recorder) RecordCaption(channel int) {
	r.captions.Add(1)
	r.mu.Lock()
	r.captionChans[channel] = true
	r.mu.Unlock()
}

// Seeked forgets decode-order history so the jump is not counted as a
// timestamp error.
func (r *Recorder) Seeked() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, acc := range r.tracks {
		acc.haveDTS.Store(false)
	}
}

// Uptime returns the time since the recorder was created.
func (r *Recorder) Uptime() time.Duration { return r.now().Sub(r.start) }

// trim drops entries older than the rate window.
func trim[T any](entries []T, now time.Time, at func(T) time.Time) []T {
	cutoff := now.Add(-window)
	i := 0
	for i < len(entries) && at(entries[i]).Before(cutoff) {
		i++
	}
	return entries[i:]
}

func (acc *trackAccum) frameRate() float64 {
	acc.mu.Lock()
	defer acc.mu.Unlock()
	if len(acc.presented) < 2 {
		return 0
	}
	dur := acc.presented[len(acc.presented)-1].Sub(acc.presented[0]).Seconds()
	if dur <= 0 {
		return 0
	}
	return float64(len(acc.presented)-1) / dur
}

func (acc *trackAccum) bitrateKbps() float64 {
	acc.mu.Lock()
	defer acc.mu.Unlock()
	if len(acc.fed) < 2 {
		return 0
	}
	dur := acc.fed[len(acc.fed)-1].at.Sub(acc.fed[0].at).Seconds()
	if dur <= 0 {
		return 0
	}
	var total int64
	for _, e := range acc.fed {
		total += e.bytes
	}
	return float64(total) * 8 / dur / 1000
}

// Tracks returns per-track counters ordered by track id. Stage counters
// (Schedule, Queue, Presenter) are left for the caller to fill.
func (r *Recorder) Tracks() []TrackStats {
	r.mu.RLock()
	accs := make([]*trackAccum, 0, len(r.tracks))
	for _, acc := range r.tracks {
		accs = append(accs, acc)
	}
	r.mu.RUnlock()
	slices.SortFunc(accs, func(a, b *trackAccum) int { return int(a.info.ID) - int(b.info.ID) })

	out := make([]TrackStats, 0, len(accs))
	for _, acc := range accs {
		out = append(out, TrackStats{
			ID:            acc.info.ID,
			Kind:          acc.info.Kind.String(),
			Codec:         acc.info.Codec,
			Samples:       acc.samples.Load(),
			KeySamples:    acc.keySamples.Load(),
			Bytes:         acc.bytes.Load(),
			CurrentGOPLen: int(acc.gopLen.Load()),
			DTSErrors:     acc.dtsErrors.Load(),
			BitrateKbps:   acc.bitrateKbps(),
			FrameRate:     acc.frameRate(),
			LastPTSMs:     time.Duration(acc.lastPTS.Load()).Milliseconds(),
		})
	}
	return out
}

// Captions returns caption activity with channels in ascending order.
func (r *Recorder) Captions() CaptionStats {
	r.mu.RLock()
	chans := make([]int, 0, len(r.captionChans))
	for ch := range r.captionChans {
		chans = append(chans, ch)
	}
	r.mu.RUnlock()
	slices.Sort(chans)
	return CaptionStats{ActiveChannels: chans, TotalFrames: r.captions.Load()}
}
