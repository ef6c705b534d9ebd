// Package clock provides the presentation clock frames are paced against.
package clock

import (
	"sync"
	"time"
)

// Master selects what drives the clock.
type Master int

const (
	// MasterWall advances with wall time scaled by the playback rate.
	MasterWall Master = iota
	// MasterAudio follows the audio actually presented: the clock is
	// re-anchored on every audio frame and holds at the end of the last
	// one until the next arrives or a gap is reported.
	MasterAudio
)

func (m Master) String() string {
	if m == MasterAudio {
		return "audio"
	}
	return "wall"
}

// Option configures a Clock.
type Option func(*Clock)

// WithNow replaces the wall time source.
func WithNow(now func() time.Time) Option {
	return func(c *Clock) { c.now = now }
}

// WithRate sets the initial playback rate.
func WithRate(rate float64) Option {
	return func(c *Clock) { c.rate = rate }
}

// Clock maps wall time to presentation time. It starts paused at zero.
// Now never decreases except across Reset. It is safe for concurrent use.
type Clock struct {
	now func() time.Time

	mu         sync.Mutex
	master     Master
	rate       float64
	paused     bool
	anchorPTS  time.Duration
	anchorWall time.Time
	audioEnd   time.Duration
	audioSeen  bool
	last       time.Duration
}

// New creates a paused Clock at presentation time zero.
func New(master Master, opts ...Option) *Clock {
	c := &Clock{
		now:    time.Now,
		master: master,
		rate:   1,
		paused: true,
	}
	for _, o := range opts {
		o(c)
	}
	if c.rate <= 0 {
		c.rate = 1
	}
	c.anchorWall = c.now()
	return c
}

// Now returns the current presentation time.
func (c *Clock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowLocked()
}

func (c *Clock) nowLocked() time.Duration {
	t := c.anchorPTS
	if !c.paused {
		t += time.Duration(float64(c.now().Sub(c.anchorWall)) * c.rate)
		if c.master == MasterAudio && c.audioSeen {
			t = min(t, c.audioEnd)
		}
	}
	t = max(t, c.last)
	c.last = t
	return t
}

// reanchorLocked moves the anchor to the current instant.
func (c *Clock) reanchorLocked() {
	c.anchorPTS = c.nowLocked()
	c.anchorWall = c.now()
}

// Play starts or resumes the clock.
func (c *Clock) Play() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		c.anchorWall = c.now()
		c.paused = false
	}
}

// Pause freezes the clock at its current time.
func (c *Clock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		c.reanchorLocked()
		c.paused = true
	}
}

// Paused reports whether the clock is paused.
func (c *Clock) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// SetRate changes the playback rate from now on. Non-positive rates are
// ignored.
func (c *Clock) SetRate(rate float64) {
	if rate <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reanchorLocked()
	c.rate = rate
}

// Rate returns the playback rate.
func (c *Clock) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

// SetMaster switches what drives the clock, keeping its current time.
func (c *Clock) SetMaster(m Master) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reanchorLocked()
	c.master = m
	c.audioSeen = false
}

// Master returns what drives the clock.
func (c *Clock) Master() Master {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.master
}

// Reset moves the clock to pts, forgetting presented audio. It keeps the
// paused state.
func (c *Clock) Reset(pts time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anchorPTS = pts
	c.anchorWall = c.now()
	c.last = pts
	c.audioSeen = false
	c.audioEnd = 0
}

// AudioPresented reports that an audio frame starting at pts and lasting
// dur was handed to the sink. With an audio master the clock continues
// from pts and will not pass pts+dur until more audio is presented.
func (c *Clock) AudioPresented(pts, dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.master != MasterAudio {
		return
	}
	c.anchorPTS = max(pts, c.last)
	c.anchorWall = c.now()
	c.audioEnd = max(pts+dur, c.anchorPTS)
	c.audioSeen = true
}

// AudioEnded reports that no more audio will be presented until the next
// Reset. The clock stops holding at the end of the last audio frame and
// continues on wall time.
func (c *Clock) AudioEnded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked()
}

// AudioGap reports that the audio following the last presented frame will
// not arrive, because it was dropped or the track has a hole there. The
// clock stops holding and runs on wall time until the next AudioPresented.
func (c *Clock) AudioGap() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked()
}

func (c *Clock) releaseLocked() {
	c.reanchorLocked()
	c.audioSeen = false
}
