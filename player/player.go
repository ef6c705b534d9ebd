// Package player plays ISO-BMFF (MP4) files, progressive or fragmented,
// from local files, HTTP servers and SRT feeds. Compressed samples go to
// pluggable decoders; decoded frames are handed to a Sink in presentation
// order, paced by a wall or audio master clock.
//
// A Player plays one source: Load starts the pipeline, Play, Pause and
// Seek control it, and Stop (or the Load context ending) shuts it down.
// Pipeline errors are reported on Events and returned by Wait.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/hplayer/internal/decode"
	"github.com/zsiec/hplayer/internal/present"
	"github.com/zsiec/hplayer/internal/schedule"
	"github.com/zsiec/hplayer/internal/source"
	"github.com/zsiec/hplayer/internal/stats"
	"github.com/zsiec/hplayer/media"
)

var (
	// ErrNotLoaded is returned by controls called before Load.
	ErrNotLoaded = errors.New("player: nothing loaded")
	// ErrAlreadyLoaded is returned by a second Load.
	ErrAlreadyLoaded = errors.New("player: already loaded")
	// ErrNotSeekable is returned by Seek when the target is beyond the
	// parsed part of the file. The seek is retried as the file is parsed.
	ErrNotSeekable = schedule.ErrNotSeekable
	// ErrSourceNotSeekable is returned by Seek when a live source no
	// longer holds the bytes the target needs.
	ErrSourceNotSeekable = source.ErrNotSeekable
)

type (
	// Decoder is the external decoder contract.
	Decoder = decode.Decoder
	// Sink receives frames when they are due.
	Sink = present.Sink
	// SinkFunc adapts a function to Sink.
	SinkFunc = present.SinkFunc
	// Target identifies the track a frame belongs to.
	Target = present.Target
	// Stats is the snapshot returned by Player.Stats.
	Stats = stats.Snapshot
)

// DecoderFactory creates the decoder for a selected video or audio track.
// Caption tracks are always decoded internally.
type DecoderFactory func(track media.TrackInfo) (Decoder, error)

// Option configures a Player.
type Option func(*Player)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Player) { p.log = log }
}

// WithSink sets the receiver of presented frames.
func WithSink(s Sink) Option {
	return func(p *Player) { p.sink = s }
}

// WithDecoders sets the decoder factory. By default samples are passed
// through undecoded.
func WithDecoders(f DecoderFactory) Option {
	return func(p *Player) { p.decoders = f }
}

// WithSourceOptions sets options for sources opened by Load.
func WithSourceOptions(opts ...source.Option) Option {
	return func(p *Player) { p.srcOpts = append(p.srcOpts, opts...) }
}

// Player is a media player for one source.
type Player struct {
	log      *slog.Logger
	cfg      Config
	sink     Sink
	decoders DecoderFactory
	srcOpts  []source.Option
	events   *eventSink

	mu sync.Mutex
	s  *session
}

// New creates a Player.
func New(cfg Config, opts ...Option) (*Player, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Player{cfg: cfg}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	p.log = p.log.With("component", "player")
	p.events = newEventSink(p.log)
	return p, nil
}

// Events returns the event channel. It is closed once the player has
// stopped.
func (p *Player) Events() <-chan media.Event { return p.events.ch }

// Load opens uri (a path, file://, http(s):// or srt:// URL) and starts
// playback of it. ctx bounds the whole playback session.
func (p *Player) Load(ctx context.Context, uri string) error {
	if _, err := p.session(); err == nil {
		return ErrAlreadyLoaded
	}
	opts := append([]source.Option{source.WithLogger(p.log)}, p.srcOpts...)
	src, err := source.Open(uri, opts...)
	if err != nil {
		return err
	}
	if err := p.LoadSource(ctx, src); err != nil {
		src.Close()
		return err
	}
	return nil
}

// LoadSource starts playback of src. The player closes src when it stops.
func (p *Player) LoadSource(ctx context.Context, src source.Source) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.s != nil {
		return ErrAlreadyLoaded
	}
	p.s = newSession(p, src)
	p.s.start(ctx)
	return nil
}

func (p *Player) session() (*session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.s == nil {
		return nil, ErrNotLoaded
	}
	return p.s, nil
}

// Play starts or resumes the clock. Before the file is ready it makes
// playback start on ready.
func (p *Player) Play() error {
	s, err := p.session()
	if err != nil {
		return err
	}
	s.setPlaying(true)
	return nil
}

// Pause stops the clock. The current frame stays presented.
func (p *Player) Pause() error {
	s, err := p.session()
	if err != nil {
		return err
	}
	s.setPlaying(false)
	return nil
}

// SetRate changes the playback speed.
func (p *Player) SetRate(rate float64) error {
	s, err := p.session()
	if err != nil {
		return err
	}
	if rate <= 0 {
		return fmt.Errorf("%w: rate %g must be positive", ErrInvalidConfig, rate)
	}
	s.clock.SetRate(rate)
	return nil
}

// Seek moves playback to target. Decoding restarts at the last sync sample
// at or before target; frames before target are skipped. If target has
// not been parsed yet, Seek returns an error wrapping ErrNotSeekable and
// the seek is applied once it has.
func (p *Player) Seek(target time.Duration) error {
	s, err := p.session()
	if err != nil {
		return err
	}
	if target < 0 {
		target = 0
	}
	return s.seek(target, true)
}

// Position returns the current presentation time.
func (p *Player) Position() (time.Duration, error) {
	s, err := p.session()
	if err != nil {
		return 0, err
	}
	return s.clock.Now(), nil
}

// Info returns the media description, once the file structure is known.
func (p *Player) Info() (media.MediaInfo, bool) {
	s, err := p.session()
	if err != nil {
		return media.MediaInfo{}, false
	}
	return s.demux.Info()
}

// Stats returns a snapshot of playback telemetry.
func (p *Player) Stats() (Stats, error) {
	s, err := p.session()
	if err != nil {
		return Stats{}, err
	}
	return s.snapshot(), nil
}

// Stop shuts playback down and waits for the pipeline to exit. It returns
// the error that ended playback, if any came before Stop.
func (p *Player) Stop() error {
	s, err := p.session()
	if err != nil {
		return err
	}
	s.stop()
	return s.wait()
}

// Wait blocks until playback stops and returns the error that stopped it.
func (p *Player) Wait() error {
	s, err := p.session()
	if err != nil {
		return err
	}
	return s.wait()
}
