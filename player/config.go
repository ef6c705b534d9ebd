package player

import (
	"errors"
	"fmt"
	"time"

	"github.com/zsiec/hplayer/internal/decode"
	"github.com/zsiec/hplayer/internal/present"
	"github.com/zsiec/hplayer/media"
)

// ErrInvalidConfig is wrapped by every Config.Validate error.
var ErrInvalidConfig = errors.New("player: invalid config")

// Config tunes the pipeline. The zero value is not valid; start from
// DefaultConfig.
type Config struct {
	// QueueCap bounds decode requests in flight plus decoded frames
	// awaiting presentation, per track.
	QueueCap int
	// LookaheadSamples and LookaheadBytes bound the scheduler's window of
	// converted but unsubmitted samples, per track.
	LookaheadSamples int
	LookaheadBytes   int
	// Tolerance is how far from the clock a frame may be and still be
	// presented.
	Tolerance time.Duration
	// TickInterval is the presenter's polling period.
	TickInterval time.Duration
	// FaultThreshold is the number of consecutive decode faults after
	// which a track's decoder is declared unhealthy.
	FaultThreshold int
	// Rate is the playback speed.
	Rate float64
	// Autoplay starts the clock as soon as the file is ready.
	Autoplay bool
	// Loop seeks back to the start when presentation ends.
	Loop bool
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		QueueCap:         media.DefaultQueueCap,
		LookaheadSamples: media.DefaultLookahead,
		LookaheadBytes:   4 << 20,
		Tolerance:        present.DefaultTolerance,
		TickInterval:     present.DefaultTickInterval,
		FaultThreshold:   decode.DefaultFaultThreshold,
		Rate:             1,
	}
}

// Validate reports every out-of-range field.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
		}
	}
	check(c.QueueCap > 0, "queue cap %d must be positive", c.QueueCap)
	check(c.LookaheadSamples > 0, "lookahead samples %d must be positive", c.LookaheadSamples)
	check(c.LookaheadBytes >= 0, "lookahead bytes %d must not be negative", c.LookaheadBytes)
	check(c.Tolerance > 0, "tolerance %s must be positive", c.Tolerance)
	check(c.TickInterval > 0, "tick interval %s must be positive", c.TickInterval)
	check(c.FaultThreshold > 0, "fault threshold %d must be positive", c.FaultThreshold)
	check(c.Rate > 0, "rate %g must be positive", c.Rate)
	return errors.Join(errs...)
}
