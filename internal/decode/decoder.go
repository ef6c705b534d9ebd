// Package decode sits between the sample schedulers and the external
// decoder. It bounds how many requests each track has in flight, turns the
// decoder's asynchronous results back into presentation order, and
// escalates runs of decoder faults.
package decode

import (
	"errors"
	"sync"

	"github.com/zsiec/hplayer/media"
)

// ErrDecoderClosed is returned by Decode after Close.
var ErrDecoderClosed = errors.New("decode: decoder closed")

// Decoder is the external decoder boundary. Decode hands over one request
// and returns without waiting for output; every accepted request yields
// exactly one result on Results, in any order. Reset discards pending
// work; results for requests submitted before it may still be delivered
// and are dropped by the queue.
type Decoder interface {
	Decode(req *media.DecodeRequest) error
	Results() <-chan media.DecodeResult
	Reset() error
	Close() error
}

// Passthrough is a Decoder that returns every request's payload as the
// decoded frame. It stands in for a real codec when only timing matters,
// as in the headless player.
type Passthrough struct {
	mu      sync.Mutex
	closed  bool
	results chan media.DecodeResult
}

// NewPassthrough creates a Passthrough whose result channel holds up to
// buffer results. A buffer at least the queue cap keeps Decode from
// blocking.
func NewPassthrough(buffer int) *Passthrough {
	if buffer < 1 {
		buffer = media.DefaultQueueCap
	}
	return &Passthrough{results: make(chan media.DecodeResult, buffer)}
}

// Decode implements Decoder.
func (p *Passthrough) Decode(req *media.DecodeRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrDecoderClosed
	}
	p.results <- media.DecodeResult{
		Seq: req.Seq,
		Frame: &media.DecodedFrame{
			TrackID:  req.TrackID,
			Seq:      req.Seq,
			PTS:      req.PTS,
			Duration: req.Duration,
			Payload:  req.Data,
		},
	}
	return nil
}

// Results implements Decoder.
func (p *Passthrough) Results() <-chan media.DecodeResult { return p.results }

// Reset drops results not yet read.
func (p *Passthrough) Reset() error {
	for {
		select {
		case <-p.results:
		default:
			return nil
		}
	}
}

// Close closes the result channel.
func (p *Passthrough) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.results)
	}
	return nil
}
