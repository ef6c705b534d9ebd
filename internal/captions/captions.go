// Package captions decodes CEA-608 caption tracks (sample entry "c608")
// carried in ISO-BMFF files. Each sample holds cdat (field 1) and cdt2
// (field 2) atoms of byte pairs.
package captions

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/ccx"

	"github.com/zsiec/hplayer/internal/bmff"
	"github.com/zsiec/hplayer/media"
)

// ErrClosed is returned by Decode after Close.
var ErrClosed = errors.New("captions: decoder closed")

var (
	typeCdat = bmff.BoxType{'c', 'd', 'a', 't'}
	typeCdt2 = bmff.BoxType{'c', 'd', 't', '2'}
)

// Pair is one CEA-608 byte pair with its field (0 or 1).
type Pair struct {
	Field int
	Data  [2]byte
}

// ParseSample splits a c608 sample into byte pairs with parity removed.
// Atoms other than cdat and cdt2 are skipped.
func ParseSample(data []byte) ([]Pair, error) {
	var out []Pair
	for pos := 0; pos < len(data); {
		h, err := bmff.DecodeHeader(data[pos:], int64(pos))
		if errors.Is(err, bmff.ErrShortBuffer) {
			return nil, &bmff.MalformedError{Offset: int64(pos), Reason: "truncated atom header"}
		}
		if err != nil {
			return nil, err
		}
		end := int64(pos) + h.Size
		if end > int64(len(data)) {
			return nil, &bmff.MalformedError{Type: h.Type, Offset: int64(pos), Reason: "atom exceeds sample"}
		}
		field := -1
		switch h.Type {
		case typeCdat:
			field = 0
		case typeCdt2:
			field = 1
		}
		if field >= 0 {
			payload := data[h.DataOffset():end]
			for i := 0; i+1 < len(payload); i += 2 {
				out = append(out, Pair{Field: field, Data: [2]byte{payload[i] & 0x7f, payload[i+1] & 0x7f}})
			}
		}
		pos = int(end)
	}
	return out, nil
}

// Decoder implements decode.Decoder for c608 tracks. A request yields a
// frame whose Payload is a *ccx.CaptionFrame when its pairs complete a
// caption, and an empty result otherwise.
type Decoder struct {
	log *slog.Logger

	mu      sync.Mutex
	fields  [2]*ccx.CEA608Decoder
	closed  bool
	results chan media.DecodeResult
}

// New creates a Decoder whose result channel holds up to buffer results.
func New(buffer int, log *slog.Logger) *Decoder {
	if log == nil {
		log = slog.Default()
	}
	if buffer < 1 {
		buffer = media.DefaultQueueCap
	}
	d := &Decoder{
		log:     log.With("component", "captions"),
		results: make(chan media.DecodeResult, buffer),
	}
	d.fields = [2]*ccx.CEA608Decoder{ccx.NewCEA608Decoder(), ccx.NewCEA608Decoder()}
	return d
}

// Decode implements decode.Decoder.
func (d *Decoder) Decode(req *media.DecodeRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	pairs, err := ParseSample(req.Data)
	if err != nil {
		d.results <- media.DecodeResult{Seq: req.Seq, Err: fmt.Errorf("caption sample %d: %w", req.Number, err)}
		return nil
	}

	var caption *ccx.CaptionFrame
	for _, p := range pairs {
		dec := d.fields[p.Field]
		if text := dec.Decode(p.Data[0], p.Data[1]); text != "" {
			caption = &ccx.CaptionFrame{PTS: ticks90k(req.PTS), Text: text, Channel: 2*p.Field + 1}
			caption.Regions = dec.StyledRegions()
		}
	}
	res := media.DecodeResult{Seq: req.Seq}
	if caption != nil {
		d.log.Debug("caption", "pts", req.PTS, "channel", caption.Channel, "text", caption.Text)
		res.Frame = &media.DecodedFrame{
			TrackID:  req.TrackID,
			Seq:      req.Seq,
			PTS:      req.PTS,
			Duration: req.Duration,
			Payload:  caption,
		}
	}
	d.results <- res
	return nil
}

// ticks90k converts a presentation time to the 90kHz clock caption frames
// carry.
func ticks90k(d time.Duration) int64 {
	return d.Microseconds() * 9 / 100
}

// Results implements decode.Decoder.
func (d *Decoder) Results() <-chan media.DecodeResult { return d.results }

// Reset clears caption state and drops results not yet read.
func (d *Decoder) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fields = [2]*ccx.CEA608Decoder{ccx.NewCEA608Decoder(), ccx.NewCEA608Decoder()}
	for {
		select {
		case <-d.results:
		default:
			return nil
		}
	}
}

// Close closes the result channel.
func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.results)
	}
	return nil
}
