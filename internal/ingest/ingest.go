// Package ingest holds the raw container bytes received so far, keyed by
// file offset. Ranges may arrive in any order; readers ask for spans and
// get a need-more signal until the span is resident. Bytes below the parse
// watermark that no pinned sample touches are reclaimed.
package ingest

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNeedMore is returned when a requested span is not yet resident. It is
// a suspend-and-retry signal, not a failure.
var ErrNeedMore = errors.New("ingest: bytes not yet available")

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("ingest: arena closed")

// Stats captures arena-level metrics, exposed for monitoring buffer health.
type Stats struct {
	BytesAppended  int64 `json:"bytesAppended"`
	BytesDuplicate int64 `json:"bytesDuplicate"`
	BytesReclaimed int64 `json:"bytesReclaimed"`
	BytesResident  int64 `json:"bytesResident"`
	Ranges         int   `json:"ranges"`
	Pins           int   `json:"pins"`
	Watermark      int64 `json:"watermark"`
	UptimeMs       int64 `json:"uptimeMs"`
}

type span struct {
	start int64
	data  []byte
}

func (s span) end() int64 { return s.start + int64(len(s.data)) }

// Arena is the set of byte ranges received from a source. Resident ranges
// are sorted by offset and never overlap. It is safe for concurrent use.
type Arena struct {
	log       *slog.Logger
	startedAt time.Time

	mu        sync.Mutex
	spans     []span
	pins      pinSet
	watermark int64
	finished  bool
	closed    bool
	changed   chan struct{}

	appended  atomic.Int64
	duplicate atomic.Int64
	reclaimed atomic.Int64
}

// New creates an empty Arena.
func New(log *slog.Logger) *Arena {
	if log == nil {
		log = slog.Default()
	}
	return &Arena{
		log:       log.With("component", "ingest"),
		startedAt: time.Now(),
		pins:      newPinSet(),
		changed:   make(chan struct{}),
	}
}

// Append stores data received at file offset off. Bytes already resident
// are kept and the overlapping part of data is dropped, so the stored view
// stays non-overlapping. The arena keeps references into data, so the
// caller must not modify it afterwards. It returns the number of new bytes
// stored.
func (a *Arena) Append(off int64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, ErrClosed
	}

	added := 0
	end := off + int64(len(data))
	i := a.search(off)
	pos := off
	for pos < end {
		if i < len(a.spans) && a.spans[i].start <= pos {
			// pos is inside spans[i]; skip the covered part.
			pos = min(a.spans[i].end(), end)
			i++
			continue
		}
		gapEnd := end
		if i < len(a.spans) && a.spans[i].start < end {
			gapEnd = a.spans[i].start
		}
		piece := data[pos-off : gapEnd-off]
		a.spans = append(a.spans, span{})
		copy(a.spans[i+1:], a.spans[i:])
		a.spans[i] = span{start: pos, data: piece}
		added += len(piece)
		pos = gapEnd
		i++
	}

	a.appended.Add(int64(added))
	if dup := len(data) - added; dup > 0 {
		a.duplicate.Add(int64(dup))
		a.log.Debug("trimmed overlapping range", "offset", off, "size", len(data), "duplicate", dup)
	}
	if added > 0 {
		a.reclaimLocked()
		a.broadcastLocked()
	}
	return added, nil
}

// search returns the index of the first span whose end is beyond pos.
func (a *Arena) search(pos int64) int {
	return sort.Search(len(a.spans), func(i int) bool { return a.spans[i].end() > pos })
}

// Read returns n bytes starting at pos. When the span lies within one
// stored range the result aliases arena memory and must not be modified;
// a span covering several adjacent ranges is copied. ErrNeedMore is
// returned if any byte of the span is missing.
func (a *Arena) Read(pos int64, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	i := a.search(pos)
	if i == len(a.spans) || a.spans[i].start > pos {
		return nil, ErrNeedMore
	}
	s := a.spans[i]
	end := pos + int64(n)
	if end <= s.end() {
		return s.data[pos-s.start : end-s.start : end-s.start], nil
	}

	out := make([]byte, 0, n)
	out = append(out, s.data[pos-s.start:]...)
	for next := s.end(); next < end; {
		i++
		if i == len(a.spans) || a.spans[i].start != next {
			return nil, ErrNeedMore
		}
		s = a.spans[i]
		take := min(s.end(), end) - s.start
		out = append(out, s.data[:take]...)
		next = s.start + take
	}
	return out, nil
}

// Has reports whether the n bytes at pos are resident.
func (a *Arena) Has(pos int64, n int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.contiguousLocked(pos) >= pos+int64(n)
}

// ContiguousEnd returns the end of the run of resident bytes starting at
// pos, or pos itself if the byte at pos is missing. A source resumes
// fetching from here.
func (a *Arena) ContiguousEnd(pos int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.contiguousLocked(pos)
}

func (a *Arena) contiguousLocked(pos int64) int64 {
	i := a.search(pos)
	if i == len(a.spans) || a.spans[i].start > pos {
		return pos
	}
	end := a.spans[i].end()
	for i++; i < len(a.spans) && a.spans[i].start == end; i++ {
		end = a.spans[i].end()
	}
	return end
}

// SetWatermark declares that the parser no longer needs bytes below pos.
// The watermark only moves forward.
func (a *Arena) SetWatermark(pos int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if pos <= a.watermark {
		return
	}
	a.watermark = pos
	a.reclaimLocked()
}

// Retain pins the sample starting at off so the range holding it survives
// until a matching Release.
func (a *Arena) Retain(off int64) {
	a.mu.Lock()
	a.pins.retain(off)
	a.mu.Unlock()
}

// Release drops one pin on the sample at off and reclaims whatever is no
// longer needed.
func (a *Arena) Release(off int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pins.release(off) {
		a.reclaimLocked()
	}
}

// reclaimLocked drops spans that end at or below both the watermark and the
// lowest pinned offset. Slices previously returned by Read stay valid.
func (a *Arena) reclaimLocked() {
	limit := a.watermark
	if low, ok := a.pins.lowest(); ok && low < limit {
		limit = low
	}
	n := 0
	for n < len(a.spans) && a.spans[n].end() <= limit {
		n++
	}
	if n == 0 {
		return
	}
	var freed int64
	for _, s := range a.spans[:n] {
		freed += int64(len(s.data))
	}
	clear(a.spans[:n])
	a.spans = a.spans[n:]
	a.reclaimed.Add(freed)
	a.log.Debug("reclaimed ranges", "count", n, "bytes", freed, "limit", limit)
}

// Changed returns a channel that is closed the next time bytes are added
// or the input finishes.
func (a *Arena) Changed() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.changed
}

func (a *Arena) broadcastLocked() {
	close(a.changed)
	a.changed = make(chan struct{})
}

// Finish marks the end of the current source pass: no further bytes will
// arrive unless Reopen is called.
func (a *Arena) Finish() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.finished {
		a.finished = true
		a.broadcastLocked()
	}
}

// Reopen clears the finished state before a source refetches from a new
// offset.
func (a *Arena) Reopen() {
	a.mu.Lock()
	a.finished = false
	a.mu.Unlock()
}

// Finished reports whether the source has delivered everything it will.
func (a *Arena) Finished() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finished
}

// Close releases all resident bytes and rejects further appends.
func (a *Arena) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	a.finished = true
	a.spans = nil
	a.broadcastLocked()
}

// Stats returns a snapshot of arena metrics.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	var resident int64
	for _, s := range a.spans {
		resident += int64(len(s.data))
	}
	st := Stats{
		BytesResident: resident,
		Ranges:        len(a.spans),
		Pins:          a.pins.len(),
		Watermark:     a.watermark,
	}
	a.mu.Unlock()

	st.BytesAppended = a.appended.Load()
	st.BytesDuplicate = a.duplicate.Load()
	st.BytesReclaimed = a.reclaimed.Load()
	st.UptimeMs = time.Since(a.startedAt).Milliseconds()
	return st
}
