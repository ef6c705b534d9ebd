package decode

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/zsiec/hplayer/media"
)

// recorder collects reported events.
type recorder struct {
	mu     sync.Mutex
	events []media.Event
}

func (r *recorder) Report(e media.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(k media.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

// scripted holds every request until the test completes it.
type scripted struct {
	mu      sync.Mutex
	reqs    []*media.DecodeRequest
	resets  int
	results chan media.DecodeResult
}

func newScripted() *scripted {
	return &scripted{results: make(chan media.DecodeResult, 64)}
}

func (s *scripted) Decode(req *media.DecodeRequest) error {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	return nil
}

func (s *scripted) Results() <-chan media.DecodeResult { return s.results }

func (s *scripted) Reset() error {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
	return nil
}

func (s *scripted) Close() error { return nil }

// complete delivers a frame for the i-th request received.
func (s *scripted) complete(i int) {
	s.mu.Lock()
	req := s.reqs[i]
	s.mu.Unlock()
	s.results <- media.DecodeResult{Seq: req.Seq, Frame: &media.DecodedFrame{PTS: req.PTS, Duration: req.Duration}}
}

// faulty decodes like Passthrough but fails the listed sample numbers,
// through a result or, when inline, from Decode itself.
type faulty struct {
	*Passthrough
	fail   map[int]bool
	inline bool
}

var errBitstream = errors.New("corrupt bitstream")

func (f *faulty) Decode(req *media.DecodeRequest) error {
	if !f.fail[req.Number] {
		return f.Passthrough.Decode(req)
	}
	if f.inline {
		return errBitstream
	}
	f.results <- media.DecodeResult{Seq: req.Seq, Err: errBitstream}
	return nil
}

func request(number int, pts time.Duration) *media.DecodeRequest {
	return &media.DecodeRequest{
		TrackID:  1,
		Number:   number,
		PTS:      pts,
		DTS:      time.Duration(number-1) * 33 * time.Millisecond,
		Duration: 33 * time.Millisecond,
		Data:     []byte{byte(number)},
	}
}

// start runs q until the test ends and returns Run's result channel.
func start(t *testing.T, q *Queue) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()
	return done
}

// popN pops n frames of track 1, waiting for each to become available.
func popN(t *testing.T, q *Queue, n int) []*media.DecodedFrame {
	t.Helper()
	deadline := time.After(5 * time.Second)
	var out []*media.DecodedFrame
	for len(out) < n {
		avail := q.Available()
		if f, ok := q.Pop(1); ok {
			out = append(out, f)
			continue
		}
		select {
		case <-avail:
		case <-deadline:
			t.Fatalf("got %d frames, want %d", len(out), n)
		}
	}
	return out
}

// eventually polls cond until it holds.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func stats(t *testing.T, q *Queue) TrackStats {
	t.Helper()
	st, ok := q.Stats(1)
	if !ok {
		t.Fatal("track 1 missing")
	}
	return st
}

func TestQueueFaultSkipsRequest(t *testing.T) {
	t.Parallel()

	for _, inline := range []bool{false, true} {
		rec := &recorder{}
		q := New(DefaultConfig(), rec, nil)
		q.AddTrack(1, &faulty{Passthrough: NewPassthrough(16), fail: map[int]bool{2: true}, inline: inline})
		start(t, q)

		ctx := context.Background()
		for i := 1; i <= 5; i++ {
			if err := q.Submit(ctx, request(i, time.Duration(i-1)*33*time.Millisecond)); err != nil {
				t.Fatal(err)
			}
		}
		var got []int
		for _, f := range popN(t, q, 4) {
			got = append(got, int(f.Payload.([]byte)[0]))
		}
		if diff := cmp.Diff([]int{1, 3, 4, 5}, got); diff != "" {
			t.Fatalf("inline=%v: presented mismatch (-want +got):\n%s", inline, diff)
		}
		if n := rec.count(media.EventDecodeFault); n != 1 {
			t.Fatalf("inline=%v: got %d fault events, want 1", inline, n)
		}
		if st := stats(t, q); st.Faults != 1 || st.Outstanding != 0 || st.Buffered != 0 {
			t.Fatalf("inline=%v: got %+v", inline, st)
		}
	}
}

func TestQueueCapBlocksSubmit(t *testing.T) {
	t.Parallel()

	dec := newScripted()
	q := New(Config{Cap: 3}, nil, nil)
	q.AddTrack(1, dec)
	start(t, q)

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if err := q.Submit(ctx, request(i, time.Duration(i)*time.Millisecond)); err != nil {
			t.Fatal(err)
		}
	}
	blocked := func() error {
		short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		return q.Submit(short, request(4, 4*time.Millisecond))
	}
	if err := blocked(); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want Submit to block at the cap", err)
	}

	// A decoded frame still holds its unit until it is popped.
	dec.complete(0)
	eventually(t, "the first frame", func() bool { return stats(t, q).Buffered == 1 })
	if err := blocked(); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want Submit to block while the frame is buffered", err)
	}

	if _, ok := q.Pop(1); !ok {
		t.Fatal("expected the first frame")
	}
	if err := q.Submit(ctx, request(4, 4*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if st := stats(t, q); st.Outstanding != 3 || st.Submitted != 4 {
		t.Fatalf("got %+v", st)
	}
}

// capped checks the queue's occupancy each time a request reaches the
// decoder.
type capped struct {
	*Passthrough
	q   *Queue
	max atomic.Int64
}

func (c *capped) Decode(req *media.DecodeRequest) error {
	if st, ok := c.q.Stats(req.TrackID); ok {
		n := int64(st.Outstanding + st.Buffered)
		for {
			cur := c.max.Load()
			if n <= cur || c.max.CompareAndSwap(cur, n) {
				break
			}
		}
	}
	return c.Passthrough.Decode(req)
}

func TestQueueNeverExceedsCap(t *testing.T) {
	t.Parallel()

	const limit, total = 4, 60
	q := New(Config{Cap: limit}, nil, nil)
	dec := &capped{Passthrough: NewPassthrough(limit), q: q}
	q.AddTrack(1, dec)
	start(t, q)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	submitErr := make(chan error, 1)
	go func() {
		for i := 1; i <= total; i++ {
			if err := q.Submit(ctx, request(i, time.Duration(i)*time.Millisecond)); err != nil {
				submitErr <- err
				return
			}
		}
		submitErr <- nil
	}()

	frames := popN(t, q, total)
	if err := <-submitErr; err != nil {
		t.Fatal(err)
	}
	for i, f := range frames {
		if f.PTS != time.Duration(i+1)*time.Millisecond {
			t.Fatalf("frame %d: got pts %s", i, f.PTS)
		}
	}
	if got := dec.max.Load(); got > limit {
		t.Fatalf("got %d requests in flight, want at most %d", got, limit)
	}
}

func TestQueueReordersByPresentationTime(t *testing.T) {
	t.Parallel()

	q := New(DefaultConfig(), nil, nil)
	q.AddTrack(1, NewPassthrough(8))
	start(t, q)

	// I P B B: decode order differs from presentation order.
	pts := []time.Duration{0, 99 * time.Millisecond, 33 * time.Millisecond, 66 * time.Millisecond}
	for i, p := range pts {
		if err := q.Submit(context.Background(), request(i+1, p)); err != nil {
			t.Fatal(err)
		}
	}
	var got []time.Duration
	for _, f := range popN(t, q, len(pts)) {
		got = append(got, f.PTS)
	}
	want := []time.Duration{0, 33 * time.Millisecond, 66 * time.Millisecond, 99 * time.Millisecond}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestQueueHoldsFramesBehindEarlierRequests(t *testing.T) {
	t.Parallel()

	dec := newScripted()
	q := New(DefaultConfig(), nil, nil)
	q.AddTrack(1, dec)
	start(t, q)

	for i, p := range []time.Duration{0, 100 * time.Millisecond, 33 * time.Millisecond} {
		if err := q.Submit(context.Background(), request(i+1, p)); err != nil {
			t.Fatal(err)
		}
	}

	dec.complete(1)
	eventually(t, "the 100ms frame", func() bool { return stats(t, q).Buffered == 1 })
	if f, ok := q.Peek(1); ok {
		t.Fatalf("got %s, want nothing while earlier requests are outstanding", f.PTS)
	}

	dec.complete(0)
	eventually(t, "the 0ms frame", func() bool { return stats(t, q).Buffered == 2 })
	if f, ok := q.Pop(1); !ok || f.PTS != 0 {
		t.Fatalf("got %v, %v, want the 0ms frame", f, ok)
	}
	if _, ok := q.Peek(1); ok {
		t.Fatal("100ms frame released ahead of the 33ms request")
	}

	dec.complete(2)
	var got []time.Duration
	for _, f := range popN(t, q, 2) {
		got = append(got, f.PTS)
	}
	if diff := cmp.Diff([]time.Duration{33 * time.Millisecond, 100 * time.Millisecond}, got); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestQueueHoldsFramesAtCap(t *testing.T) {
	t.Parallel()

	dec := newScripted()
	q := New(Config{Cap: 2}, nil, nil)
	q.AddTrack(1, dec)
	start(t, q)

	for i, p := range []time.Duration{0, 100 * time.Millisecond} {
		if err := q.Submit(context.Background(), request(i+1, p)); err != nil {
			t.Fatal(err)
		}
	}

	// The lane is full, but the 0ms request is still owed a result.
	dec.complete(1)
	eventually(t, "the 100ms frame", func() bool { return stats(t, q).Buffered == 1 })
	if f, ok := q.Pop(1); ok {
		t.Fatalf("popped %s while the 0ms request is outstanding", f.PTS)
	}

	dec.complete(0)
	var got []time.Duration
	for _, f := range popN(t, q, 2) {
		got = append(got, f.PTS)
	}
	if diff := cmp.Diff([]time.Duration{0, 100 * time.Millisecond}, got); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestQueueResetDropsStaleResults(t *testing.T) {
	t.Parallel()

	dec := newScripted()
	q := New(Config{Cap: 3}, nil, nil)
	q.AddTrack(1, dec)
	start(t, q)

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if err := q.Submit(ctx, request(i, time.Duration(i)*time.Millisecond)); err != nil {
			t.Fatal(err)
		}
	}
	dec.complete(0)
	eventually(t, "the first frame", func() bool { return stats(t, q).Buffered == 1 })

	dropped, err := q.Reset(1)
	if err != nil {
		t.Fatal(err)
	}
	if dropped != 3 {
		t.Fatalf("got %d dropped, want 3", dropped)
	}
	dec.mu.Lock()
	resets := dec.resets
	dec.mu.Unlock()
	if resets != 1 {
		t.Fatalf("got %d decoder resets, want 1", resets)
	}

	dec.complete(1)
	dec.complete(2)
	eventually(t, "stale results", func() bool { return stats(t, q).Stale == 2 })
	if _, ok := q.Peek(1); ok {
		t.Fatal("frame from before the reset is presentable")
	}

	// Every unit is free again.
	for i := 10; i < 13; i++ {
		req := request(i, time.Duration(i)*time.Millisecond)
		short, cancel := context.WithTimeout(ctx, time.Second)
		err := q.Submit(short, req)
		cancel()
		if err != nil {
			t.Fatal(err)
		}
		if req.Generation != 1 {
			t.Fatalf("got generation %d, want 1", req.Generation)
		}
	}
	dec.complete(3)
	if f := popN(t, q, 1)[0]; f.PTS != 10*time.Millisecond {
		t.Fatalf("got %s, want the first request after the reset", f.PTS)
	}
}

func TestQueueEscalatesConsecutiveFaults(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	q := New(Config{Cap: 8, FaultThreshold: 3}, rec, nil)
	q.AddTrack(1, &faulty{Passthrough: NewPassthrough(8), fail: map[int]bool{1: true, 2: true, 4: true, 5: true, 6: true}})
	done := start(t, q)

	// Request 3 succeeds and breaks the first run of faults.
	for i := 1; i <= 6; i++ {
		if err := q.Submit(context.Background(), request(i, time.Duration(i)*time.Millisecond)); err != nil {
			t.Fatal(err)
		}
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrDecoderUnhealthy) {
			t.Fatalf("got %v, want ErrDecoderUnhealthy", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not fail")
	}
	if n := rec.count(media.EventDecodeFault); n != 5 {
		t.Fatalf("got %d fault events, want 5", n)
	}
	if n := rec.count(media.EventError); n != 1 {
		t.Fatalf("got %d error events, want 1", n)
	}
}

func TestQueueSubmitReturnsUnhealthy(t *testing.T) {
	t.Parallel()

	q := New(Config{Cap: 8, FaultThreshold: 2}, nil, nil)
	q.AddTrack(1, &faulty{Passthrough: NewPassthrough(8), fail: map[int]bool{1: true, 2: true}, inline: true})

	ctx := context.Background()
	if err := q.Submit(ctx, request(1, 0)); err != nil {
		t.Fatalf("got %v, want a single fault to be absorbed", err)
	}
	if err := q.Submit(ctx, request(2, time.Millisecond)); !errors.Is(err, ErrDecoderUnhealthy) {
		t.Fatalf("got %v, want ErrDecoderUnhealthy", err)
	}
}

func TestQueueDrained(t *testing.T) {
	t.Parallel()

	q := New(DefaultConfig(), nil, nil)
	q.AddTrack(1, NewPassthrough(8))
	start(t, q)

	for i := 1; i <= 2; i++ {
		if err := q.Submit(context.Background(), request(i, time.Duration(i)*time.Millisecond)); err != nil {
			t.Fatal(err)
		}
	}
	q.EndOfStream(1)
	if q.Drained(1) {
		t.Fatal("drained with frames pending")
	}
	popN(t, q, 2)
	if !q.Drained(1) {
		t.Fatal("not drained after the last frame")
	}
	if _, err := q.Reset(1); err != nil {
		t.Fatal(err)
	}
	if q.Drained(1) {
		t.Fatal("reset must clear end of stream")
	}
}

func TestQueueUnknownTrack(t *testing.T) {
	t.Parallel()

	q := New(DefaultConfig(), nil, nil)
	if err := q.Submit(context.Background(), request(1, 0)); !errors.Is(err, ErrUnknownTrack) {
		t.Fatalf("got %v, want ErrUnknownTrack", err)
	}
	if _, err := q.Reset(7); !errors.Is(err, ErrUnknownTrack) {
		t.Fatalf("got %v, want ErrUnknownTrack", err)
	}
}

func TestPassthroughClosed(t *testing.T) {
	t.Parallel()

	p := NewPassthrough(1)
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if err := p.Decode(request(1, 0)); !errors.Is(err, ErrDecoderClosed) {
		t.Fatalf("got %v, want ErrDecoderClosed", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
