package demux

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/zsiec/hplayer/internal/ingest"
	"github.com/zsiec/hplayer/internal/mp4test"
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

func (r *recorder) kinds() []media.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []media.EventKind
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func (r *recorder) count(k media.EventKind) int {
	n := 0
	for _, got := range r.kinds() {
		if got == k {
			n++
		}
	}
	return n
}

// demuxPieces appends every piece, finishes the arena and parses to the end.
func demuxPieces(t *testing.T, pieces []mp4test.Piece, opts ...Option) (*Demuxer, *ingest.Arena, error) {
	t.Helper()
	arena := ingest.New(nil)
	for _, p := range pieces {
		if _, err := arena.Append(p.Offset, p.Data); err != nil {
			t.Fatal(err)
		}
	}
	arena.Finish()
	d := New(arena, nil, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d, arena, d.Run(ctx)
}

func demuxFile(t *testing.T, data []byte, opts ...Option) (*Demuxer, *ingest.Arena, error) {
	t.Helper()
	return demuxPieces(t, mp4test.Split(data), opts...)
}

func TestDemuxProgressiveThreeSamples(t *testing.T) {
	t.Parallel()

	samples := mp4test.Frames(1, 3, 33, 1)
	samples[1].Duration = 34
	data := mp4test.Progressive(mp4test.Options{}, mp4test.VideoTrack(1, 1000, samples))

	rec := &recorder{}
	d, _, err := demuxFile(t, data, WithReporter(rec))
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-d.Ready():
	default:
		t.Fatal("ready not fired")
	}
	if !d.Complete() {
		t.Fatal("expected parsing complete")
	}

	info, ok := d.Info()
	if !ok {
		t.Fatal("expected moov")
	}
	if len(info.Tracks) != 1 {
		t.Fatalf("got %d tracks, want 1", len(info.Tracks))
	}
	tr := info.Tracks[0]
	if tr.Kind != media.KindVideo || tr.NumSamples != 3 || tr.Timescale != 1000 {
		t.Fatalf("got %+v", tr)
	}
	if tr.Codec != "avc1.42C01F" {
		t.Fatalf("got codec %q, want avc1.42C01F", tr.Codec)
	}
	if tr.Width != 640 || tr.Height != 360 {
		t.Fatalf("got %dx%d, want 640x360", tr.Width, tr.Height)
	}
	if !info.IsProgressive || info.IsFragmented {
		t.Fatalf("got progressive=%v fragmented=%v", info.IsProgressive, info.IsFragmented)
	}

	got := d.Samples(1)
	var dts []int64
	for _, s := range got {
		dts = append(dts, s.DTS)
	}
	if diff := cmp.Diff([]int64{0, 33, 67}, dts); diff != "" {
		t.Fatalf("dts mismatch (-want +got):\n%s", diff)
	}
	for i, s := range got {
		if s.Number != i+1 {
			t.Fatalf("sample %d: got number %d", i, s.Number)
		}
		if !bytes.Equal(data[s.Offset:s.End()], samples[i].Data) {
			t.Fatalf("sample %d: offset %d does not address its payload", i, s.Offset)
		}
	}

	if n := rec.count(media.EventReady); n != 1 {
		t.Fatalf("got %d ready events, want 1", n)
	}
	if n := rec.count(media.EventFragment); n != 0 {
		t.Fatalf("got %d fragment events, want 0", n)
	}
}

func TestDemuxFragmented(t *testing.T) {
	t.Parallel()

	video := mp4test.VideoTrack(1, 1000, nil)
	audio := mp4test.AudioTrack(2, 48000, nil)
	var data []byte
	data = append(data, mp4test.Init(video, audio)...)
	data = append(data, mp4test.Fragment(1,
		mp4test.Run{TrackID: 1, BaseTime: 0, Samples: mp4test.Frames(1, 4, 33, 4)},
		mp4test.Run{TrackID: 2, BaseTime: 0, Samples: mp4test.Frames(2, 3, 1024, 1)},
	)...)
	data = append(data, mp4test.Fragment(2,
		mp4test.Run{TrackID: 1, BaseTime: 132, Samples: mp4test.Frames(1, 4, 33, 4)},
	)...)

	rec := &recorder{}
	d, _, err := demuxFile(t, data, WithReporter(rec))
	if err != nil {
		t.Fatal(err)
	}
	info, _ := d.Info()
	if !info.IsFragmented {
		t.Fatal("expected fragmented")
	}
	if diff := cmp.Diff([]media.EventKind{media.EventReady, media.EventFragment, media.EventFragment}, rec.kinds()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}

	v := d.Samples(1)
	if len(v) != 8 {
		t.Fatalf("got %d video samples, want 8", len(v))
	}
	for i, s := range v {
		if s.Number != i+1 {
			t.Fatalf("sample %d: got number %d", i, s.Number)
		}
		if want := int64(i * 33); s.DTS != want {
			t.Fatalf("sample %d: got dts %d, want %d", i, s.DTS, want)
		}
		if s.Sync != (i%4 == 0) {
			t.Fatalf("sample %d: got sync %v", i, s.Sync)
		}
		if want := mp4test.Payload(1, i%4); !bytes.Equal(data[s.Offset:s.End()], want) {
			t.Fatalf("sample %d: payload mismatch", i)
		}
	}
	a := d.Samples(2)
	if len(a) != 3 {
		t.Fatalf("got %d audio samples, want 3", len(a))
	}
	for i, s := range a {
		if want := mp4test.Payload(2, i); !bytes.Equal(data[s.Offset:s.End()], want) {
			t.Fatalf("audio sample %d: payload mismatch", i)
		}
	}
	tr, _ := info.Track(2)
	if tr.Codec != "mp4a.40.2" || tr.SampleRate != 48000 || tr.Channels != 2 {
		t.Fatalf("got audio %+v", tr)
	}
}

func TestDemuxReadyWaitsForFirstFragment(t *testing.T) {
	t.Parallel()

	video := mp4test.VideoTrack(1, 1000, nil)
	init := mp4test.Init(video)
	frag := mp4test.Fragment(1, mp4test.Run{TrackID: 1, Samples: mp4test.Frames(1, 2, 33, 1)})

	arena := ingest.New(nil)
	d := New(arena, nil)
	errc := make(chan error, 1)
	go func() { errc <- d.Run(context.Background()) }()

	changed := d.Changed()
	arena.Append(0, init)
	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for moov")
	}
	select {
	case <-d.Ready():
		t.Fatal("ready fired before any fragment")
	default:
	}

	arena.Append(int64(len(init)), frag)
	select {
	case <-d.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ready")
	}
	arena.Finish()
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
}

func TestDemuxSplitDeliveryMatchesContiguous(t *testing.T) {
	t.Parallel()

	files := map[string][]byte{
		"progressive": sampleFile(),
		"moov last": mp4test.Progressive(mp4test.Options{MoovLast: true, SamplesPerChunk: 3, Co64: true},
			mp4test.VideoTrack(1, 1000, mp4test.Frames(1, 10, 33, 5)),
			mp4test.AudioTrack(2, 48000, mp4test.Frames(2, 12, 1024, 1)),
		),
		"fragmented": append(mp4test.Init(mp4test.VideoTrack(1, 1000, nil)),
			mp4test.Fragment(1, mp4test.Run{TrackID: 1, Samples: mp4test.Frames(1, 5, 33, 5)})...),
	}
	for name, data := range files {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			whole, _, err := demuxFile(t, data)
			if err != nil {
				t.Fatal(err)
			}

			// Deliver 7-byte pieces out of order while the demuxer runs.
			var cuts []int
			for c := 7; c < len(data); c += 7 {
				cuts = append(cuts, c)
			}
			pieces := mp4test.Split(data, cuts...)
			arena := ingest.New(nil)
			split := New(arena, nil)
			errc := make(chan error, 1)
			go func() { errc <- split.Run(context.Background()) }()
			for i := 1; i < len(pieces); i += 2 {
				arena.Append(pieces[i].Offset, pieces[i].Data)
			}
			for i := 0; i < len(pieces); i += 2 {
				arena.Append(pieces[i].Offset, pieces[i].Data)
			}
			arena.Finish()
			if err := <-errc; err != nil {
				t.Fatal(err)
			}

			wantInfo, _ := whole.Info()
			gotInfo, _ := split.Info()
			if diff := cmp.Diff(wantInfo, gotInfo); diff != "" {
				t.Fatalf("info mismatch (-want +got):\n%s", diff)
			}
			for _, tr := range wantInfo.Tracks {
				if diff := cmp.Diff(whole.Samples(tr.ID), split.Samples(tr.ID)); diff != "" {
					t.Fatalf("track %d samples mismatch (-want +got):\n%s", tr.ID, diff)
				}
			}
		})
	}
}

func TestDemuxMoovLastKeepsMediaBytes(t *testing.T) {
	t.Parallel()

	samples := mp4test.Frames(1, 6, 33, 3)
	data := mp4test.Progressive(mp4test.Options{MoovLast: true},
		mp4test.VideoTrack(1, 1000, samples))
	var cuts []int
	for c := 16; c < len(data); c += 16 {
		cuts = append(cuts, c)
	}
	d, arena, err := demuxPieces(t, mp4test.Split(data, cuts...))
	if err != nil {
		t.Fatal(err)
	}
	info, _ := d.Info()
	if info.IsProgressive {
		t.Fatal("moov after mdat reported as progressive")
	}
	for i, s := range d.Samples(1) {
		got, err := arena.Read(s.Offset, int(s.Size))
		if err != nil {
			t.Fatalf("sample %d: %v", i, err)
		}
		if !bytes.Equal(got, samples[i].Data) {
			t.Fatalf("sample %d: payload mismatch", i)
		}
	}
}

func TestDemuxReclaimsParsedBytes(t *testing.T) {
	t.Parallel()

	data := sampleFile()
	var cuts []int
	for c := 16; c < len(data); c += 16 {
		cuts = append(cuts, c)
	}
	d, arena, err := demuxPieces(t, mp4test.Split(data, cuts...))
	if err != nil {
		t.Fatal(err)
	}

	first := d.Samples(1)[0].Offset
	for _, s := range d.Samples(2) {
		first = min(first, s.Offset)
	}
	st := arena.Stats()
	if st.BytesReclaimed == 0 {
		t.Fatal("expected the moov bytes to be reclaimed")
	}
	if st.BytesReclaimed > first {
		t.Fatalf("reclaimed %d bytes, but the first sample starts at %d", st.BytesReclaimed, first)
	}

	// Deselecting every track drops the pins on the mdat.
	d.Select()
	if got := arena.Stats(); got.Pins != 0 || got.BytesResident != 0 {
		t.Fatalf("got %d pins and %d resident bytes after deselect, want 0 and 0", got.Pins, got.BytesResident)
	}
}

func TestDemuxDecodeTimesAreMonotonic(t *testing.T) {
	t.Parallel()

	video := mp4test.VideoTrack(1, 1000, nil)
	var data []byte
	data = append(data, mp4test.Init(video)...)
	data = append(data, mp4test.Fragment(1, mp4test.Run{TrackID: 1, BaseTime: 0, Samples: mp4test.Frames(1, 4, 33, 4)})...)
	// The second fragment's tfdt steps back into the first.
	data = append(data, mp4test.Fragment(2, mp4test.Run{TrackID: 1, BaseTime: 50, Samples: mp4test.Frames(1, 4, 33, 4)})...)

	rec := &recorder{}
	d, _, err := demuxFile(t, data, WithReporter(rec))
	if err != nil {
		t.Fatal(err)
	}
	samples := d.Samples(1)
	for i := 1; i < len(samples); i++ {
		if samples[i].DTS < samples[i-1].DTS {
			t.Fatalf("sample %d: dts %d before %d", i, samples[i].DTS, samples[i-1].DTS)
		}
	}
	if rec.count(media.EventWarning) == 0 {
		t.Fatal("expected a warning for the backwards tfdt")
	}
}

func TestDemuxFragmentBeforeMoov(t *testing.T) {
	t.Parallel()

	video := mp4test.VideoTrack(1, 1000, nil)
	samples := mp4test.Frames(1, 3, 33, 1)
	frag := mp4test.Fragment(1, mp4test.Run{TrackID: 1, Samples: samples})
	// The fragment comes first; its offsets are relative to the moof.
	data := append(append([]byte{}, frag...), mp4test.Init(video)...)

	rec := &recorder{}
	d, _, err := demuxFile(t, data, WithReporter(rec))
	if err != nil {
		t.Fatal(err)
	}
	got := d.Samples(1)
	if len(got) != 3 {
		t.Fatalf("got %d samples, want 3", len(got))
	}
	for i, s := range got {
		if want := int64(i * 33); s.DTS != want {
			t.Fatalf("sample %d: got dts %d, want %d", i, s.DTS, want)
		}
		if !bytes.Equal(data[s.Offset:s.End()], samples[i].Data) {
			t.Fatalf("sample %d: payload mismatch", i)
		}
	}
	if diff := cmp.Diff([]media.EventKind{media.EventReady, media.EventFragment}, rec.kinds()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestDemuxNoPlayableTracks(t *testing.T) {
	t.Parallel()

	data := mp4test.Progressive(mp4test.Options{},
		mp4test.CaptionTrack(1, 1000, mp4test.Frames(1, 3, 33, 1)))
	rec := &recorder{}
	_, _, err := demuxFile(t, data, WithReporter(rec))
	if !errors.Is(err, ErrNoPlayableTracks) {
		t.Fatalf("got %v, want ErrNoPlayableTracks", err)
	}
	if rec.count(media.EventError) != 1 {
		t.Fatalf("got events %v, want one error", rec.kinds())
	}
}

func TestDemuxEmptyFragmentedFileBecomesReady(t *testing.T) {
	t.Parallel()

	d, _, err := demuxFile(t, mp4test.Init(mp4test.VideoTrack(1, 1000, nil)))
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-d.Ready():
	default:
		t.Fatal("ready not fired at end of input")
	}
	if len(d.Samples(1)) != 0 {
		t.Fatalf("got %d samples, want 0", len(d.Samples(1)))
	}
}

func TestDemuxCloseStopsRun(t *testing.T) {
	t.Parallel()

	d := New(ingest.New(nil), nil)
	errc := make(chan error, 1)
	go func() { errc <- d.Run(context.Background()) }()
	d.Close()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("got %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}
