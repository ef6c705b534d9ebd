package stats

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/zsiec/hplayer/media"
)

type manualTime struct {
	mu sync.Mutex
	t  time.Time
}

func (m *manualTime) now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

func (m *manualTime) advance(d time.Duration) {
	m.mu.Lock()
	m.t = m.t.Add(d)
	m.mu.Unlock()
}

func newRecorder() (*Recorder, *manualTime) {
	mt := &manualTime{t: time.Unix(1000, 0)}
	r := NewRecorder(WithNow(mt.now))
	r.AddTrack(media.TrackInfo{ID: 1, Kind: media.KindVideo, Codec: "avc1.64001f"})
	r.AddTrack(media.TrackInfo{ID: 2, Kind: media.KindAudio, Codec: "mp4a.40.2"})
	return r, mt
}

func sample(track uint32, key bool, dts time.Duration, size int) *media.DecodeRequest {
	typ := media.ChunkDelta
	if key {
		typ = media.ChunkKey
	}
	return &media.DecodeRequest{TrackID: track, Type: typ, DTS: dts, PTS: dts, Data: make([]byte, size)}
}

func TestRecordSample(t *testing.T) {
	t.Parallel()

	r, _ := newRecorder()
	r.RecordSample(sample(1, true, 0, 1000))
	r.RecordSample(sample(1, false, 40*time.Millisecond, 500))
	r.RecordSample(sample(1, false, 80*time.Millisecond, 500))

	got := r.Tracks()[0]
	if got.Samples != 3 || got.KeySamples != 1 || got.Bytes != 2000 {
		t.Fatalf("got %+v", got)
	}
	if got.CurrentGOPLen != 3 {
		t.Fatalf("got GOP length %d, want 3", got.CurrentGOPLen)
	}

	r.RecordSample(sample(1, true, 120*time.Millisecond, 1000))
	if got := r.Tracks()[0].CurrentGOPLen; got != 1 {
		t.Fatalf("got GOP length %d after keyframe, want 1", got)
	}
}

func TestDTSErrorsIgnoreSeeks(t *testing.T) {
	t.Parallel()

	r, _ := newRecorder()
	r.RecordSample(sample(1, true, time.Second, 10))
	r.RecordSample(sample(1, false, 500*time.Millisecond, 10))
	if got := r.Tracks()[0].DTSErrors; got != 1 {
		t.Fatalf("got %d dts errors, want 1", got)
	}

	r.Seeked()
	r.RecordSample(sample(1, true, 0, 10))
	if got := r.Tracks()[0].DTSErrors; got != 1 {
		t.Fatalf("got %d dts errors after seek, want 1", got)
	}
}

func TestFrameRateWindow(t *testing.T) {
	t.Parallel()

	r, mt := newRecorder()
	for i := range 26 {
		r.RecordPresented(&media.DecodedFrame{TrackID: 1, PTS: time.Duration(i) * 40 * time.Millisecond})
		mt.advance(40 * time.Millisecond)
	}
	if got := r.Tracks()[0].FrameRate; got < 24.99 || got > 25.01 {
		t.Fatalf("got %.2f fps, want 25", got)
	}
	if got := r.Tracks()[0].LastPTSMs; got != 1000 {
		t.Fatalf("got last pts %dms, want 1000", got)
	}

	// Frames older than the window stop counting.
	mt.advance(5 * time.Second)
	r.RecordPresented(&media.DecodedFrame{TrackID: 1})
	if got := r.Tracks()[0].FrameRate; got != 0 {
		t.Fatalf("got %.2f fps after gap, want 0", got)
	}
}

func TestBitrate(t *testing.T) {
	t.Parallel()

	r, mt := newRecorder()
	// 1000 bytes every 100ms over one second: 11000 bytes in 1s.
	for i := range 11 {
		r.RecordSample(sample(2, true, time.Duration(i)*100*time.Millisecond, 1000))
		mt.advance(100 * time.Millisecond)
	}
	if got := r.Tracks()[1].BitrateKbps; got < 87.99 || got > 88.01 {
		t.Fatalf("got %.2f kbps, want 88", got)
	}
}

func TestUnknownTrackIgnored(t *testing.T) {
	t.Parallel()

	r, _ := newRecorder()
	r.RecordSample(sample(9, true, 0, 10))
	r.RecordPresented(&media.DecodedFrame{TrackID: 9})
	if got := len(r.Tracks()); got != 2 {
		t.Fatalf("got %d tracks, want 2", got)
	}
}

func TestCaptions(t *testing.T) {
	t.Parallel()

	r, _ := newRecorder()
	r.RecordCaption(3)
	r.RecordCaption(1)
	r.RecordCaption(3)
	want := CaptionStats{ActiveChannels: []int{1, 3}, TotalFrames: 3}
	if diff := cmp.Diff(want, r.Captions()); diff != "" {
		t.Fatalf("captions mismatch (-want +got):\n%s", diff)
	}
}

func TestSnapshotJSON(t *testing.T) {
	t.Parallel()

	r, mt := newRecorder()
	mt.advance(1500 * time.Millisecond)
	snap := Snapshot{Session: "s1", UptimeMs: r.Uptime().Milliseconds(), Tracks: r.Tracks(), Captions: r.Captions()}
	if tr := snap.Track(2); tr == nil || tr.Kind != "audio" {
		t.Fatalf("got %+v", tr)
	}
	if snap.Track(7) != nil {
		t.Fatal("expected no entry for track 7")
	}

	b, err := json.Marshal(snap)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if m["uptimeMs"] != float64(1500) || m["session"] != "s1" {
		t.Fatalf("got %s", b)
	}
	tracks := m["tracks"].([]any)
	if len(tracks) != 2 || tracks[0].(map[string]any)["codec"] != "avc1.64001f" {
		t.Fatalf("got %s", b)
	}
}

func TestConcurrentRecording(t *testing.T) {
	t.Parallel()

	r := NewRecorder()
	r.AddTrack(media.TrackInfo{ID: 1, Kind: media.KindVideo})
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				r.RecordSample(sample(1, i%10 == 0, time.Duration(i), 10))
				r.RecordPresented(&media.DecodedFrame{TrackID: 1})
				r.Tracks()
			}
		}()
	}
	wg.Wait()
	if got := r.Tracks()[0].Samples; got != 400 {
		t.Fatalf("got %d samples, want 400", got)
	}
}
