package source

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/zsiec/hplayer/internal/ingest"
)

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

type chunk struct {
	Off int64
	Len int
}

type recordingSink struct {
	mu     sync.Mutex
	chunks []chunk
	data   []byte
}

func (s *recordingSink) Append(off int64, data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk{off, len(data)})
	s.data = append(s.data, data...)
	return len(data), nil
}

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "movie.mp4")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFileChunks(t *testing.T) {
	t.Parallel()

	data := payload(1000)
	src, err := OpenFile(writeTemp(t, data), WithChunkSize(400))
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	if !src.Seekable() || src.Size() != 1000 {
		t.Fatalf("got seekable %v size %d", src.Seekable(), src.Size())
	}

	var sink recordingSink
	if err := src.Stream(context.Background(), 100, &sink); err != nil {
		t.Fatal(err)
	}
	want := []chunk{{100, 400}, {500, 400}, {900, 100}}
	if diff := cmp.Diff(want, sink.chunks); diff != "" {
		t.Fatalf("chunks mismatch (-want +got):\n%s", diff)
	}
	if !bytes.Equal(sink.data, data[100:]) {
		t.Fatal("delivered bytes differ from file")
	}
}

func TestFileIntoArena(t *testing.T) {
	t.Parallel()

	data := payload(5000)
	src, err := Open(writeTemp(t, data), WithChunkSize(1024))
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	a := ingest.New(nil)
	if err := src.Stream(context.Background(), 0, a); err != nil {
		t.Fatal(err)
	}
	got, err := a.Read(0, len(data))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("arena bytes differ from file")
	}
}

func TestFileCanceled(t *testing.T) {
	t.Parallel()

	src, err := OpenFile(writeTemp(t, payload(100)))
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := src.Stream(ctx, 0, &recordingSink{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestHTTPRange(t *testing.T) {
	t.Parallel()

	data := payload(3000)
	var ranges []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		mu.Unlock()
		http.ServeContent(w, r, "movie.mp4", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	src, err := Open(srv.URL+"/movie.mp4", WithHTTPClient(srv.Client()), WithChunkSize(1000))
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	tests := []struct {
		from int64
		want []chunk
	}{
		{0, []chunk{{0, 1000}, {1000, 1000}, {2000, 1000}}},
		{2500, []chunk{{2500, 500}}},
		{3000, nil},
	}
	for _, tt := range tests {
		var sink recordingSink
		if err := src.Stream(context.Background(), tt.from, &sink); err != nil {
			t.Fatalf("from %d: %v", tt.from, err)
		}
		if diff := cmp.Diff(tt.want, sink.chunks); diff != "" {
			t.Errorf("from %d: chunks mismatch (-want +got):\n%s", tt.from, diff)
		}
		if !bytes.Equal(sink.data, data[tt.from:]) {
			t.Errorf("from %d: delivered bytes differ", tt.from)
		}
	}
	if diff := cmp.Diff([]string{"", "bytes=2500-", "bytes=3000-"}, ranges); diff != "" {
		t.Fatalf("range headers mismatch (-want +got):\n%s", diff)
	}
}

func TestHTTPRangeIgnored(t *testing.T) {
	t.Parallel()

	data := payload(2000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer srv.Close()

	src, err := NewHTTP(srv.URL, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatal(err)
	}
	var sink recordingSink
	if err := src.Stream(context.Background(), 1200, &sink); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]chunk{{1200, 800}}, sink.chunks); diff != "" {
		t.Fatalf("chunks mismatch (-want +got):\n%s", diff)
	}
	if !bytes.Equal(sink.data, data[1200:]) {
		t.Fatal("delivered bytes differ")
	}
}

func TestHTTPStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	src, err := NewHTTP(srv.URL, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatal(err)
	}
	if err := src.Stream(context.Background(), 0, &recordingSink{}); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestOpenDispatch(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, payload(10))
	tests := []struct {
		uri      string
		want     string
		seekable bool
		wantErr  bool
	}{
		{uri: path, want: "*source.File", seekable: true},
		{uri: "file://" + path, want: "*source.File", seekable: true},
		{uri: "http://example.com/a.mp4", want: "*source.HTTP", seekable: true},
		{uri: "https://example.com/a.mp4", want: "*source.HTTP", seekable: true},
		{uri: "srt://example.com:6000?streamid=live/abc", want: "*source.SRT"},
		{uri: "srt://:6000?mode=listener", want: "*source.SRT"},
		{uri: "srt://example.com:6000?mode=rendezvous", wantErr: true},
		{uri: "srt://?mode=caller", wantErr: true},
		{uri: "rtmp://example.com/live", wantErr: true},
		{uri: filepath.Join(t.TempDir(), "missing.mp4"), wantErr: true},
	}
	for _, tt := range tests {
		src, err := Open(tt.uri)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tt.uri)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tt.uri, err)
			continue
		}
		if got := typeName(src); got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.uri, got, tt.want)
		}
		if src.Seekable() != tt.seekable {
			t.Errorf("%s: got seekable %v, want %v", tt.uri, src.Seekable(), tt.seekable)
		}
		src.Close()
	}
}

func typeName(s Source) string {
	switch s.(type) {
	case *File:
		return "*source.File"
	case *HTTP:
		return "*source.HTTP"
	case *SRT:
		return "*source.SRT"
	}
	return "unknown"
}

func TestSRTOptions(t *testing.T) {
	t.Parallel()

	s, err := NewSRT("srt://10.0.0.1:9000?streamid=live/cam1")
	if err != nil {
		t.Fatal(err)
	}
	if s.addr != "10.0.0.1:9000" || s.streamID != "live/cam1" || s.listen {
		t.Fatalf("got %+v", s)
	}

	s, err = NewSRT("srt://:9000?mode=listener&streamid=x", WithStreamID("cam2"), WithDialTimeout(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if s.streamID != "cam2" || !s.listen || s.dialTimeout != time.Second {
		t.Fatalf("got %+v", s)
	}
	if s.String() != "srt://:9000" {
		t.Fatalf("got %q", s.String())
	}
}

func TestSRTNotSeekable(t *testing.T) {
	t.Parallel()

	s, err := NewSRT("srt://127.0.0.1:9000")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Stream(context.Background(), 10, &recordingSink{}); !errors.Is(err, ErrNotSeekable) {
		t.Fatalf("got %v, want ErrNotSeekable", err)
	}
}

func TestStreamKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"live/mystream", "mystream"},
		{"/live/mystream", "mystream"},
		{"mystream", "mystream"},
		{"", "default"},
		{"live/", "default"},
		{"/", "default"},
		{"live/a/b", "a/b"},
	}
	for _, tt := range tests {
		if got := streamKey(tt.in); got != tt.want {
			t.Errorf("streamKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
