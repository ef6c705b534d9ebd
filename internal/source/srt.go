package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// srtReadBufferSize holds ten 1316-byte SRT payloads.
const srtReadBufferSize = 1316 * 10

// srtLatencyNs is the receive latency in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

const srtDialTimeout = 10 * time.Second

// SRT receives a live stream of fragmented MP4 over SRT, either by
// dialing a remote listener (caller mode, the default) or by waiting for
// one publisher (srt://:port?mode=listener).
type SRT struct {
	log         *slog.Logger
	addr        string
	streamID    string
	listen      bool
	dialTimeout time.Duration
}

// NewSRT parses an srt:// URL. The stream id comes from the streamid query
// parameter, or from WithStreamID.
func NewSRT(uri string, opts ...Option) (*SRT, error) {
	o := buildOptions(opts)
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	if u.Scheme != "srt" {
		return nil, fmt.Errorf("source: %q is not an srt URL", uri)
	}
	q := u.Query()
	s := &SRT{
		addr:        u.Host,
		streamID:    q.Get("streamid"),
		dialTimeout: o.dialTimeout,
	}
	if o.streamID != "" {
		s.streamID = o.streamID
	}
	switch mode := q.Get("mode"); mode {
	case "", "caller":
	case "listener":
		s.listen = true
	default:
		return nil, fmt.Errorf("source: unknown srt mode %q", mode)
	}
	if !s.listen && s.addr == "" {
		return nil, fmt.Errorf("source: %q has no host", uri)
	}
	s.log = o.log.With("component", "source", "srt", s.addr, "stream_id", s.streamID)
	return s, nil
}

// Seekable implements Source. Live feeds are not.
func (s *SRT) Seekable() bool { return false }

func (s *SRT) String() string { return "srt://" + s.addr }

// Close implements Source. Connections are closed when Stream returns.
func (s *SRT) Close() error { return nil }

// Stream implements Source. The stream ends when the peer closes the
// connection.
func (s *SRT) Stream(ctx context.Context, from int64, dst Sink) error {
	if from != 0 {
		return fmt.Errorf("srt from %d: %w", from, ErrNotSeekable)
	}
	var (
		conn *srtgo.Conn
		err  error
	)
	if s.listen {
		conn, err = s.accept(ctx)
	} else {
		conn, err = s.dial(ctx)
	}
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()
	s.log.Info("connected")

	var off int64
	buf := make([]byte, srtReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if err := deliver(dst, off, append([]byte(nil), buf[:n]...)); err != nil {
				return err
			}
			off += int64(n)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(err, io.EOF) {
				s.log.Debug("read error", "error", err)
			}
			s.log.Info("stream ended", "bytes", off)
			return nil
		}
	}
}

func (s *SRT) dial(ctx context.Context) (*srtgo.Conn, error) {
	s.log.Info("dialing")
	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = s.streamID

	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(s.addr, cfg)
		ch <- dialResult{conn, err}
	}()
	// Drain a late dial result and close the connection nobody took.
	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	timer := time.NewTimer(s.dialTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("srt dial %s: %w", s.addr, res.err)
		}
		return res.conn, nil
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("srt dial %s timed out after %s", s.addr, s.dialTimeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

// accept waits for one publisher whose stream key matches ours. Any
// publisher is accepted when no stream id was configured.
func (s *SRT) accept(ctx context.Context) (*srtgo.Conn, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("srt listen on %s: %w", s.addr, err)
	}
	defer l.Close()
	want := streamKey(s.streamID)
	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if s.streamID != "" && streamKey(req.StreamID) != want {
			return srtgo.RejPeer
		}
		return 0
	})
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	s.log.Info("listening")
	conn, err := l.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("srt accept on %s: %w", s.addr, err)
	}
	return conn, nil
}

// streamKey normalizes an SRT stream id: "/live/abc", "live/abc" and
// "abc" name the same stream.
func streamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
