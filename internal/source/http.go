package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// HTTP fetches a URL with range requests, so playback can resume from any
// offset after a seek.
type HTTP struct {
	log       *slog.Logger
	url       string
	client    *http.Client
	h3        *http3.Transport
	chunkSize int
}

// NewHTTP creates a source for url. No request is made until Stream.
func NewHTTP(url string, opts ...Option) (*HTTP, error) {
	o := buildOptions(opts)
	s := &HTTP{
		log:       o.log.With("component", "source", "url", url),
		url:       url,
		client:    o.client,
		chunkSize: o.chunkSize,
	}
	if o.http3 {
		s.h3 = &http3.Transport{
			TLSClientConfig: o.tlsConfig,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: 30 * time.Second,
			},
		}
		s.client = &http.Client{Transport: s.h3}
	}
	if s.client == nil {
		s.client = http.DefaultClient
	}
	return s, nil
}

// Seekable implements Source.
func (s *HTTP) Seekable() bool { return true }

func (s *HTTP) String() string { return s.url }

// Stream implements Source. A server that ignores the range header is
// read from the start and the bytes before from are discarded.
func (s *HTTP) Stream(ctx context.Context, from int64, dst Sink) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if from > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(from, 10)+"-")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		if from > 0 {
			s.log.Warn("range ignored by server, skipping", "from", from)
			if _, err := io.CopyN(io.Discard, resp.Body, from); err != nil {
				return fmt.Errorf("skip to %d: %w", from, err)
			}
		}
	case http.StatusRequestedRangeNotSatisfiable:
		// Nothing left past from.
		return nil
	default:
		return fmt.Errorf("GET %s: unexpected status %s", s.url, resp.Status)
	}
	s.log.Debug("streaming", "from", from, "status", resp.StatusCode, "length", resp.ContentLength, "proto", resp.Proto)

	off := from
	for {
		buf := make([]byte, s.chunkSize)
		n, err := io.ReadFull(resp.Body, buf)
		if n > 0 {
			if err := deliver(dst, off, buf[:n]); err != nil {
				return err
			}
			off += int64(n)
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return fmt.Errorf("read %s at %d: %w", s.url, off, err)
		}
	}
}

// Close releases the HTTP/3 transport, if any.
func (s *HTTP) Close() error {
	if s.h3 != nil {
		return s.h3.Close()
	}
	return nil
}
