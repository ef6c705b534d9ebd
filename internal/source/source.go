// Package source delivers a media file's bytes, tagged with their file
// offsets, from local files, HTTP servers and live SRT feeds.
package source

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotSeekable is returned by Stream when a live source is asked to
// start anywhere but at the beginning.
var ErrNotSeekable = errors.New("source: not seekable")

// DefaultChunkSize is the size of the ranges a source delivers.
const DefaultChunkSize = 256 << 10

// Sink receives byte ranges. The ingest arena implements it.
type Sink interface {
	Append(off int64, data []byte) (int, error)
}

// Source delivers bytes into a Sink. Stream sends every byte from offset
// from to the end of the input and returns nil; it returns early with
// ctx.Err() when ctx ends. Each delivered slice is owned by the sink.
type Source interface {
	Stream(ctx context.Context, from int64, dst Sink) error
	// Seekable reports whether Stream accepts a non-zero start offset.
	Seekable() bool
	Close() error
	String() string
}

type options struct {
	log         *slog.Logger
	chunkSize   int
	client      *http.Client
	http3       bool
	tlsConfig   *tls.Config
	streamID    string
	dialTimeout time.Duration
}

// Option configures a Source.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithChunkSize sets the largest range delivered at once.
func WithChunkSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithHTTPClient sets the client used by HTTP sources.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithHTTP3 makes HTTP sources fetch over HTTP/3.
func WithHTTP3(tlsConfig *tls.Config) Option {
	return func(o *options) {
		o.http3 = true
		o.tlsConfig = tlsConfig
	}
}

// WithStreamID sets the SRT stream id, overriding the URL.
func WithStreamID(id string) Option {
	return func(o *options) { o.streamID = id }
}

// WithDialTimeout bounds how long an SRT caller waits to connect.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.dialTimeout = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		log:         slog.Default(),
		chunkSize:   DefaultChunkSize,
		dialTimeout: srtDialTimeout,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	return o
}

// Open returns the source for uri: srt:// URLs are live SRT feeds,
// http:// and https:// URLs are fetched with range requests, and anything
// else is a local path.
func Open(uri string, opts ...Option) (Source, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Not a URL, or a Windows drive letter.
		return OpenFile(uri, opts...)
	}
	switch strings.ToLower(u.Scheme) {
	case "file":
		return OpenFile(u.Path, opts...)
	case "http", "https":
		return NewHTTP(uri, opts...)
	case "srt":
		return NewSRT(uri, opts...)
	default:
		return nil, fmt.Errorf("source: unsupported scheme %q", u.Scheme)
	}
}

// deliver appends one range and reports whether the sink refused it.
func deliver(dst Sink, off int64, data []byte) error {
	if _, err := dst.Append(off, data); err != nil {
		return fmt.Errorf("deliver %d bytes at %d: %w", len(data), off, err)
	}
	return nil
}
