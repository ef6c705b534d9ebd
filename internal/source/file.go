package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// File reads a local file.
type File struct {
	log       *slog.Logger
	path      string
	f         *os.File
	size      int64
	chunkSize int
}

// OpenFile opens the file at path.
func OpenFile(path string, opts ...Option) (*File, error) {
	o := buildOptions(opts)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("source: %w", err)
	}
	return &File{
		log:       o.log.With("component", "source", "path", path),
		path:      path,
		f:         f,
		size:      st.Size(),
		chunkSize: o.chunkSize,
	}, nil
}

// Size returns the file size.
func (s *File) Size() int64 { return s.size }

// Seekable implements Source.
func (s *File) Seekable() bool { return true }

func (s *File) String() string { return s.path }

// Stream implements Source.
func (s *File) Stream(ctx context.Context, from int64, dst Sink) error {
	s.log.Debug("streaming", "from", from, "size", s.size)
	for off := from; off < s.size; {
		if err := ctx.Err(); err != nil {
			return err
		}
		buf := make([]byte, min(int64(s.chunkSize), s.size-off))
		n, err := s.f.ReadAt(buf, off)
		if n > 0 {
			if err := deliver(dst, off, buf[:n]); err != nil {
				return err
			}
			off += int64(n)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s at %d: %w", s.path, off, err)
		}
	}
	return nil
}

// Close closes the file.
func (s *File) Close() error { return s.f.Close() }
