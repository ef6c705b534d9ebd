// Command hprobe prints the tracks of an MP4 file and the keyframe
// distribution of each. For live sources it prints what was parsed when
// interrupted.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/hplayer/internal/demux"
	"github.com/zsiec/hplayer/internal/ingest"
	"github.com/zsiec/hplayer/internal/source"
	"github.com/zsiec/hplayer/media"
)

// maxListed bounds the keyframes printed per track.
const maxListed = 20

func main() {
	level := slog.LevelWarn
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: hprobe <file | http(s):// | srt:// URL>")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := probe(ctx, os.Args[1], log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	info, ok := d.Info()
	if !ok {
		fmt.Fprintln(os.Stderr, "error: no movie header found")
		os.Exit(1)
	}
	if os.Getenv("HPROBE_JSON") != "" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(info); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}
	report(info, d)
}

// probe parses uri until the source ends or ctx is canceled.
func probe(ctx context.Context, uri string, log *slog.Logger) (*demux.Demuxer, error) {
	src, err := source.Open(uri, source.WithLogger(log))
	if err != nil {
		return nil, err
	}
	defer src.Close()

	arena := ingest.New(log)
	defer arena.Close()
	d := demux.New(arena, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := src.Stream(gctx, 0, arena); err != nil {
			return fmt.Errorf("fetch %s: %w", src, err)
		}
		arena.Finish()
		return nil
	})
	g.Go(func() error {
		// Only the tables are printed; no sample bytes need to be kept.
		select {
		case <-d.Ready():
			d.Select()
		case <-gctx.Done():
		}
		return nil
	})
	g.Go(func() error {
		err := d.Run(gctx)
		// Parsing is done; the fetch has nothing left to feed.
		arena.Finish()
		return err
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}
	return d, nil
}

func report(info media.MediaInfo, d *demux.Demuxer) {
	fmt.Printf("Brands: %v\n", info.Brands)
	fmt.Printf("Duration: %s\n", info.DurationTime())
	fmt.Printf("Fragmented: %t  Progressive: %t\n", info.IsFragmented, info.IsProgressive)
	fmt.Printf("MIME: %s\n\n", info.Mime())

	for _, t := range info.Tracks {
		samples := d.Samples(t.ID)
		fmt.Printf("Track %d: %s %s (%s)\n", t.ID, t.Kind, t.Codec, t.SampleEntry)
		if t.Width > 0 {
			fmt.Printf("  Size: %dx%d\n", t.Width, t.Height)
		}
		if t.SampleRate > 0 {
			fmt.Printf("  Audio: %d Hz, %d channels\n", t.SampleRate, t.Channels)
		}
		fmt.Printf("  Samples: %d\n", len(samples))
		fmt.Printf("  Duration: %s\n", t.DurationTime())
		fmt.Printf("  Timescale: %d\n", t.Timescale)
		if t.Bitrate > 0 {
			fmt.Printf("  Bitrate: %d kbps\n", t.Bitrate/1000)
		}

		fmt.Println("  Keyframes:")
		var (
			listed    int
			total     int
			prev      time.Duration
			intervals []time.Duration
		)
		for _, s := range samples {
			if !s.Sync {
				continue
			}
			pts := media.TicksToDuration(s.CTS, t.Timescale)
			if total > 0 {
				intervals = append(intervals, pts-prev)
			}
			if listed < maxListed {
				fmt.Printf("    [%5d] %s", s.Number, pts)
				if total > 0 {
					fmt.Printf(" (%s since last)", pts-prev)
				}
				fmt.Println()
				listed++
			}
			prev = pts
			total++
		}
		if total > listed {
			fmt.Printf("    ... (%d more keyframes)\n", total-listed)
		}
		fmt.Printf("  Total keyframes: %d\n", total)
		if len(intervals) > 0 {
			lo, hi, sum := intervals[0], intervals[0], time.Duration(0)
			for _, iv := range intervals {
				lo, hi, sum = min(lo, iv), max(hi, iv), sum+iv
			}
			fmt.Printf("  Keyframe interval: avg=%s min=%s max=%s\n", sum/time.Duration(len(intervals)), lo, hi)
		}
		fmt.Println()
	}
}
