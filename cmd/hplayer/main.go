package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/hplayer/internal/certs"
	"github.com/zsiec/hplayer/internal/control"
	"github.com/zsiec/hplayer/internal/source"
	"github.com/zsiec/hplayer/media"
	"github.com/zsiec/hplayer/player"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: hplayer <file | http(s):// | srt:// URL>")
		os.Exit(2)
	}
	uri := os.Args[1]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	cfg, err := configFromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(2)
	}
	apiAddr := envOr("HPLAYER_API_ADDR", "")

	p, err := player.New(cfg,
		player.WithLogger(slog.Default()),
		player.WithSink(player.SinkFunc(logFrame)),
		player.WithSourceOptions(sourceOptions()...),
	)
	if err != nil {
		slog.Error("failed to create player", "error", err)
		os.Exit(2)
	}

	slog.Info("hplayer starting", "version", version, "uri", uri, "api", apiAddr)

	g, ctx := errgroup.WithContext(ctx)
	if err := p.Load(ctx, uri); err != nil {
		slog.Error("failed to load", "uri", uri, "error", err)
		os.Exit(1)
	}

	g.Go(func() error {
		return watch(ctx, p, cfg.Loop)
	})
	g.Go(func() error {
		err := p.Wait()
		cancel()
		return err
	})

	if apiAddr != "" {
		cert, err := certs.Generate(certs.MaxValidity)
		if err != nil {
			slog.Error("failed to generate cert", "error", err)
			os.Exit(1)
		}
		srv := control.NewServer(control.Config{Addr: apiAddr, Cert: cert}, p, slog.Default())
		g.Go(func() error {
			return srv.Start(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("playback error", "error", err)
		os.Exit(1)
	}
}

// watch logs player events and stops the player when presentation ends.
func watch(ctx context.Context, p *player.Player, loop bool) error {
	events := p.Events()
	for {
		select {
		case <-ctx.Done():
			return p.Stop()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case media.EventReady:
				slog.Info("media ready", "tracks", len(ev.Info.Tracks), "duration", ev.Info.DurationTime(), "fragmented", ev.Info.IsFragmented)
			case media.EventEnded:
				slog.Info("presentation ended")
				if !loop {
					return p.Stop()
				}
			case media.EventError:
				slog.Error("player error", "error", ev.Err)
			case media.EventFrameSkipped, media.EventFragment:
				slog.Debug("player event", "event", ev.String())
			default:
				slog.Info("player event", "event", ev.String())
			}
		}
	}
}

func logFrame(f *media.DecodedFrame, target player.Target, deadline time.Time) {
	slog.Debug("frame", "track", target.TrackID, "kind", target.Kind, "pts", f.PTS, "late", time.Since(deadline))
}

func configFromEnv() (player.Config, error) {
	cfg := player.DefaultConfig()
	var err error
	if cfg.QueueCap, err = envInt("HPLAYER_QUEUE_CAP", cfg.QueueCap); err != nil {
		return cfg, err
	}
	if cfg.LookaheadSamples, err = envInt("HPLAYER_LOOKAHEAD", cfg.LookaheadSamples); err != nil {
		return cfg, err
	}
	if cfg.Tolerance, err = envDuration("HPLAYER_TOLERANCE", cfg.Tolerance); err != nil {
		return cfg, err
	}
	if cfg.FaultThreshold, err = envInt("HPLAYER_FAULT_THRESHOLD", cfg.FaultThreshold); err != nil {
		return cfg, err
	}
	if v := os.Getenv("HPLAYER_RATE"); v != "" {
		if cfg.Rate, err = strconv.ParseFloat(v, 64); err != nil {
			return cfg, fmt.Errorf("HPLAYER_RATE: %w", err)
		}
	}
	cfg.Autoplay = os.Getenv("HPLAYER_PAUSED") == ""
	cfg.Loop = os.Getenv("HPLAYER_LOOP") != ""
	return cfg, cfg.Validate()
}

func sourceOptions() []source.Option {
	var opts []source.Option
	if v := os.Getenv("HPLAYER_SRT_STREAMID"); v != "" {
		opts = append(opts, source.WithStreamID(v))
	}
	if os.Getenv("HPLAYER_HTTP3") != "" {
		opts = append(opts, source.WithHTTP3(&tls.Config{
			InsecureSkipVerify: os.Getenv("HPLAYER_INSECURE") != "",
		}))
	}
	return opts
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
