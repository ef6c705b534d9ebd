// Package control exposes a running player over a small JSON API, served
// over HTTPS and HTTP/3 with the same certificate.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/hplayer/internal/certs"
	"github.com/zsiec/hplayer/internal/schedule"
	"github.com/zsiec/hplayer/internal/stats"
	"github.com/zsiec/hplayer/media"
)

// Controller is the player surface the API drives.
type Controller interface {
	Play() error
	Pause() error
	Seek(target time.Duration) error
	SetRate(rate float64) error
	Position() (time.Duration, error)
	Info() (media.MediaInfo, bool)
	Stats() (stats.Snapshot, error)
}

// Config configures a Server.
type Config struct {
	// Addr is used for both the TCP and the UDP listener.
	Addr string
	Cert *certs.Cert
}

// Server serves the control API.
type Server struct {
	log *slog.Logger
	cfg Config
	ctl Controller
}

// NewServer creates a Server for ctl.
func NewServer(cfg Config, ctl Controller, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{log: log.With("component", "control"), cfg: cfg, ctl: ctl}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/info", s.handleInfo)
	mux.HandleFunc("GET /api/position", s.handlePosition)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	mux.HandleFunc("POST /api/play", s.handleControl(s.ctl.Play))
	mux.HandleFunc("POST /api/pause", s.handleControl(s.ctl.Pause))
	mux.HandleFunc("POST /api/seek", s.handleSeek)
	mux.HandleFunc("POST /api/rate", s.handleRate)
	return corsMiddleware(mux)
}

// Start serves HTTPS and HTTP/3 on cfg.Addr until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Cert == nil {
		return errors.New("control: no certificate")
	}
	api := s.Handler()
	h3 := &http3.Server{
		Addr:      s.cfg.Addr,
		Handler:   api,
		TLSConfig: http3.ConfigureTLSConfig(s.cfg.Cert.TLSConfig()),
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
		},
	}
	tcp := &http.Server{
		Addr:      s.cfg.Addr,
		TLSConfig: s.cfg.Cert.TLSConfig(),
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := h3.SetQUICHeaders(w.Header()); err != nil {
				s.log.Debug("advertising http/3", "error", err)
			}
			api.ServeHTTP(w, r)
		}),
	}

	s.log.Info("control API listening", "addr", s.cfg.Addr, "cert_hash", s.cfg.Cert.FingerprintBase64())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := tcp.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("https: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := h3.ListenAndServe(); err != nil && ctx.Err() == nil {
			return fmt.Errorf("http3: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h3.Close()
		return tcp.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ctl.Stats()
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, ok := s.ctl.Info()
	if !ok {
		writeError(w, http.StatusNotFound, "media info not available yet")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type positionResponse struct {
	PositionMs int64 `json:"positionMs"`
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.ctl.Position()
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, positionResponse{PositionMs: pos.Milliseconds()})
}

func (s *Server) handleCertHash(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Cert == nil {
		writeError(w, http.StatusNotFound, "no certificate")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"hash": s.cfg.Cert.FingerprintBase64()})
}

func (s *Server) handleControl(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleSeek takes the target in milliseconds in the "t" parameter. A
// target that has not been parsed yet is accepted; the player applies it
// later.
func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	ms, err := strconv.ParseInt(r.URL.Query().Get("t"), 10, 64)
	if err != nil || ms < 0 {
		writeError(w, http.StatusBadRequest, "t must be a non-negative number of milliseconds")
		return
	}
	err = s.ctl.Seek(time.Duration(ms) * time.Millisecond)
	switch {
	case errors.Is(err, schedule.ErrNotSeekable):
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "deferred"})
	case err != nil:
		writeError(w, http.StatusConflict, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	rate, err := strconv.ParseFloat(r.URL.Query().Get("r"), 64)
	if err != nil || rate <= 0 {
		writeError(w, http.StatusBadRequest, "r must be a positive number")
		return
	}
	if err := s.ctl.SetRate(rate); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
