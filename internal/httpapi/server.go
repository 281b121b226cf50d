// Package httpapi serves the read-only monitor surface for a soak run:
// health, Prometheus metrics, and the latest post-soak snapshot.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/soakring/internal/analyzer"
	"github.com/sawpanic/soakring/internal/metrics"
	"github.com/sawpanic/soakring/internal/orchestrator"
)

// Config holds the monitor server settings. Local-only by default: the
// monitor is an operator surface, not a public API.
type Config struct {
	Host         string
	Port         int
	OutDir       string // run output directory holding summaries and snapshot
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig binds 127.0.0.1:8090.
func DefaultConfig(outDir string) Config {
	return Config{
		Host:         "127.0.0.1",
		Port:         8090,
		OutDir:       outDir,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is the monitor HTTP server.
type Server struct {
	cfg    Config
	router *mux.Router
	server *http.Server
	soak   *metrics.Soak
}

// New wires the routes. soak may be nil when serving a finished run's
// artifacts only; /metrics then returns 404.
func New(cfg Config, soak *metrics.Soak) *Server {
	s := &Server{cfg: cfg, router: mux.NewRouter(), soak: soak}
	s.routes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.Use(requestIDMiddleware)
	s.router.Use(loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	s.router.HandleFunc("/summary/{iteration:[0-9]+}", s.handleSummary).Methods(http.MethodGet)
	if s.soak != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.soak.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"utc":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	path := filepath.Join(s.cfg.OutDir, analyzer.SnapshotFile)
	data, err := os.ReadFile(path)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "snapshot not available"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	iter := mux.Vars(r)["iteration"]
	data, err := os.ReadFile(filepath.Join(s.cfg.OutDir, fmt.Sprintf("ITER_SUMMARY_%s.json", iter)))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such iteration"})
		return
	}
	var summary orchestrator.IterSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "summary unreadable"})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("monitor request")
	})
}

// Start blocks serving until the context ends, then drains with a 5s grace
// period.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("monitor server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}
