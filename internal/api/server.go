// Package api exposes the HTTP interface: config CRUD, run management, and
// live progress snapshots.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/runlens/runlens/internal/config"
	"github.com/runlens/runlens/internal/metrics"
	"github.com/runlens/runlens/internal/run"
	"github.com/runlens/runlens/internal/store"
	"github.com/runlens/runlens/internal/watch"
)

// Aborter cancels an in-flight run; implemented by the demo engine.
type Aborter interface {
	Abort(runID string) bool
}

// Server wires HTTP handlers to the repository, the engine, and the watcher.
type Server struct {
	router  chi.Router
	repo    store.Repository
	starter run.Starter
	aborter Aborter
	watcher *watch.Watcher
	ids     run.IDGenerator
	clock   run.Clock
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	repo store.Repository,
	starter run.Starter,
	aborter Aborter,
	watcher *watch.Watcher,
	ids run.IDGenerator,
	clock run.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		repo:    repo,
		starter: starter,
		aborter: aborter,
		watcher: watcher,
		ids:     ids,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
	metrics.Init()

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout()))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/configs", func(r chi.Router) {
			r.Get("/", s.listConfigs)
			r.Post("/", s.createConfig)
			r.Route("/{config_id}", func(r chi.Router) {
				r.Get("/", s.getConfig)
				r.Patch("/", s.updateConfig)
				r.Delete("/", s.deleteConfig)
				r.Get("/runs", s.listRuns)
				r.Post("/runs", s.startRun)
			})
		})
		r.Route("/runs/{run_id}", func(r chi.Router) {
			r.Get("/", s.getRun)
			r.Post("/abort", s.abortRun)
		})
		r.Route("/progress", func(r chi.Router) {
			r.Get("/perf", s.perfProgress)
			r.Get("/scenario", s.scenarioProgress)
			r.Post("/perf/reset", s.resetPerf)
			r.Post("/scenario/reset", s.resetScenario)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.repo.ListConfigs(ctx, "", 1, 0); err != nil {
		writeError(w, http.StatusServiceUnavailable, "repository unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}
