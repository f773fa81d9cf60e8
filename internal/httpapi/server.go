// Package httpapi serves the operations HTTP API: health probes, Prometheus metrics and the
// run endpoints used by the CLI (submit, status, cancel).
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ChuLiYu/stageflow/internal/store"
	"github.com/ChuLiYu/stageflow/pkg/types"
)

// RunService is the orchestrator surface the API calls into.
type RunService interface {
	SubmitRun(ctx context.Context, stages []types.StageConfig, labels map[string]string) (*types.Run, error)
	CancelRun(ctx context.Context, runID types.RunID, reason string) error
}

// Config lists the server dependencies. Runs and Metrics are optional: a worker process
// serves only the probes and /metrics.
type Config struct {
	Repo    store.Repository
	Runs    RunService
	Metrics http.Handler
	// Ready 回傳非 nil 時 /readyz 回應 503
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

// Server is the ops HTTP server.
type Server struct {
	cfg    Config
	router chi.Router
	logger *slog.Logger
}

// New builds the router.
func New(cfg Config) *Server {
	s := &Server{cfg: cfg, logger: cfg.Logger}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	if cfg.Repo != nil {
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.listRuns)
			r.Get("/{id}", s.getRun)
			if cfg.Runs != nil {
				r.Post("/", s.submitRun)
				r.Post("/{id}/cancel", s.cancelRun)
			}
		})
	}

	s.router = r
	return s
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Run listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.DebugContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
