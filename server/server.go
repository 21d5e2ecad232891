// Package server exposes the health, status and metrics of a running
// watcher over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/tarungka/watcher/checkpoint"
	"github.com/tarungka/watcher/pipeline"
)

const shutdownTimeout = 5 * time.Second

// StatusProvider is the read side of a running pipeline.
type StatusProvider interface {
	State() pipeline.State
	Checkpoint() (checkpoint.Position, bool)
	Metrics() *pipeline.Metrics
}

// Info identifies the process in /status.
type Info struct {
	Service string
	Version string
	RunID   string
}

type Server struct {
	addr   string
	info   Info
	status StatusProvider
	logger zerolog.Logger
	router chi.Router
}

func New(addr string, info Info, status StatusProvider, logger zerolog.Logger) *Server {
	s := &Server{
		addr:   addr,
		info:   info,
		status: status,
		logger: logger.With().Str("component", "http").Logger(),
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Heartbeat("/health"))
	router.Use(middleware.CleanPath)
	router.Use(s.requestLogger)

	router.Get("/status", s.handleStatus)
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(NewRegistry(status), promhttp.HandlerOpts{}))
	s.router = router
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Trace().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := StatusModel{
		Service: s.info.Service,
		Version: s.info.Version,
		RunID:   s.info.RunID,
		State:   s.status.State().String(),
		Metrics: s.status.Metrics().Snapshot(),
	}
	if pos, ok := s.status.Checkpoint(); ok {
		status.Checkpoint = pos.String()
	}
	SendResponse(w, true, status, "")
}

// Run serves until ctx is done, then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info().Str("address", ln.Addr().String()).Msg("running the status server")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	s.logger.Info().Msg("status server stopped")
	return nil
}
