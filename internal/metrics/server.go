package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/dmabench/internal/health"
)

const shutdownTimeout = 5 * time.Second

// Server exposes /metrics and /health over HTTP.
type Server struct {
	srv *http.Server
}

// NewServer creates a metrics server listening on addr. Health endpoints
// report the state tracked by checker.
func NewServer(addr string, checker *health.Checker) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           Router(checker),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Router returns the metrics and health HTTP routes.
func Router(checker *health.Checker) http.Handler {
	if checker == nil {
		checker = health.NewChecker()
	}

	h := health.NewHandler(checker)
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)

	r.Get("/health", h.HealthHandler)
	r.Get("/health/live", h.LivenessHandler)
	r.Get("/health/ready", h.ReadinessHandler)
	r.Get("/health/detailed", h.DetailedHandler)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Run serves until ctx is cancelled, then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}

	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)

	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("Prometheus metrics available at /metrics")

		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}

		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Error shutting down metrics server")
		return err
	}

	return nil
}
