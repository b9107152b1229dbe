// Package server exposes the probe's metrics and health while it runs.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"flowprobe/internal/logger"
	"flowprobe/internal/metrics"
	"flowprobe/internal/probe"
)

// StatusFunc reports the current run status.
type StatusFunc func() probe.Status

// Server serves /metrics and /health.
type Server struct {
	httpServer *http.Server
	status     StatusFunc
	wg         sync.WaitGroup
	log        zerolog.Logger
}

// New creates a server listening on addr.
func New(addr string, status StatusFunc) *Server {
	s := &Server{
		status: status,
		log:    logger.WithComponent("server"),
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routes wrapped in recovery and logging middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{Registry: metrics.Registry}))
	mux.HandleFunc("/health", s.healthHandler)

	return Chain(mux, Recovery, Logging)
}

// Start binds the listener and serves in the background. Bind errors are
// returned; serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info().Str("addr", ln.Addr().String()).Msg("starting HTTP server")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("HTTP server error")
		}
	}()
	return nil
}

// Shutdown stops the server and waits for the serve loop to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	return err
}

// healthHandler reports the run status. The probe is healthy until it has
// decided on anything other than success.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := s.status()

	code := http.StatusOK
	if status.Decided && status.Outcome != "success" {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(struct {
		probe.Status
		Timestamp string `json:"timestamp"`
	}{status, time.Now().UTC().Format(time.RFC3339)})
}
