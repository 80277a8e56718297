// Package health provides the operational HTTP endpoints.
//
// Docker and Kubernetes use /healthz for liveness and /readyz for
// readiness. /readyz only returns 200 once the models are loaded, so no
// traffic is routed to an instance that would answer 503. /metrics serves
// the Prometheus exposition when telemetry is enabled.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Readiness reports whether the service can accept synthesis requests.
type Readiness interface {
	IsReady() bool
}

// Server is a lightweight HTTP server that exposes /healthz, /readyz and
// /metrics.
type Server struct {
	port    int
	ready   Readiness
	metrics http.Handler
	server  *http.Server
}

// New creates a new health check server. metrics may be nil.
func New(port int, ready Readiness, metrics http.Handler) *Server {
	return &Server{port: port, ready: ready, metrics: metrics}
}

// Handler returns the routed endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, "ok")
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.IsReady() {
			writeStatus(w, http.StatusServiceUnavailable, "not_ready")
			return
		}
		writeStatus(w, http.StatusOK, "ok")
	})

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return mux
}

// ListenAndServe starts the health check HTTP server.
// It blocks until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("health server listening", "port", s.port)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
