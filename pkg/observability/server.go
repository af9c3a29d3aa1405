// Package observability exposes Prometheus metrics and health
// endpoints for a bureau process.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Server serves /metrics and the health endpoints for one node
// process.
type Server struct {
	httpServer *http.Server
	port       int
}

// NewServer creates an observability server on the given port. The
// checks, typically the node's redis and relay probes, are registered
// with /health and /health/ready.
func NewServer(port int, checks ...Check) *Server {
	for _, c := range checks {
		RegisterCheck(c)
	}
	return &Server{port: port}
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", HealthHandler())
	mux.HandleFunc("/health/live", LivenessHandler())
	mux.HandleFunc("/health/ready", ReadinessHandler())
	mux.Handle("/metrics", MetricsHandler())

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
