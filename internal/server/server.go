// Package server implements HTTP server for health checks and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthChecker interface for checking component health.
type HealthChecker interface {
	Liveness() bool
	Readiness(ctx context.Context) bool
	IsHealthy() bool
	GetStatus() map[string]string
}

// Config contains listener settings. A disabled endpoint group gets no
// listener. Port 0 picks a free port.
type Config struct {
	HealthEnabled  bool
	HealthPort     int
	LivenessPath   string
	ReadinessPath  string
	MetricsEnabled bool
	MetricsPort    int
	MetricsPath    string
}

// Server represents the HTTP server for health and metrics.
type Server struct {
	servers []*http.Server
	names   []string
	addrs   map[string]string
	logger  *slog.Logger
}

// NewServer creates a new HTTP server.
func NewServer(
	cfg Config,
	healthChecker HealthChecker,
	registry *prometheus.Registry,
	logger *slog.Logger,
) *Server {
	s := &Server{
		addrs:  make(map[string]string),
		logger: logger,
	}

	if cfg.HealthEnabled {
		healthMux := http.NewServeMux()
		healthMux.HandleFunc(pathOr(cfg.LivenessPath, "/health/live"), LivenessHandler(healthChecker, logger))
		healthMux.HandleFunc(pathOr(cfg.ReadinessPath, "/health/ready"), ReadinessHandler(healthChecker, logger))
		s.servers = append(s.servers, newHTTPServer(cfg.HealthPort, healthMux))
		s.names = append(s.names, "health")
	}

	if cfg.MetricsEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(pathOr(cfg.MetricsPath, "/metrics"), promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		s.servers = append(s.servers, newHTTPServer(cfg.MetricsPort, metricsMux))
		s.names = append(s.names, "metrics")
	}

	return s
}

func newHTTPServer(port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

func pathOr(path, fallback string) string {
	if path == "" {
		return fallback
	}
	return path
}

// Start binds every listener, then serves in the background. A bind failure
// closes the listeners opened so far.
func (s *Server) Start() error {
	listeners := make([]net.Listener, 0, len(s.servers))
	for i, srv := range s.servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
		}
		listeners = append(listeners, ln)
		s.addrs[s.names[i]] = ln.Addr().String()
	}

	for i, srv := range s.servers {
		go func(srv *http.Server, ln net.Listener) {
			s.logger.Info("starting HTTP server", "addr", ln.Addr().String())
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("HTTP server failed", "addr", ln.Addr().String(), "error", err)
			}
		}(srv, listeners[i])
	}

	return nil
}

// Addr returns the bound address of the "health" or "metrics" listener, or
// "" before Start.
func (s *Server) Addr(name string) string {
	return s.addrs[name]
}

// Shutdown gracefully shuts down all servers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP servers")

	errChan := make(chan error, len(s.servers))
	for _, srv := range s.servers {
		go func(srv *http.Server) {
			errChan <- srv.Shutdown(ctx)
		}(srv)
	}

	var lastErr error
	for range s.servers {
		if err := <-errChan; err != nil {
			s.logger.Error("error shutting down server", "error", err)
			lastErr = err
		}
	}

	return lastErr
}
