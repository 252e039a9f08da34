package metric

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/esmero/strawberry-runners-sub000/errors"
)

// Server exposes the metrics registry over HTTP in Prometheus format,
// plus a plain health endpoint.
type Server struct {
	addr     string
	path     string
	server   *http.Server
	registry *MetricsRegistry
	health   http.Handler
	logger   *slog.Logger
	mu       sync.Mutex // protects server and health fields
}

// NewServer creates a metrics server bound to addr. An empty path
// defaults to /metrics.
func NewServer(addr, path string, registry *MetricsRegistry, logger *slog.Logger) *Server {
	if path == "" {
		path = "/metrics"
	}
	if addr == "" {
		addr = ":9090"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{addr: addr, path: path, registry: registry, logger: logger}
}

// SetHealthHandler replaces the default /health responder. Must be
// called before Start.
func (s *Server) SetHealthHandler(h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = h
}

// Start begins serving in a background goroutine
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.WrapInvalid(
			fmt.Errorf("server already running"),
			"Server", "Start", "duplicate start check")
	}
	if s.registry == nil {
		return errors.WrapFatal(
			fmt.Errorf("nil registry"),
			"Server", "Start", "metrics registry validation")
	}

	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(
		s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))
	if s.health != nil {
		mux.Handle("/health", s.health)
	} else {
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})
	}

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server stopped", "addr", s.addr, "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down, waiting up to the given timeout for
// in-flight scrapes to finish.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.server = nil
	if err != nil {
		return errors.Wrap(err, "Server", "Stop", "graceful shutdown")
	}
	return nil
}
