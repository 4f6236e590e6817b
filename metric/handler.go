package metric

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/twinsync/errors"
)

// Server exposes the registry over HTTP with a health endpoint alongside.
type Server struct {
	port     int
	path     string
	registry *Registry
	health   http.Handler

	mu     sync.Mutex
	server *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithHealth replaces the default always-OK /health handler.
func WithHealth(h http.Handler) ServerOption {
	return func(s *Server) { s.health = h }
}

// NewServer creates a metrics server. Zero values fall back to port 9090
// and path /metrics.
func NewServer(port int, path string, registry *Registry, opts ...ServerOption) *Server {
	if port == 0 {
		port = 9090
	}
	if path == "" {
		path = "/metrics"
	}
	s := &Server{port: port, path: path, registry: registry}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the exposition handler without starting a server, for
// embedding in an existing mux.
func (s *Server) Handler() http.Handler {
	return promhttp.HandlerFor(
		s.registry.Prometheus(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted,
			"Server", "Start", "start metrics server")
	}
	if s.registry == nil {
		return errors.WrapFatal(
			fmt.Errorf("nil registry"),
			"Server", "Start", "start metrics server")
	}

	mux := http.NewServeMux()
	mux.Handle(s.path, s.Handler())
	if s.health != nil {
		mux.Handle("/health", s.health)
	} else {
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// surfaced through Stop; nothing actionable here
			_ = err
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.server = nil
	if err != nil {
		return errors.Wrap(err, "Server", "Stop", "shutdown metrics server")
	}
	return nil
}
