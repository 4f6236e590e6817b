// Package subscriber exposes the twin state stream over WebSocket. Clients
// subscribe to components and receive snapshot, update, and metrics
// notifications; in the other direction they submit sync messages and
// acknowledge deliveries, so each connection doubles as a sync peer.
package subscriber

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/twinsync/errors"
	"github.com/c360/twinsync/metric"
	"github.com/c360/twinsync/pipeline"
)

// Envelope wraps every WebSocket message in both directions.
//
// Client to server types:
//   - "subscribe": payload SubscribeRequest
//   - "sync":      payload twin.SyncMessage
//   - "ack":       payload pipeline.Ack
//
// Server to client types:
//   - "snapshot", "update", "metrics": payload pipeline.Notification
//   - "sync": payload twin.SyncMessage dispatched to this peer
//   - "ack":  payload pipeline.Ack for a message this peer submitted
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// SubscribeRequest names the components a client wants to watch. Empty
// means all components.
type SubscribeRequest struct {
	Components []string `json:"components"`
}

// Config holds the WebSocket server settings.
type Config struct {
	Port         int           `json:"port"`
	Path         string        `json:"path"`
	WriteTimeout time.Duration `json:"write_timeout"`
	PongTimeout  time.Duration `json:"pong_timeout"`
}

// DefaultConfig returns the default server settings.
func DefaultConfig() Config {
	return Config{
		Port:         8090,
		Path:         "/ws",
		WriteTimeout: 10 * time.Second,
		PongTimeout:  60 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
}

// Server is the WebSocket endpoint.
type Server struct {
	cfg      Config
	pipe     *pipeline.Pipeline
	broker   *pipeline.Broker
	logger   *slog.Logger
	metrics  *metric.Metrics
	upgrader websocket.Upgrader

	server *http.Server

	mu      sync.RWMutex
	clients map[string]*client
	running bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics attaches pipeline metrics so the server can track its
// subscriber count.
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates the WebSocket endpoint over a pipeline and its broker.
func NewServer(cfg Config, pipe *pipeline.Pipeline, broker *pipeline.Broker, opts ...Option) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:    cfg,
		pipe:   pipe,
		broker: broker,
		logger: slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the WebSocket handler, for embedding in another mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)
	return mux
}

// Start begins serving. It returns once the listener is running.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "start websocket server")
	}
	s.running = true
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := s.server
	s.mu.Unlock()

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("websocket server failed", "error", err)
		}
	}()

	s.logger.Info("websocket server listening",
		"port", s.cfg.Port,
		"path", s.cfg.Path)
	return nil
}

// Stop shuts the server down and disconnects every client.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrNotStarted, "Server", "Stop", "stop websocket server")
	}
	s.running = false
	server := s.server
	s.server = nil
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			return errors.WrapTransient(err, "Server", "Stop", "shutdown http server")
		}
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		pongs:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		select {
		case c.pongs <- struct{}{}:
		default:
		}
		return nil
	})

	s.mu.Lock()
	s.clients[c.id] = c
	count := len(s.clients)
	s.mu.Unlock()

	s.pipe.AddConnection(c)
	if s.metrics != nil {
		s.metrics.Subscribers.Set(float64(count))
	}
	s.logger.Info("client connected", "client", c.id, "remote", r.RemoteAddr)

	go c.readLoop()
}

// remove drops a client after its read loop ends.
func (s *Server) remove(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c.id]
	if ok {
		delete(s.clients, c.id)
	}
	count := len(s.clients)
	s.mu.Unlock()

	if !ok {
		return
	}

	s.pipe.RemoveConnection(c.id)
	if s.metrics != nil {
		s.metrics.Subscribers.Set(float64(count))
	}
	s.logger.Info("client disconnected", "client", c.id)
}
