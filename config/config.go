// Package config loads and validates the application configuration:
// layered JSON files merged over defaults, with environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/c360/twinsync/twin"
)

// Config is the complete application configuration.
type Config struct {
	Version    string           `json:"version"`
	Instance   InstanceConfig   `json:"instance"`
	NATS       NATSConfig       `json:"nats"`
	Sync       SyncConfig       `json:"sync"`
	Pipeline   PipelineConfig   `json:"pipeline"`
	History    HistoryConfig    `json:"history"`
	WebSocket  WebSocketConfig  `json:"websocket"`
	Metrics    MetricsConfig    `json:"metrics"`
	Snapshot   SnapshotConfig   `json:"snapshot"`
	Prediction PredictionConfig `json:"prediction"`
	Components []ComponentSeed  `json:"components"`
}

// InstanceConfig identifies this engine instance.
type InstanceConfig struct {
	ID          string `json:"id"`
	Environment string `json:"environment,omitempty"` // prod, dev, test
}

// NATSConfig defines the NATS connection settings.
type NATSConfig struct {
	URL           string        `json:"url,omitempty"`
	Name          string        `json:"name,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
}

// SyncConfig defines the reconciliation policy.
type SyncConfig struct {
	Strategy           twin.Strategy `json:"strategy"`
	DeviationThreshold float64       `json:"deviation_threshold"`
	ReconcileInterval  time.Duration `json:"reconcile_interval"`
	PredictionWindow   time.Duration `json:"prediction_window"`
	AlarmSeverity      twin.Severity `json:"alarm_severity"`
}

// PipelineConfig defines ingress and delivery tuning.
type PipelineConfig struct {
	DrainInterval     time.Duration `json:"drain_interval"`
	BatchSize         int           `json:"batch_size"`
	MessageTimeout    time.Duration `json:"message_timeout"`
	MaxRetries        int           `json:"max_retries"`
	RetryDelay        time.Duration `json:"retry_delay"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
}

// HistoryConfig defines state history retention.
type HistoryConfig struct {
	Retention     time.Duration `json:"retention"`
	PruneInterval time.Duration `json:"prune_interval"`
}

// WebSocketConfig defines the subscriber endpoint.
type WebSocketConfig struct {
	Port         int           `json:"port"`
	Path         string        `json:"path"`
	WriteTimeout time.Duration `json:"write_timeout"`
	PongTimeout  time.Duration `json:"pong_timeout"`
}

// MetricsConfig defines the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool          `json:"enabled"`
	Port     int           `json:"port"`
	Path     string        `json:"path,omitempty"`
	Interval time.Duration `json:"interval"`
}

// SnapshotConfig defines KV persistence of component state.
type SnapshotConfig struct {
	Enabled  bool          `json:"enabled"`
	Bucket   string        `json:"bucket,omitempty"`
	Interval time.Duration `json:"interval"`
}

// PredictionConfig defines the physics simulation bridge.
type PredictionConfig struct {
	Enabled        bool          `json:"enabled"`
	Command        string        `json:"command,omitempty"`
	Args           []string      `json:"args,omitempty"`
	RequestTimeout time.Duration `json:"request_timeout"`
	InitTimeout    time.Duration `json:"init_timeout"`
}

// ComponentSeed declares a component registered at startup.
type ComponentSeed struct {
	ID   string             `json:"id"`
	Name string             `json:"name"`
	Type twin.ComponentType `json:"type"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: "1.0.0",
		Instance: InstanceConfig{
			Environment: "dev",
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Timeout:       5 * time.Second,
		},
		Sync: SyncConfig{
			Strategy:           twin.StrategyPhysicalPriority,
			DeviationThreshold: 0.05,
			ReconcileInterval:  5 * time.Second,
			PredictionWindow:   time.Minute,
			AlarmSeverity:      twin.SeverityMedium,
		},
		Pipeline: PipelineConfig{
			DrainInterval:     time.Second,
			BatchSize:         50,
			MessageTimeout:    30 * time.Second,
			MaxRetries:        3,
			RetryDelay:        time.Second,
			HeartbeatInterval: 5 * time.Second,
		},
		History: HistoryConfig{
			Retention:     24 * time.Hour,
			PruneInterval: time.Hour,
		},
		WebSocket: WebSocketConfig{
			Port:         8090,
			Path:         "/ws",
			WriteTimeout: 10 * time.Second,
			PongTimeout:  60 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Port:     9090,
			Path:     "/metrics",
			Interval: 10 * time.Second,
		},
		Snapshot: SnapshotConfig{
			Enabled:  true,
			Bucket:   "twinsync_snapshots",
			Interval: time.Minute,
		},
		Prediction: PredictionConfig{
			Enabled:        false,
			RequestTimeout: 30 * time.Second,
			InitTimeout:    60 * time.Second,
		},
	}
}

// Policy converts the sync section into a reconciliation policy.
func (c *Config) Policy() twin.Policy {
	return twin.Policy{
		Strategy:               c.Sync.Strategy,
		DeviationThreshold:     c.Sync.DeviationThreshold,
		ReconciliationInterval: c.Sync.ReconcileInterval,
		ConflictResolution:     twin.ResolutionAutomatic,
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}
	if c.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if !c.Sync.Strategy.Valid() {
		return fmt.Errorf("sync.strategy %q is not recognized", c.Sync.Strategy)
	}
	if c.Sync.DeviationThreshold <= 0 {
		return fmt.Errorf("sync.deviation_threshold must be positive, got %v", c.Sync.DeviationThreshold)
	}
	if c.Sync.ReconcileInterval <= 0 {
		return errors.New("sync.reconcile_interval must be positive")
	}
	if c.Pipeline.BatchSize <= 0 {
		return errors.New("pipeline.batch_size must be positive")
	}
	if c.Pipeline.MaxRetries < 0 {
		return errors.New("pipeline.max_retries cannot be negative")
	}
	if c.History.Retention <= 0 {
		return errors.New("history.retention must be positive")
	}
	if err := validatePort("websocket.port", c.WebSocket.Port); err != nil {
		return err
	}
	if c.Metrics.Enabled {
		if err := validatePort("metrics.port", c.Metrics.Port); err != nil {
			return err
		}
	}
	if c.Prediction.Enabled && c.Prediction.Command == "" {
		return errors.New("prediction.command is required when prediction is enabled")
	}

	seen := make(map[string]bool, len(c.Components))
	for i, seed := range c.Components {
		if seed.ID == "" {
			return fmt.Errorf("components[%d].id is required", i)
		}
		if seen[seed.ID] {
			return fmt.Errorf("components[%d]: duplicate id %q", i, seed.ID)
		}
		seen[seed.ID] = true
	}
	return nil
}

func validatePort(field string, port int) error {
	if port < 1024 || port > 65535 {
		return fmt.Errorf("%s %d out of range 1024-65535", field, port)
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String returns an indented JSON rendering with secrets redacted.
func (c *Config) String() string {
	clone := c.Clone()
	if clone.NATS.Password != "" {
		clone.NATS.Password = "[redacted]"
	}
	if clone.NATS.Token != "" {
		clone.NATS.Token = "[redacted]"
	}
	data, _ := json.MarshalIndent(clone, "", "  ")
	return string(data)
}

// SafeConfig provides thread-safe access to configuration.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig wraps a config for concurrent access.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// normalizeNATSURL strips a trailing slash; the NATS client rejects them.
func normalizeNATSURL(url string) string {
	return strings.TrimSuffix(url, "/")
}
