package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c360/twinsync/twin"
)

// Loader handles configuration loading with layers and overrides.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a configuration loader with validation enabled.
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  "TWINSYNC",
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier
// ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables validation on load.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file over the defaults.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges all layers over the defaults, applies environment
// overrides, and validates.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRawJSON(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg, err = mergeFromMap(cfg, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", path, err)
		}
	}

	l.applyEnvOverrides(cfg)
	cfg.NATS.URL = normalizeNATSURL(cfg.NATS.URL)

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadRawJSON reads a config file into a map with durations normalized.
func (l *Loader) loadRawJSON(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := validateJSONDepth(data); err != nil {
		return nil, fmt.Errorf("invalid JSON structure: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	convertDurations(raw)
	return raw, nil
}

// durationKeys lists the config fields that accept duration strings like
// "5s" or "24h" in JSON.
var durationKeys = map[string]bool{
	"reconnect_wait":     true,
	"timeout":            true,
	"reconcile_interval": true,
	"prediction_window":  true,
	"drain_interval":     true,
	"message_timeout":    true,
	"retry_delay":        true,
	"heartbeat_interval": true,
	"retention":          true,
	"prune_interval":     true,
	"write_timeout":      true,
	"pong_timeout":       true,
	"interval":           true,
	"request_timeout":    true,
	"init_timeout":       true,
}

// convertDurations rewrites duration strings to nanoseconds so the map
// unmarshals into time.Duration fields.
func convertDurations(m map[string]any) {
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			convertDurations(val)
		case string:
			if durationKeys[k] {
				if d, err := parseDurationWithDays(val); err == nil {
					m[k] = d.Nanoseconds()
				}
			}
		}
	}
}

// parseDurationWithDays parses durations that may include days (e.g. "14d").
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// mergeFromMap overlays a raw config map on the base, only overriding
// fields present in the map.
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMerge(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMerge recursively merges two maps, override taking precedence.
func deepMerge(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMerge(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies environment variable overrides on top of the
// merged configuration.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if val := l.env("INSTANCE_ID"); val != "" {
		cfg.Instance.ID = val
	}
	if val := l.env("ENVIRONMENT"); val != "" {
		cfg.Instance.Environment = val
	}
	if val := l.env("NATS_URL"); val != "" {
		cfg.NATS.URL = val
	}
	if val := l.env("NATS_USERNAME"); val != "" {
		cfg.NATS.Username = val
	}
	if val := l.env("NATS_PASSWORD"); val != "" {
		cfg.NATS.Password = val
	}
	if val := l.env("NATS_TOKEN"); val != "" {
		cfg.NATS.Token = val
	}
	if val := l.env("SYNC_STRATEGY"); val != "" {
		cfg.Sync.Strategy = twin.Strategy(val)
	}
	if val := l.env("WEBSOCKET_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.WebSocket.Port = port
		}
	}
	if val := l.env("METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Metrics.Port = port
		}
	}
	if val := l.env("PREDICTION_COMMAND"); val != "" {
		cfg.Prediction.Command = val
		cfg.Prediction.Enabled = true
	}
}

func (l *Loader) env(suffix string) string {
	val := os.Getenv(l.envPrefix + "_" + suffix)
	if err := validateEnvVar(suffix, val); err != nil {
		return ""
	}
	return val
}
