// Package component defines the lifecycle contract shared by the engine's
// long-running services and a manager that starts and stops them in order.
package component

import (
	"context"
	"time"
)

// State represents the lifecycle state of a component.
type State int32

// Lifecycle states
const (
	StateCreated State = iota
	StateInitialized
	StateStarted
	StateStopped
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Component is a long-running service with explicit lifecycle phases.
// Initialize validates configuration and acquires cheap resources; Start
// begins background work; Stop shuts down within the timeout.
type Component interface {
	Name() string
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// HealthStatus describes a component's runtime health.
type HealthStatus struct {
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"lastCheck"`
	Detail    string    `json:"detail,omitempty"`
}

// HealthReporter is implemented by components that can report health
// beyond their lifecycle state.
type HealthReporter interface {
	Health() HealthStatus
}
