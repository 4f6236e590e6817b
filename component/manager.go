package component

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Manager starts components in registration order and stops them in
// reverse, so consumers come up after their dependencies and go down
// before them.
type Manager struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries []entry
}

type entry struct {
	component Component
	state     State
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates an empty manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add registers a component. Order matters: earlier components start
// first and stop last.
func (m *Manager) Add(c Component) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry{component: c, state: StateCreated})
}

// States returns the current state of every registered component by name.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.entries))
	for _, e := range m.entries {
		out[e.component.Name()] = e.state
	}
	return out
}

// Health reports per-component health: the lifecycle state, refined by
// the component's own report when it implements HealthReporter.
func (m *Manager) Health() map[string]HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]HealthStatus, len(m.entries))
	for _, e := range m.entries {
		name := e.component.Name()
		if hr, ok := e.component.(HealthReporter); ok && e.state == StateStarted {
			out[name] = hr.Health()
			continue
		}
		out[name] = HealthStatus{
			Healthy:   e.state == StateStarted,
			LastCheck: time.Now(),
			Detail:    e.state.String(),
		}
	}
	return out
}

// StartAll initializes and starts every component in order. On the first
// failure it stops the components already started, in reverse order, and
// returns the failure.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.entries {
		e := &m.entries[i]
		name := e.component.Name()

		if err := e.component.Initialize(); err != nil {
			e.state = StateFailed
			m.rollback(i)
			return fmt.Errorf("initialize %s: %w", name, err)
		}
		e.state = StateInitialized

		if err := e.component.Start(ctx); err != nil {
			e.state = StateFailed
			m.rollback(i)
			return fmt.Errorf("start %s: %w", name, err)
		}
		e.state = StateStarted
		m.logger.Info("component started", "component", name)
	}
	return nil
}

// rollback stops components started before index i, newest first. Callers
// hold the lock.
func (m *Manager) rollback(i int) {
	for j := i - 1; j >= 0; j-- {
		e := &m.entries[j]
		if e.state != StateStarted {
			continue
		}
		if err := e.component.Stop(5 * time.Second); err != nil {
			m.logger.Warn("rollback stop failed",
				"component", e.component.Name(),
				"error", err)
			e.state = StateFailed
			continue
		}
		e.state = StateStopped
	}
}

// StopAll stops every started component in reverse order, continuing past
// failures and joining the errors.
func (m *Manager) StopAll(timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := &m.entries[i]
		if e.state != StateStarted {
			continue
		}
		name := e.component.Name()
		if err := e.component.Stop(timeout); err != nil {
			e.state = StateFailed
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
			continue
		}
		e.state = StateStopped
		m.logger.Info("component stopped", "component", name)
	}
	return stderrors.Join(errs...)
}
