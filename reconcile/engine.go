// Package reconcile implements the strategy-driven conflict resolver that
// collapses divergent physical/virtual readings into one authoritative value
// per property, raising alarms when the two sides drift apart.
package reconcile

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/twinsync/errors"
	"github.com/c360/twinsync/twin"
)

// Config holds the tunables the reconciliation engine inherits from the
// original system as magic constants. Both are configurable defaults, not
// hard invariants.
type Config struct {
	// AlarmSeverity is the severity attached to deviation alarms.
	AlarmSeverity twin.Severity
	// PredictionWindow is how fresh a predicted state must be for the
	// ml_based strategy to trust it.
	PredictionWindow time.Duration
}

// DefaultConfig returns the inherited defaults: medium severity, 60s window.
func DefaultConfig() Config {
	return Config{
		AlarmSeverity:    twin.SeverityMedium,
		PredictionWindow: 60 * time.Second,
	}
}

// Engine resolves conflicts between physical and virtual state per the
// active policy. All state access goes through the Store's serialized
// boundary; the engine itself only guards its policy and divergence
// bookkeeping.
type Engine struct {
	store  *twin.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	policy twin.Policy

	// divergedProps tracks which (component, property) pairs currently
	// hold an emitted deviation alarm, so a pair that stays divergent
	// across repeated writes raises exactly one alarm until reconciled.
	divergedMu    sync.Mutex
	divergedProps map[string]bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig overrides the engine tunables.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		if cfg.AlarmSeverity != "" {
			e.cfg.AlarmSeverity = cfg.AlarmSeverity
		}
		if cfg.PredictionWindow > 0 {
			e.cfg.PredictionWindow = cfg.PredictionWindow
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides the engine's time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates a reconciliation engine over the store with the given policy.
func New(store *twin.Store, policy twin.Policy, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		cfg:           DefaultConfig(),
		logger:        slog.Default(),
		now:           time.Now,
		policy:        policy,
		divergedProps: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the active reconciliation policy.
func (e *Engine) Policy() twin.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// SetPolicy replaces the active policy. This is the only mutation path;
// every reconciliation pass reads the policy through here.
func (e *Engine) SetPolicy(p twin.Policy) error {
	if !p.Strategy.Valid() {
		return errors.WrapInvalid(
			fmt.Errorf("unknown strategy %q", p.Strategy),
			"Engine", "SetPolicy", "validate strategy")
	}
	if p.DeviationThreshold <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("deviation threshold must be positive, got %v", p.DeviationThreshold),
			"Engine", "SetPolicy", "validate threshold")
	}

	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()

	e.logger.Info("reconciliation policy updated",
		"strategy", p.Strategy,
		"threshold", p.DeviationThreshold,
		"conflict_resolution", p.ConflictResolution)
	return nil
}

func propKey(componentID, property string) string {
	return componentID + "." + property
}

// CheckDivergence runs the per-write divergence check for one property.
// Called after every physical-state write. When a virtual value exists for
// the same property and the absolute difference exceeds the policy
// threshold, the component is marked diverged and one deviation alarm is
// emitted carrying both values. Returns whether the pair is divergent.
func (e *Engine) CheckDivergence(componentID, property string) (bool, error) {
	threshold := e.Policy().DeviationThreshold

	comp, ok := e.store.GetComponent(componentID)
	if !ok {
		return false, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrUnknownComponent, componentID),
			"Engine", "CheckDivergence", "lookup component")
	}

	phys, hasPhys := comp.PhysicalState[property]
	virt, hasVirt := comp.VirtualState[property]
	if !hasPhys || !hasVirt {
		return false, nil
	}

	deviation := phys.Value - virt.Value
	if deviation < 0 {
		deviation = -deviation
	}
	if deviation <= threshold {
		return false, nil
	}

	key := propKey(componentID, property)
	e.divergedMu.Lock()
	alreadyAlarmed := e.divergedProps[key]
	e.divergedProps[key] = true
	e.divergedMu.Unlock()

	err := e.store.Update(componentID, func(c *twin.Component) error {
		c.ReconciliationStatus = twin.StatusDiverged
		if !alreadyAlarmed {
			c.Alarms = append(c.Alarms, twin.Alarm{
				ID:          uuid.NewString(),
				ComponentID: componentID,
				Type:        twin.AlarmDeviation,
				Severity:    e.cfg.AlarmSeverity,
				Message: fmt.Sprintf(
					"property %s diverged: physical=%g virtual=%g (deviation %g exceeds threshold %g)",
					property, phys.Value, virt.Value, deviation, threshold),
				Timestamp: e.now(),
				Active:    true,
			})
		}
		return nil
	})
	if err != nil {
		return true, err
	}

	if !alreadyAlarmed {
		e.logger.Warn("divergence detected",
			"component", componentID,
			"property", property,
			"physical", phys.Value,
			"virtual", virt.Value,
			"threshold", threshold)
	}
	return true, nil
}

// Reconcile collapses every property present in both the physical and
// virtual maps of the component into one authoritative value per the active
// policy. The component passes through reconciling and always lands on a
// terminal status: synchronized on success, diverged on failure.
func (e *Engine) Reconcile(componentID string) error {
	e.mu.RLock()
	policy := e.policy
	e.mu.RUnlock()

	err := e.store.Update(componentID, func(c *twin.Component) (ferr error) {
		c.ReconciliationStatus = twin.StatusReconciling

		// reconciling must never survive the pass, including a failed one
		defer func() {
			if r := recover(); r != nil {
				c.ReconciliationStatus = twin.StatusDiverged
				ferr = errors.WrapTransient(
					fmt.Errorf("reconciliation panic: %v", r),
					"Engine", "Reconcile", "apply strategy")
			}
		}()

		now := e.now()
		for property, phys := range c.PhysicalState {
			virt, ok := c.VirtualState[property]
			if !ok {
				continue
			}

			var predicted *twin.State
			if p, ok := c.PredictedState[property]; ok {
				predicted = &p
			}

			value, source := resolve(policy.Strategy, phys, virt, predicted, now, e.cfg.PredictionWindow)

			confidence := phys.Confidence
			if virt.Confidence > confidence {
				confidence = virt.Confidence
			}

			resolved := twin.State{
				ID:         uuid.NewString(),
				Timestamp:  now,
				Source:     source,
				Confidence: confidence,
				Value:      value,
				Quality:    twin.QualityGood,
				LastUpdate: now,
			}

			// one authoritative value on both sides
			c.PhysicalState[property] = resolved
			c.VirtualState[property] = resolved
		}

		c.ReconciliationStatus = twin.StatusSynchronized
		c.LastSyncTime = now
		return nil
	})
	if err != nil {
		return err
	}

	e.clearDiverged(componentID)
	return nil
}

// ReconcileAll iterates every registered component sequentially. A single
// component's failure does not abort the sweep; the errors are joined and
// returned after every component has been visited.
func (e *Engine) ReconcileAll() error {
	var errs []error
	for _, id := range e.store.ComponentIDs() {
		if err := e.Reconcile(id); err != nil {
			e.logger.Error("reconciliation failed", "component", id, "error", err)
			errs = append(errs, errors.Wrap(err, "Engine", "ReconcileAll", "reconcile "+id))
		}
	}
	return stderrors.Join(errs...)
}

// ResolveConflict is the manual override used when the policy's conflict
// resolution is manual or alert. It bypasses the strategy table and copies
// the chosen side's value to both maps.
func (e *Engine) ResolveConflict(componentID, property string, resolution twin.Source) error {
	if resolution != twin.SourcePhysical && resolution != twin.SourceVirtual {
		return errors.WrapInvalid(
			fmt.Errorf("resolution must be physical or virtual, got %q", resolution),
			"Engine", "ResolveConflict", "validate resolution")
	}

	err := e.store.Update(componentID, func(c *twin.Component) error {
		chosen, ok := c.StateMap(resolution)[property]
		if !ok {
			return errors.WrapInvalid(
				fmt.Errorf("no %s state for property %s", resolution, property),
				"Engine", "ResolveConflict", "lookup state")
		}

		now := e.now()
		resolved := twin.State{
			ID:         uuid.NewString(),
			Timestamp:  now,
			Source:     resolution,
			Confidence: chosen.Confidence,
			Value:      chosen.Value,
			Quality:    twin.QualityGood,
			LastUpdate: now,
		}

		c.PhysicalState[property] = resolved
		c.VirtualState[property] = resolved

		c.ReconciliationStatus = twin.StatusSynchronized
		c.LastSyncTime = now
		return nil
	})
	if err != nil {
		return err
	}

	e.divergedMu.Lock()
	delete(e.divergedProps, propKey(componentID, property))
	e.divergedMu.Unlock()

	e.logger.Info("conflict resolved manually",
		"component", componentID,
		"property", property,
		"resolution", resolution)
	return nil
}

// clearDiverged forgets the divergence markers for a component after a
// successful reconciliation, re-arming the per-property alarm.
func (e *Engine) clearDiverged(componentID string) {
	prefix := componentID + "."
	e.divergedMu.Lock()
	for key := range e.divergedProps {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(e.divergedProps, key)
		}
	}
	e.divergedMu.Unlock()
}

// resolve picks the authoritative value and its source per the strategy
// table. predicted may be nil.
func resolve(
	strategy twin.Strategy,
	phys, virt twin.State,
	predicted *twin.State,
	now time.Time,
	predictionWindow time.Duration,
) (float64, twin.Source) {
	switch strategy {
	case twin.StrategyVirtualPriority:
		return virt.Value, twin.SourceVirtual

	case twin.StrategyLatest:
		if virt.Timestamp.After(phys.Timestamp) {
			return virt.Value, twin.SourceVirtual
		}
		return phys.Value, twin.SourcePhysical

	case twin.StrategyQualityBased:
		physGood := phys.Quality == twin.QualityGood
		virtGood := virt.Quality == twin.QualityGood
		switch {
		case physGood && !virtGood:
			return phys.Value, twin.SourcePhysical
		case virtGood && !physGood:
			return virt.Value, twin.SourceVirtual
		case virt.Confidence > phys.Confidence:
			return virt.Value, twin.SourceVirtual
		default:
			return phys.Value, twin.SourcePhysical
		}

	case twin.StrategyMLBased:
		if predicted != nil && now.Sub(predicted.Timestamp) < predictionWindow {
			return predicted.Value, twin.SourceVirtual
		}
		return phys.Value, twin.SourcePhysical

	default: // physical_priority
		return phys.Value, twin.SourcePhysical
	}
}
