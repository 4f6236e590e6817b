package twin

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/c360/twinsync/errors"
)

// Store is the arena of registered components, indexed by ID behind a single
// serialized-access boundary. Callers never hold references into the arena:
// reads return deep copies and writes go through Store methods or Update.
type Store struct {
	mu         sync.RWMutex
	components map[string]*Component

	// onChange fires after registration changes so the metrics supervisor
	// can recompute its snapshot. Invoked outside the lock.
	onChange func()

	now func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithChangeHook sets a callback fired after a component is registered or
// unregistered.
func WithChangeHook(fn func()) StoreOption {
	return func(s *Store) { s.onChange = fn }
}

// WithClock overrides the store's time source (for tests).
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty component store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		components: make(map[string]*Component),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterComponent adds a component to the store. The seed's state maps may
// be nil; they are allocated here. Registering an existing ID is invalid.
func (s *Store) RegisterComponent(seed Component) error {
	if seed.ID == "" {
		return errors.WrapInvalid(
			fmt.Errorf("empty component id"),
			"Store", "RegisterComponent", "validate component")
	}

	s.mu.Lock()
	if _, exists := s.components[seed.ID]; exists {
		s.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("component %s already registered", seed.ID),
			"Store", "RegisterComponent", "check duplicate")
	}

	comp := seed.Clone()
	if comp.PhysicalState == nil {
		comp.PhysicalState = make(map[string]State)
	}
	if comp.VirtualState == nil {
		comp.VirtualState = make(map[string]State)
	}
	if comp.PredictedState == nil {
		comp.PredictedState = make(map[string]State)
	}
	if comp.ReconciliationStatus == "" {
		comp.ReconciliationStatus = StatusSynchronized
	}
	s.components[seed.ID] = &comp
	s.mu.Unlock()

	s.notifyChange()
	return nil
}

// UnregisterComponent removes a component. Removing an unknown ID is invalid.
func (s *Store) UnregisterComponent(id string) error {
	s.mu.Lock()
	if _, exists := s.components[id]; !exists {
		s.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrUnknownComponent, id),
			"Store", "UnregisterComponent", "lookup component")
	}
	delete(s.components, id)
	s.mu.Unlock()

	s.notifyChange()
	return nil
}

// UpsertState writes a state value into the map matching its source and
// returns the prior value for the caller's divergence comparison (nil when
// the property had no prior value). LastSyncTime is set to now and
// SyncLatency to the observation's age at write time.
func (s *Store) UpsertState(componentID string, source Source, property string, st State) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	comp, exists := s.components[componentID]
	if !exists {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrUnknownComponent, componentID),
			"Store", "UpsertState", "lookup component")
	}

	target := comp.StateMap(source)
	if target == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("source %q has no state map", source),
			"Store", "UpsertState", "select state map")
	}

	var prior *State
	if prev, ok := target[property]; ok {
		prevCopy := prev
		prior = &prevCopy
	}

	target[property] = st
	now := s.now()
	comp.LastSyncTime = now
	if !st.Timestamp.IsZero() && now.After(st.Timestamp) {
		comp.SyncLatency = now.Sub(st.Timestamp)
	}

	return prior, nil
}

// GetComponent returns a deep copy of the component. Absence is not an
// error; callers treat a false return as "not found" and skip.
func (s *Store) GetComponent(id string) (Component, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	comp, exists := s.components[id]
	if !exists {
		return Component{}, false
	}
	return comp.Clone(), true
}

// ComponentIDs returns the registered IDs in sorted order.
func (s *Store) ComponentIDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.components))
	for id := range s.components {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Components returns deep copies of all registered components.
func (s *Store) Components() []Component {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Component, 0, len(s.components))
	for _, comp := range s.components {
		out = append(out, comp.Clone())
	}
	return out
}

// Len returns the number of registered components.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.components)
}

// Update runs fn against the live component under the store lock. It is the
// serialized mutation boundary for multi-field updates (reconciliation
// passes, status transitions). fn must not retain references past its return.
func (s *Store) Update(id string, fn func(*Component) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	comp, exists := s.components[id]
	if !exists {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrUnknownComponent, id),
			"Store", "Update", "lookup component")
	}
	return fn(comp)
}

// AppendAlarm attaches an alarm to the component's alarm list.
func (s *Store) AppendAlarm(componentID string, alarm Alarm) error {
	return s.Update(componentID, func(c *Component) error {
		c.Alarms = append(c.Alarms, alarm)
		return nil
	})
}

// AcknowledgeAlarm marks an alarm acknowledged. Acknowledgment is
// independent of activity: the alarm may remain active afterward.
func (s *Store) AcknowledgeAlarm(componentID, alarmID string) error {
	return s.updateAlarm(componentID, alarmID, func(a *Alarm) {
		a.Acknowledged = true
	})
}

// ClearAlarm deactivates an alarm. This is the only path that clears
// Active; the engine never does it on its own.
func (s *Store) ClearAlarm(componentID, alarmID string) error {
	return s.updateAlarm(componentID, alarmID, func(a *Alarm) {
		a.Active = false
	})
}

func (s *Store) updateAlarm(componentID, alarmID string, fn func(*Alarm)) error {
	return s.Update(componentID, func(c *Component) error {
		for i := range c.Alarms {
			if c.Alarms[i].ID == alarmID {
				fn(&c.Alarms[i])
				return nil
			}
		}
		return errors.WrapInvalid(
			fmt.Errorf("alarm %s not found on component %s", alarmID, componentID),
			"Store", "updateAlarm", "lookup alarm")
	})
}

// Aggregate computes the synchronization metrics snapshot from current
// store contents. lastFullSync and syncErrors are supplied by the caller
// because the store does not own them.
func (s *Store) Aggregate(lastFullSync time.Time, syncErrors int64) Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := Metrics{
		TotalComponents: len(s.components),
		LastFullSync:    lastFullSync,
		SyncErrors:      syncErrors,
	}

	var latencySum time.Duration
	var latencyCount int
	var goodStates, totalStates int

	for _, comp := range s.components {
		switch comp.ReconciliationStatus {
		case StatusSynchronized:
			m.SynchronizedComponents++
		case StatusDiverged:
			m.DivergedComponents++
		case StatusReconciling:
			m.ReconcilingComponents++
		}

		for _, alarm := range comp.Alarms {
			if alarm.Active {
				m.ActiveAlarms++
			}
		}

		if comp.SyncLatency > 0 {
			latencySum += comp.SyncLatency
			latencyCount++
		}

		for _, st := range comp.PhysicalState {
			totalStates++
			if st.Quality == QualityGood {
				goodStates++
			}
		}
		for _, st := range comp.VirtualState {
			totalStates++
			if st.Quality == QualityGood {
				goodStates++
			}
		}
	}

	if latencyCount > 0 {
		m.AverageLatency = latencySum / time.Duration(latencyCount)
	}
	if totalStates > 0 {
		m.DataQuality = 100 * float64(goodStates) / float64(totalStates)
	} else {
		m.DataQuality = 100
	}

	return m
}

func (s *Store) notifyChange() {
	if s.onChange != nil {
		s.onChange()
	}
}
