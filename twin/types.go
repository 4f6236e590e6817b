// Package twin defines the digital-twin data model and the State Store that
// holds per-component physical, virtual, and predicted state.
//
// The model follows replace-not-mutate semantics: a State is immutable once
// created, and every new observation is a new State value. All mutation of a
// Component's maps and alarm list happens behind the Store's serialized
// access boundary; no other package touches them directly.
package twin

import (
	"time"
)

// Source identifies which side of the twin produced a state value or message.
type Source string

// Recognized state sources
const (
	SourcePhysical  Source = "physical"
	SourceVirtual   Source = "virtual"
	SourcePredicted Source = "predicted"
	SourceControl   Source = "control"
)

// Valid reports whether the source is one of the recognized values.
func (s Source) Valid() bool {
	switch s {
	case SourcePhysical, SourceVirtual, SourcePredicted, SourceControl:
		return true
	default:
		return false
	}
}

// Quality grades the trustworthiness of a state value.
type Quality string

// Recognized quality grades
const (
	QualityGood      Quality = "good"
	QualityBad       Quality = "bad"
	QualityUncertain Quality = "uncertain"
)

// Valid reports whether the quality is one of the recognized grades.
func (q Quality) Valid() bool {
	switch q {
	case QualityGood, QualityBad, QualityUncertain:
		return true
	default:
		return false
	}
}

// Status is the reconciliation status of a component.
type Status string

// Reconciliation status values. Transitions only run
// synchronized → diverged → reconciling → synchronized; reconciling is
// transient and never survives a completed pass.
const (
	StatusSynchronized Status = "synchronized"
	StatusDiverged     Status = "diverged"
	StatusReconciling  Status = "reconciling"
)

// ComponentType classifies a piece of plant equipment.
type ComponentType string

// Recognized equipment types
const (
	TypeTank           ComponentType = "tank"
	TypeBoiler         ComponentType = "boiler"
	TypePump           ComponentType = "pump"
	TypeValve          ComponentType = "valve"
	TypePipe           ComponentType = "pipe"
	TypeLoadingStation ComponentType = "loading_station"
)

// AlarmType classifies an alarm by its trigger.
type AlarmType string

// Alarm types
const (
	AlarmDeviation     AlarmType = "deviation"
	AlarmQuality       AlarmType = "quality"
	AlarmCommunication AlarmType = "communication"
	AlarmPrediction    AlarmType = "prediction"
)

// Severity ranks an alarm.
type Severity string

// Alarm severities
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Strategy selects how conflicting physical/virtual readings are resolved.
type Strategy string

// Reconciliation strategies
const (
	StrategyPhysicalPriority Strategy = "physical_priority"
	StrategyVirtualPriority  Strategy = "virtual_priority"
	StrategyLatest           Strategy = "latest"
	StrategyQualityBased     Strategy = "quality_based"
	StrategyMLBased          Strategy = "ml_based"
)

// Valid reports whether the strategy is one of the recognized values.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyPhysicalPriority, StrategyVirtualPriority, StrategyLatest,
		StrategyQualityBased, StrategyMLBased:
		return true
	default:
		return false
	}
}

// Resolution selects how conflicts are resolved once detected.
type Resolution string

// Conflict resolution modes
const (
	ResolutionAutomatic Resolution = "automatic"
	ResolutionManual    Resolution = "manual"
	ResolutionAlert     Resolution = "alert"
)

// State is a single timestamped observation of one property. Immutable once
// created: a new value is a new State, never an in-place mutation.
type State struct {
	ID              string        `json:"id"`
	Timestamp       time.Time     `json:"timestamp"`
	Source          Source        `json:"source"`
	Confidence      float64       `json:"confidence"` // [0,1]
	Value           float64       `json:"value"`
	Quality         Quality       `json:"quality"`
	LastUpdate      time.Time     `json:"lastUpdate"`
	UpdateFrequency time.Duration `json:"updateFrequency"`
}

// Alarm records a condition raised by the reconciliation engine or a
// transport-error path. Active is cleared only by explicit operator action;
// acknowledgment is independent of activity.
type Alarm struct {
	ID           string    `json:"id"`
	ComponentID  string    `json:"componentId"`
	Type         AlarmType `json:"type"`
	Severity     Severity  `json:"severity"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
	Acknowledged bool      `json:"acknowledged"`
	Active       bool      `json:"active"`
}

// Component is one piece of equipment with its three state maps and alarms.
type Component struct {
	ID                   string           `json:"id"`
	Type                 ComponentType    `json:"type"`
	Name                 string           `json:"name"`
	PhysicalState        map[string]State `json:"physicalState"`
	VirtualState         map[string]State `json:"virtualState"`
	PredictedState       map[string]State `json:"predictedState"`
	ReconciliationStatus Status           `json:"reconciliationStatus"`
	LastSyncTime         time.Time        `json:"lastSyncTime"`
	SyncLatency          time.Duration    `json:"syncLatency"`
	Alarms               []Alarm          `json:"alarms"`
}

// Clone returns a deep copy of the component.
func (c *Component) Clone() Component {
	out := *c
	out.PhysicalState = cloneStateMap(c.PhysicalState)
	out.VirtualState = cloneStateMap(c.VirtualState)
	out.PredictedState = cloneStateMap(c.PredictedState)
	out.Alarms = append([]Alarm(nil), c.Alarms...)
	return out
}

// StateMap returns the state map matching the source. Control messages have
// no state map and return nil.
func (c *Component) StateMap(source Source) map[string]State {
	switch source {
	case SourcePhysical:
		return c.PhysicalState
	case SourceVirtual:
		return c.VirtualState
	case SourcePredicted:
		return c.PredictedState
	default:
		return nil
	}
}

func cloneStateMap(m map[string]State) map[string]State {
	out := make(map[string]State, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Policy is the process-wide reconciliation policy. It is set at startup and
// mutated only via an explicit policy-update operation.
type Policy struct {
	Strategy               Strategy      `json:"strategy"`
	DeviationThreshold     float64       `json:"deviationThreshold"` // absolute magnitude, see DefaultPolicy
	ReconciliationInterval time.Duration `json:"reconciliationInterval"`
	ConflictResolution     Resolution    `json:"conflictResolution"`
}

// DefaultPolicy returns the default reconciliation policy.
//
// DeviationThreshold is compared against the absolute difference
// |physical − virtual|. The inherited default of 0.05 reads like a fraction;
// the original system nevertheless applied it as a raw magnitude, and this
// implementation keeps that interpretation rather than silently changing
// behavior. Deployments tracking large-magnitude properties should raise it.
func DefaultPolicy() Policy {
	return Policy{
		Strategy:               StrategyPhysicalPriority,
		DeviationThreshold:     0.05,
		ReconciliationInterval: 5 * time.Second,
		ConflictResolution:     ResolutionAutomatic,
	}
}

// Metrics is a derived snapshot of synchronization health. It is recomputed
// by the aggregation routine and never hand-mutated elsewhere.
type Metrics struct {
	TotalComponents        int           `json:"totalComponents"`
	SynchronizedComponents int           `json:"synchronizedComponents"`
	DivergedComponents     int           `json:"divergedComponents"`
	ReconcilingComponents  int           `json:"reconcilingComponents"`
	ActiveAlarms           int           `json:"activeAlarms"`
	AverageLatency         time.Duration `json:"averageLatency"`
	LastFullSync           time.Time     `json:"lastFullSync"`
	SyncErrors             int64         `json:"syncErrors"`
	DataQuality            float64       `json:"dataQuality"` // percent of good-quality states
}
