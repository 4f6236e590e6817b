package twin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/twinsync/errors"
)

func testState(value float64, ts time.Time) State {
	return State{
		ID:         "st-1",
		Timestamp:  ts,
		Source:     SourcePhysical,
		Confidence: 0.9,
		Value:      value,
		Quality:    QualityGood,
		LastUpdate: ts,
	}
}

func TestRegisterAndGetComponent(t *testing.T) {
	store := NewStore()

	err := store.RegisterComponent(Component{ID: "tank-1", Type: TypeTank, Name: "Tank 1"})
	require.NoError(t, err)

	comp, ok := store.GetComponent("tank-1")
	require.True(t, ok)
	assert.Equal(t, "tank-1", comp.ID)
	assert.Equal(t, StatusSynchronized, comp.ReconciliationStatus)
	assert.NotNil(t, comp.PhysicalState)
	assert.NotNil(t, comp.VirtualState)
	assert.NotNil(t, comp.PredictedState)

	assert.Equal(t, 1, store.Len())
	assert.Equal(t, []string{"tank-1"}, store.ComponentIDs())
}

func TestRegisterDuplicateFails(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.RegisterComponent(Component{ID: "tank-1", Type: TypeTank}))

	err := store.RegisterComponent(Component{ID: "tank-1", Type: TypeTank})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestUnregisterComponent(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.RegisterComponent(Component{ID: "pump-1", Type: TypePump}))
	require.NoError(t, store.UnregisterComponent("pump-1"))

	_, ok := store.GetComponent("pump-1")
	assert.False(t, ok)

	err := store.UnregisterComponent("pump-1")
	assert.Error(t, err)
}

func TestRegisterFiresChangeHook(t *testing.T) {
	fired := 0
	store := NewStore(WithChangeHook(func() { fired++ }))

	require.NoError(t, store.RegisterComponent(Component{ID: "valve-1", Type: TypeValve}))
	require.NoError(t, store.UnregisterComponent("valve-1"))
	assert.Equal(t, 2, fired)
}

func TestUpsertStateReturnsPrior(t *testing.T) {
	now := time.Now()
	store := NewStore(WithClock(func() time.Time { return now }))
	require.NoError(t, store.RegisterComponent(Component{ID: "tank-1", Type: TypeTank}))

	prior, err := store.UpsertState("tank-1", SourcePhysical, "temperature", testState(150, now.Add(-time.Second)))
	require.NoError(t, err)
	assert.Nil(t, prior)

	prior, err = store.UpsertState("tank-1", SourcePhysical, "temperature", testState(160, now))
	require.NoError(t, err)
	require.NotNil(t, prior)
	assert.Equal(t, 150.0, prior.Value)

	comp, ok := store.GetComponent("tank-1")
	require.True(t, ok)
	assert.Equal(t, 160.0, comp.PhysicalState["temperature"].Value)
	assert.Equal(t, now, comp.LastSyncTime)
	assert.Equal(t, time.Second, comp.SyncLatency)
}

func TestUpsertStateUnknownComponent(t *testing.T) {
	store := NewStore()

	_, err := store.UpsertState("ghost", SourcePhysical, "temperature", testState(1, time.Now()))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownComponent)
}

func TestUpsertStateBySource(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.RegisterComponent(Component{ID: "boiler-1", Type: TypeBoiler}))

	ts := time.Now()
	_, err := store.UpsertState("boiler-1", SourceVirtual, "pressure", testState(2.0, ts))
	require.NoError(t, err)
	_, err = store.UpsertState("boiler-1", SourcePredicted, "pressure", testState(2.1, ts))
	require.NoError(t, err)

	comp, _ := store.GetComponent("boiler-1")
	assert.Empty(t, comp.PhysicalState)
	assert.Equal(t, 2.0, comp.VirtualState["pressure"].Value)
	assert.Equal(t, 2.1, comp.PredictedState["pressure"].Value)

	// Control messages carry no state map.
	_, err = store.UpsertState("boiler-1", SourceControl, "pressure", testState(0, ts))
	assert.Error(t, err)
}

func TestGetComponentReturnsDeepCopy(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.RegisterComponent(Component{ID: "tank-1", Type: TypeTank}))
	_, err := store.UpsertState("tank-1", SourcePhysical, "level", testState(5, time.Now()))
	require.NoError(t, err)

	comp, _ := store.GetComponent("tank-1")
	comp.PhysicalState["level"] = testState(999, time.Now())
	comp.Alarms = append(comp.Alarms, Alarm{ID: "fake"})

	fresh, _ := store.GetComponent("tank-1")
	assert.Equal(t, 5.0, fresh.PhysicalState["level"].Value)
	assert.Empty(t, fresh.Alarms)
}

func TestAlarmLifecycle(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.RegisterComponent(Component{ID: "tank-1", Type: TypeTank}))

	alarm := Alarm{
		ID:          "al-1",
		ComponentID: "tank-1",
		Type:        AlarmDeviation,
		Severity:    SeverityMedium,
		Message:     "deviation detected",
		Timestamp:   time.Now(),
		Active:      true,
	}
	require.NoError(t, store.AppendAlarm("tank-1", alarm))

	// Acknowledgment does not deactivate.
	require.NoError(t, store.AcknowledgeAlarm("tank-1", "al-1"))
	comp, _ := store.GetComponent("tank-1")
	require.Len(t, comp.Alarms, 1)
	assert.True(t, comp.Alarms[0].Acknowledged)
	assert.True(t, comp.Alarms[0].Active)

	// Explicit clear deactivates but keeps acknowledgment.
	require.NoError(t, store.ClearAlarm("tank-1", "al-1"))
	comp, _ = store.GetComponent("tank-1")
	assert.False(t, comp.Alarms[0].Active)
	assert.True(t, comp.Alarms[0].Acknowledged)

	err := store.AcknowledgeAlarm("tank-1", "missing")
	assert.Error(t, err)
}

func TestAggregate(t *testing.T) {
	now := time.Now()
	store := NewStore(WithClock(func() time.Time { return now }))

	require.NoError(t, store.RegisterComponent(Component{ID: "a", Type: TypeTank}))
	require.NoError(t, store.RegisterComponent(Component{ID: "b", Type: TypePump}))

	_, err := store.UpsertState("a", SourcePhysical, "temp", State{
		ID: "s1", Timestamp: now.Add(-2 * time.Second), Source: SourcePhysical,
		Value: 100, Quality: QualityGood,
	})
	require.NoError(t, err)
	_, err = store.UpsertState("b", SourcePhysical, "flow", State{
		ID: "s2", Timestamp: now.Add(-4 * time.Second), Source: SourcePhysical,
		Value: 1, Quality: QualityBad,
	})
	require.NoError(t, err)

	require.NoError(t, store.Update("b", func(c *Component) error {
		c.ReconciliationStatus = StatusDiverged
		return nil
	}))

	fullSync := now.Add(-time.Minute)
	m := store.Aggregate(fullSync, 7)

	assert.Equal(t, 2, m.TotalComponents)
	assert.Equal(t, 1, m.SynchronizedComponents)
	assert.Equal(t, 1, m.DivergedComponents)
	assert.Equal(t, 3*time.Second, m.AverageLatency)
	assert.Equal(t, fullSync, m.LastFullSync)
	assert.Equal(t, int64(7), m.SyncErrors)
	assert.InDelta(t, 50.0, m.DataQuality, 0.001)
}

func TestAggregateEmptyStore(t *testing.T) {
	store := NewStore()
	m := store.Aggregate(time.Time{}, 0)
	assert.Equal(t, 0, m.TotalComponents)
	assert.Equal(t, 100.0, m.DataQuality)
}
