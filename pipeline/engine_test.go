package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/twinsync/errors"
	"github.com/c360/twinsync/history"
	"github.com/c360/twinsync/metric"
	"github.com/c360/twinsync/reconcile"
	"github.com/c360/twinsync/twin"
)

func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, *twin.Store) {
	t.Helper()
	store := twin.NewStore()
	require.NoError(t, store.RegisterComponent(twin.Component{ID: "tank-1", Type: twin.TypeTank}))
	ledger := history.NewLedger()
	recon := reconcile.New(store, twin.DefaultPolicy())
	broker := NewBroker(store)
	p := NewPipeline(DefaultConfig(), store, ledger, recon, WithBroker(broker))

	cfg := DefaultEngineConfig()
	cfg.Pipeline.DrainInterval = 10 * time.Millisecond
	cfg.MetricsInterval = 10 * time.Millisecond
	return NewEngine(cfg, store, ledger, recon, p, broker, opts...), store
}

func TestEngineLifecycle(t *testing.T) {
	e, _ := newTestEngine(t)

	require.NoError(t, e.Initialize())
	require.NoError(t, e.Start(context.Background()))

	err := e.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)

	require.NoError(t, e.Stop(time.Second))

	err = e.Stop(time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotStarted)
}

func TestEngineDrainsSubmittedMessages(t *testing.T) {
	e, store := newTestEngine(t)
	require.NoError(t, e.Start(context.Background()))
	defer func() { _ = e.Stop(time.Second) }()

	msg := twin.SyncMessage{
		ID:          "m1",
		Timestamp:   time.Now(),
		Source:      twin.SourcePhysical,
		ComponentID: "tank-1",
		Property:    "temperature",
		Value:       160,
		Metadata: twin.MessageMetadata{
			Quality:        twin.QualityGood,
			Priority:       twin.PriorityNormal,
			SequenceNumber: 1,
		},
	}
	require.NoError(t, e.Pipeline().Submit(context.Background(), msg, ""))

	assert.Eventually(t, func() bool {
		comp, ok := store.GetComponent("tank-1")
		if !ok {
			return false
		}
		st, ok := comp.PhysicalState["temperature"]
		return ok && st.Value == 160
	}, time.Second, 10*time.Millisecond)
}

func TestPerformFullSyncSuccess(t *testing.T) {
	var physCalled, virtCalled bool
	e, _ := newTestEngine(t, WithSyncers(
		SyncerFunc(func(context.Context) error { physCalled = true; return nil }),
		SyncerFunc(func(context.Context) error { virtCalled = true; return nil }),
	))

	require.NoError(t, e.PerformFullSync(context.Background()))
	assert.True(t, physCalled)
	assert.True(t, virtCalled)
	assert.True(t, e.Connected())
	assert.False(t, e.Metrics().LastFullSync.IsZero())
	assert.Zero(t, e.Metrics().SyncErrors)
}

func TestPerformFullSyncStageFailure(t *testing.T) {
	virtCalled := false
	e, _ := newTestEngine(t, WithSyncers(
		SyncerFunc(func(context.Context) error { return fmt.Errorf("adapter down") }),
		SyncerFunc(func(context.Context) error { virtCalled = true; return nil }),
	))

	err := e.PerformFullSync(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSyncStage)
	assert.False(t, virtCalled, "later stages do not run after a failure")
	assert.False(t, e.Connected())
	assert.Equal(t, int64(1), e.Metrics().SyncErrors)
	assert.True(t, e.Metrics().LastFullSync.IsZero())
}

func TestPerformFullSyncRecovers(t *testing.T) {
	failing := true
	e, _ := newTestEngine(t, WithSyncers(
		SyncerFunc(func(context.Context) error {
			if failing {
				return fmt.Errorf("adapter down")
			}
			return nil
		}),
		nil,
	))

	require.Error(t, e.PerformFullSync(context.Background()))
	require.False(t, e.Connected())

	failing = false
	require.NoError(t, e.PerformFullSync(context.Background()))
	assert.True(t, e.Connected())
}

func TestPublishMetricsExportsConnectionSeries(t *testing.T) {
	registry := metric.NewRegistry()
	e, _ := newTestEngine(t, WithRegistry(registry))

	conn := &fakeConn{id: "conn-1", pingRTT: 42 * time.Millisecond}
	e.Pipeline().AddConnection(conn)
	e.Pipeline().Heartbeat(context.Background())

	e.publishMetrics()

	rtt := testutil.ToFloat64(registry.Metrics.ConnectionRTT.WithLabelValues("conn-1"))
	assert.Equal(t, 42.0, rtt)
	lastSeen := testutil.ToFloat64(registry.Metrics.ConnectionLastSeen.WithLabelValues("conn-1"))
	assert.InDelta(t, float64(time.Now().Unix()), lastSeen, 5)
	assert.Zero(t, testutil.ToFloat64(registry.Metrics.ConnectionLost.WithLabelValues("conn-1")))

	// a dropped connection disappears from the exposition on the next tick
	e.Pipeline().RemoveConnection("conn-1")
	e.publishMetrics()
	assert.Zero(t, testutil.CollectAndCount(registry.Metrics.ConnectionRTT))
	assert.Zero(t, testutil.CollectAndCount(registry.Metrics.ConnectionLastSeen))
}

type fakeSnapshotter struct {
	imports int
	exports int
	err     error
}

func (s *fakeSnapshotter) Import(context.Context) error {
	s.imports++
	return s.err
}

func (s *fakeSnapshotter) Export(context.Context) error {
	s.exports++
	return s.err
}

func TestInitializeImportsSnapshot(t *testing.T) {
	snap := &fakeSnapshotter{}
	e, _ := newTestEngine(t, WithSnapshotter(snap))

	require.NoError(t, e.Initialize())
	assert.Equal(t, 1, snap.imports)
}

func TestStopExportsFinalSnapshot(t *testing.T) {
	snap := &fakeSnapshotter{}
	e, _ := newTestEngine(t, WithSnapshotter(snap))

	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Stop(time.Second))
	assert.GreaterOrEqual(t, snap.exports, 1)
}

func TestIsolatedEngineInstances(t *testing.T) {
	e1, _ := newTestEngine(t)
	e2, _ := newTestEngine(t)

	require.NoError(t, e1.Start(context.Background()))
	require.NoError(t, e2.Start(context.Background()))
	require.NoError(t, e1.Stop(time.Second))

	// stopping one instance leaves the other running
	msg := twin.SyncMessage{
		ID:          "m1",
		Timestamp:   time.Now(),
		Source:      twin.SourcePhysical,
		ComponentID: "tank-1",
		Property:    "temperature",
		Value:       150,
		Metadata: twin.MessageMetadata{
			Quality:        twin.QualityGood,
			Priority:       twin.PriorityNormal,
			SequenceNumber: 1,
		},
	}
	require.NoError(t, e2.Pipeline().Submit(context.Background(), msg, ""))
	require.NoError(t, e2.Stop(time.Second))
}
