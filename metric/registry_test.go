package metric

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/twinsync/twin"
)

func TestNewRegistryExposesEngineMetrics(t *testing.T) {
	r := NewRegistry()

	r.Metrics.MessagesReceived.WithLabelValues("physical", "stateUpdate").Inc()
	r.Metrics.MessagesLost.Inc()

	families, err := r.Prometheus().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["twinsync_messages_received_total"])
	assert.True(t, names["twinsync_messages_lost_total"])
	assert.True(t, names["go_goroutines"], "runtime collectors registered")
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r := NewRegistry()

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "twinsync",
		Subsystem: "predict",
		Name:      "bridge_up",
		Help:      "Physics bridge process status",
	})
	require.NoError(t, r.Register("predict.bridge_up", g))
	assert.Error(t, r.Register("predict.bridge_up", g))
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "twinsync",
		Subsystem: "predict",
		Name:      "bridge_up",
		Help:      "Physics bridge process status",
	})
	require.NoError(t, r.Register("predict.bridge_up", g))
	assert.True(t, r.Unregister("predict.bridge_up"))
	assert.False(t, r.Unregister("predict.bridge_up"))
}

func TestObserveExportsAggregates(t *testing.T) {
	r := NewRegistry()

	r.Observe(twin.Metrics{
		TotalComponents:        5,
		SynchronizedComponents: 3,
		DivergedComponents:     1,
		ReconcilingComponents:  1,
		ActiveAlarms:           2,
		AverageLatency:         1500 * time.Millisecond,
		SyncErrors:             4,
		DataQuality:            87.5,
	})

	assert.Equal(t, 3.0, testutil.ToFloat64(
		r.Metrics.ComponentsByStatus.WithLabelValues("synchronized")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		r.Metrics.ComponentsByStatus.WithLabelValues("diverged")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		r.Metrics.ComponentsByStatus.WithLabelValues("reconciling")))
	assert.Equal(t, 1.5, testutil.ToFloat64(r.Metrics.AverageSyncLatency))
	assert.Equal(t, 87.5, testutil.ToFloat64(r.Metrics.DataQuality))
	assert.Equal(t, 4.0, testutil.ToFloat64(r.Metrics.SyncErrors))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.Metrics.ActiveAlarms))
}
