// Package metric exposes the engine's Prometheus metrics: pipeline
// throughput counters, reconciliation counters, and gauges mirroring the
// periodically aggregated twin metrics.
package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/twinsync/errors"
	"github.com/c360/twinsync/twin"
)

// Registry owns the Prometheus registry, the engine metrics, and any
// extra collectors registered by individual components.
type Registry struct {
	prom    *prometheus.Registry
	Metrics *Metrics

	mu    sync.Mutex
	extra map[string]prometheus.Collector
}

// NewRegistry creates a registry with the engine metrics and Go runtime
// collectors pre-registered.
func NewRegistry() *Registry {
	r := &Registry{
		prom:    prometheus.NewRegistry(),
		Metrics: NewMetrics(),
		extra:   make(map[string]prometheus.Collector),
	}

	for _, c := range r.Metrics.collectors() {
		r.prom.MustRegister(c)
	}
	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Prometheus returns the underlying registry for HTTP exposition.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.prom
}

// Register adds a component-specific collector under a unique name.
func (r *Registry) Register(name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.extra[name]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("collector %s already registered", name),
			"Registry", "Register", "check collector name")
	}

	if err := r.prom.Register(c); err != nil {
		var dup prometheus.AlreadyRegisteredError
		if stderrors.As(err, &dup) {
			return errors.WrapInvalid(err, "Registry", "Register",
				"register collector "+name)
		}
		return errors.WrapFatal(err, "Registry", "Register",
			"register collector "+name)
	}

	r.extra[name] = c
	return nil
}

// Unregister removes a previously registered collector.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.extra[name]
	if !exists {
		return false
	}
	delete(r.extra, name)
	return r.prom.Unregister(c)
}

// Observe exports one aggregated twin metrics snapshot to the gauges.
func (r *Registry) Observe(m twin.Metrics) {
	r.Metrics.ComponentsByStatus.WithLabelValues(string(twin.StatusSynchronized)).
		Set(float64(m.SynchronizedComponents))
	r.Metrics.ComponentsByStatus.WithLabelValues(string(twin.StatusDiverged)).
		Set(float64(m.DivergedComponents))
	r.Metrics.ComponentsByStatus.WithLabelValues(string(twin.StatusReconciling)).
		Set(float64(m.ReconcilingComponents))

	r.Metrics.AverageSyncLatency.Set(m.AverageLatency.Seconds())
	r.Metrics.DataQuality.Set(m.DataQuality)
	r.Metrics.SyncErrors.Set(float64(m.SyncErrors))
	r.Metrics.ActiveAlarms.Set(float64(m.ActiveAlarms))
}
