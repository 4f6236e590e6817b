package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus series the engine exports. Counters track
// pipeline throughput, gauges mirror the aggregated twin metrics, and the
// histogram captures end-to-end sync latency.
type Metrics struct {
	// pipeline throughput
	MessagesReceived  *prometheus.CounterVec
	MessagesProcessed *prometheus.CounterVec
	MessagesFailed    *prometheus.CounterVec
	MessagesLost      prometheus.Counter
	RetriesTotal      prometheus.Counter
	QueueDepth        prometheus.Gauge

	// reconciliation
	DivergencesTotal     prometheus.Counter
	ReconciliationsTotal *prometheus.CounterVec
	ActiveAlarms         prometheus.Gauge

	// aggregated twin state
	ComponentsByStatus *prometheus.GaugeVec
	SyncLatency        prometheus.Histogram
	AverageSyncLatency prometheus.Gauge
	DataQuality        prometheus.Gauge
	SyncErrors         prometheus.Gauge

	// transport
	NATSConnected prometheus.Gauge
	NATSRTT       prometheus.Gauge
	Subscribers   prometheus.Gauge

	// per-connection heartbeat bookkeeping, rewritten every metrics tick
	ConnectionLastSeen *prometheus.GaugeVec
	ConnectionRTT      *prometheus.GaugeVec
	ConnectionLost     *prometheus.GaugeVec
}

// NewMetrics creates all engine metrics, unregistered.
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "twinsync",
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Total number of sync messages accepted at ingress",
			},
			[]string{"source", "type"},
		),

		MessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "twinsync",
				Subsystem: "messages",
				Name:      "processed_total",
				Help:      "Total number of sync messages applied to the store",
			},
			[]string{"source", "type"},
		),

		MessagesFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "twinsync",
				Subsystem: "messages",
				Name:      "failed_total",
				Help:      "Total number of sync messages rejected or failed",
			},
			[]string{"reason"},
		),

		MessagesLost: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "twinsync",
				Subsystem: "messages",
				Name:      "lost_total",
				Help:      "Messages abandoned after exhausting delivery retries",
			},
		),

		RetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "twinsync",
				Subsystem: "messages",
				Name:      "retries_total",
				Help:      "Total number of message delivery retries",
			},
		),

		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "twinsync",
				Subsystem: "pipeline",
				Name:      "queue_depth",
				Help:      "Messages currently buffered across all property queues",
			},
		),

		DivergencesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "twinsync",
				Subsystem: "reconcile",
				Name:      "divergences_total",
				Help:      "Total number of physical/virtual divergences detected",
			},
		),

		ReconciliationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "twinsync",
				Subsystem: "reconcile",
				Name:      "reconciliations_total",
				Help:      "Total number of reconciliation passes",
			},
			[]string{"status"},
		),

		ActiveAlarms: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "twinsync",
				Subsystem: "reconcile",
				Name:      "active_alarms",
				Help:      "Currently active alarms across all components",
			},
		),

		ComponentsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "twinsync",
				Subsystem: "twin",
				Name:      "components",
				Help:      "Registered components by reconciliation status",
			},
			[]string{"status"},
		),

		SyncLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "twinsync",
				Subsystem: "twin",
				Name:      "sync_latency_seconds",
				Help:      "Observation-to-store latency per applied state",
				Buckets:   prometheus.DefBuckets,
			},
		),

		AverageSyncLatency: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "twinsync",
				Subsystem: "twin",
				Name:      "avg_sync_latency_seconds",
				Help:      "Average sync latency across components",
			},
		),

		DataQuality: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "twinsync",
				Subsystem: "twin",
				Name:      "data_quality_percent",
				Help:      "Share of stored states with good quality, 0-100",
			},
		),

		SyncErrors: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "twinsync",
				Subsystem: "twin",
				Name:      "sync_errors",
				Help:      "Sync errors observed in the current aggregation window",
			},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "twinsync",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "twinsync",
				Subsystem: "nats",
				Name:      "rtt_milliseconds",
				Help:      "NATS round-trip time in milliseconds",
			},
		),

		Subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "twinsync",
				Subsystem: "subscribers",
				Name:      "connected",
				Help:      "Connected state subscribers",
			},
		),

		ConnectionLastSeen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "twinsync",
				Subsystem: "connections",
				Name:      "last_seen_timestamp_seconds",
				Help:      "Unix time of the last answered heartbeat per connection",
			},
			[]string{"connection"},
		),

		ConnectionRTT: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "twinsync",
				Subsystem: "connections",
				Name:      "rtt_milliseconds",
				Help:      "Heartbeat round-trip time per connection",
			},
			[]string{"connection"},
		),

		ConnectionLost: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "twinsync",
				Subsystem: "connections",
				Name:      "lost_messages",
				Help:      "Messages permanently failed per connection",
			},
			[]string{"connection"},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MessagesReceived,
		m.MessagesProcessed,
		m.MessagesFailed,
		m.MessagesLost,
		m.RetriesTotal,
		m.QueueDepth,
		m.DivergencesTotal,
		m.ReconciliationsTotal,
		m.ActiveAlarms,
		m.ComponentsByStatus,
		m.SyncLatency,
		m.AverageSyncLatency,
		m.DataQuality,
		m.SyncErrors,
		m.NATSConnected,
		m.NATSRTT,
		m.Subscribers,
		m.ConnectionLastSeen,
		m.ConnectionRTT,
		m.ConnectionLost,
	}
}
