package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/twinsync/errors"
	"github.com/c360/twinsync/history"
	"github.com/c360/twinsync/metric"
	"github.com/c360/twinsync/reconcile"
	"github.com/c360/twinsync/twin"
)

// Syncer pulls a full refresh from one source collaborator during a full
// sync pass.
type Syncer interface {
	Sync(ctx context.Context) error
}

// SyncerFunc adapts a function to the Syncer interface.
type SyncerFunc func(ctx context.Context) error

// Sync calls f.
func (f SyncerFunc) Sync(ctx context.Context) error { return f(ctx) }

// Snapshotter persists and restores component state across restarts.
// Absence of a stored snapshot is not an error.
type Snapshotter interface {
	Export(ctx context.Context) error
	Import(ctx context.Context) error
}

// EngineConfig holds the engine-level intervals beyond the pipeline's own.
type EngineConfig struct {
	Pipeline          Config        `json:"pipeline"`
	ReconcileInterval time.Duration `json:"reconcileInterval"`
	PruneInterval     time.Duration `json:"pruneInterval"`
	MetricsInterval   time.Duration `json:"metricsInterval"`
	SnapshotInterval  time.Duration `json:"snapshotInterval"`
}

// DefaultEngineConfig returns the engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Pipeline:          DefaultConfig(),
		ReconcileInterval: 5 * time.Second,
		PruneInterval:     time.Hour,
		MetricsInterval:   10 * time.Second,
		SnapshotInterval:  time.Minute,
	}
}

func (c *EngineConfig) applyDefaults() {
	def := DefaultEngineConfig()
	c.Pipeline.applyDefaults()
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = def.ReconcileInterval
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = def.PruneInterval
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = def.MetricsInterval
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = def.SnapshotInterval
	}
}

// engine lifecycle states
const (
	engineCreated int32 = iota
	engineStarted
	engineStopped
)

// Engine owns the periodic tasks driving the pipeline: drain, heartbeat,
// reconcile sweep, history prune, metrics aggregation, snapshot export.
// Each instance owns its timer handles; multiple isolated instances can
// coexist in one process.
type Engine struct {
	cfg    EngineConfig
	logger *slog.Logger

	store    *twin.Store
	ledger   *history.Ledger
	recon    *reconcile.Engine
	pipeline *Pipeline
	broker   *Broker

	registry    *metric.Registry // optional
	snapshotter Snapshotter      // optional

	physical Syncer // optional
	virtual  Syncer // optional

	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}

	syncMu       sync.Mutex
	lastFullSync time.Time
	syncErrors   int64
	connected    atomic.Bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the engine logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithRegistry attaches the metrics registry; aggregated twin metrics are
// exported every metrics tick.
func WithRegistry(r *metric.Registry) EngineOption {
	return func(e *Engine) { e.registry = r }
}

// WithSnapshotter attaches snapshot persistence: import on start, export
// every snapshot tick and once more on stop.
func WithSnapshotter(s Snapshotter) EngineOption {
	return func(e *Engine) { e.snapshotter = s }
}

// WithSyncers sets the physical and virtual source collaborators used by
// full sync. Either may be nil.
func WithSyncers(physical, virtual Syncer) EngineOption {
	return func(e *Engine) {
		e.physical = physical
		e.virtual = virtual
	}
}

// NewEngine assembles an engine over its collaborators.
func NewEngine(
	cfg EngineConfig,
	store *twin.Store,
	ledger *history.Ledger,
	recon *reconcile.Engine,
	pipeline *Pipeline,
	broker *Broker,
	opts ...EngineOption,
) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:      cfg,
		logger:   slog.Default(),
		store:    store,
		ledger:   ledger,
		recon:    recon,
		pipeline: pipeline,
		broker:   broker,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.connected.Store(true)
	return e
}

// Pipeline returns the engine's pipeline for ingress wiring.
func (e *Engine) Pipeline() *Pipeline { return e.pipeline }

// Broker returns the subscriber broker.
func (e *Engine) Broker() *Broker { return e.broker }

// Connected reports the overall connection status, flipped to false by a
// failed full sync.
func (e *Engine) Connected() bool { return e.connected.Load() }

// Initialize performs cold-start work: importing the persisted snapshot
// when a snapshotter is attached. An absent snapshot leaves the store
// empty.
func (e *Engine) Initialize() error {
	if e.snapshotter == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.snapshotter.Import(ctx); err != nil {
		return errors.Wrap(err, "Engine", "Initialize", "import snapshot")
	}
	return nil
}

// Start launches the scheduler goroutine. Calling Start twice is an error.
func (e *Engine) Start(ctx context.Context) error {
	if !e.state.CompareAndSwap(engineCreated, engineStarted) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted,
			"Engine", "Start", "start engine")
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	go e.run(runCtx)

	e.logger.Info("engine started",
		"drain_interval", e.cfg.Pipeline.DrainInterval,
		"heartbeat_interval", e.cfg.Pipeline.HeartbeatInterval,
		"reconcile_interval", e.cfg.ReconcileInterval)
	return nil
}

// Stop halts the scheduler, abandoning in-flight messages, and waits up to
// the timeout for the scheduler goroutine to exit.
func (e *Engine) Stop(timeout time.Duration) error {
	if !e.state.CompareAndSwap(engineStarted, engineStopped) {
		return errors.WrapInvalid(errors.ErrNotStarted,
			"Engine", "Stop", "stop engine")
	}

	e.cancel()
	select {
	case <-e.done:
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("scheduler did not stop within %v", timeout),
			"Engine", "Stop", "wait for scheduler")
	}

	if e.snapshotter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := e.snapshotter.Export(ctx); err != nil {
			e.logger.Error("final snapshot export failed", "error", err)
		}
	}

	e.logger.Info("engine stopped")
	return nil
}

// run is the scheduler: every periodic task fires from this one goroutine,
// so no two state-mutating passes interleave.
func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	drain := time.NewTicker(e.cfg.Pipeline.DrainInterval)
	defer drain.Stop()
	heartbeat := time.NewTicker(e.cfg.Pipeline.HeartbeatInterval)
	defer heartbeat.Stop()
	reconcileTick := time.NewTicker(e.cfg.ReconcileInterval)
	defer reconcileTick.Stop()
	prune := time.NewTicker(e.cfg.PruneInterval)
	defer prune.Stop()
	metricsTick := time.NewTicker(e.cfg.MetricsInterval)
	defer metricsTick.Stop()
	snapshot := time.NewTicker(e.cfg.SnapshotInterval)
	defer snapshot.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-drain.C:
			e.pipeline.Drain(ctx)
		case <-heartbeat.C:
			e.pipeline.Heartbeat(ctx)
		case <-reconcileTick.C:
			e.reconcileSweep()
		case <-prune.C:
			if pruned := e.ledger.PruneAll(); pruned > 0 {
				e.logger.Debug("history pruned", "entries", pruned)
			}
		case <-metricsTick.C:
			e.publishMetrics()
		case <-snapshot.C:
			e.exportSnapshot(ctx)
		}
	}
}

func (e *Engine) reconcileSweep() {
	err := e.recon.ReconcileAll()
	if e.registry != nil {
		status := "success"
		if err != nil {
			status = "failure"
		}
		e.registry.Metrics.ReconciliationsTotal.WithLabelValues(status).Inc()
	}
	if err != nil {
		e.logger.Error("reconcile sweep finished with errors", "error", err)
	}
}

// publishMetrics aggregates the twin metrics and pushes them to the
// registry and the subscriber broker.
func (e *Engine) publishMetrics() {
	e.syncMu.Lock()
	lastFullSync := e.lastFullSync
	syncErrors := e.syncErrors
	e.syncMu.Unlock()

	m := e.store.Aggregate(lastFullSync, syncErrors)

	if e.registry != nil {
		e.registry.Observe(m)
		e.registry.Metrics.QueueDepth.Set(float64(e.pipeline.QueueDepth()))

		// the subscribers gauge is owned by the websocket server;
		// connection series are rewritten here so dropped connections
		// disappear from the exposition
		e.registry.Metrics.ConnectionLastSeen.Reset()
		e.registry.Metrics.ConnectionRTT.Reset()
		e.registry.Metrics.ConnectionLost.Reset()
		for _, cs := range e.pipeline.ConnectionStats() {
			e.registry.Metrics.ConnectionLastSeen.
				WithLabelValues(cs.ConnectionID).Set(float64(cs.LastSeen.Unix()))
			e.registry.Metrics.ConnectionRTT.
				WithLabelValues(cs.ConnectionID).Set(float64(cs.RTT.Milliseconds()))
			e.registry.Metrics.ConnectionLost.
				WithLabelValues(cs.ConnectionID).Set(float64(cs.LostMessages))
		}
	}
	e.broker.PublishMetrics(m)
}

func (e *Engine) exportSnapshot(ctx context.Context) {
	if e.snapshotter == nil {
		return
	}
	if err := e.snapshotter.Export(ctx); err != nil {
		e.logger.Error("snapshot export failed", "error", err)
	}
}

// Metrics returns the current aggregated metrics snapshot.
func (e *Engine) Metrics() twin.Metrics {
	e.syncMu.Lock()
	lastFullSync := e.lastFullSync
	syncErrors := e.syncErrors
	e.syncMu.Unlock()
	return e.store.Aggregate(lastFullSync, syncErrors)
}

// PerformFullSync runs physical sync, virtual sync, and a reconcile sweep
// in order. Any stage failure flips the connection status to disconnected,
// increments the sync error counter, and surfaces to the caller.
func (e *Engine) PerformFullSync(ctx context.Context) error {
	fail := func(stage string, err error) error {
		e.connected.Store(false)
		e.syncMu.Lock()
		e.syncErrors++
		e.syncMu.Unlock()
		return errors.WrapTransient(
			fmt.Errorf("%w: %s: %v", errors.ErrSyncStage, stage, err),
			"Engine", "PerformFullSync", stage)
	}

	if e.physical != nil {
		if err := e.physical.Sync(ctx); err != nil {
			return fail("physical sync", err)
		}
	}
	if e.virtual != nil {
		if err := e.virtual.Sync(ctx); err != nil {
			return fail("virtual sync", err)
		}
	}
	if err := e.recon.ReconcileAll(); err != nil {
		return fail("reconcile all", err)
	}

	e.syncMu.Lock()
	e.lastFullSync = time.Now()
	e.syncMu.Unlock()
	e.connected.Store(true)

	e.logger.Info("full sync completed")
	return nil
}
