// Package main implements the entry point for the twinsync engine: a
// digital-twin state synchronization service that reconciles physical
// sensor readings against their virtual counterparts.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/twinsync/component"
	"github.com/c360/twinsync/config"
	"github.com/c360/twinsync/errors"
	"github.com/c360/twinsync/health"
	"github.com/c360/twinsync/history"
	"github.com/c360/twinsync/metric"
	"github.com/c360/twinsync/natsclient"
	"github.com/c360/twinsync/persistence"
	"github.com/c360/twinsync/pipeline"
	"github.com/c360/twinsync/pkg/retry"
	"github.com/c360/twinsync/predict"
	"github.com/c360/twinsync/reconcile"
	"github.com/c360/twinsync/subscriber"
	"github.com/c360/twinsync/twin"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "twinsync"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)
	slog.Info("starting twinsync",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.Validate {
		slog.Info("configuration is valid")
		return nil
	}

	manager, err := assemble(cfg, logger)
	if err != nil {
		return fmt.Errorf("assemble application: %w", err)
	}

	return runWithSignalHandling(manager, cliCfg.ShutdownTimeout)
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path == "" {
		return loader.Load()
	}
	return loader.LoadFile(path)
}

// assemble wires the full application: store, ledger, reconciler,
// pipeline, broker, distributed channel, snapshot persistence, metrics,
// WebSocket endpoint, and the optional prediction bridge.
func assemble(cfg *config.Config, logger *slog.Logger) (*component.Manager, error) {
	store := twin.NewStore()
	for _, seed := range cfg.Components {
		if err := store.RegisterComponent(twin.Component{
			ID:   seed.ID,
			Name: seed.Name,
			Type: seed.Type,
		}); err != nil {
			return nil, fmt.Errorf("register component %s: %w", seed.ID, err)
		}
	}

	ledger := history.NewLedger(history.WithRetention(cfg.History.Retention))
	recon := reconcile.New(store, cfg.Policy(),
		reconcile.WithLogger(logger),
		reconcile.WithConfig(reconcile.Config{
			AlarmSeverity:    cfg.Sync.AlarmSeverity,
			PredictionWindow: cfg.Sync.PredictionWindow,
		}))

	registry := metric.NewRegistry()
	broker := pipeline.NewBroker(store, pipeline.WithBrokerLogger(logger))

	natsClient := natsclient.New(cfg.NATS.URL, natsOptions(cfg, logger)...)
	dist := pipeline.NewDistributed(natsClient, logger)

	app := &application{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		recon:    recon,
		registry: registry,
		nats:     natsClient,
		dist:     dist,
	}

	app.pipeCfg = pipeline.Config{
		DrainInterval:     cfg.Pipeline.DrainInterval,
		BatchSize:         cfg.Pipeline.BatchSize,
		MessageTimeout:    cfg.Pipeline.MessageTimeout,
		MaxRetries:        cfg.Pipeline.MaxRetries,
		RetryDelay:        cfg.Pipeline.RetryDelay,
		HeartbeatInterval: cfg.Pipeline.HeartbeatInterval,
	}
	app.pipe = pipeline.NewPipeline(app.pipeCfg, store, ledger, recon,
		pipeline.WithLogger(logger),
		pipeline.WithBroker(broker),
		pipeline.WithBroadcaster(dist),
		pipeline.WithMetrics(registry.Metrics),
		pipeline.WithControlHandler(app.handleControl),
	)
	app.broker = broker
	app.ledger = ledger

	manager := component.NewManager(component.WithLogger(logger))
	manager.Add(natsComponent{client: natsClient})
	if cfg.Metrics.Enabled {
		healthHandler := health.Handler(appName, health.ManagerProbe(manager))
		manager.Add(newMetricsComponent(cfg.Metrics, registry, healthHandler))
	}
	if cfg.Prediction.Enabled {
		manager.Add(app.bridgeComponent())
	}
	manager.Add(app.engineComponent())
	manager.Add(app.websocketComponent())

	return manager, nil
}

func natsOptions(cfg *config.Config, logger *slog.Logger) []natsclient.Option {
	opts := []natsclient.Option{
		natsclient.WithLogger(logger),
		natsclient.WithName(appName + "-" + cfg.Instance.ID),
		natsclient.WithTimeout(cfg.NATS.Timeout),
		natsclient.WithReconnect(cfg.NATS.MaxReconnects, cfg.NATS.ReconnectWait),
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithUserInfo(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}
	return opts
}

// application carries the wired collaborators shared by the lifecycle
// components and the control-plane handler.
type application struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *twin.Store
	ledger   *history.Ledger
	recon    *reconcile.Engine
	registry *metric.Registry
	nats     *natsclient.Client
	dist     *pipeline.Distributed
	pipeCfg  pipeline.Config
	pipe     *pipeline.Pipeline
	broker   *pipeline.Broker

	engine    *pipeline.Engine
	bridge    *predict.Bridge
	predictor *predict.Predictor
}

// handleControl routes control-plane sync messages. The property holds
// the command path, slash-separated where arguments are needed; the
// float value carries the single numeric argument some commands take.
//
//	full_sync
//	set_threshold                       (value = new threshold)
//	set_strategy/<strategy>
//	resolve_conflict/<property>/<source>
//	predict/<simulationType>
func (a *application) handleControl(ctx context.Context, msg twin.SyncMessage) error {
	command, args, _ := strings.Cut(msg.Property, "/")
	switch command {
	case "full_sync":
		if a.engine == nil {
			return errors.WrapInvalid(errors.ErrNotStarted,
				"application", "handleControl", "full sync before engine start")
		}
		return a.engine.PerformFullSync(ctx)

	case "set_threshold":
		policy := a.recon.Policy()
		policy.DeviationThreshold = msg.Value
		return a.recon.SetPolicy(policy)

	case "set_strategy":
		policy := a.recon.Policy()
		policy.Strategy = twin.Strategy(args)
		return a.recon.SetPolicy(policy)

	case "resolve_conflict":
		property, resolution, ok := strings.Cut(args, "/")
		if !ok {
			return errors.WrapInvalid(errors.ErrValidation,
				"application", "handleControl", "resolve_conflict needs property and source")
		}
		return a.recon.ResolveConflict(msg.ComponentID, property, twin.Source(resolution))

	case "predict":
		if a.predictor == nil {
			return errors.WrapInvalid(errors.ErrValidation,
				"application", "handleControl", "prediction bridge not enabled")
		}
		_, err := a.predictor.Predict(ctx, msg.ComponentID, predict.SimulationType(args), nil)
		return err

	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: unknown control command %q", errors.ErrValidation, msg.Property),
			"application", "handleControl", "route control command")
	}
}

// engineComponent assembles and runs the sync engine. Snapshot
// persistence is wired at start time, once the NATS connection exists.
func (a *application) engineComponent() component.Component {
	return &lifecycleFunc{
		name: "engine",
		start: func(ctx context.Context) error {
			opts := []pipeline.EngineOption{
				pipeline.WithEngineLogger(a.logger),
				pipeline.WithRegistry(a.registry),
			}

			if a.cfg.Snapshot.Enabled {
				// JetStream may still be settling right after connect
				bucket, err := retry.DoWithResult(ctx, retry.Persistent(),
					func() (jetstream.KeyValue, error) {
						return a.nats.KeyValueBucket(ctx, jetstream.KeyValueConfig{
							Bucket:  a.cfg.Snapshot.Bucket,
							History: 1,
						})
					})
				if err != nil {
					return fmt.Errorf("create snapshot bucket: %w", err)
				}
				snap := persistence.NewSnapshotStore(
					natsclient.NewKVStore(bucket), a.store,
					persistence.WithLogger(a.logger))
				opts = append(opts, pipeline.WithSnapshotter(snap))
			}

			a.engine = pipeline.NewEngine(pipeline.EngineConfig{
				Pipeline:          a.pipeCfg,
				ReconcileInterval: a.cfg.Sync.ReconcileInterval,
				PruneInterval:     a.cfg.History.PruneInterval,
				MetricsInterval:   a.cfg.Metrics.Interval,
				SnapshotInterval:  a.cfg.Snapshot.Interval,
			}, a.store, a.ledger, a.recon, a.pipe, a.broker, opts...)

			if err := a.engine.Initialize(); err != nil {
				return err
			}
			if err := a.engine.Start(ctx); err != nil {
				return err
			}

			if err := a.dist.Consume(ctx, a.pipe); err != nil {
				a.logger.Warn("distributed sync consume failed, continuing standalone",
					"error", err)
			}
			return nil
		},
		stop: func(timeout time.Duration) error {
			if a.engine == nil {
				return nil
			}
			return a.engine.Stop(timeout)
		},
	}
}

// websocketComponent runs the subscriber endpoint.
func (a *application) websocketComponent() component.Component {
	server := subscriber.NewServer(subscriber.Config{
		Port:         a.cfg.WebSocket.Port,
		Path:         a.cfg.WebSocket.Path,
		WriteTimeout: a.cfg.WebSocket.WriteTimeout,
		PongTimeout:  a.cfg.WebSocket.PongTimeout,
	}, a.pipe, a.broker,
		subscriber.WithLogger(a.logger),
		subscriber.WithMetrics(a.registry.Metrics))

	return &lifecycleFunc{
		name:  "websocket",
		start: server.Start,
		stop:  server.Stop,
	}
}

// bridgeComponent runs the physics simulation bridge.
func (a *application) bridgeComponent() component.Component {
	return &lifecycleFunc{
		name: "physics-bridge",
		start: func(ctx context.Context) error {
			a.bridge = predict.NewBridge(
				predict.CommandStarter(a.cfg.Prediction.Command, a.cfg.Prediction.Args...),
				predict.WithLogger(a.logger),
				predict.WithRequestTimeout(a.cfg.Prediction.RequestTimeout),
				predict.WithInitTimeout(a.cfg.Prediction.InitTimeout))
			if err := a.bridge.Start(ctx); err != nil {
				return err
			}
			a.predictor = predict.NewPredictor(a.bridge, a.store,
				predict.WithPredictorLogger(a.logger))
			return nil
		},
		stop: func(timeout time.Duration) error {
			if a.bridge == nil {
				return nil
			}
			return a.bridge.Stop(timeout)
		},
	}
}

// natsComponent adapts the NATS client to the lifecycle contract.
type natsComponent struct {
	client *natsclient.Client
}

func (n natsComponent) Name() string      { return "nats" }
func (n natsComponent) Initialize() error { return nil }

func (n natsComponent) Start(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return n.client.Connect(connectCtx)
}

func (n natsComponent) Stop(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return n.client.Close(ctx)
}

func (n natsComponent) Health() component.HealthStatus {
	return component.HealthStatus{
		Healthy:   n.client.IsHealthy(),
		LastCheck: time.Now(),
		Detail:    n.client.Status().String(),
	}
}

// newMetricsComponent adapts the Prometheus endpoint to the lifecycle
// contract. The health handler rides on the same listener.
func newMetricsComponent(cfg config.MetricsConfig, registry *metric.Registry, healthHandler http.Handler) component.Component {
	server := metric.NewServer(cfg.Port, cfg.Path, registry,
		metric.WithHealth(healthHandler))
	return &lifecycleFunc{
		name:  "metrics",
		start: func(context.Context) error { return server.Start() },
		stop: func(timeout time.Duration) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			return server.Stop(ctx)
		},
	}
}

// lifecycleFunc adapts plain functions to the component contract.
type lifecycleFunc struct {
	name  string
	init  func() error
	start func(ctx context.Context) error
	stop  func(timeout time.Duration) error
}

func (f *lifecycleFunc) Name() string { return f.name }

func (f *lifecycleFunc) Initialize() error {
	if f.init == nil {
		return nil
	}
	return f.init()
}

func (f *lifecycleFunc) Start(ctx context.Context) error {
	if f.start == nil {
		return nil
	}
	return f.start(ctx)
}

func (f *lifecycleFunc) Stop(timeout time.Duration) error {
	if f.stop == nil {
		return nil
	}
	return f.stop(timeout)
}

// runWithSignalHandling starts every component and blocks until a
// shutdown signal arrives.
func runWithSignalHandling(manager *component.Manager, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := manager.StartAll(signalCtx); err != nil {
		return fmt.Errorf("start components: %w", err)
	}
	slog.Info("twinsync started")

	<-signalCtx.Done()
	slog.Info("received shutdown signal")

	if err := manager.StopAll(shutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	slog.Info("twinsync shutdown complete")
	return nil
}
