package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"docpipe/internal/cache"
	"docpipe/internal/config"
	"docpipe/internal/events"
	"docpipe/internal/logging"
	"docpipe/internal/monitoring"
	"docpipe/internal/pipeline"
	"docpipe/internal/pool"
	"docpipe/internal/registry"
	"docpipe/internal/resilience"
	"docpipe/internal/statestore"
	"docpipe/internal/textextract"
)

// Daemon owns every long-lived engine component and their startup and
// shutdown ordering.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	bus      *events.Bus
	store    *statestore.SQLiteStore
	cache    *cache.MultiLevelCache
	registry *registry.Registry
	pool     *pool.Pool
	monitor  *pool.Monitor
	manager  *pipeline.Manager
	health   *monitoring.Service

	started atomic.Bool
	cancel  context.CancelFunc
}

// New assembles a stopped daemon from configuration. Call Start to bring the
// components up.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	d := &Daemon{cfg: cfg, logger: logger, bus: events.NewBus()}

	store, err := statestore.Open(cfg.Paths.DataDir)
	if err != nil {
		return nil, err
	}
	d.store = store

	if err := d.buildCache(); err != nil {
		d.Close()
		return nil, err
	}
	d.buildRegistry()
	if err := d.buildWorkers(); err != nil {
		d.Close()
		return nil, err
	}
	d.buildManager()
	d.buildMonitoring()

	d.bus.Subscribe(events.EventResourceWarning, func(context.Context, events.Event, events.Payload) {
		d.cache.OnResourceWarning()
	})
	return d, nil
}

func (d *Daemon) buildCache() error {
	tiers := []cache.Tier{cache.NewMemoryTier(d.cfg.Cache.MemoryEntries)}
	if !d.cfg.Cache.DisableDurableTier {
		durable, err := cache.OpenDurableTier(d.cfg.Cache.DurableDir, d.logger)
		if err != nil {
			return err
		}
		tiers = append(tiers, durable)
	}
	d.cache = cache.NewMultiLevel(tiers, cache.Options{
		DurableOnlyBytes: d.cfg.Cache.DurableOnlyBytes,
		DefaultTTL:       time.Duration(d.cfg.Cache.DefaultTTL) * time.Second,
	}, d.logger)
	return nil
}

func (d *Daemon) buildRegistry() {
	d.registry = registry.New(d.logger,
		registry.WithPublisher(d.bus),
		registry.WithDependencies(registry.Dependencies{
			"cache":            d.cache,
			"store":            d.store,
			"change_threshold": d.cfg.Cache.ChangeThreshold,
		}))

	// Built-in processors. External ones register through the same factory
	// contract at startup.
	if err := d.registry.Register(textextract.Factory()); err != nil {
		d.logger.Error("failed to register built-in processor", logging.Error(err))
	}
}

func (d *Daemon) buildWorkers() error {
	d.monitor = pool.NewMonitor(pool.Thresholds{
		SampleInterval:     time.Duration(d.cfg.Resources.SampleInterval) * time.Second,
		HeapLimitMiB:       d.cfg.Resources.HeapLimitMiB,
		GoroutineLimit:     d.cfg.Resources.GoroutineLimit,
		MinDiskFreeGiB:     d.cfg.Resources.MinDiskFreeGiB,
		QueueHighWatermark: d.cfg.Resources.QueueHighWatermark,
		CPUHighWatermark:   d.cfg.Resources.CPUHighWatermark,
		DiskPath:           d.cfg.Paths.StagingDir,
	}, d.logger,
		pool.WithMonitorPublisher(d.bus),
		pool.WithQueueDepthProbe(func() (int, int) {
			if d.pool == nil {
				return 0, 0
			}
			return d.pool.QueueDepth(), d.pool.QueueCapacity()
		}))

	workers, err := pool.New(pool.Settings{
		CooperativeWorkers: d.cfg.Workers.Cooperative,
		CPUWorkers:         d.cfg.Workers.CPUBound,
		QueueCapacity:      d.cfg.Workers.QueueCapacity,
		TaskTimeout:        time.Duration(d.cfg.Workers.TaskTimeout) * time.Second,
		ShutdownGrace:      time.Duration(d.cfg.Workers.ShutdownGrace) * time.Second,
	}, d.logger,
		pool.WithPublisher(d.bus),
		pool.WithAdmissionGate(func(p pool.Priority) bool { return d.monitor.Admit(p) }),
		pool.WithObserver(func(result pool.Result) {
			if d.health != nil {
				d.health.Observe(result)
			}
		}))
	if err != nil {
		return err
	}
	d.pool = workers
	return nil
}

func (d *Daemon) buildManager() {
	d.manager = pipeline.NewManager(d.registry, d.pool, pipeline.Settings{
		StageRetries: d.cfg.Pipeline.StageRetries,
		StageTimeout: time.Duration(d.cfg.Pipeline.StageTimeout) * time.Second,
		PollInterval: time.Duration(d.cfg.Pipeline.PollInterval) * time.Second,
		Resilience: resilience.Settings{
			RetryCount: d.cfg.Resilience.RetryCount,
			Backoff:    time.Duration(d.cfg.Resilience.RetryBackoffMS) * time.Millisecond,
			Timeout:    time.Duration(d.cfg.Pipeline.StageTimeout) * time.Second,
		},
		Breaker: resilience.BreakerSettings{
			FailureThreshold: d.cfg.Resilience.FailureThreshold,
			RecoveryTimeout:  time.Duration(d.cfg.Resilience.RecoveryTimeout) * time.Second,
			HalfOpenRequests: d.cfg.Resilience.HalfOpenRequests,
		},
	}, d.logger,
		pipeline.WithPublisher(d.bus),
		pipeline.WithStore(d.store),
		pipeline.WithPressureGate(d.monitor.Pressure))
}

func (d *Daemon) buildMonitoring() {
	d.health = monitoring.New(d.logger,
		monitoring.WithQueueProbe(func() (int, int) {
			return d.pool.QueueDepth(), d.pool.QueueCapacity()
		}),
		monitoring.WithRunningProbe(d.pool.Running),
		monitoring.WithCircuitProbe(d.manager.BreakerStates),
		monitoring.WithCacheProbe(d.cache.Stats),
		monitoring.WithUtilizationProbe(d.monitor.Utilization),
		monitoring.WithStoreProbe(d.store.Healthy))
}

// Start brings up sampling, dispatching, and cache sweeping, then loads
// pipeline definitions from the configured directory.
func (d *Daemon) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return fmt.Errorf("daemon already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.monitor.Start(runCtx)
	d.pool.Start(runCtx)
	d.cache.StartSweeper(runCtx, time.Duration(d.cfg.Cache.SweepInterval)*time.Second)

	if err := d.loadPipelines(); err != nil {
		return err
	}
	d.logger.Info("daemon started",
		logging.Int("pipelines", len(d.manager.Definitions())),
		logging.Any("processors", d.registry.Names()))
	return nil
}

// loadPipelines registers every definition found in the pipeline directory. A
// broken definition is reported and skipped; the rest still load.
func (d *Daemon) loadPipelines() error {
	dir := d.cfg.Paths.PipelineDir
	if dir == "" {
		return nil
	}
	defs, err := pipeline.LoadDir(dir)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := d.manager.CreatePipeline(def); err != nil {
			d.logger.Error("skipping pipeline definition",
				logging.String("pipeline", def.Name),
				logging.Error(err))
		}
	}
	return nil
}

// Stop shuts components down in dependency order: no new stage launches,
// drain workers, stop sampling, then close storage.
func (d *Daemon) Stop() {
	if !d.started.CompareAndSwap(true, false) {
		return
	}
	d.manager.PauseAll()
	d.pool.Shutdown()
	d.monitor.Stop()
	if d.cancel != nil {
		d.cancel()
	}
	d.logger.Info("daemon stopped")
}

// Close releases all resources. Safe to call on a partially assembled daemon.
func (d *Daemon) Close() {
	if d.started.Load() {
		d.Stop()
	}
	if d.registry != nil {
		d.registry.Close(context.Background())
	}
	if d.cache != nil {
		if err := d.cache.Close(); err != nil {
			d.logger.Warn("cache close failed", logging.Error(err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("store close failed", logging.Error(err))
		}
	}
}

// Manager exposes the pipeline manager for command surfaces.
func (d *Daemon) Manager() *pipeline.Manager { return d.manager }

// Registry exposes the processor registry.
func (d *Daemon) Registry() *registry.Registry { return d.registry }

// Bus exposes the event bus for additional subscribers.
func (d *Daemon) Bus() *events.Bus { return d.bus }

// Monitoring exposes the aggregated metrics service.
func (d *Daemon) Monitoring() *monitoring.Service { return d.health }

// Health evaluates subsystem health.
func (d *Daemon) Health(ctx context.Context) monitoring.Health {
	return d.health.Health(ctx)
}
