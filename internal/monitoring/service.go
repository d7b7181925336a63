package monitoring

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"docpipe/internal/cache"
	"docpipe/internal/logging"
	"docpipe/internal/pool"
	"docpipe/internal/resilience"
)

// ProcessorMetrics aggregates task traffic for one processor.
type ProcessorMetrics struct {
	Invocations uint64
	Failures    uint64
	TotalTime   time.Duration
	MaxTime     time.Duration
}

// AverageTime returns the mean task duration.
func (m ProcessorMetrics) AverageTime() time.Duration {
	if m.Invocations == 0 {
		return 0
	}
	return m.TotalTime / time.Duration(m.Invocations)
}

// Report is one aggregated view over every probe the service knows about.
type Report struct {
	GeneratedAt   time.Time
	Uptime        time.Duration
	QueueDepth    int
	QueueCapacity int
	Running       int
	Processors    map[string]ProcessorMetrics
	Circuits      map[string]resilience.State
	Cache         cache.Stats
	Utilization   pool.Utilization
}

// Health is the per-subsystem health verdict.
type Health struct {
	Healthy    bool
	Subsystems map[string]bool
}

// Service collects task metrics from the worker pool and aggregates the
// engine's other observability probes into reports and health checks. Probes
// are optional; an unwired probe simply leaves its section empty.
type Service struct {
	logger  *slog.Logger
	started time.Time

	queueProbe       func() (depth, capacity int)
	runningProbe     func() int
	circuitProbe     func() map[string]resilience.State
	cacheProbe       func() cache.Stats
	utilizationProbe func() pool.Utilization
	storeProbe       func(ctx context.Context) bool

	mu         sync.Mutex
	processors map[string]*ProcessorMetrics
}

// Option wires one probe into the service.
type Option func(*Service)

// WithQueueProbe reports worker queue depth and capacity.
func WithQueueProbe(probe func() (int, int)) Option {
	return func(s *Service) { s.queueProbe = probe }
}

// WithRunningProbe reports currently executing task count.
func WithRunningProbe(probe func() int) Option {
	return func(s *Service) { s.runningProbe = probe }
}

// WithCircuitProbe reports per-processor circuit breaker states.
func WithCircuitProbe(probe func() map[string]resilience.State) Option {
	return func(s *Service) { s.circuitProbe = probe }
}

// WithCacheProbe reports cache traffic counters.
func WithCacheProbe(probe func() cache.Stats) Option {
	return func(s *Service) { s.cacheProbe = probe }
}

// WithUtilizationProbe reports the latest resource sample.
func WithUtilizationProbe(probe func() pool.Utilization) Option {
	return func(s *Service) { s.utilizationProbe = probe }
}

// WithStoreProbe reports state store reachability.
func WithStoreProbe(probe func(ctx context.Context) bool) Option {
	return func(s *Service) { s.storeProbe = probe }
}

// New constructs the monitoring service.
func New(logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Service{
		logger:     logger.With(logging.String(logging.FieldComponent, "monitoring")),
		started:    time.Now(),
		processors: make(map[string]*ProcessorMetrics),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Observe records one finished task. Wire this as the pool's observer.
func (s *Service) Observe(result pool.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	metrics, ok := s.processors[result.Processor]
	if !ok {
		metrics = &ProcessorMetrics{}
		s.processors[result.Processor] = metrics
	}
	metrics.Invocations++
	metrics.TotalTime += result.Duration
	if result.Duration > metrics.MaxTime {
		metrics.MaxTime = result.Duration
	}
	if result.Err != nil || !result.Outcome.Succeeded() {
		metrics.Failures++
	}
}

// ProcessorNames lists processors with recorded traffic.
func (s *Service) ProcessorNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.processors))
	for name := range s.processors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot builds one aggregated report.
func (s *Service) Snapshot() Report {
	report := Report{
		GeneratedAt: time.Now(),
		Uptime:      time.Since(s.started),
		Processors:  make(map[string]ProcessorMetrics),
	}

	s.mu.Lock()
	for name, metrics := range s.processors {
		report.Processors[name] = *metrics
	}
	s.mu.Unlock()

	if s.queueProbe != nil {
		report.QueueDepth, report.QueueCapacity = s.queueProbe()
	}
	if s.runningProbe != nil {
		report.Running = s.runningProbe()
	}
	if s.circuitProbe != nil {
		report.Circuits = s.circuitProbe()
	}
	if s.cacheProbe != nil {
		report.Cache = s.cacheProbe()
	}
	if s.utilizationProbe != nil {
		report.Utilization = s.utilizationProbe()
	}
	return report
}

// Health evaluates every wired subsystem. The aggregate verdict is the
// conjunction of the individual ones.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{Healthy: true, Subsystems: make(map[string]bool)}

	if s.storeProbe != nil {
		h.Subsystems["statestore"] = s.storeProbe(ctx)
	}
	if s.queueProbe != nil {
		depth, capacity := s.queueProbe()
		h.Subsystems["queue"] = capacity == 0 || depth < capacity
	}
	if s.utilizationProbe != nil {
		h.Subsystems["resources"] = !s.utilizationProbe().UnderPressure
	}
	if s.circuitProbe != nil {
		open := false
		for _, state := range s.circuitProbe() {
			if state == resilience.StateOpen {
				open = true
				break
			}
		}
		h.Subsystems["circuits"] = !open
	}

	for name, ok := range h.Subsystems {
		if !ok {
			h.Healthy = false
			s.logger.Warn("subsystem unhealthy", logging.String("subsystem", name))
		}
	}
	return h
}
