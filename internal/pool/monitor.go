package pool

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"docpipe/internal/events"
	"docpipe/internal/logging"
)

// Utilization is one sampled snapshot of process and host pressure.
// CPUFraction is process CPU time since the previous sample as a fraction of
// total core capacity; the first sample reports zero.
type Utilization struct {
	HeapMiB       int
	Goroutines    int
	DiskFreeGiB   int
	QueueDepth    int
	QueueFill     float64
	CPUFraction   float64
	SampledAt     time.Time
	UnderPressure bool
}

// Thresholds configure when the monitor reports pressure.
type Thresholds struct {
	SampleInterval     time.Duration
	HeapLimitMiB       int
	GoroutineLimit     int
	MinDiskFreeGiB     int
	QueueHighWatermark float64
	CPUHighWatermark   float64
	DiskPath           string
}

// Monitor periodically samples cpu, heap, goroutine, queue, and disk pressure
// and exposes an admission gate for low-priority work. Sampled metrics are
// read-mostly; concurrent reads are cheap.
type Monitor struct {
	thresholds Thresholds
	logger     *slog.Logger
	publisher  events.Publisher
	queueDepth func() (depth, capacity int)

	mu          sync.RWMutex
	current     Utilization
	warned      bool
	lastCPUTime time.Duration
	lastCPUAt   time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// MonitorOption configures optional Monitor behavior.
type MonitorOption func(*Monitor)

// WithMonitorPublisher sets the publisher for resource warnings.
func WithMonitorPublisher(pub events.Publisher) MonitorOption {
	return func(m *Monitor) { m.publisher = pub }
}

// WithQueueDepthProbe wires the pool's queue depth into sampling.
func WithQueueDepthProbe(probe func() (int, int)) MonitorOption {
	return func(m *Monitor) { m.queueDepth = probe }
}

// NewMonitor constructs a monitor; call Start to begin sampling.
func NewMonitor(thresholds Thresholds, logger *slog.Logger, opts ...MonitorOption) *Monitor {
	if thresholds.SampleInterval <= 0 {
		thresholds.SampleInterval = 10 * time.Second
	}
	if thresholds.QueueHighWatermark <= 0 {
		thresholds.QueueHighWatermark = 0.8
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &Monitor{
		thresholds: thresholds,
		logger:     logger.With(logging.String(logging.FieldComponent, "resource-monitor")),
		publisher:  events.NewNop(),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the sampling loop.
func (m *Monitor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.sample(runCtx)
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.thresholds.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.sample(runCtx)
			}
		}
	}()
}

// Stop halts sampling and waits for the loop to exit.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// Utilization returns the latest sample.
func (m *Monitor) Utilization() Utilization {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Admit reports whether new work at the given priority may begin. Normal and
// high priority work is always admitted; low-priority work waits out pressure.
func (m *Monitor) Admit(priority Priority) bool {
	if priority >= PriorityNormal {
		return true
	}
	return !m.Pressure()
}

// Pressure reports whether any threshold is currently breached.
func (m *Monitor) Pressure() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.UnderPressure
}

// Sample forces an immediate sample, used in tests and health checks.
func (m *Monitor) Sample() Utilization {
	m.sample(context.Background())
	return m.Utilization()
}

func (m *Monitor) sample(ctx context.Context) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	u := Utilization{
		HeapMiB:    int(stats.HeapInuse / (1 << 20)),
		Goroutines: runtime.NumGoroutine(),
		SampledAt:  time.Now(),
	}
	if m.queueDepth != nil {
		depth, capacity := m.queueDepth()
		u.QueueDepth = depth
		if capacity > 0 {
			u.QueueFill = float64(depth) / float64(capacity)
		}
	}
	u.DiskFreeGiB = m.diskFreeGiB()
	u.CPUFraction = m.cpuFraction(u.SampledAt)

	var reasons []string
	if m.thresholds.HeapLimitMiB > 0 && u.HeapMiB >= m.thresholds.HeapLimitMiB {
		reasons = append(reasons, "heap")
	}
	if m.thresholds.GoroutineLimit > 0 && u.Goroutines >= m.thresholds.GoroutineLimit {
		reasons = append(reasons, "goroutines")
	}
	if m.thresholds.MinDiskFreeGiB > 0 && u.DiskFreeGiB >= 0 && u.DiskFreeGiB < m.thresholds.MinDiskFreeGiB {
		reasons = append(reasons, "disk")
	}
	if u.QueueFill >= m.thresholds.QueueHighWatermark {
		reasons = append(reasons, "queue")
	}
	if m.thresholds.CPUHighWatermark > 0 && u.CPUFraction >= m.thresholds.CPUHighWatermark {
		reasons = append(reasons, "cpu")
	}
	u.UnderPressure = len(reasons) > 0

	m.mu.Lock()
	wasWarned := m.warned
	m.warned = u.UnderPressure
	m.current = u
	m.mu.Unlock()

	if u.UnderPressure && !wasWarned {
		m.logger.Warn("resource pressure detected",
			logging.Any("reasons", reasons),
			logging.Int("heap_mib", u.HeapMiB),
			logging.Int("goroutines", u.Goroutines),
			logging.Int("queue_depth", u.QueueDepth))
		_ = m.publisher.Publish(ctx, events.EventResourceWarning, events.Payload{
			"reasons": joinReasons(reasons),
		})
	}
	if !u.UnderPressure && wasWarned {
		m.logger.Info("resource pressure cleared")
	}
}

// cpuFraction measures CPU time consumed since the previous sample, scaled to
// the machine's core count.
func (m *Monitor) cpuFraction(now time.Time) float64 {
	used, ok := processCPUTime()
	if !ok {
		return 0
	}

	m.mu.Lock()
	prev, prevAt := m.lastCPUTime, m.lastCPUAt
	m.lastCPUTime = used
	m.lastCPUAt = now
	m.mu.Unlock()

	if prevAt.IsZero() || !now.After(prevAt) {
		return 0
	}
	elapsed := now.Sub(prevAt)
	return (used - prev).Seconds() / elapsed.Seconds() / float64(runtime.NumCPU())
}

// processCPUTime returns combined user and system CPU time for the process.
func processCPUTime() (time.Duration, bool) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, false
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano()), true
}

// diskFreeGiB returns free space on the configured path, or -1 when the probe
// is unavailable.
func (m *Monitor) diskFreeGiB() int {
	if m.thresholds.DiskPath == "" {
		return -1
	}
	var fs unix.Statfs_t
	if err := unix.Statfs(m.thresholds.DiskPath, &fs); err != nil {
		return -1
	}
	free := uint64(fs.Bavail) * uint64(fs.Bsize)
	return int(free / (1 << 30))
}

func joinReasons(reasons []string) string {
	out := ""
	for i, r := range reasons {
		if i > 0 {
			out += ","
		}
		out += r
	}
	return out
}
