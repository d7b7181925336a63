package pool

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"docpipe/internal/events"
	"docpipe/internal/logging"
	"docpipe/internal/processor"
	"docpipe/internal/services"
)

// Settings configure the worker pool.
type Settings struct {
	CooperativeWorkers int
	CPUWorkers         int
	QueueCapacity      int
	// TaskTimeout bounds each task's execution. Zero disables the outer
	// deadline; per-task deadlines still apply.
	TaskTimeout      time.Duration
	ShutdownGrace    time.Duration
	DispatchInterval time.Duration
}

// Observer receives a completion callback for every finished task. Used by
// the monitoring service; delivery order follows worker finish order.
type Observer func(Result)

// Pool executes tasks from a shared bounded priority queue. Cooperative
// workers handle I/O-bound processors; a dedicated pool runs CPU-intensive
// ones so they cannot starve lightweight work. Submission beyond queue
// capacity fails fast with ErrQueueFull.
type Pool struct {
	settings  Settings
	logger    *slog.Logger
	publisher events.Publisher
	admit     func(Priority) bool
	observer  Observer

	mu    sync.Mutex
	queue taskQueue
	wake  chan struct{}
	seq   uint64

	coop *ants.Pool
	cpu  *ants.Pool

	running  atomic.Int64
	accepted atomic.Bool
	wg       sync.WaitGroup
	inflight sync.WaitGroup
	cancel   context.CancelFunc
}

// ErrQueueFull is the explicit backpressure signal returned by Submit.
var ErrQueueFull = services.Wrap(services.ErrResourceExhausted, "pool", "submit", "task queue full", nil)

// Option configures optional Pool behavior.
type Option func(*Pool)

// WithPublisher sets the event publisher for task lifecycle events.
func WithPublisher(pub events.Publisher) Option {
	return func(p *Pool) { p.publisher = pub }
}

// WithAdmissionGate installs the resource-aware gate consulted before
// dequeuing tasks below normal priority.
func WithAdmissionGate(gate func(Priority) bool) Option {
	return func(p *Pool) { p.admit = gate }
}

// WithObserver registers the completion observer.
func WithObserver(obs Observer) Option {
	return func(p *Pool) { p.observer = obs }
}

// New constructs a stopped pool; call Start before submitting work.
func New(settings Settings, logger *slog.Logger, opts ...Option) (*Pool, error) {
	if settings.CooperativeWorkers < 1 {
		settings.CooperativeWorkers = 1
	}
	if settings.QueueCapacity < 1 {
		settings.QueueCapacity = 1
	}
	if settings.DispatchInterval <= 0 {
		settings.DispatchInterval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	p := &Pool{
		settings:  settings,
		logger:    logger.With(logging.String(logging.FieldComponent, "worker-pool")),
		publisher: events.NewNop(),
		queue:     taskQueue{limit: settings.QueueCapacity},
		wake:      make(chan struct{}, 1),
	}
	p.accepted.Store(true)
	for _, opt := range opts {
		opt(p)
	}

	coop, err := ants.NewPool(settings.CooperativeWorkers, ants.WithNonblocking(true))
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "pool", "create cooperative workers", "", err)
	}
	p.coop = coop

	if settings.CPUWorkers > 0 {
		cpu, err := ants.NewPool(settings.CPUWorkers, ants.WithNonblocking(true))
		if err != nil {
			coop.Release()
			return nil, services.Wrap(services.ErrConfiguration, "pool", "create cpu workers", "", err)
		}
		p.cpu = cpu
	}
	return p, nil
}

// Start launches the dispatcher. Tasks submitted before Start wait in queue.
func (p *Pool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go p.dispatch(runCtx)
}

// Submit enqueues a task and returns the channel its result will arrive on.
// A full queue rejects immediately with ErrQueueFull.
func (p *Pool) Submit(task Task) (<-chan Result, error) {
	if !p.accepted.Load() {
		return nil, services.Wrap(services.ErrResourceExhausted, "pool", "submit", "pool not accepting work", nil)
	}
	if task.Proc == nil {
		return nil, services.Wrap(services.ErrValidation, "pool", "submit", "task has no processor", nil)
	}

	task.result = make(chan Result, 1)
	task.enqueued = time.Now()

	p.mu.Lock()
	if p.queue.full() {
		p.mu.Unlock()
		_ = p.publisher.Publish(context.Background(), events.EventTaskRejected, events.Payload{
			"task":      task.ID,
			"processor": task.Processor,
			"reason":    "queue_full",
		})
		return nil, ErrQueueFull
	}
	p.seq++
	task.seq = p.seq
	heap.Push(&p.queue, &task)
	p.mu.Unlock()

	p.signal()
	_ = p.publisher.Publish(context.Background(), events.EventTaskSubmitted, events.Payload{
		"task":      task.ID,
		"processor": task.Processor,
		"priority":  fmt.Sprintf("%d", task.Priority),
	})
	return task.result, nil
}

// QueueDepth returns the number of queued, undispatched tasks.
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// QueueCapacity returns the configured queue bound.
func (p *Pool) QueueCapacity() int { return p.settings.QueueCapacity }

// Running returns the number of currently executing tasks.
func (p *Pool) Running() int { return int(p.running.Load()) }

// Shutdown stops admission, waits the grace period for in-flight tasks, then
// force-cancels stragglers.
func (p *Pool) Shutdown() {
	p.accepted.Store(false)

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.settings.ShutdownGrace):
		p.logger.Warn("shutdown grace elapsed, cancelling in-flight tasks",
			logging.Int("running", p.Running()))
	}

	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.coop.Release()
	if p.cpu != nil {
		p.cpu.Release()
	}
	p.drainQueue()
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) dispatch(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.settings.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}

		for {
			task := p.nextAdmitted()
			if task == nil {
				break
			}
			launched, err := p.launch(ctx, task)
			if err != nil {
				p.deliver(task, Result{
					TaskID:    task.ID,
					Processor: task.Processor,
					Err:       err,
				})
				continue
			}
			if !launched {
				// All workers busy; put the task back and wait for the
				// next tick instead of spinning.
				p.requeue(task)
				break
			}
		}
	}
}

// nextAdmitted pops the highest-priority task whose admission is permitted.
// Low-priority tasks stay queued while the resource gate is closed.
func (p *Pool) nextAdmitted() *Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	head := p.queue.peek()
	if head == nil {
		return nil
	}
	if p.admit != nil && !p.admit(head.Priority) {
		return nil
	}
	return heap.Pop(&p.queue).(*Task)
}

func (p *Pool) launch(ctx context.Context, task *Task) (bool, error) {
	target := p.coop
	if p.cpu != nil && p.isCPUBound(task) {
		target = p.cpu
	}

	p.inflight.Add(1)
	err := target.Submit(func() {
		defer p.inflight.Done()
		p.run(ctx, task)
	})
	if err != nil {
		p.inflight.Done()
		if errors.Is(err, ants.ErrPoolOverload) {
			return false, nil
		}
		return false, services.Wrap(services.ErrResourceExhausted, "pool", "dispatch", task.Processor, err)
	}
	return true, nil
}

func (p *Pool) requeue(task *Task) {
	p.mu.Lock()
	heap.Push(&p.queue, task)
	p.mu.Unlock()
}

func (p *Pool) isCPUBound(task *Task) bool {
	return task.Proc.Describe().Resources.CPUIntensive
}

// run executes one task, converting panics and errors into a failed result.
// The tighter of the pool timeout and the task deadline bounds execution; with
// neither set the task runs unbounded. One task's failure never crashes the
// pool.
func (p *Pool) run(ctx context.Context, task *Task) {
	p.running.Add(1)
	defer p.running.Add(-1)

	deadline := task.Deadline
	if p.settings.TaskTimeout > 0 {
		limit := time.Now().Add(p.settings.TaskTimeout)
		if deadline.IsZero() || limit.Before(deadline) {
			deadline = limit
		}
	}
	taskCtx := ctx
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	start := time.Now()
	outcome := p.invoke(taskCtx, task)
	result := Result{
		TaskID:    task.ID,
		Processor: task.Processor,
		Outcome:   outcome,
		Duration:  time.Since(start),
	}

	event := events.EventTaskCompleted
	if !outcome.Succeeded() {
		event = events.EventTaskFailed
	}
	_ = p.publisher.Publish(ctx, event, events.Payload{
		"task":      task.ID,
		"processor": task.Processor,
		"duration":  result.Duration.String(),
	})
	if p.observer != nil {
		p.observer(result)
	}
	p.deliver(task, result)
}

func (p *Pool) invoke(ctx context.Context, task *Task) (outcome processor.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked",
				logging.String(logging.FieldProcessor, task.Processor),
				logging.Any("panic", r))
			outcome = processor.Failf("task %s panicked: %v", task.ID, r)
		}
	}()

	out, err := task.Proc.Process(ctx, task.Context)
	if err != nil {
		return processor.Fail(err)
	}
	return out
}

func (p *Pool) deliver(task *Task, result Result) {
	select {
	case task.result <- result:
	default:
	}
}

// drainQueue fails any tasks still queued at shutdown.
func (p *Pool) drainQueue() {
	p.mu.Lock()
	remaining := p.queue.items
	p.queue.items = nil
	p.mu.Unlock()

	for _, task := range remaining {
		p.deliver(task, Result{
			TaskID:    task.ID,
			Processor: task.Processor,
			Err:       services.Wrap(services.ErrResourceExhausted, "pool", "shutdown", "task abandoned", nil),
		})
	}
}
