package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"docpipe/internal/events"
	"docpipe/internal/logging"
	"docpipe/internal/pool"
	"docpipe/internal/processor"
	"docpipe/internal/registry"
	"docpipe/internal/resilience"
	"docpipe/internal/services"
	"docpipe/internal/statestore"
)

// Settings carry the engine defaults applied to stages that do not override
// them, plus the resilience envelope shared by all processor invocations.
type Settings struct {
	StageRetries int
	StageTimeout time.Duration
	PollInterval time.Duration
	Resilience   resilience.Settings
	Breaker      resilience.BreakerSettings
}

// Manager owns pipeline definitions and drives executions over the worker
// pool. The manager never runs processors inline: every stage becomes a task,
// and the manager reacts to typed results.
type Manager struct {
	logger    *slog.Logger
	registry  *registry.Registry
	pool      *pool.Pool
	store     statestore.Store
	publisher events.Publisher
	settings  Settings
	pressure  func() bool

	mu          sync.Mutex
	definitions map[string]*Definition
	executions  map[string]*Execution
	breakers    map[string]*resilience.Breaker

	paused atomic.Bool
	wg     sync.WaitGroup
}

// ManagerOption configures optional Manager collaborators.
type ManagerOption func(*Manager)

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(pub events.Publisher) ManagerOption {
	return func(m *Manager) { m.publisher = pub }
}

// WithStore sets the durable execution store. Without one, executions are
// tracked in memory only and checkpointing is disabled.
func WithStore(store statestore.Store) ManagerOption {
	return func(m *Manager) { m.store = store }
}

// WithPressureGate forwards the resource pressure signal into the resilience
// layer so retry budgets shrink under load.
func WithPressureGate(gate func() bool) ManagerOption {
	return func(m *Manager) { m.pressure = gate }
}

// NewManager constructs a manager over the given registry and pool.
func NewManager(reg *registry.Registry, workers *pool.Pool, settings Settings, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	if settings.StageRetries < 1 {
		settings.StageRetries = 1
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = 100 * time.Millisecond
	}
	m := &Manager{
		logger:      logger.With(logging.String(logging.FieldComponent, "pipeline-manager")),
		registry:    reg,
		pool:        workers,
		publisher:   events.NewNop(),
		settings:    settings,
		definitions: make(map[string]*Definition),
		executions:  make(map[string]*Execution),
		breakers:    make(map[string]*resilience.Breaker),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreatePipeline validates and registers a definition. Re-registering a name
// replaces the previous definition; running executions keep the version they
// started with.
func (m *Manager) CreatePipeline(def *Definition) error {
	if def == nil {
		return services.Wrap(services.ErrValidation, "pipeline", "create", "definition must not be nil", nil)
	}
	if err := def.Validate(); err != nil {
		return err
	}
	for _, stage := range def.Stages {
		if _, ok := m.registry.Describe(stage.Processor); !ok {
			return services.Wrap(services.ErrProcessorNotFound, "pipeline", "create",
				fmt.Sprintf("stage %s references unregistered processor %s", stage.Name, stage.Processor), nil)
		}
	}

	m.mu.Lock()
	m.definitions[def.Name] = def
	m.mu.Unlock()
	m.logger.Info("pipeline registered",
		logging.String("pipeline", def.Name),
		logging.Int("stages", len(def.Stages)))
	return nil
}

// Definitions lists registered pipeline names.
func (m *Manager) Definitions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.definitions))
	for name := range m.definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute starts an asynchronous execution of the named pipeline over one
// document and returns its execution id immediately. Metadata is bound to the
// execution and visible to every stage through its processor context.
func (m *Manager) Execute(ctx context.Context, pipelineName, documentID, inputPath, mimeType string, metadata map[string]string) (string, error) {
	m.mu.Lock()
	def, ok := m.definitions[pipelineName]
	m.mu.Unlock()
	if !ok {
		return "", services.Wrap(services.ErrValidation, "pipeline", "execute",
			fmt.Sprintf("unknown pipeline %s", pipelineName), nil)
	}

	exec := newExecution(def, documentID, inputPath, mimeType, metadata)
	m.track(exec)
	m.persistRecord(ctx, exec)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, exec)
	}()
	return exec.ID, nil
}

// Resume restores an interrupted execution from its checkpoint and continues
// it. Completed stages are not re-run.
func (m *Manager) Resume(ctx context.Context, executionID string) error {
	if m.store == nil {
		return services.Wrap(services.ErrStateStore, "pipeline", "resume", "no state store configured", nil)
	}
	payload, err := m.store.GetCheckpoint(ctx, executionID)
	if err != nil {
		return err
	}
	if payload == nil {
		return services.Wrap(services.ErrValidation, "pipeline", "resume",
			fmt.Sprintf("no checkpoint for execution %s", executionID), nil)
	}

	cp, err := decodeCheckpoint(payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	def, ok := m.definitions[cp.Definition]
	m.mu.Unlock()
	if !ok {
		return services.Wrap(services.ErrValidation, "pipeline", "resume",
			fmt.Sprintf("checkpoint references unknown pipeline %s", cp.Definition), nil)
	}

	exec := executionFromCheckpoint(def, cp)
	m.track(exec)
	m.logger.Info("resuming execution from checkpoint",
		logging.String(logging.FieldExecutionID, exec.ID),
		logging.String("pipeline", def.Name))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, exec)
	}()
	return nil
}

// Status returns a snapshot of one execution.
func (m *Manager) Status(executionID string) (Snapshot, bool) {
	m.mu.Lock()
	exec, ok := m.executions[executionID]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return exec.Snapshot(), true
}

// List snapshots every tracked execution, newest first.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	execs := make([]*Execution, 0, len(m.executions))
	for _, exec := range m.executions {
		execs = append(execs, exec)
	}
	m.mu.Unlock()

	snaps := make([]Snapshot, 0, len(execs))
	for _, exec := range execs {
		snaps = append(snaps, exec.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].StartedAt.After(snaps[j].StartedAt) })
	return snaps
}

// PauseAll stops launching new stages. In-flight tasks run to completion.
func (m *Manager) PauseAll() {
	m.paused.Store(true)
	m.logger.Info("stage launches paused")
}

// ResumeAll re-enables stage launches after PauseAll.
func (m *Manager) ResumeAll() {
	m.paused.Store(false)
	m.logger.Info("stage launches resumed")
}

// Wait blocks until all in-flight executions reach a terminal state.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) track(exec *Execution) {
	m.mu.Lock()
	m.executions[exec.ID] = exec
	m.mu.Unlock()
}

// breaker returns the shared circuit breaker for a processor, creating it on
// first use. Breakers are per-processor, not per-stage, so every pipeline
// sees the same health signal.
func (m *Manager) breaker(name string) *resilience.Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	b := resilience.NewBreaker(name, m.settings.Breaker,
		resilience.WithStateChange(func(processorName string, from, to resilience.State) {
			_ = m.publisher.Publish(context.Background(), events.EventCircuitStateChange, events.Payload{
				"processor": processorName,
				"from":      string(from),
				"to":        string(to),
			})
		}))
	m.breakers[name] = b
	return b
}

// BreakerStates reports the current circuit state per processor.
func (m *Manager) BreakerStates() map[string]resilience.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	states := make(map[string]resilience.State, len(m.breakers))
	for name, b := range m.breakers {
		states[name] = b.State()
	}
	return states
}

type stageDone struct {
	stage  string
	result pool.Result
}

// run drives one execution to a terminal state. The loop launches every ready
// stage, waits for completions, and re-evaluates readiness after each one.
func (m *Manager) run(ctx context.Context, exec *Execution) {
	log := m.logger.With(
		logging.String(logging.FieldExecutionID, exec.ID),
		logging.String(logging.FieldDocumentID, exec.DocumentID))
	_ = m.publisher.Publish(ctx, events.EventExecutionStarted, events.Payload{
		"execution": exec.ID,
		"pipeline":  exec.Definition.Name,
		"document":  exec.DocumentID,
	})

	done := make(chan stageDone, len(exec.Definition.Stages))
	running := make(map[string]bool)
	ticker := time.NewTicker(m.settings.PollInterval)
	defer ticker.Stop()

	for {
		if !m.paused.Load() {
			for _, name := range m.readyStages(exec, running) {
				if m.launch(ctx, exec, name, done, log) {
					running[name] = true
				}
			}
		}

		if len(running) == 0 && m.remaining(exec) == 0 {
			m.finalize(ctx, exec, log)
			return
		}

		select {
		case <-ctx.Done():
			m.abort(exec, ctx.Err())
			m.finalize(ctx, exec, log)
			return
		case d := <-done:
			delete(running, d.stage)
			m.handleResult(ctx, exec, d, log)
			m.saveCheckpoint(ctx, exec, log)
		case <-ticker.C:
			// Re-poll: backpressured launches and pause flips resolve here.
		}
	}
}

// readyStages returns pending stages whose dependencies are all satisfied. An
// unavailable dependency, failed or skipped, satisfies a dependent only when
// that dependent declared tolerance for the edge.
func (m *Manager) readyStages(exec *Execution, running map[string]bool) []string {
	exec.mu.Lock()
	defer exec.mu.Unlock()

	var ready []string
	for _, stage := range exec.Definition.Stages {
		state := exec.Stages[stage.Name]
		if state.Status != StagePending || running[stage.Name] {
			continue
		}
		satisfied := true
		for _, dep := range stage.DependsOn {
			depState := exec.Stages[dep]
			if depState.Status == StageCompleted {
				continue
			}
			if (depState.Status == StageFailed || depState.Status == StageSkipped) && stage.Tolerates(dep) {
				continue
			}
			satisfied = false
			break
		}
		if satisfied {
			ready = append(ready, stage.Name)
		}
	}
	return ready
}

// remaining counts stages that still have work ahead of them.
func (m *Manager) remaining(exec *Execution) int {
	exec.mu.Lock()
	defer exec.mu.Unlock()
	n := 0
	for _, state := range exec.Stages {
		if state.Status == StagePending || state.Status == StageRunning {
			n++
		}
	}
	return n
}

// launch submits one stage task. A full queue leaves the stage pending for
// the next tick; a resolution failure fails the stage outright.
func (m *Manager) launch(ctx context.Context, exec *Execution, stageName string, done chan stageDone, log *slog.Logger) bool {
	stage, _ := exec.Definition.Stage(stageName)

	proc, err := m.resolve(ctx, stage)
	if err != nil {
		m.failStage(ctx, exec, stageName, err.Error(), log)
		m.saveCheckpoint(ctx, exec, log)
		return false
	}

	pc := processor.NewContext(exec.DocumentID, exec.InputPath, exec.MimeType).
		WithMetadata(exec.Metadata).
		WithPriorOutputs(m.priorOutputs(exec, stage))

	timeout := m.settings.StageTimeout
	if stage.TimeoutSeconds > 0 {
		timeout = time.Duration(stage.TimeoutSeconds) * time.Second
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		pc.Deadline = deadline
	}

	resultCh, err := m.pool.Submit(pool.Task{
		ID:        exec.ID + "/" + stageName,
		Processor: stage.Processor,
		Proc:      proc,
		Context:   pc,
		Priority:  pool.PriorityNormal,
		Deadline:  deadline,
	})
	if err != nil {
		if errors.Is(err, services.ErrResourceExhausted) {
			log.Debug("queue full, stage launch deferred",
				logging.String(logging.FieldStage, stageName))
			return false
		}
		m.failStage(ctx, exec, stageName, err.Error(), log)
		m.saveCheckpoint(ctx, exec, log)
		return false
	}

	exec.mu.Lock()
	state := exec.Stages[stageName]
	state.Status = StageRunning
	if state.StartedAt.IsZero() {
		state.StartedAt = time.Now()
	}
	exec.mu.Unlock()

	_ = m.publisher.Publish(ctx, events.EventStageStarted, events.Payload{
		"execution": exec.ID,
		"stage":     stageName,
		"processor": stage.Processor,
	})
	log.Info("stage started",
		logging.String(logging.FieldStage, stageName),
		logging.String(logging.FieldProcessor, stage.Processor))

	go func() {
		result := <-resultCh
		done <- stageDone{stage: stageName, result: result}
	}()
	return true
}

// resolve builds the resilient wrapper for a stage's processor.
func (m *Manager) resolve(ctx context.Context, stage Stage) (processor.Processor, error) {
	inner, err := m.registry.Get(ctx, stage.Processor, stage.Config)
	if err != nil {
		return nil, err
	}

	opts := []resilience.ResilientOption{resilience.WithLogger(m.logger)}
	if stage.Fallback != "" {
		fallback, err := m.registry.Get(ctx, stage.Fallback, nil)
		if err != nil {
			return nil, err
		}
		opts = append(opts, resilience.WithFallback(fallback))
	}
	if m.pressure != nil {
		opts = append(opts, resilience.WithPressureGate(m.pressure))
	}
	return resilience.NewResilientProcessor(inner, m.breaker(stage.Processor), m.settings.Resilience, opts...), nil
}

func (m *Manager) priorOutputs(exec *Execution, stage Stage) map[string]processor.Outcome {
	exec.mu.Lock()
	defer exec.mu.Unlock()
	outputs := make(map[string]processor.Outcome, len(stage.DependsOn))
	for _, dep := range stage.DependsOn {
		if state := exec.Stages[dep]; state.Status == StageCompleted {
			outputs[dep] = state.Outcome
		}
	}
	return outputs
}

// handleResult applies one finished task to its stage: success completes it,
// failure consumes a stage-level attempt and either requeues or fails it.
func (m *Manager) handleResult(ctx context.Context, exec *Execution, d stageDone, log *slog.Logger) {
	stage, _ := exec.Definition.Stage(d.stage)
	retries := m.settings.StageRetries
	if stage.Retries > 0 {
		retries = stage.Retries
	}

	failure := ""
	switch {
	case d.result.Err != nil:
		failure = d.result.Err.Error()
	case !d.result.Outcome.Succeeded():
		failure = d.result.Outcome.ErrorMessage()
		if failure == "" {
			failure = "processor reported failure"
		}
	}

	exec.mu.Lock()
	state := exec.Stages[d.stage]
	state.Attempts++
	attempts := state.Attempts

	if failure == "" {
		state.Status = StageCompleted
		state.Outcome = d.result.Outcome
		state.Error = ""
		state.FinishedAt = time.Now()
		exec.mu.Unlock()

		_ = m.publisher.Publish(ctx, events.EventStageCompleted, events.Payload{
			"execution": exec.ID,
			"stage":     d.stage,
			"duration":  d.result.Duration.String(),
		})
		log.Info("stage completed",
			logging.String(logging.FieldStage, d.stage),
			logging.Int("attempts", attempts))
		return
	}

	if attempts < retries {
		state.Status = StagePending
		state.Error = failure
		exec.mu.Unlock()
		log.Warn("stage attempt failed, will retry",
			logging.String(logging.FieldStage, d.stage),
			logging.Int("attempt", attempts),
			logging.Int("budget", retries),
			logging.String("error", failure))
		return
	}
	exec.mu.Unlock()

	m.failStage(ctx, exec, d.stage, failure, log)
}

// failStage marks a stage failed and transitively skips the dependents that
// did not declare tolerance for losing it.
func (m *Manager) failStage(ctx context.Context, exec *Execution, stageName, message string, log *slog.Logger) {
	exec.mu.Lock()
	state := exec.Stages[stageName]
	state.Status = StageFailed
	state.Error = message
	state.FinishedAt = time.Now()
	skipped := m.skipDependentsLocked(exec, stageName)
	exec.mu.Unlock()

	_ = m.publisher.Publish(ctx, events.EventStageFailed, events.Payload{
		"execution": exec.ID,
		"stage":     stageName,
		"error":     message,
	})
	log.Error("stage failed",
		logging.String(logging.FieldStage, stageName),
		logging.String("error", message))

	for _, name := range skipped {
		_ = m.publisher.Publish(ctx, events.EventStageSkipped, events.Payload{
			"execution": exec.ID,
			"stage":     name,
			"cause":     stageName,
		})
		log.Warn("stage skipped, dependency failed",
			logging.String(logging.FieldStage, name),
			logging.String("cause", stageName))
	}
}

// skipDependentsLocked marks every pending stage that transitively lost a
// dependency it does not tolerate. A stage tolerating the lost edge stays
// pending and remains launchable. Caller holds exec.mu.
func (m *Manager) skipDependentsLocked(exec *Execution, root string) []string {
	unavailable := map[string]bool{root: true}
	var skipped []string
	for changed := true; changed; {
		changed = false
		for _, stage := range exec.Definition.Stages {
			if unavailable[stage.Name] {
				continue
			}
			for _, dep := range stage.DependsOn {
				if !unavailable[dep] || stage.Tolerates(dep) {
					continue
				}
				unavailable[stage.Name] = true
				if state := exec.Stages[stage.Name]; state.Status == StagePending {
					state.Status = StageSkipped
					state.Error = fmt.Sprintf("dependency %s unavailable", dep)
					state.FinishedAt = time.Now()
					skipped = append(skipped, stage.Name)
				}
				changed = true
				break
			}
		}
	}
	sort.Strings(skipped)
	return skipped
}

func (m *Manager) abort(exec *Execution, cause error) {
	exec.mu.Lock()
	defer exec.mu.Unlock()
	for _, state := range exec.Stages {
		if state.Status == StagePending || state.Status == StageRunning {
			state.Status = StageFailed
			state.Error = fmt.Sprintf("execution aborted: %v", cause)
			state.FinishedAt = time.Now()
		}
	}
}

// finalize derives the terminal execution status and persists it.
func (m *Manager) finalize(ctx context.Context, exec *Execution, log *slog.Logger) {
	exec.mu.Lock()
	hardFailure := false
	softFailure := false
	for _, state := range exec.Stages {
		if state.Status != StageFailed {
			continue
		}
		if exec.Definition.failureTolerated(state.Name) {
			softFailure = true
		} else {
			hardFailure = true
		}
	}
	switch {
	case hardFailure:
		exec.Status = ExecutionFailed
	case softFailure:
		exec.Status = ExecutionPartialSuccess
	default:
		exec.Status = ExecutionCompleted
	}
	exec.FinishedAt = time.Now()
	status := exec.Status
	exec.mu.Unlock()

	m.saveCheckpoint(ctx, exec, log)
	m.persistRecord(ctx, exec)

	event := events.EventExecutionCompleted
	if status == ExecutionFailed {
		event = events.EventExecutionFailed
	}
	_ = m.publisher.Publish(ctx, event, events.Payload{
		"execution": exec.ID,
		"pipeline":  exec.Definition.Name,
		"status":    string(status),
	})
	log.Info("execution finished", logging.String("status", string(status)))
}

// saveCheckpoint persists the execution snapshot. Checkpoint failures degrade
// the execution instead of aborting it; the degradation is surfaced once.
func (m *Manager) saveCheckpoint(ctx context.Context, exec *Execution, log *slog.Logger) {
	if m.store == nil {
		return
	}
	payload, err := exec.encodeCheckpoint()
	if err == nil {
		err = m.store.PutCheckpoint(ctx, exec.ID, payload)
	}
	if err == nil {
		return
	}

	exec.mu.Lock()
	first := !exec.CheckpointDegraded
	exec.CheckpointDegraded = true
	exec.mu.Unlock()

	log.Warn("checkpoint write failed, execution degraded", logging.Error(err))
	if first {
		_ = m.publisher.Publish(ctx, events.EventCheckpointDegraded, events.Payload{
			"execution": exec.ID,
			"error":     err.Error(),
		})
	}
}

func (m *Manager) persistRecord(ctx context.Context, exec *Execution) {
	if m.store == nil {
		return
	}
	exec.mu.Lock()
	record := &statestore.Record{
		ID:         exec.ID,
		Definition: exec.Definition.Name,
		DocumentID: exec.DocumentID,
		Status:     string(exec.Status),
		CreatedAt:  exec.StartedAt,
	}
	for _, state := range exec.Stages {
		if state.Status == StageFailed && record.Error == "" {
			record.Error = fmt.Sprintf("stage %s: %s", state.Name, state.Error)
		}
	}
	exec.mu.Unlock()

	if err := m.store.SaveExecution(ctx, record); err != nil {
		m.logger.Warn("failed to persist execution record",
			logging.String(logging.FieldExecutionID, exec.ID),
			logging.Error(err))
	}
}
