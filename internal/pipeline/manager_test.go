package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
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

type stubProc struct {
	name string
	fn   func(ctx context.Context, pc *processor.Context) (processor.Outcome, error)
}

func (p *stubProc) Describe() processor.Descriptor {
	return processor.Descriptor{
		Name:    p.name,
		Version: "1.0.0",
		Formats: []string{processor.WildcardFormat},
	}
}

func (p *stubProc) Process(ctx context.Context, pc *processor.Context) (processor.Outcome, error) {
	return p.fn(ctx, pc)
}

func succeedWith(payload string) func(context.Context, *processor.Context) (processor.Outcome, error) {
	return func(context.Context, *processor.Context) (processor.Outcome, error) {
		return processor.Succeed([]byte(payload)), nil
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) record(_ context.Context, event events.Event, _ events.Payload) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) count(event events.Event) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e == event {
			n++
		}
	}
	return n
}

type managerFixture struct {
	manager  *Manager
	registry *registry.Registry
	events   *eventLog
}

func newFixture(t *testing.T, procs map[string]processor.Processor, opts ...ManagerOption) *managerFixture {
	t.Helper()

	reg := registry.New(logging.NewNop())
	for name, proc := range procs {
		proc := proc
		err := reg.Register(registry.Factory{
			Descriptor: proc.Describe(),
			New: func(map[string]any, registry.Dependencies) (processor.Processor, error) {
				return proc, nil
			},
		})
		if err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	workers, err := pool.New(pool.Settings{
		CooperativeWorkers: 4,
		QueueCapacity:      32,
		TaskTimeout:        5 * time.Second,
		ShutdownGrace:      time.Second,
		DispatchInterval:   10 * time.Millisecond,
	}, logging.NewNop())
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	workers.Start(context.Background())
	t.Cleanup(workers.Shutdown)

	log := &eventLog{}
	bus := events.NewBus()
	bus.SubscribeAll(log.record)

	settings := Settings{
		StageRetries: 2,
		StageTimeout: 5 * time.Second,
		PollInterval: 10 * time.Millisecond,
		Resilience:   resilience.Settings{RetryCount: 1, Backoff: 5 * time.Millisecond},
		Breaker: resilience.BreakerSettings{
			FailureThreshold: 100,
			RecoveryTimeout:  time.Minute,
			HalfOpenRequests: 1,
		},
	}
	opts = append([]ManagerOption{WithPublisher(bus)}, opts...)
	m := NewManager(reg, workers, settings, logging.NewNop(), opts...)
	return &managerFixture{manager: m, registry: reg, events: log}
}

func waitTerminal(t *testing.T, m *Manager, id string) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, ok := m.Status(id)
		if ok && snap.Status.Terminal() {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	snap, _ := m.Status(id)
	t.Fatalf("execution %s did not finish, status %s", id, snap.Status)
	return Snapshot{}
}

func stageByName(t *testing.T, snap Snapshot, name string) StageState {
	t.Helper()
	for _, state := range snap.Stages {
		if state.Name == name {
			return state
		}
	}
	t.Fatalf("stage %s not in snapshot", name)
	return StageState{}
}

func linearDefinition() *Definition {
	return &Definition{
		Name: "linear",
		Stages: []Stage{
			{Name: "a", Processor: "proc-a"},
			{Name: "b", Processor: "proc-b", DependsOn: []string{"a"}},
			{Name: "c", Processor: "proc-c", DependsOn: []string{"b"}},
		},
	}
}

func TestLinearPipelineCompletes(t *testing.T) {
	var sawPrior atomic.Bool
	fx := newFixture(t, map[string]processor.Processor{
		"proc-a": &stubProc{name: "proc-a", fn: succeedWith("from-a")},
		"proc-b": &stubProc{name: "proc-b", fn: func(_ context.Context, pc *processor.Context) (processor.Outcome, error) {
			if out, ok := pc.PriorOutput("a"); ok && string(out.Payload) == "from-a" {
				sawPrior.Store(true)
			}
			return processor.Succeed([]byte("from-b")), nil
		}},
		"proc-c": &stubProc{name: "proc-c", fn: succeedWith("from-c")},
	})

	if err := fx.manager.CreatePipeline(linearDefinition()); err != nil {
		t.Fatalf("CreatePipeline returned error: %v", err)
	}
	id, err := fx.manager.Execute(context.Background(), "linear", "doc-1", "/tmp/doc-1.txt", "text/plain", nil)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	snap := waitTerminal(t, fx.manager, id)
	if snap.Status != ExecutionCompleted {
		t.Fatalf("expected completed, got %s", snap.Status)
	}
	for _, name := range []string{"a", "b", "c"} {
		if state := stageByName(t, snap, name); state.Status != StageCompleted {
			t.Fatalf("stage %s not completed: %+v", name, state)
		}
	}
	if !sawPrior.Load() {
		t.Fatal("downstream stage did not observe upstream output")
	}
	if fx.events.count(events.EventExecutionCompleted) != 1 {
		t.Fatal("expected one execution_completed event")
	}
}

func TestFailedStageSkipsDependents(t *testing.T) {
	fx := newFixture(t, map[string]processor.Processor{
		"proc-a": &stubProc{name: "proc-a", fn: succeedWith("ok")},
		"proc-b": &stubProc{name: "proc-b", fn: func(context.Context, *processor.Context) (processor.Outcome, error) {
			return processor.Failf("extraction backend down"), nil
		}},
		"proc-c": &stubProc{name: "proc-c", fn: succeedWith("never runs")},
	})

	if err := fx.manager.CreatePipeline(linearDefinition()); err != nil {
		t.Fatalf("CreatePipeline returned error: %v", err)
	}
	id, err := fx.manager.Execute(context.Background(), "linear", "doc-2", "", "", nil)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	snap := waitTerminal(t, fx.manager, id)
	if snap.Status != ExecutionFailed {
		t.Fatalf("expected failed, got %s", snap.Status)
	}
	if state := stageByName(t, snap, "a"); state.Status != StageCompleted {
		t.Fatalf("stage a should complete: %+v", state)
	}
	b := stageByName(t, snap, "b")
	if b.Status != StageFailed {
		t.Fatalf("stage b should fail: %+v", b)
	}
	if b.Attempts != 2 {
		t.Fatalf("stage b should consume its retry budget, attempts=%d", b.Attempts)
	}
	if state := stageByName(t, snap, "c"); state.Status != StageSkipped {
		t.Fatalf("stage c should be skipped: %+v", state)
	}
	if fx.events.count(events.EventStageSkipped) != 1 {
		t.Fatal("expected one stage_skipped event")
	}
}

func TestToleratedFailureYieldsPartialSuccess(t *testing.T) {
	fx := newFixture(t, map[string]processor.Processor{
		"proc-a": &stubProc{name: "proc-a", fn: succeedWith("ok")},
		"proc-b": &stubProc{name: "proc-b", fn: func(context.Context, *processor.Context) (processor.Outcome, error) {
			return processor.Failf("optional enrichment unavailable"), nil
		}},
		"proc-c": &stubProc{name: "proc-c", fn: succeedWith("ok")},
	})

	def := linearDefinition()
	def.Stages[2].TolerateFailure = []string{"b"}
	if err := fx.manager.CreatePipeline(def); err != nil {
		t.Fatalf("CreatePipeline returned error: %v", err)
	}
	id, err := fx.manager.Execute(context.Background(), "linear", "doc-3", "", "", nil)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	snap := waitTerminal(t, fx.manager, id)
	if snap.Status != ExecutionPartialSuccess {
		t.Fatalf("expected partial_success, got %s", snap.Status)
	}
	if state := stageByName(t, snap, "c"); state.Status != StageCompleted {
		t.Fatalf("stage c should run despite b failing: %+v", state)
	}
}

func TestFailureToleranceIsPerEdge(t *testing.T) {
	fx := newFixture(t, map[string]processor.Processor{
		"proc-root": &stubProc{name: "proc-root", fn: succeedWith("ok")},
		"proc-flaky": &stubProc{name: "proc-flaky", fn: func(context.Context, *processor.Context) (processor.Outcome, error) {
			return processor.Failf("enrichment backend down"), nil
		}},
		"proc-dep": &stubProc{name: "proc-dep", fn: succeedWith("ok")},
	})

	def := &Definition{
		Name: "fan-out",
		Stages: []Stage{
			{Name: "root", Processor: "proc-root"},
			{Name: "flaky", Processor: "proc-flaky", DependsOn: []string{"root"}},
			{Name: "strict", Processor: "proc-dep", DependsOn: []string{"flaky"}},
			{Name: "lenient", Processor: "proc-dep", DependsOn: []string{"flaky"}, TolerateFailure: []string{"flaky"}},
		},
	}
	if err := fx.manager.CreatePipeline(def); err != nil {
		t.Fatalf("CreatePipeline returned error: %v", err)
	}
	id, err := fx.manager.Execute(context.Background(), "fan-out", "doc-9", "", "", nil)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	snap := waitTerminal(t, fx.manager, id)
	if snap.Status != ExecutionFailed {
		t.Fatalf("an intolerant dependent was skipped, expected failed, got %s", snap.Status)
	}
	if state := stageByName(t, snap, "lenient"); state.Status != StageCompleted {
		t.Fatalf("tolerant dependent should still run: %+v", state)
	}
	if state := stageByName(t, snap, "strict"); state.Status != StageSkipped {
		t.Fatalf("intolerant dependent should be skipped: %+v", state)
	}
}

func TestExecuteForwardsMetadata(t *testing.T) {
	var seen atomic.Value
	fx := newFixture(t, map[string]processor.Processor{
		"proc-a": &stubProc{name: "proc-a", fn: func(_ context.Context, pc *processor.Context) (processor.Outcome, error) {
			seen.Store(pc.Metadata["tenant"])
			return processor.Succeed(nil), nil
		}},
	})
	def := &Definition{Name: "single", Stages: []Stage{{Name: "only", Processor: "proc-a"}}}
	if err := fx.manager.CreatePipeline(def); err != nil {
		t.Fatalf("CreatePipeline returned error: %v", err)
	}

	id, err := fx.manager.Execute(context.Background(), "single", "doc-10", "", "", map[string]string{"tenant": "acme"})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	waitTerminal(t, fx.manager, id)

	if got, _ := seen.Load().(string); got != "acme" {
		t.Fatalf("stage did not observe execution metadata, got %q", got)
	}
}

func TestStageRetryRecoversFromTransientFailure(t *testing.T) {
	var calls atomic.Int64
	fx := newFixture(t, map[string]processor.Processor{
		"flaky": &stubProc{name: "flaky", fn: func(context.Context, *processor.Context) (processor.Outcome, error) {
			if calls.Add(1) == 1 {
				return processor.Failf("transient"), nil
			}
			return processor.Succeed([]byte("ok")), nil
		}},
	})

	def := &Definition{Name: "single", Stages: []Stage{{Name: "only", Processor: "flaky", Retries: 3}}}
	if err := fx.manager.CreatePipeline(def); err != nil {
		t.Fatalf("CreatePipeline returned error: %v", err)
	}
	id, err := fx.manager.Execute(context.Background(), "single", "doc-4", "", "", nil)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	snap := waitTerminal(t, fx.manager, id)
	if snap.Status != ExecutionCompleted {
		t.Fatalf("expected completed, got %s", snap.Status)
	}
	if state := stageByName(t, snap, "only"); state.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", state.Attempts)
	}
}

func TestDiamondRunsMergeLast(t *testing.T) {
	var mu sync.Mutex
	var order []string
	recording := func(name string) processor.Processor {
		return &stubProc{name: name, fn: func(context.Context, *processor.Context) (processor.Outcome, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return processor.Succeed(nil), nil
		}}
	}
	fx := newFixture(t, map[string]processor.Processor{
		"root":  recording("root"),
		"left":  recording("left"),
		"right": recording("right"),
		"merge": recording("merge"),
	})

	def := &Definition{
		Name: "diamond",
		Stages: []Stage{
			{Name: "root", Processor: "root"},
			{Name: "left", Processor: "left", DependsOn: []string{"root"}},
			{Name: "right", Processor: "right", DependsOn: []string{"root"}},
			{Name: "merge", Processor: "merge", DependsOn: []string{"left", "right"}},
		},
	}
	if err := fx.manager.CreatePipeline(def); err != nil {
		t.Fatalf("CreatePipeline returned error: %v", err)
	}
	id, err := fx.manager.Execute(context.Background(), "diamond", "doc-5", "", "", nil)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	snap := waitTerminal(t, fx.manager, id)
	if snap.Status != ExecutionCompleted {
		t.Fatalf("expected completed, got %s", snap.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 4 || order[0] != "root" || order[3] != "merge" {
		t.Fatalf("unexpected invocation order: %v", order)
	}
}

func TestCreatePipelineRejectsUnknownProcessor(t *testing.T) {
	fx := newFixture(t, map[string]processor.Processor{
		"proc-a": &stubProc{name: "proc-a", fn: succeedWith("ok")},
	})

	def := &Definition{Name: "bad", Stages: []Stage{{Name: "x", Processor: "missing"}}}
	err := fx.manager.CreatePipeline(def)
	if !errors.Is(err, services.ErrProcessorNotFound) {
		t.Fatalf("expected processor-not-found error, got %v", err)
	}
}

func TestExecuteRejectsUnknownPipeline(t *testing.T) {
	fx := newFixture(t, nil)
	_, err := fx.manager.Execute(context.Background(), "ghost", "doc", "", "", nil)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestResumeSkipsCompletedStages(t *testing.T) {
	store, err := statestore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	var aCalls atomic.Int64
	var bHealthy atomic.Bool
	var resumedTenant atomic.Value
	fx := newFixture(t, map[string]processor.Processor{
		"proc-a": &stubProc{name: "proc-a", fn: func(context.Context, *processor.Context) (processor.Outcome, error) {
			aCalls.Add(1)
			return processor.Succeed([]byte("from-a")), nil
		}},
		"proc-b": &stubProc{name: "proc-b", fn: func(_ context.Context, pc *processor.Context) (processor.Outcome, error) {
			if !bHealthy.Load() {
				return processor.Failf("downstream outage"), nil
			}
			resumedTenant.Store(pc.Metadata["tenant"])
			return processor.Succeed([]byte("from-b")), nil
		}},
	}, WithStore(store))

	def := &Definition{
		Name: "two-step",
		Stages: []Stage{
			{Name: "a", Processor: "proc-a"},
			{Name: "b", Processor: "proc-b", DependsOn: []string{"a"}},
		},
	}
	if err := fx.manager.CreatePipeline(def); err != nil {
		t.Fatalf("CreatePipeline returned error: %v", err)
	}

	id, err := fx.manager.Execute(context.Background(), "two-step", "doc-6", "", "", map[string]string{"tenant": "acme"})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	snap := waitTerminal(t, fx.manager, id)
	if snap.Status != ExecutionFailed {
		t.Fatalf("expected failed first run, got %s", snap.Status)
	}

	bHealthy.Store(true)
	if err := fx.manager.Resume(context.Background(), id); err != nil {
		t.Fatalf("Resume returned error: %v", err)
	}

	snap = waitTerminal(t, fx.manager, id)
	if snap.Status != ExecutionCompleted {
		t.Fatalf("expected completed after resume, got %s", snap.Status)
	}
	if aCalls.Load() != 1 {
		t.Fatalf("completed stage a re-ran on resume: %d calls", aCalls.Load())
	}
	if got, _ := resumedTenant.Load().(string); got != "acme" {
		t.Fatalf("metadata did not survive the checkpoint, got %q", got)
	}
}

func TestResumeWithoutCheckpointFails(t *testing.T) {
	store, err := statestore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	fx := newFixture(t, nil, WithStore(store))
	if err := fx.manager.Resume(context.Background(), "no-such-execution"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPauseAllDefersStageLaunches(t *testing.T) {
	fx := newFixture(t, map[string]processor.Processor{
		"proc-a": &stubProc{name: "proc-a", fn: succeedWith("ok")},
	})
	def := &Definition{Name: "single", Stages: []Stage{{Name: "only", Processor: "proc-a"}}}
	if err := fx.manager.CreatePipeline(def); err != nil {
		t.Fatalf("CreatePipeline returned error: %v", err)
	}

	fx.manager.PauseAll()
	id, err := fx.manager.Execute(context.Background(), "single", "doc-7", "", "", nil)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	snap, _ := fx.manager.Status(id)
	if snap.Status.Terminal() {
		t.Fatal("execution progressed while paused")
	}
	if state := stageByName(t, snap, "only"); state.Status != StagePending {
		t.Fatalf("stage launched while paused: %+v", state)
	}

	fx.manager.ResumeAll()
	snap = waitTerminal(t, fx.manager, id)
	if snap.Status != ExecutionCompleted {
		t.Fatalf("expected completed after resume, got %s", snap.Status)
	}
}

type brokenStore struct {
	statestore.Store
}

func (brokenStore) SaveExecution(context.Context, *statestore.Record) error { return nil }
func (brokenStore) PutCheckpoint(context.Context, string, []byte) error {
	return services.Wrap(services.ErrStateStore, "statestore", "put checkpoint", "disk gone", nil)
}

func TestCheckpointFailureDegradesExecution(t *testing.T) {
	fx := newFixture(t, map[string]processor.Processor{
		"proc-a": &stubProc{name: "proc-a", fn: succeedWith("ok")},
	}, WithStore(brokenStore{}))

	def := &Definition{Name: "single", Stages: []Stage{{Name: "only", Processor: "proc-a"}}}
	if err := fx.manager.CreatePipeline(def); err != nil {
		t.Fatalf("CreatePipeline returned error: %v", err)
	}
	id, err := fx.manager.Execute(context.Background(), "single", "doc-8", "", "", nil)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	snap := waitTerminal(t, fx.manager, id)
	if snap.Status != ExecutionCompleted {
		t.Fatalf("checkpoint failure must not abort execution, got %s", snap.Status)
	}
	if !snap.CheckpointDegraded {
		t.Fatal("execution should be marked checkpoint-degraded")
	}
	if fx.events.count(events.EventCheckpointDegraded) != 1 {
		t.Fatalf("expected exactly one degradation event, got %d", fx.events.count(events.EventCheckpointDegraded))
	}
}
