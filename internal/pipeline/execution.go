package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"docpipe/internal/processor"
	"docpipe/internal/services"
)

// StageStatus tracks one stage through its lifecycle.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// ExecutionStatus is the terminal or in-flight state of a whole execution.
type ExecutionStatus string

const (
	ExecutionRunning        ExecutionStatus = "running"
	ExecutionPaused         ExecutionStatus = "paused"
	ExecutionCompleted      ExecutionStatus = "completed"
	ExecutionFailed         ExecutionStatus = "failed"
	ExecutionPartialSuccess ExecutionStatus = "partial_success"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionPartialSuccess
}

// StageState is the mutable runtime record for one stage of one execution.
type StageState struct {
	Name       string
	Status     StageStatus
	Attempts   int
	Outcome    processor.Outcome
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Execution is the runtime record of one pipeline run over one document. All
// mutation happens on the manager's execution loop; Snapshot gives observers a
// consistent copy.
type Execution struct {
	mu sync.Mutex

	ID                 string
	Definition         *Definition
	DocumentID         string
	InputPath          string
	MimeType           string
	Metadata           map[string]string
	Status             ExecutionStatus
	Stages             map[string]*StageState
	CheckpointDegraded bool
	StartedAt          time.Time
	FinishedAt         time.Time
}

func newExecution(def *Definition, docID, inputPath, mimeType string, metadata map[string]string) *Execution {
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	exec := &Execution{
		ID:         uuid.NewString(),
		Definition: def,
		DocumentID: docID,
		InputPath:  inputPath,
		MimeType:   mimeType,
		Metadata:   meta,
		Status:     ExecutionRunning,
		Stages:     make(map[string]*StageState, len(def.Stages)),
		StartedAt:  time.Now(),
	}
	for _, stage := range def.Stages {
		exec.Stages[stage.Name] = &StageState{Name: stage.Name, Status: StagePending}
	}
	return exec
}

// Snapshot returns a copy safe to inspect outside the execution loop.
type Snapshot struct {
	ID                 string
	Definition         string
	DocumentID         string
	Status             ExecutionStatus
	Stages             []StageState
	CheckpointDegraded bool
	StartedAt          time.Time
	FinishedAt         time.Time
}

// Snapshot copies the execution state under its lock.
func (e *Execution) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{
		ID:                 e.ID,
		Definition:         e.Definition.Name,
		DocumentID:         e.DocumentID,
		Status:             e.Status,
		CheckpointDegraded: e.CheckpointDegraded,
		StartedAt:          e.StartedAt,
		FinishedAt:         e.FinishedAt,
	}
	order, err := e.Definition.TopologicalOrder()
	if err != nil {
		for name := range e.Stages {
			order = append(order, name)
		}
	}
	for _, name := range order {
		if state, ok := e.Stages[name]; ok {
			snap.Stages = append(snap.Stages, *state)
		}
	}
	return snap
}

// StageSnapshot returns a copy of one stage's state.
func (e *Execution) StageSnapshot(name string) (StageState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.Stages[name]
	if !ok {
		return StageState{}, false
	}
	return *state, true
}

// checkpointStage is the persisted form of a stage state. Succeeded stage
// payloads ride along so a resumed execution can feed them to dependents.
type checkpointStage struct {
	Name     string            `msgpack:"name"`
	Status   StageStatus       `msgpack:"status"`
	Attempts int               `msgpack:"attempts"`
	Error    string            `msgpack:"error,omitempty"`
	Payload  []byte            `msgpack:"payload,omitempty"`
	Metadata map[string]string `msgpack:"metadata,omitempty"`
}

type checkpoint struct {
	ExecutionID string            `msgpack:"execution_id"`
	Definition  string            `msgpack:"definition"`
	DocumentID  string            `msgpack:"document_id"`
	InputPath   string            `msgpack:"input_path"`
	MimeType    string            `msgpack:"mime_type"`
	Metadata    map[string]string `msgpack:"metadata,omitempty"`
	Status      ExecutionStatus   `msgpack:"status"`
	Stages      []checkpointStage `msgpack:"stages"`
	SavedAt     time.Time         `msgpack:"saved_at"`
}

// encodeCheckpoint serializes the execution for durable storage.
func (e *Execution) encodeCheckpoint() ([]byte, error) {
	e.mu.Lock()
	cp := checkpoint{
		ExecutionID: e.ID,
		Definition:  e.Definition.Name,
		DocumentID:  e.DocumentID,
		InputPath:   e.InputPath,
		MimeType:    e.MimeType,
		Metadata:    e.Metadata,
		Status:      e.Status,
		SavedAt:     time.Now(),
	}
	for _, state := range e.Stages {
		cs := checkpointStage{
			Name:     state.Name,
			Status:   state.Status,
			Attempts: state.Attempts,
			Error:    state.Error,
		}
		if state.Status == StageCompleted {
			cs.Payload = state.Outcome.Payload
			cs.Metadata = state.Outcome.Metadata
		}
		cp.Stages = append(cp.Stages, cs)
	}
	e.mu.Unlock()

	data, err := msgpack.Marshal(cp)
	if err != nil {
		return nil, services.Wrap(services.ErrStateStore, "pipeline", "encode checkpoint", e.ID, err)
	}
	return data, nil
}

func decodeCheckpoint(payload []byte) (*checkpoint, error) {
	var cp checkpoint
	if err := msgpack.Unmarshal(payload, &cp); err != nil {
		return nil, services.Wrap(services.ErrStateStore, "pipeline", "decode checkpoint", "", err)
	}
	return &cp, nil
}

// executionFromCheckpoint rebuilds execution state from a decoded checkpoint.
// Completed stages keep their outputs; everything else resets to pending so
// the run can be retried from where it stopped.
func executionFromCheckpoint(def *Definition, cp *checkpoint) *Execution {
	exec := newExecution(def, cp.DocumentID, cp.InputPath, cp.MimeType, cp.Metadata)
	exec.ID = cp.ExecutionID
	for _, cs := range cp.Stages {
		state, ok := exec.Stages[cs.Name]
		if !ok {
			continue
		}
		if cs.Status == StageCompleted {
			state.Status = StageCompleted
			state.Attempts = cs.Attempts
			state.Outcome = processor.Outcome{
				Status:   processor.StatusSucceeded,
				Payload:  cs.Payload,
				Metadata: cs.Metadata,
			}
		}
	}
	return exec
}
