package statestore

import (
	"context"
	"time"
)

// Record is the persisted summary of one pipeline execution. The detailed
// per-stage snapshot travels as the opaque checkpoint payload so the store
// stays agnostic to pipeline internals.
type Record struct {
	ID         string
	Definition string
	DocumentID string
	Status     string
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store is the durable persistence contract for executions and checkpoints.
// The engine tolerates a failing store: checkpoint errors degrade the
// execution rather than aborting it.
type Store interface {
	SaveExecution(ctx context.Context, record *Record) error
	LoadExecution(ctx context.Context, id string) (*Record, error)
	ListExecutions(ctx context.Context) ([]*Record, error)
	PutCheckpoint(ctx context.Context, executionID string, payload []byte) error
	GetCheckpoint(ctx context.Context, executionID string) ([]byte, error)
	Healthy(ctx context.Context) bool
	Close() error
}
