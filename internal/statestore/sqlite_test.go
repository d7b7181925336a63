package statestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"docpipe/internal/services"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSaveAndLoadExecution(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record := &Record{
		ID:         "exec-1",
		Definition: "ingest",
		DocumentID: "doc-42",
		Status:     "running",
	}
	if err := store.SaveExecution(ctx, record); err != nil {
		t.Fatalf("SaveExecution returned error: %v", err)
	}
	if record.CreatedAt.IsZero() || record.UpdatedAt.IsZero() {
		t.Fatal("SaveExecution should stamp timestamps")
	}

	loaded, err := store.LoadExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("LoadExecution returned error: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected record, got nil")
	}
	if loaded.Definition != "ingest" || loaded.DocumentID != "doc-42" || loaded.Status != "running" {
		t.Fatalf("unexpected record: %+v", loaded)
	}
}

func TestSaveExecutionUpdatesStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record := &Record{ID: "exec-1", Definition: "ingest", DocumentID: "doc-1", Status: "running"}
	if err := store.SaveExecution(ctx, record); err != nil {
		t.Fatalf("SaveExecution returned error: %v", err)
	}
	created := record.CreatedAt

	record.Status = "failed"
	record.Error = "stage extract exhausted retries"
	if err := store.SaveExecution(ctx, record); err != nil {
		t.Fatalf("second SaveExecution returned error: %v", err)
	}

	loaded, err := store.LoadExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("LoadExecution returned error: %v", err)
	}
	if loaded.Status != "failed" || loaded.Error == "" {
		t.Fatalf("update not applied: %+v", loaded)
	}
	if !loaded.CreatedAt.Equal(created) {
		t.Fatalf("created_at changed on update: %v vs %v", loaded.CreatedAt, created)
	}
}

func TestSaveExecutionRequiresID(t *testing.T) {
	store := newTestStore(t)

	err := store.SaveExecution(context.Background(), &Record{})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestLoadExecutionMissingReturnsNil(t *testing.T) {
	store := newTestStore(t)

	record, err := store.LoadExecution(context.Background(), "nope")
	if err != nil {
		t.Fatalf("LoadExecution returned error: %v", err)
	}
	if record != nil {
		t.Fatalf("expected nil record, got %+v", record)
	}
}

func TestListExecutionsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	older := &Record{ID: "exec-old", Definition: "d", DocumentID: "a", Status: "completed",
		CreatedAt: time.Now().Add(-time.Hour)}
	newer := &Record{ID: "exec-new", Definition: "d", DocumentID: "b", Status: "running"}
	if err := store.SaveExecution(ctx, older); err != nil {
		t.Fatalf("SaveExecution returned error: %v", err)
	}
	if err := store.SaveExecution(ctx, newer); err != nil {
		t.Fatalf("SaveExecution returned error: %v", err)
	}

	records, err := store.ListExecutions(ctx)
	if err != nil {
		t.Fatalf("ListExecutions returned error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].ID != "exec-new" || records[1].ID != "exec-old" {
		t.Fatalf("unexpected order: %s, %s", records[0].ID, records[1].ID)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveExecution(ctx, &Record{ID: "exec-1", Definition: "d", DocumentID: "x", Status: "running"}); err != nil {
		t.Fatalf("SaveExecution returned error: %v", err)
	}

	payload := []byte{0x01, 0x02, 0x03}
	if err := store.PutCheckpoint(ctx, "exec-1", payload); err != nil {
		t.Fatalf("PutCheckpoint returned error: %v", err)
	}

	got, err := store.GetCheckpoint(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetCheckpoint returned error: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("checkpoint mismatch: %v", got)
	}

	// Overwrite replaces the payload.
	if err := store.PutCheckpoint(ctx, "exec-1", []byte{0x09}); err != nil {
		t.Fatalf("second PutCheckpoint returned error: %v", err)
	}
	got, err = store.GetCheckpoint(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetCheckpoint returned error: %v", err)
	}
	if len(got) != 1 || got[0] != 0x09 {
		t.Fatalf("overwrite not applied: %v", got)
	}
}

func TestGetCheckpointMissingReturnsNil(t *testing.T) {
	store := newTestStore(t)

	payload, err := store.GetCheckpoint(context.Background(), "absent")
	if err != nil {
		t.Fatalf("GetCheckpoint returned error: %v", err)
	}
	if payload != nil {
		t.Fatalf("expected nil payload, got %v", payload)
	}
}

func TestHealthy(t *testing.T) {
	store := newTestStore(t)
	if !store.Healthy(context.Background()) {
		t.Fatal("fresh store should report healthy")
	}

	_ = store.Close()
	if store.Healthy(context.Background()) {
		t.Fatal("closed store should report unhealthy")
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	first, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open returned error: %v", err)
	}
	if err := first.SaveExecution(context.Background(), &Record{ID: "exec-1", Definition: "d", DocumentID: "x", Status: "completed"}); err != nil {
		t.Fatalf("SaveExecution returned error: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	second, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open returned error: %v", err)
	}
	defer second.Close()

	record, err := second.LoadExecution(context.Background(), "exec-1")
	if err != nil {
		t.Fatalf("LoadExecution returned error: %v", err)
	}
	if record == nil || record.Status != "completed" {
		t.Fatalf("reopened store lost data: %+v", record)
	}
}
