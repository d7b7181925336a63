package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"docpipe/internal/services"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS executions (
    id TEXT PRIMARY KEY,
    definition TEXT NOT NULL,
    document_id TEXT NOT NULL,
    status TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
    execution_id TEXT PRIMARY KEY REFERENCES executions(id) ON DELETE CASCADE,
    payload BLOB NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
`

// SQLiteStore persists executions and checkpoints in a local SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ Store = (*SQLiteStore)(nil)

// Open initializes or connects to the execution database.
func Open(dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, services.Wrap(services.ErrStateStore, "statestore", "ensure directory", dir, err)
	}

	dbPath := filepath.Join(dir, "executions.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, services.Wrap(services.ErrStateStore, "statestore", "open database", dbPath, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, services.Wrap(services.ErrStateStore, "statestore", "apply pragma", pragma, execErr)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, services.Wrap(services.ErrStateStore, "statestore", "apply schema", "", err)
	}

	return &SQLiteStore{db: db, path: dbPath}, nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveExecution inserts or updates the execution summary.
func (s *SQLiteStore) SaveExecution(ctx context.Context, record *Record) error {
	if record == nil || record.ID == "" {
		return services.Wrap(services.ErrValidation, "statestore", "save execution", "record must have an id", nil)
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO executions (id, definition, document_id, status, error, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET
             status = excluded.status,
             error = excluded.error,
             updated_at = excluded.updated_at`,
		record.ID,
		record.Definition,
		record.DocumentID,
		record.Status,
		record.Error,
		record.CreatedAt.Format(time.RFC3339Nano),
		record.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return services.Wrap(services.ErrStateStore, "statestore", "save execution", record.ID, err)
	}
	return nil
}

// LoadExecution fetches one execution summary. A missing id returns nil, nil.
func (s *SQLiteStore) LoadExecution(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, definition, document_id, status, error, created_at, updated_at
         FROM executions WHERE id = ?`,
		id,
	)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, services.Wrap(services.ErrStateStore, "statestore", "load execution", id, err)
	}
	return record, nil
}

// ListExecutions returns all execution summaries, newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, definition, document_id, status, error, created_at, updated_at
         FROM executions ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, services.Wrap(services.ErrStateStore, "statestore", "list executions", "", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, services.Wrap(services.ErrStateStore, "statestore", "scan execution", "", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, services.Wrap(services.ErrStateStore, "statestore", "iterate executions", "", err)
	}
	return records, nil
}

// PutCheckpoint stores the opaque per-execution checkpoint payload.
func (s *SQLiteStore) PutCheckpoint(ctx context.Context, executionID string, payload []byte) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO checkpoints (execution_id, payload, updated_at)
         VALUES (?, ?, ?)
         ON CONFLICT(execution_id) DO UPDATE SET
             payload = excluded.payload,
             updated_at = excluded.updated_at`,
		executionID,
		payload,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return services.Wrap(services.ErrStateStore, "statestore", "put checkpoint", executionID, err)
	}
	return nil
}

// GetCheckpoint fetches the checkpoint payload. A missing checkpoint returns
// nil, nil.
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, executionID string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(
		ctx,
		`SELECT payload FROM checkpoints WHERE execution_id = ?`,
		executionID,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, services.Wrap(services.ErrStateStore, "statestore", "get checkpoint", executionID, err)
	}
	return payload, nil
}

// Healthy reports whether the store can serve a trivial query.
func (s *SQLiteStore) Healthy(ctx context.Context) bool {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	return err == nil && one == 1
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var record Record
	var createdAt, updatedAt string
	if err := row.Scan(
		&record.ID,
		&record.Definition,
		&record.DocumentID,
		&record.Status,
		&record.Error,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	record.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	record.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &record, nil
}
