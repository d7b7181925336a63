package testsupport

import (
	"testing"

	"docpipe/internal/config"
	"docpipe/internal/statestore"
)

// MustOpenStore opens a state store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *statestore.SQLiteStore {
	t.Helper()

	store, err := statestore.Open(cfg.Paths.DataDir)
	if err != nil {
		t.Fatalf("statestore.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
