// Package testsupport provides shared fixtures for package tests: throwaway
// configurations, state stores, and input files.
package testsupport

import (
	"path/filepath"
	"testing"

	"docpipe/internal/config"
)

// ConfigOption customizes the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.StagingDir = filepath.Join(base, "staging")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.PipelineDir = filepath.Join(base, "pipelines")
	cfg.Cache.DurableDir = filepath.Join(base, "cache")

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}

// WithMemoryOnlyCache disables the durable cache tier on the test config.
func WithMemoryOnlyCache() ConfigOption {
	return func(cfg *config.Config) {
		cfg.Cache.DisableDurableTier = true
	}
}

// WithWorkerCounts overrides the pool sizing on the test config.
func WithWorkerCounts(cooperative, cpuBound int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Workers.Cooperative = cooperative
		cfg.Workers.CPUBound = cpuBound
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
