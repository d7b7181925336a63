package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir     string `toml:"data_dir"`
	StagingDir  string `toml:"staging_dir"`
	LogDir      string `toml:"log_dir"`
	PipelineDir string `toml:"pipeline_dir"`
}

// Logging contains log output configuration.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Workers contains worker pool configuration.
type Workers struct {
	Cooperative   int `toml:"cooperative"`
	CPUBound      int `toml:"cpu_bound"`
	QueueCapacity int `toml:"queue_capacity"`
	TaskTimeout   int `toml:"task_timeout"`
	ShutdownGrace int `toml:"shutdown_grace"`
}

// Resources contains resource monitor thresholds.
type Resources struct {
	SampleInterval     int     `toml:"sample_interval"`
	HeapLimitMiB       int     `toml:"heap_limit_mib"`
	GoroutineLimit     int     `toml:"goroutine_limit"`
	MinDiskFreeGiB     int     `toml:"min_disk_free_gib"`
	QueueHighWatermark float64 `toml:"queue_high_watermark"`
	CPUHighWatermark   float64 `toml:"cpu_high_watermark"`
}

// Cache contains multi-level cache configuration.
type Cache struct {
	MemoryEntries      int     `toml:"memory_entries"`
	DefaultTTL         int     `toml:"default_ttl"`
	SweepInterval      int     `toml:"sweep_interval"`
	DurableOnlyBytes   int64   `toml:"durable_only_bytes"`
	ChangeThreshold    float64 `toml:"change_threshold"`
	DurableDir         string  `toml:"durable_dir"`
	DisableDurableTier bool    `toml:"disable_durable_tier"`
}

// Resilience contains circuit breaker and retry configuration.
type Resilience struct {
	FailureThreshold int `toml:"failure_threshold"`
	RecoveryTimeout  int `toml:"recovery_timeout"`
	HalfOpenRequests int `toml:"half_open_requests"`
	RetryCount       int `toml:"retry_count"`
	RetryBackoffMS   int `toml:"retry_backoff_ms"`
}

// Pipeline contains defaults applied to stages that do not override them.
type Pipeline struct {
	StageRetries int `toml:"stage_retries"`
	StageTimeout int `toml:"stage_timeout"`
	PollInterval int `toml:"poll_interval"`
}

// Config is the root daemon configuration.
type Config struct {
	Paths      Paths      `toml:"paths"`
	Logging    Logging    `toml:"logging"`
	Workers    Workers    `toml:"workers"`
	Resources  Resources  `toml:"resources"`
	Cache      Cache      `toml:"cache"`
	Resilience Resilience `toml:"resilience"`
	Pipeline   Pipeline   `toml:"pipeline"`
}

// DefaultConfigPath returns the expanded default config file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/docpipe/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("docpipe.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.StagingDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if !c.Cache.DisableDurableTier && strings.TrimSpace(c.Cache.DurableDir) != "" {
		if err := os.MkdirAll(c.Cache.DurableDir, 0o755); err != nil {
			return fmt.Errorf("create cache directory %q: %w", c.Cache.DurableDir, err)
		}
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config file already exists at %s", expanded)
	}
	if err := os.WriteFile(expanded, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
