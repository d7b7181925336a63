package config

const (
	defaultDataDir     = "~/.local/share/docpipe/data"
	defaultStagingDir  = "~/.local/share/docpipe/staging"
	defaultLogDir      = "~/.local/share/docpipe/logs"
	defaultPipelineDir = "~/.config/docpipe/pipelines"
	defaultCacheDir    = "~/.cache/docpipe/artifacts"

	defaultLogLevel  = "info"
	defaultLogFormat = "auto"

	defaultCooperativeWorkers = 8
	defaultCPUWorkers         = 2
	defaultQueueCapacity      = 64
	defaultTaskTimeout        = 300
	defaultShutdownGrace      = 30

	defaultSampleInterval     = 10
	defaultHeapLimitMiB       = 2048
	defaultGoroutineLimit     = 4096
	defaultMinDiskFreeGiB     = 2
	defaultQueueHighWatermark = 0.8
	defaultCPUHighWatermark   = 0.9

	defaultCacheMemoryEntries = 1024
	defaultCacheTTL           = 3600
	defaultCacheSweepInterval = 60
	defaultDurableOnlyBytes   = 1 << 20
	defaultChangeThreshold    = 0.3

	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 60
	defaultHalfOpenRequests = 3
	defaultRetryCount       = 3
	defaultRetryBackoffMS   = 250

	defaultStageRetries = 2
	defaultStageTimeout = 600
	defaultPollInterval = 1
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:     defaultDataDir,
			StagingDir:  defaultStagingDir,
			LogDir:      defaultLogDir,
			PipelineDir: defaultPipelineDir,
		},
		Logging: Logging{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
		Workers: Workers{
			Cooperative:   defaultCooperativeWorkers,
			CPUBound:      defaultCPUWorkers,
			QueueCapacity: defaultQueueCapacity,
			TaskTimeout:   defaultTaskTimeout,
			ShutdownGrace: defaultShutdownGrace,
		},
		Resources: Resources{
			SampleInterval:     defaultSampleInterval,
			HeapLimitMiB:       defaultHeapLimitMiB,
			GoroutineLimit:     defaultGoroutineLimit,
			MinDiskFreeGiB:     defaultMinDiskFreeGiB,
			QueueHighWatermark: defaultQueueHighWatermark,
			CPUHighWatermark:   defaultCPUHighWatermark,
		},
		Cache: Cache{
			MemoryEntries:    defaultCacheMemoryEntries,
			DefaultTTL:       defaultCacheTTL,
			SweepInterval:    defaultCacheSweepInterval,
			DurableOnlyBytes: defaultDurableOnlyBytes,
			ChangeThreshold:  defaultChangeThreshold,
			DurableDir:       defaultCacheDir,
		},
		Resilience: Resilience{
			FailureThreshold: defaultFailureThreshold,
			RecoveryTimeout:  defaultRecoveryTimeout,
			HalfOpenRequests: defaultHalfOpenRequests,
			RetryCount:       defaultRetryCount,
			RetryBackoffMS:   defaultRetryBackoffMS,
		},
		Pipeline: Pipeline{
			StageRetries: defaultStageRetries,
			StageTimeout: defaultStageTimeout,
			PollInterval: defaultPollInterval,
		},
	}
}
