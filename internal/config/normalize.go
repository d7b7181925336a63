package config

// normalize expands user paths and fills zero values with defaults so partial
// config files remain valid.
func (c *Config) normalize() error {
	defaults := Default()

	paths := []struct {
		value    *string
		fallback string
	}{
		{&c.Paths.DataDir, defaults.Paths.DataDir},
		{&c.Paths.StagingDir, defaults.Paths.StagingDir},
		{&c.Paths.LogDir, defaults.Paths.LogDir},
		{&c.Paths.PipelineDir, defaults.Paths.PipelineDir},
		{&c.Cache.DurableDir, defaults.Cache.DurableDir},
	}
	for _, p := range paths {
		if *p.value == "" {
			*p.value = p.fallback
		}
		expanded, err := expandPath(*p.value)
		if err != nil {
			return err
		}
		*p.value = expanded
	}

	ints := []struct {
		value    *int
		fallback int
	}{
		{&c.Workers.Cooperative, defaults.Workers.Cooperative},
		{&c.Workers.CPUBound, defaults.Workers.CPUBound},
		{&c.Workers.QueueCapacity, defaults.Workers.QueueCapacity},
		{&c.Workers.TaskTimeout, defaults.Workers.TaskTimeout},
		{&c.Workers.ShutdownGrace, defaults.Workers.ShutdownGrace},
		{&c.Resources.SampleInterval, defaults.Resources.SampleInterval},
		{&c.Resources.HeapLimitMiB, defaults.Resources.HeapLimitMiB},
		{&c.Resources.GoroutineLimit, defaults.Resources.GoroutineLimit},
		{&c.Resources.MinDiskFreeGiB, defaults.Resources.MinDiskFreeGiB},
		{&c.Cache.MemoryEntries, defaults.Cache.MemoryEntries},
		{&c.Cache.DefaultTTL, defaults.Cache.DefaultTTL},
		{&c.Cache.SweepInterval, defaults.Cache.SweepInterval},
		{&c.Resilience.FailureThreshold, defaults.Resilience.FailureThreshold},
		{&c.Resilience.RecoveryTimeout, defaults.Resilience.RecoveryTimeout},
		{&c.Resilience.HalfOpenRequests, defaults.Resilience.HalfOpenRequests},
		{&c.Resilience.RetryCount, defaults.Resilience.RetryCount},
		{&c.Resilience.RetryBackoffMS, defaults.Resilience.RetryBackoffMS},
		{&c.Pipeline.StageRetries, defaults.Pipeline.StageRetries},
		{&c.Pipeline.StageTimeout, defaults.Pipeline.StageTimeout},
		{&c.Pipeline.PollInterval, defaults.Pipeline.PollInterval},
	}
	for _, v := range ints {
		if *v.value == 0 {
			*v.value = v.fallback
		}
	}

	if c.Cache.DurableOnlyBytes == 0 {
		c.Cache.DurableOnlyBytes = defaults.Cache.DurableOnlyBytes
	}
	if c.Cache.ChangeThreshold == 0 {
		c.Cache.ChangeThreshold = defaults.Cache.ChangeThreshold
	}
	if c.Resources.QueueHighWatermark == 0 {
		c.Resources.QueueHighWatermark = defaults.Resources.QueueHighWatermark
	}
	if c.Resources.CPUHighWatermark == 0 {
		c.Resources.CPUHighWatermark = defaults.Resources.CPUHighWatermark
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaults.Logging.Format
	}
	return nil
}
