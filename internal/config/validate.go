package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateWorkers(); err != nil {
		return err
	}
	if err := c.validateResources(); err != nil {
		return err
	}
	if err := c.validateCache(); err != nil {
		return err
	}
	if err := c.validateResilience(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateWorkers() error {
	if c.Workers.Cooperative < 1 {
		return errors.New("workers.cooperative must be at least 1")
	}
	if c.Workers.CPUBound < 0 {
		return errors.New("workers.cpu_bound must not be negative")
	}
	if c.Workers.QueueCapacity < 1 {
		return errors.New("workers.queue_capacity must be at least 1")
	}
	if c.Workers.TaskTimeout < 1 {
		return errors.New("workers.task_timeout must be at least 1 second")
	}
	return nil
}

func (c *Config) validateResources() error {
	if c.Resources.SampleInterval < 1 {
		return errors.New("resources.sample_interval must be at least 1 second")
	}
	if c.Resources.QueueHighWatermark <= 0 || c.Resources.QueueHighWatermark > 1 {
		return fmt.Errorf("resources.queue_high_watermark must be in (0, 1], got %v", c.Resources.QueueHighWatermark)
	}
	if c.Resources.CPUHighWatermark <= 0 || c.Resources.CPUHighWatermark > 1 {
		return fmt.Errorf("resources.cpu_high_watermark must be in (0, 1], got %v", c.Resources.CPUHighWatermark)
	}
	return nil
}

func (c *Config) validateCache() error {
	if c.Cache.MemoryEntries < 1 {
		return errors.New("cache.memory_entries must be at least 1")
	}
	if c.Cache.ChangeThreshold < 0 || c.Cache.ChangeThreshold > 1 {
		return fmt.Errorf("cache.change_threshold must be between 0 and 1, got %v", c.Cache.ChangeThreshold)
	}
	if !c.Cache.DisableDurableTier && c.Cache.DurableDir == "" {
		return errors.New("cache.durable_dir must be set unless the durable tier is disabled")
	}
	return nil
}

func (c *Config) validateResilience() error {
	if c.Resilience.FailureThreshold < 1 {
		return errors.New("resilience.failure_threshold must be at least 1")
	}
	if c.Resilience.HalfOpenRequests < 1 {
		return errors.New("resilience.half_open_requests must be at least 1")
	}
	if c.Resilience.RetryCount < 1 {
		return errors.New("resilience.retry_count must be at least 1")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.StageRetries < 0 {
		return errors.New("pipeline.stage_retries must not be negative")
	}
	if c.Pipeline.StageTimeout < 1 {
		return errors.New("pipeline.stage_timeout must be at least 1 second")
	}
	return nil
}
