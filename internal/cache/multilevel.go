package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"docpipe/internal/logging"
	"docpipe/internal/services"
)

// Stats counts cache traffic per tier.
type Stats struct {
	Hits      map[string]uint64
	Misses    uint64
	Evictions uint64
}

// MultiLevelCache probes its tiers fastest-first, promoting lower-tier hits
// upward and routing writes by payload size: small payloads go to every
// tier, large ones only to the slow durable tier.
type MultiLevelCache struct {
	tiers            []Tier
	durableOnlyBytes int64
	defaultTTL       time.Duration
	logger           *slog.Logger

	hits      map[string]*atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// Options configure the multi-level cache.
type Options struct {
	DurableOnlyBytes int64
	DefaultTTL       time.Duration
}

// NewMultiLevel builds a cache over the given tiers, ordered fastest to
// slowest.
func NewMultiLevel(tiers []Tier, opts Options, logger *slog.Logger) *MultiLevelCache {
	if logger == nil {
		logger = logging.NewNop()
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = time.Hour
	}
	c := &MultiLevelCache{
		tiers:            tiers,
		durableOnlyBytes: opts.DurableOnlyBytes,
		defaultTTL:       opts.DefaultTTL,
		logger:           logger.With(logging.String(logging.FieldComponent, "cache")),
		hits:             make(map[string]*atomic.Uint64),
	}
	for _, tier := range tiers {
		c.hits[tier.Name()] = &atomic.Uint64{}
	}
	return c
}

// Get probes tiers in order. A hit below the top tier is promoted into every
// faster tier (size permitting) before returning.
func (c *MultiLevelCache) Get(ctx context.Context, key string) ([]byte, bool) {
	for i, tier := range c.tiers {
		entry, ok, err := tier.Get(ctx, key)
		if err != nil {
			c.logger.Warn("cache tier read failed",
				logging.String("tier", tier.Name()),
				logging.Error(err))
			continue
		}
		if !ok {
			continue
		}
		c.hits[tier.Name()].Add(1)
		if i > 0 {
			c.promote(ctx, entry, i)
		}
		return entry.Value, true
	}
	c.misses.Add(1)
	return nil, false
}

// Set writes the value under key with the given TTL (zero means the default).
// Payloads above the durable-only cutoff skip the fast tiers.
func (c *MultiLevelCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	entry := &Entry{
		Key:       key,
		Value:     value,
		Size:      int64(len(value)),
		CreatedAt: time.Now(),
		TTL:       ttl,
	}

	var firstErr error
	for _, tier := range c.targetTiers(entry.Size) {
		if err := tier.Set(ctx, entry); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Delete removes the key from every tier.
func (c *MultiLevelCache) Delete(ctx context.Context, key string) {
	for _, tier := range c.tiers {
		if err := tier.Delete(ctx, key); err != nil {
			c.logger.Warn("cache tier delete failed",
				logging.String("tier", tier.Name()),
				logging.Error(err))
		}
	}
}

// StartSweeper launches the periodic TTL sweep across all tiers.
func (c *MultiLevelCache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	c.sweepCancel = cancel
	c.sweepDone = make(chan struct{})
	go func() {
		defer close(c.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				c.Sweep(sweepCtx)
			}
		}
	}()
}

// Sweep runs one expiry pass over every tier.
func (c *MultiLevelCache) Sweep(ctx context.Context) {
	now := time.Now()
	for _, tier := range c.tiers {
		evicted, err := tier.Sweep(ctx, now)
		if err != nil {
			c.logger.Warn("cache sweep failed",
				logging.String("tier", tier.Name()),
				logging.Error(err))
			continue
		}
		if evicted > 0 {
			c.evictions.Add(uint64(evicted))
			c.logger.Debug("cache sweep evicted entries",
				logging.String("tier", tier.Name()),
				logging.Int("evicted", evicted))
		}
	}
}

// OnResourceWarning evicts aggressively from the fast tiers in response to a
// resource warning.
func (c *MultiLevelCache) OnResourceWarning() {
	for _, tier := range c.tiers {
		if mem, ok := tier.(*MemoryTier); ok {
			evicted := mem.EvictFraction(0.5)
			c.evictions.Add(uint64(evicted))
			c.logger.Info("evicted memory cache entries under pressure",
				logging.Int("evicted", evicted))
		}
	}
}

// Stats returns a snapshot of traffic counters.
func (c *MultiLevelCache) Stats() Stats {
	s := Stats{
		Hits:      make(map[string]uint64, len(c.hits)),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
	for name, counter := range c.hits {
		s.Hits[name] = counter.Load()
	}
	return s
}

// Close stops the sweeper and closes every tier.
func (c *MultiLevelCache) Close() error {
	if c.sweepCancel != nil {
		c.sweepCancel()
		<-c.sweepDone
	}
	var firstErr error
	for _, tier := range c.tiers {
		if err := tier.Close(); err != nil && firstErr == nil {
			firstErr = services.Wrap(services.ErrStateStore, "cache", "close tier", tier.Name(), err)
		}
	}
	return firstErr
}

func (c *MultiLevelCache) promote(ctx context.Context, entry *Entry, below int) {
	for _, tier := range c.targetTiersAbove(entry.Size, below) {
		if err := tier.Set(ctx, entry); err != nil {
			c.logger.Warn("cache promotion failed",
				logging.String("tier", tier.Name()),
				logging.Error(err))
		}
	}
}

// targetTiers selects the write set for a payload of the given size.
func (c *MultiLevelCache) targetTiers(size int64) []Tier {
	if c.durableOnlyBytes > 0 && size > c.durableOnlyBytes && len(c.tiers) > 1 {
		return c.tiers[len(c.tiers)-1:]
	}
	return c.tiers
}

func (c *MultiLevelCache) targetTiersAbove(size int64, below int) []Tier {
	if c.durableOnlyBytes > 0 && size > c.durableOnlyBytes {
		return nil
	}
	return c.tiers[:below]
}
