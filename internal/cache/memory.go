package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryTier is the fastest cache level: an in-process map bounded by entry
// count, evicting least-recently-accessed entries when full.
type MemoryTier struct {
	capacity int

	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryTier constructs a memory tier holding at most capacity entries.
func NewMemoryTier(capacity int) *MemoryTier {
	if capacity < 1 {
		capacity = 1
	}
	return &MemoryTier{
		capacity: capacity,
		entries:  make(map[string]*Entry),
	}
}

func (t *MemoryTier) Name() string { return "memory" }

func (t *MemoryTier) Get(_ context.Context, key string) (*Entry, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[key]
	if !ok {
		return nil, false, nil
	}
	now := time.Now()
	if entry.Expired(now) {
		delete(t.entries, key)
		return nil, false, nil
	}
	entry.AccessedAt = now
	return entry, true, nil
}

func (t *MemoryTier) Set(_ context.Context, entry *Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[entry.Key]; !exists && len(t.entries) >= t.capacity {
		t.evictOldestLocked(1)
	}
	t.entries[entry.Key] = entry
	return nil
}

func (t *MemoryTier) Delete(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
	return nil
}

func (t *MemoryTier) Sweep(_ context.Context, now time.Time) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	evicted := 0
	for key, entry := range t.entries {
		if entry.Expired(now) {
			delete(t.entries, key)
			evicted++
		}
	}
	return evicted, nil
}

func (t *MemoryTier) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *MemoryTier) Close() error { return nil }

// EvictFraction drops the least-recently-accessed share of entries. The
// cache manager calls this on resource warnings.
func (t *MemoryTier) EvictFraction(fraction float64) int {
	if fraction <= 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	count := int(float64(len(t.entries)) * fraction)
	if fraction >= 1 {
		count = len(t.entries)
	}
	return t.evictOldestLocked(count)
}

func (t *MemoryTier) evictOldestLocked(count int) int {
	if count <= 0 || len(t.entries) == 0 {
		return 0
	}
	type aged struct {
		key      string
		accessed time.Time
	}
	all := make([]aged, 0, len(t.entries))
	for key, entry := range t.entries {
		at := entry.AccessedAt
		if at.IsZero() {
			at = entry.CreatedAt
		}
		all = append(all, aged{key: key, accessed: at})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].accessed.Before(all[j].accessed) })
	if count > len(all) {
		count = len(all)
	}
	for _, victim := range all[:count] {
		delete(t.entries, victim.key)
	}
	return count
}
