package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Entry is one cached artifact. Keys combine the document content hash with
// the operation that produced the value, so recomputation after a content
// change naturally lands on a fresh key.
type Entry struct {
	Key        string        `msgpack:"key"`
	Value      []byte        `msgpack:"value"`
	Size       int64         `msgpack:"size"`
	CreatedAt  time.Time     `msgpack:"created_at"`
	AccessedAt time.Time     `msgpack:"accessed_at"`
	TTL        time.Duration `msgpack:"ttl"`
}

// Expired reports whether the entry's TTL has elapsed at the given instant.
func (e *Entry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.Sub(e.CreatedAt) >= e.TTL
}

// Key builds the canonical cache key for (content hash, operation).
func Key(contentHash, operation string) string {
	return contentHash + "|" + operation
}

// HashBytes returns the hex content hash used for cache keys and change
// detection.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Tier is one cache level. Tiers are ordered fastest to slowest; the
// multi-level cache promotes hits upward and routes writes by payload size.
type Tier interface {
	Name() string
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Set(ctx context.Context, entry *Entry) error
	Delete(ctx context.Context, key string) error
	Sweep(ctx context.Context, now time.Time) (int, error)
	Len() int
	Close() error
}
