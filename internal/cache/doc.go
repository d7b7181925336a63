// Package cache implements the tiered artifact cache (in-memory plus a
// Badger-backed durable tier) and the change-ratio-driven incremental
// reprocessing layer built on top of it.
package cache
