// Package daemon assembles the engine: state store, cache tiers, processor
// registry, worker pool, resource monitor, pipeline manager, and monitoring
// service, wired over a shared event bus with a managed lifecycle.
package daemon
