// Package pool implements the bounded worker pool that executes processor
// tasks from a shared priority queue, plus the resource monitor whose
// admission gate throttles low-priority work under pressure.
package pool
