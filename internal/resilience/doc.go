// Package resilience isolates processor failures: a per-processor circuit
// breaker, a retrying wrapper that converts every failure into a typed
// outcome, and a priority-ordered fallback chain.
package resilience
