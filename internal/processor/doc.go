// Package processor defines the plugin contract for document transformations:
// static descriptors, per-invocation contexts, and tagged outcomes. External
// authors implement Processor plus the optional lifecycle hooks.
package processor
