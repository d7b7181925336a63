// Package registry implements the processor catalogue: explicit factory
// registration, capability and format lookup, per-configuration singleton
// instancing, and instance lifecycle management.
package registry
