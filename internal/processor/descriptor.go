package processor

import "time"

// WildcardFormat marks a processor that accepts any input format.
const WildcardFormat = "*"

// ResourceHints describe the runtime profile of a processor so the worker
// pool can route it appropriately.
type ResourceHints struct {
	CPUIntensive        bool
	MemoryIntensive     bool
	IOIntensive         bool
	AcceleratorRequired bool
}

// Limits describe the operational envelope of a processor.
type Limits struct {
	MaxInputBytes  int64
	Timeout        time.Duration
	RetryCount     int
	MaxConcurrency int
}

// Descriptor is the immutable static metadata a processor publishes.
type Descriptor struct {
	Name         string
	Version      string
	Capabilities []string
	Formats      []string
	Resources    ResourceHints
	Limits       Limits
}

// HasCapability reports whether the descriptor advertises the given tag.
func (d Descriptor) HasCapability(tag string) bool {
	for _, c := range d.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// SupportsFormat reports whether the descriptor accepts the given format,
// honoring the wildcard marker.
func (d Descriptor) SupportsFormat(format string) bool {
	for _, f := range d.Formats {
		if f == WildcardFormat || f == format {
			return true
		}
	}
	return false
}
