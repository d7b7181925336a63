package registry

// Dependencies is the named map of shared collaborators (parsing backend
// clients, caches, and the like) injected into processor factories. It
// decouples processors from concrete resource wiring.
type Dependencies map[string]any

// Lookup returns the named dependency if present.
func (d Dependencies) Lookup(name string) (any, bool) {
	v, ok := d[name]
	return v, ok
}

// As fetches the named dependency and asserts it to T.
func As[T any](deps Dependencies, name string) (T, bool) {
	var zero T
	v, ok := deps[name]
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}
