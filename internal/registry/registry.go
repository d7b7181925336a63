package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"docpipe/internal/events"
	"docpipe/internal/logging"
	"docpipe/internal/processor"
	"docpipe/internal/services"
)

// Factory binds a processor's static descriptor to its constructor. The
// constructor receives the stage configuration and the shared dependency map.
type Factory struct {
	Descriptor processor.Descriptor
	New        func(config map[string]any, deps Dependencies) (processor.Processor, error)
}

// Registry is the central processor catalogue. Instances are cached per
// (name, normalized config) so identical configuration always yields the same
// instance; initialization runs once under a per-key lock.
type Registry struct {
	logger    *slog.Logger
	deps      Dependencies
	publisher events.Publisher

	mu        sync.RWMutex
	factories map[string]Factory
	instances map[string]*instanceEntry
}

type instanceEntry struct {
	mu   sync.Mutex
	name string
	proc processor.Processor
	err  error
	done bool
}

// Option configures optional Registry behavior.
type Option func(*Registry)

// WithDependencies supplies the shared dependency map injected into factories.
func WithDependencies(deps Dependencies) Option {
	return func(r *Registry) { r.deps = deps }
}

// WithPublisher sets the event publisher used for unload notifications.
func WithPublisher(pub events.Publisher) Option {
	return func(r *Registry) { r.publisher = pub }
}

// New constructs an empty registry.
func New(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Registry{
		logger:    logger.With(logging.String(logging.FieldComponent, "registry")),
		deps:      Dependencies{},
		publisher: events.NewNop(),
		factories: make(map[string]Factory),
		instances: make(map[string]*instanceEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register stores a factory under its descriptor name. Registering the same
// name again overwrites the previous factory with a warning.
func (r *Registry) Register(factory Factory) error {
	name := strings.TrimSpace(factory.Descriptor.Name)
	if name == "" {
		return services.Wrap(services.ErrValidation, "registry", "register", "descriptor name must not be empty", nil)
	}
	if factory.New == nil {
		return services.Wrap(services.ErrValidation, "registry", "register", "factory constructor must not be nil", nil)
	}

	r.mu.Lock()
	_, exists := r.factories[name]
	r.factories[name] = factory
	r.mu.Unlock()

	if exists {
		r.logger.Warn("processor re-registered, previous factory replaced",
			logging.String(logging.FieldProcessor, name))
	}
	return nil
}

// Get returns the initialized instance for (name, config), constructing and
// initializing it on first access.
func (r *Registry) Get(ctx context.Context, name string, config map[string]any) (processor.Processor, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, services.Wrap(services.ErrProcessorNotFound, "registry", "get", name, nil)
	}

	key := instanceKey(name, config)

	r.mu.Lock()
	entry, ok := r.instances[key]
	if !ok {
		entry = &instanceEntry{name: name}
		r.instances[key] = entry
	}
	r.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.done {
		return entry.proc, entry.err
	}

	proc, err := factory.New(config, r.deps)
	if err == nil && proc != nil {
		if init, ok := proc.(processor.Initializer); ok {
			if initErr := init.Initialize(ctx); initErr != nil {
				err = services.Wrap(services.ErrProcessorInit, "registry", "initialize", name, initErr)
				proc = nil
			}
		}
	} else if err != nil {
		err = services.Wrap(services.ErrProcessorInit, "registry", "construct", name, err)
	}

	entry.proc = proc
	entry.err = err
	entry.done = true

	if err != nil {
		r.logger.Error("processor initialization failed",
			logging.String(logging.FieldProcessor, name),
			logging.Error(err))
	}
	return proc, err
}

// Describe returns the static descriptor for a registered processor.
func (r *Registry) Describe(name string) (processor.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[name]
	return factory.Descriptor, ok
}

// FindByCapability returns descriptors advertising the given capability tag.
func (r *Registry) FindByCapability(tag string) []processor.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matches []processor.Descriptor
	for _, factory := range r.factories {
		if factory.Descriptor.HasCapability(tag) {
			matches = append(matches, factory.Descriptor)
		}
	}
	sortDescriptors(matches)
	return matches
}

// FindByFormat returns descriptors accepting the given input format. The
// wildcard marker matches every format.
func (r *Registry) FindByFormat(format string) []processor.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matches []processor.Descriptor
	for _, factory := range r.factories {
		if factory.Descriptor.SupportsFormat(format) {
			matches = append(matches, factory.Descriptor)
		}
	}
	sortDescriptors(matches)
	return matches
}

// Names lists all registered processor names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unregister removes a processor and schedules cleanup of any live instances.
// Cleanup runs asynchronously so in-flight callers are not blocked.
func (r *Registry) Unregister(ctx context.Context, name string) {
	r.mu.Lock()
	delete(r.factories, name)
	var doomed []*instanceEntry
	for key, entry := range r.instances {
		if entry.name == name {
			doomed = append(doomed, entry)
			delete(r.instances, key)
		}
	}
	r.mu.Unlock()

	go func() {
		for _, entry := range doomed {
			r.cleanupEntry(ctx, entry)
		}
		_ = r.publisher.Publish(ctx, events.EventProcessorUnloaded, events.Payload{"processor": name})
	}()
}

// Close cleans up every live instance. Intended for daemon shutdown.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	entries := make([]*instanceEntry, 0, len(r.instances))
	for _, entry := range r.instances {
		entries = append(entries, entry)
	}
	r.instances = make(map[string]*instanceEntry)
	r.mu.Unlock()

	for _, entry := range entries {
		r.cleanupEntry(ctx, entry)
	}
}

func (r *Registry) cleanupEntry(ctx context.Context, entry *instanceEntry) {
	entry.mu.Lock()
	proc := entry.proc
	entry.mu.Unlock()
	if proc == nil {
		return
	}
	if cleaner, ok := proc.(processor.Cleaner); ok {
		if err := cleaner.Cleanup(ctx); err != nil {
			r.logger.Warn("processor cleanup failed",
				logging.String(logging.FieldProcessor, entry.name),
				logging.Error(err))
		}
	}
}

// instanceKey builds a stable cache key from the processor name and its
// normalized configuration.
func instanceKey(name string, config map[string]any) string {
	if len(config) == 0 {
		return name
	}
	keys := make([]string, 0, len(config))
	for k := range config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%v", k, config[k])
	}
	return b.String()
}

func sortDescriptors(list []processor.Descriptor) {
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
}
