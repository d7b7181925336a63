package events

import (
	"context"
	"sync"
)

// Event names a pipeline occurrence observers can subscribe to.
type Event string

const (
	EventExecutionStarted   Event = "execution_started"
	EventExecutionCompleted Event = "execution_completed"
	EventExecutionFailed    Event = "execution_failed"
	EventStageStarted       Event = "stage_started"
	EventStageCompleted     Event = "stage_completed"
	EventStageFailed        Event = "stage_failed"
	EventStageSkipped       Event = "stage_skipped"
	EventTaskSubmitted      Event = "task_submitted"
	EventTaskCompleted      Event = "task_completed"
	EventTaskFailed         Event = "task_failed"
	EventTaskRejected       Event = "task_rejected"
	EventResourceWarning    Event = "resource_warning"
	EventCircuitStateChange Event = "circuit_state_changed"
	EventProcessorUnloaded  Event = "processor_unloaded"
	EventCheckpointDegraded Event = "checkpoint_degraded"
)

// Payload carries event-specific key/value detail.
type Payload map[string]string

// Publisher delivers named events to downstream observers. Publishing must
// never block pipeline progress; implementations swallow subscriber failures.
type Publisher interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewNop returns a publisher that discards every event. The engine works
// without any subscriber existing.
func NewNop() Publisher {
	return nopPublisher{}
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event, Payload) error { return nil }

// Handler consumes one delivered event.
type Handler func(ctx context.Context, event Event, payload Payload)

// Bus is an in-process fan-out publisher. Subscribers registered for an event
// (or for all events via SubscribeAll) are invoked synchronously in
// registration order; a misbehaving handler only affects its own delivery.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Event][]Handler
	global   []Handler
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Event][]Handler)}
}

// Subscribe registers a handler for one event name.
func (b *Bus) Subscribe(event Event, handler Handler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], handler)
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(handler Handler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.global = append(b.global, handler)
}

// Publish delivers the event to all matching handlers.
func (b *Bus) Publish(ctx context.Context, event Event, payload Payload) error {
	b.mu.RLock()
	matched := make([]Handler, 0, len(b.handlers[event])+len(b.global))
	matched = append(matched, b.handlers[event]...)
	matched = append(matched, b.global...)
	b.mu.RUnlock()

	for _, handler := range matched {
		func() {
			defer func() { _ = recover() }()
			handler(ctx, event, payload)
		}()
	}
	return nil
}
