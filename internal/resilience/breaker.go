package resilience

import (
	"sync"
	"time"
)

// State is the circuit position for one processor instance.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// BreakerSettings govern the circuit state machine.
type BreakerSettings struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenRequests int
}

// StateChange is invoked outside the breaker lock on every transition.
type StateChange func(name string, from, to State)

// Breaker is a per-processor circuit breaker. Closed transitions to Open
// after FailureThreshold consecutive failures; Open rejects calls until
// RecoveryTimeout elapses, then admits HalfOpenRequests probe calls. Any
// half-open failure reopens the circuit; HalfOpenRequests consecutive
// successes close it and reset the failure count.
type Breaker struct {
	name     string
	settings BreakerSettings
	onChange StateChange
	now      func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probes    int
	openedAt  time.Time
}

// BreakerOption configures optional Breaker behavior.
type BreakerOption func(*Breaker)

// WithStateChange registers a transition callback for monitoring.
func WithStateChange(fn StateChange) BreakerOption {
	return func(b *Breaker) { b.onChange = fn }
}

// WithClock overrides the time source, used in tests.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// NewBreaker constructs a closed breaker for the named processor.
func NewBreaker(name string, settings BreakerSettings, opts ...BreakerOption) *Breaker {
	if settings.FailureThreshold < 1 {
		settings.FailureThreshold = 1
	}
	if settings.HalfOpenRequests < 1 {
		settings.HalfOpenRequests = 1
	}
	b := &Breaker{
		name:     name,
		settings: settings,
		now:      time.Now,
		state:    StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the processor name the breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current circuit position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// CanExecute reports whether a call may proceed, transitioning Open to
// HalfOpen once the recovery timeout has elapsed. In HalfOpen it admits at
// most HalfOpenRequests outstanding probes.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.settings.RecoveryTimeout {
			b.mu.Unlock()
			return false
		}
		notify := b.transition(StateHalfOpen)
		b.probes = 1
		b.mu.Unlock()
		notify()
		return true
	default: // half-open
		if b.probes >= b.settings.HalfOpenRequests {
			b.mu.Unlock()
			return false
		}
		b.probes++
		b.mu.Unlock()
		return true
	}
}

// RecordSuccess reports one successful outer invocation.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	notify := func() {}
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.settings.HalfOpenRequests {
			notify = b.transition(StateClosed)
		} else {
			// Completed probe frees a half-open slot for the next caller.
			if b.probes > 0 {
				b.probes--
			}
		}
	}
	b.mu.Unlock()
	notify()
}

// RecordFailure reports one failed outer invocation.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	notify := func() {}
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			notify = b.transition(StateOpen)
		}
	case StateHalfOpen:
		notify = b.transition(StateOpen)
	case StateOpen:
		// Late failure from a call admitted before opening; keep the window.
	}
	b.mu.Unlock()
	notify()
}

// transition must be called with the lock held; the returned func fires the
// callback and must be invoked after unlocking.
func (b *Breaker) transition(to State) func() {
	from := b.state
	if from == to {
		return func() {}
	}
	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = b.now()
		b.successes = 0
		b.probes = 0
	case StateClosed:
		b.failures = 0
		b.successes = 0
		b.probes = 0
	case StateHalfOpen:
		b.successes = 0
	}
	if b.onChange == nil {
		return func() {}
	}
	callback := b.onChange
	name := b.name
	return func() { callback(name, from, to) }
}
