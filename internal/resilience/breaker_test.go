package resilience_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docpipe/internal/resilience"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(clock *fakeClock, onChange resilience.StateChange) *resilience.Breaker {
	opts := []resilience.BreakerOption{resilience.WithClock(clock.Now)}
	if onChange != nil {
		opts = append(opts, resilience.WithStateChange(onChange))
	}
	return resilience.NewBreaker("extract", resilience.BreakerSettings{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		HalfOpenRequests: 2,
	}, opts...)
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	breaker := newTestBreaker(clock, nil)

	breaker.RecordFailure()
	breaker.RecordFailure()
	assert.Equal(t, resilience.StateClosed, breaker.State())
	assert.True(t, breaker.CanExecute())

	breaker.RecordFailure()
	assert.Equal(t, resilience.StateOpen, breaker.State())
	assert.False(t, breaker.CanExecute())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	breaker := newTestBreaker(clock, nil)

	breaker.RecordFailure()
	breaker.RecordFailure()
	breaker.RecordSuccess()
	breaker.RecordFailure()
	breaker.RecordFailure()
	assert.Equal(t, resilience.StateClosed, breaker.State(), "non-consecutive failures must not open the circuit")
}

func TestBreakerHalfOpensAfterRecoveryTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	breaker := newTestBreaker(clock, nil)

	for i := 0; i < 3; i++ {
		breaker.RecordFailure()
	}
	require.Equal(t, resilience.StateOpen, breaker.State())
	assert.False(t, breaker.CanExecute())

	clock.Advance(61 * time.Second)
	assert.True(t, breaker.CanExecute(), "first call after recovery timeout is a probe")
	assert.Equal(t, resilience.StateHalfOpen, breaker.State())
}

func TestBreakerHalfOpenLimitsProbes(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	breaker := newTestBreaker(clock, nil)

	for i := 0; i < 3; i++ {
		breaker.RecordFailure()
	}
	clock.Advance(61 * time.Second)

	require.True(t, breaker.CanExecute())
	require.True(t, breaker.CanExecute())
	assert.False(t, breaker.CanExecute(), "only half_open_requests probes may be outstanding")
}

func TestBreakerClosesAfterConsecutiveSuccesses(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	var transitions []resilience.State
	breaker := newTestBreaker(clock, func(_ string, _, to resilience.State) {
		transitions = append(transitions, to)
	})

	for i := 0; i < 3; i++ {
		breaker.RecordFailure()
	}
	clock.Advance(61 * time.Second)
	require.True(t, breaker.CanExecute())
	breaker.RecordSuccess()
	require.Equal(t, resilience.StateHalfOpen, breaker.State())
	require.True(t, breaker.CanExecute())
	breaker.RecordSuccess()

	assert.Equal(t, resilience.StateClosed, breaker.State())
	assert.Equal(t, []resilience.State{
		resilience.StateOpen,
		resilience.StateHalfOpen,
		resilience.StateClosed,
	}, transitions)
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	breaker := newTestBreaker(clock, nil)

	for i := 0; i < 3; i++ {
		breaker.RecordFailure()
	}
	clock.Advance(61 * time.Second)
	require.True(t, breaker.CanExecute())
	breaker.RecordFailure()

	assert.Equal(t, resilience.StateOpen, breaker.State())
	assert.False(t, breaker.CanExecute(), "reopened circuit restarts the recovery window")

	clock.Advance(61 * time.Second)
	assert.True(t, breaker.CanExecute())
}
