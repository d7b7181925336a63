package resilience_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docpipe/internal/processor"
	"docpipe/internal/resilience"
	"docpipe/internal/services"
)

type scriptedProcessor struct {
	name     string
	calls    atomic.Int64
	failures int64 // fail this many calls before succeeding; -1 fails forever
	err      error
	validate []string
	delay    time.Duration
}

func (p *scriptedProcessor) Describe() processor.Descriptor {
	return processor.Descriptor{Name: p.name, Formats: []string{processor.WildcardFormat}}
}

func (p *scriptedProcessor) Process(ctx context.Context, _ *processor.Context) (processor.Outcome, error) {
	call := p.calls.Add(1)
	if p.delay > 0 {
		select {
		case <-ctx.Done():
			return processor.Outcome{}, ctx.Err()
		case <-time.After(p.delay):
		}
	}
	if p.failures < 0 || call <= p.failures {
		if p.err != nil {
			return processor.Outcome{}, p.err
		}
		return processor.Failf("%s attempt %d failed", p.name, call), nil
	}
	return processor.Succeed([]byte(p.name)), nil
}

func (p *scriptedProcessor) ValidateInput(*processor.Context) []string {
	return p.validate
}

func breakerFor(t *testing.T, name string, threshold int) *resilience.Breaker {
	t.Helper()
	return resilience.NewBreaker(name, resilience.BreakerSettings{
		FailureThreshold: threshold,
		RecoveryTimeout:  time.Minute,
		HalfOpenRequests: 1,
	})
}

func TestResilientRetriesUntilSuccess(t *testing.T) {
	inner := &scriptedProcessor{name: "extract", failures: 2}
	rp := resilience.NewResilientProcessor(inner, breakerFor(t, "extract", 5), resilience.Settings{
		RetryCount: 3,
		Backoff:    time.Millisecond,
	})

	outcome, err := rp.Process(context.Background(), processor.NewContext("doc-1", "/tmp/doc", "text/plain"))
	require.NoError(t, err)
	assert.Equal(t, processor.StatusSucceeded, outcome.Status)
	assert.EqualValues(t, 3, inner.calls.Load())
}

func TestResilientInvokesAtMostRetryCount(t *testing.T) {
	inner := &scriptedProcessor{name: "extract", failures: -1}
	rp := resilience.NewResilientProcessor(inner, breakerFor(t, "extract", 100), resilience.Settings{
		RetryCount: 4,
		Backoff:    time.Millisecond,
	})

	outcome, err := rp.Process(context.Background(), processor.NewContext("doc-1", "", ""))
	require.NoError(t, err, "processing failures must surface as outcomes, not errors")
	assert.Equal(t, processor.StatusFailed, outcome.Status)
	assert.EqualValues(t, 4, inner.calls.Load())
}

func TestBreakerUpdatedOncePerOuterCall(t *testing.T) {
	inner := &scriptedProcessor{name: "extract", failures: -1}
	breaker := breakerFor(t, "extract", 3)
	rp := resilience.NewResilientProcessor(inner, breaker, resilience.Settings{
		RetryCount: 5,
		Backoff:    time.Millisecond,
	})

	ctx := context.Background()
	pc := processor.NewContext("doc-1", "", "")

	for i := 0; i < 2; i++ {
		_, err := rp.Process(ctx, pc)
		require.NoError(t, err)
	}
	assert.Equal(t, resilience.StateClosed, breaker.State(),
		"two outer failures with retry_count=5 must count as two breaker failures, not ten")

	_, err := rp.Process(ctx, pc)
	require.NoError(t, err)
	assert.Equal(t, resilience.StateOpen, breaker.State())
}

func TestOpenCircuitShortCircuits(t *testing.T) {
	inner := &scriptedProcessor{name: "extract", failures: -1}
	breaker := breakerFor(t, "extract", 1)
	rp := resilience.NewResilientProcessor(inner, breaker, resilience.Settings{
		RetryCount: 1,
		Backoff:    time.Millisecond,
	})

	ctx := context.Background()
	pc := processor.NewContext("doc-1", "", "")
	_, err := rp.Process(ctx, pc)
	require.NoError(t, err)
	require.Equal(t, resilience.StateOpen, breaker.State())

	before := inner.calls.Load()
	outcome, err := rp.Process(ctx, pc)
	require.NoError(t, err)
	assert.Equal(t, processor.StatusFailed, outcome.Status)
	assert.Contains(t, outcome.ErrorMessage(), "circuit open")
	assert.Equal(t, before, inner.calls.Load(), "open circuit must not invoke the processor")
}

func TestFallbackAfterExhaustion(t *testing.T) {
	inner := &scriptedProcessor{name: "primary", failures: -1}
	fallback := &scriptedProcessor{name: "backup"}
	rp := resilience.NewResilientProcessor(inner, breakerFor(t, "primary", 10), resilience.Settings{
		RetryCount: 2,
		Backoff:    time.Millisecond,
	}, resilience.WithFallback(fallback))

	outcome, err := rp.Process(context.Background(), processor.NewContext("doc-1", "", ""))
	require.NoError(t, err)
	assert.Equal(t, processor.StatusSucceeded, outcome.Status)
	assert.Equal(t, []byte("backup"), outcome.Payload)
	assert.EqualValues(t, 1, fallback.calls.Load())
}

func TestValidationBypassesBreaker(t *testing.T) {
	inner := &scriptedProcessor{name: "extract", validate: []string{"input too large"}}
	breaker := breakerFor(t, "extract", 1)
	rp := resilience.NewResilientProcessor(inner, breaker, resilience.Settings{RetryCount: 3, Backoff: time.Millisecond})

	outcome, err := rp.Process(context.Background(), processor.NewContext("doc-1", "", ""))
	require.NoError(t, err)
	assert.Equal(t, processor.StatusFailed, outcome.Status)
	assert.Equal(t, []string{"input too large"}, outcome.Errors)
	assert.EqualValues(t, 0, inner.calls.Load())
	assert.Equal(t, resilience.StateClosed, breaker.State())
}

func TestNonRecoverableErrorStopsRetries(t *testing.T) {
	inner := &scriptedProcessor{
		name:     "extract",
		failures: -1,
		err:      services.Wrap(services.ErrValidation, "extract", "parse", "malformed input", errors.New("bad header")),
	}
	rp := resilience.NewResilientProcessor(inner, breakerFor(t, "extract", 10), resilience.Settings{
		RetryCount: 5,
		Backoff:    time.Millisecond,
	})

	outcome, err := rp.Process(context.Background(), processor.NewContext("doc-1", "", ""))
	require.NoError(t, err)
	assert.Equal(t, processor.StatusFailed, outcome.Status)
	assert.EqualValues(t, 1, inner.calls.Load(), "deterministic failures must not be retried")
}

func TestOuterDeadlineProducesTimeoutOutcome(t *testing.T) {
	inner := &scriptedProcessor{name: "slow", failures: -1, delay: 200 * time.Millisecond}
	rp := resilience.NewResilientProcessor(inner, breakerFor(t, "slow", 10), resilience.Settings{
		RetryCount: 3,
		Backoff:    time.Millisecond,
		Timeout:    30 * time.Millisecond,
	})

	outcome, err := rp.Process(context.Background(), processor.NewContext("doc-1", "", ""))
	require.NoError(t, err)
	assert.Equal(t, processor.StatusFailed, outcome.Status)
	assert.Contains(t, outcome.ErrorMessage(), "timeout")
}

func TestPressureGateReducesRetries(t *testing.T) {
	inner := &scriptedProcessor{name: "extract", failures: -1}
	rp := resilience.NewResilientProcessor(inner, breakerFor(t, "extract", 10), resilience.Settings{
		RetryCount: 5,
		Backoff:    time.Millisecond,
	}, resilience.WithPressureGate(func() bool { return true }))

	_, err := rp.Process(context.Background(), processor.NewContext("doc-1", "", ""))
	require.NoError(t, err)
	assert.EqualValues(t, 1, inner.calls.Load(), "pressure must collapse the retry budget")
}

func TestChainFirstSuccessWins(t *testing.T) {
	first := &scriptedProcessor{name: "pdf-native", failures: -1}
	second := &scriptedProcessor{name: "pdf-ocr"}
	third := &scriptedProcessor{name: "pdf-raw"}
	chain := resilience.NewChain("pdf", first, second, third)

	outcome, err := chain.Process(context.Background(), processor.NewContext("doc-1", "", "application/pdf"))
	require.NoError(t, err)
	assert.Equal(t, []byte("pdf-ocr"), outcome.Payload)
	assert.EqualValues(t, 0, third.calls.Load(), "later members must not run after a success")
}

func TestChainAggregatesAllErrors(t *testing.T) {
	first := &scriptedProcessor{name: "a", failures: -1}
	second := &scriptedProcessor{name: "b", failures: -1}
	chain := resilience.NewChain("both-fail", first, second)

	outcome, err := chain.Process(context.Background(), processor.NewContext("doc-1", "", ""))
	require.NoError(t, err)
	assert.Equal(t, processor.StatusFailed, outcome.Status)
	require.Len(t, outcome.Errors, 2)
	assert.Contains(t, outcome.Errors[0], "a")
	assert.Contains(t, outcome.Errors[1], "b")
}
