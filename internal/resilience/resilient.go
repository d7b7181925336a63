package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"docpipe/internal/logging"
	"docpipe/internal/processor"
	"docpipe/internal/services"
)

// Settings configure the retry envelope around a wrapped processor.
type Settings struct {
	RetryCount int
	Backoff    time.Duration
	Timeout    time.Duration
}

// ResilientProcessor wraps any processor with an outer per-call deadline,
// bounded retries with increasing backoff, circuit breaking, and an optional
// fallback. Processing failures never escape as errors: every failure path
// yields a failed Outcome so callers observe typed results only.
type ResilientProcessor struct {
	inner    processor.Processor
	fallback processor.Processor
	breaker  *Breaker
	settings Settings
	pressure func() bool
	logger   *slog.Logger
}

// ResilientOption configures optional wrapper behavior.
type ResilientOption func(*ResilientProcessor)

// WithFallback delegates to the given processor after retry exhaustion.
func WithFallback(fb processor.Processor) ResilientOption {
	return func(rp *ResilientProcessor) { rp.fallback = fb }
}

// WithPressureGate reduces the retry budget to a single attempt while the
// gate reports resource pressure.
func WithPressureGate(gate func() bool) ResilientOption {
	return func(rp *ResilientProcessor) { rp.pressure = gate }
}

// WithLogger sets the wrapper's logger.
func WithLogger(logger *slog.Logger) ResilientOption {
	return func(rp *ResilientProcessor) { rp.logger = logger }
}

// NewResilientProcessor wraps inner with the given breaker and settings.
func NewResilientProcessor(inner processor.Processor, breaker *Breaker, settings Settings, opts ...ResilientOption) *ResilientProcessor {
	if settings.RetryCount < 1 {
		settings.RetryCount = 1
	}
	if settings.Backoff <= 0 {
		settings.Backoff = 100 * time.Millisecond
	}
	rp := &ResilientProcessor{
		inner:    inner,
		breaker:  breaker,
		settings: settings,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(rp)
	}
	return rp
}

// Describe returns the wrapped processor's descriptor.
func (rp *ResilientProcessor) Describe() processor.Descriptor {
	return rp.inner.Describe()
}

// Process runs one outer invocation. The breaker is consulted once before
// the first attempt and updated once after the last, so per-attempt retries
// cannot flap the circuit.
func (rp *ResilientProcessor) Process(ctx context.Context, pc *processor.Context) (processor.Outcome, error) {
	name := rp.inner.Describe().Name

	if rp.breaker != nil && !rp.breaker.CanExecute() {
		rp.logger.Debug("circuit open, call rejected", logging.String(logging.FieldProcessor, name))
		return rp.delegate(ctx, pc, processor.Failf("processor %s: circuit open", name))
	}

	if validator, ok := rp.inner.(processor.InputValidator); ok {
		if problems := validator.ValidateInput(pc); len(problems) > 0 {
			out := processor.Outcome{Status: processor.StatusFailed, Errors: problems}
			// Validation rejections are deterministic; they bypass the breaker.
			return out, nil
		}
	}

	if rp.settings.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rp.settings.Timeout)
		defer cancel()
	}

	attempts := rp.settings.RetryCount
	if rp.pressure != nil && rp.pressure() {
		attempts = 1
	}

	var last processor.Outcome
	for attempt := 1; attempt <= attempts; attempt++ {
		outcome, err := rp.invoke(ctx, pc)
		if err == nil && outcome.Succeeded() {
			if rp.breaker != nil {
				rp.breaker.RecordSuccess()
			}
			return outcome, nil
		}

		last = outcome
		if err != nil {
			last = processor.Fail(err)
			if !services.Recoverable(err) {
				break
			}
		}
		if ctx.Err() != nil {
			last = processor.Fail(services.Wrap(services.ErrTimeout, "resilience", "process", name, ctx.Err()))
			break
		}
		if attempt < attempts {
			rp.logger.Debug("attempt failed, backing off",
				logging.String(logging.FieldProcessor, name),
				logging.Int("attempt", attempt),
				logging.String("error", last.ErrorMessage()))
			if !sleepCtx(ctx, rp.settings.Backoff*time.Duration(attempt)) {
				last = processor.Fail(services.Wrap(services.ErrTimeout, "resilience", "backoff", name, ctx.Err()))
				break
			}
		}
	}

	if rp.breaker != nil {
		rp.breaker.RecordFailure()
	}
	return rp.delegate(ctx, pc, last)
}

// invoke runs one attempt, converting panics and raw errors into outcomes.
func (rp *ResilientProcessor) invoke(ctx context.Context, pc *processor.Context) (outcome processor.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = processor.Failf("processor panicked: %v", r)
			err = nil
		}
	}()
	outcome, err = rp.inner.Process(ctx, pc)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = services.Wrap(services.ErrTimeout, "resilience", "process", rp.inner.Describe().Name, err)
	}
	return outcome, err
}

// delegate tries the fallback processor, otherwise returns the failed outcome.
func (rp *ResilientProcessor) delegate(ctx context.Context, pc *processor.Context, failed processor.Outcome) (processor.Outcome, error) {
	if rp.fallback == nil {
		return failed, nil
	}
	rp.logger.Info("delegating to fallback processor",
		logging.String(logging.FieldProcessor, rp.inner.Describe().Name),
		logging.String("fallback", rp.fallback.Describe().Name))
	outcome, err := rp.fallback.Process(ctx, pc)
	if err != nil {
		outcome = processor.Fail(err)
	}
	if !outcome.Succeeded() {
		outcome.Errors = append(failed.Errors, outcome.Errors...)
	}
	return outcome, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
