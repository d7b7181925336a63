package processor

import "context"

// Processor is the extension point for document transformations. Process
// returns an error only for infrastructure failures; processing failures are
// reported through a failed Outcome.
type Processor interface {
	Describe() Descriptor
	Process(ctx context.Context, pc *Context) (Outcome, error)
}

// Initializer is implemented by processors that need one-time setup before
// their first invocation. The registry runs it under the instance lock.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Cleaner is implemented by processors that hold releasable resources.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// InputValidator is implemented by processors that can reject input before
// processing starts. A non-empty slice fails the invocation without counting
// against the circuit breaker.
type InputValidator interface {
	ValidateInput(pc *Context) []string
}
