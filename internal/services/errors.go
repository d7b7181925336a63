package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConfiguration     = errors.New("configuration error")
	ErrValidation        = errors.New("validation error")
	ErrProcessorNotFound = errors.New("processor not found")
	ErrProcessorInit     = errors.New("processor initialization error")
	ErrExecution         = errors.New("processor execution error")
	ErrTimeout           = errors.New("timeout")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrStateStore        = errors.New("state store error")
)

// Wrap builds an error message that includes component context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrExecution
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Recoverable reports whether the error may succeed on a later attempt and is
// therefore eligible for retry and circuit accounting. Configuration and
// lookup failures are deterministic and excluded.
func Recoverable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrProcessorNotFound),
		errors.Is(err, ErrProcessorInit):
		return false
	default:
		return true
	}
}

// Fatal reports whether the error must abort the current operation rather than
// degrade it. StateStore failures are explicitly non-fatal: callers continue
// in memory and flag the execution checkpoint-degraded.
func Fatal(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrStateStore), errors.Is(err, ErrResourceExhausted):
		return false
	case errors.Is(err, ErrConfiguration), errors.Is(err, ErrProcessorNotFound):
		return true
	default:
		return false
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
