package services_test

import (
	"errors"
	"testing"

	"docpipe/internal/services"
)

func TestWrapTagsMarker(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrExecution, "registry", "get", "instantiate processor", base)
	if !errors.Is(err, services.ErrExecution) {
		t.Fatalf("expected wrapped error to match marker, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to preserve cause, got %v", err)
	}
}

func TestWrapDefaultsToExecution(t *testing.T) {
	err := services.Wrap(nil, "pool", "submit", "", nil)
	if !errors.Is(err, services.ErrExecution) {
		t.Fatalf("expected default execution marker, got %v", err)
	}
}

func TestRecoverable(t *testing.T) {
	tests := []struct {
		name   string
		marker error
		want   bool
	}{
		{"execution", services.ErrExecution, true},
		{"timeout", services.ErrTimeout, true},
		{"resource exhausted", services.ErrResourceExhausted, true},
		{"configuration", services.ErrConfiguration, false},
		{"not found", services.ErrProcessorNotFound, false},
		{"init", services.ErrProcessorInit, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := services.Wrap(tt.marker, "stage", "op", "msg", nil)
			if got := services.Recoverable(err); got != tt.want {
				t.Fatalf("Recoverable(%v) = %v, want %v", err, got, tt.want)
			}
		})
	}
}

func TestFatal(t *testing.T) {
	if services.Fatal(services.Wrap(services.ErrStateStore, "store", "save", "", nil)) {
		t.Fatal("state store errors must degrade, not abort")
	}
	if !services.Fatal(services.Wrap(services.ErrConfiguration, "config", "load", "", nil)) {
		t.Fatal("configuration errors are fatal at load")
	}
}
