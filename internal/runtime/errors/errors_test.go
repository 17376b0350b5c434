package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrServiceRequired", ErrServiceRequired, "qdispatch: dispatch service is required"},
		{"ErrHandlerRequired", ErrHandlerRequired, "qdispatch: request handler is required"},
		{"ErrSourceQueueRequired", ErrSourceQueueRequired, "qdispatch: source queue is required"},
		{"ErrDuplicateSourceQueue", ErrDuplicateSourceQueue, "qdispatch: source queue already has a handler"},
		{"ErrHandlerNameRequired", ErrHandlerNameRequired, "qdispatch: handler name is required"},
		{"ErrDuplicateHandlerName", ErrDuplicateHandlerName, "qdispatch: handler name is already registered"},
		{"ErrRequestTypeRequired", ErrRequestTypeRequired, "qdispatch: request type is required"},
		{"ErrRequestTypeNotStruct", ErrRequestTypeNotStruct, "qdispatch: request type must be a struct"},
		{"ErrPublisherRequired", ErrPublisherRequired, "qdispatch: publisher is required"},
		{"ErrQueueRequired", ErrQueueRequired, "qdispatch: queue name is required"},
		{"ErrConfigRequired", ErrConfigRequired, "qdispatch: configuration is required"},
		{"ErrLoggerRequired", ErrLoggerRequired, "qdispatch: logger is required"},
		{"ErrServiceStarted", ErrServiceStarted, "qdispatch: handlers must be registered before the service starts"},
		{"ErrNotConnected", ErrNotConnected, "qdispatch: broker connection is not established"},
		{"ErrQueueArgumentsMismatch", ErrQueueArgumentsMismatch, "qdispatch: queue already declared with different arguments"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("invalid port")
	err := ConfigValidationError{Err: inner}

	want := "qdispatch: invalid configuration: invalid port"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if unwrapped := err.Unwrap(); unwrapped != inner {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, inner)
	}
}

func TestNewConfigValidationError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if err := NewConfigValidationError(nil); err != nil {
			t.Errorf("NewConfigValidationError(nil) = %v, want nil", err)
		}
	})

	t.Run("joined errors stay matchable", func(t *testing.T) {
		first := errors.New("rabbitmq: host is required")
		second := fmt.Errorf("http: invalid port %d", -1)
		err := NewConfigValidationError(errors.Join(first, second))

		var cfgErr ConfigValidationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("expected ConfigValidationError, got %T", err)
		}
		if !errors.Is(err, first) || !errors.Is(err, second) {
			t.Error("errors.Is should match both joined errors")
		}
	})
}
