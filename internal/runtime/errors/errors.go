package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired        = sterrors.New("qdispatch: dispatch service is required")
	ErrHandlerRequired        = sterrors.New("qdispatch: request handler is required")
	ErrSourceQueueRequired    = sterrors.New("qdispatch: source queue is required")
	ErrDuplicateSourceQueue   = sterrors.New("qdispatch: source queue already has a handler")
	ErrHandlerNameRequired    = sterrors.New("qdispatch: handler name is required")
	ErrDuplicateHandlerName   = sterrors.New("qdispatch: handler name is already registered")
	ErrRequestTypeRequired    = sterrors.New("qdispatch: request type is required")
	ErrRequestTypeNotStruct   = sterrors.New("qdispatch: request type must be a struct")
	ErrPublisherRequired      = sterrors.New("qdispatch: publisher is required")
	ErrQueueRequired          = sterrors.New("qdispatch: queue name is required")
	ErrConfigRequired         = sterrors.New("qdispatch: configuration is required")
	ErrLoggerRequired         = sterrors.New("qdispatch: logger is required")
	ErrNotConnected           = sterrors.New("qdispatch: broker connection is not established")
	ErrQueueArgumentsMismatch = sterrors.New("qdispatch: queue already declared with different arguments")
	ErrServiceStarted         = sterrors.New("qdispatch: handlers must be registered before the service starts")
)

// ConfigValidationError marks configuration problems detected before the
// service starts.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("qdispatch: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when there is nothing to report.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
