package handlers

import (
	"errors"
	"fmt"
)

// HandlerError is a failure deliberately raised by business logic. Its
// message is sent back to the caller in an error response.
type HandlerError struct {
	Message string
	Err     error
}

// NewHandlerError returns a HandlerError with msg.
func NewHandlerError(msg string) *HandlerError {
	return &HandlerError{Message: msg}
}

// Errorf formats a HandlerError. A %w verb keeps the wrapped error reachable
// through errors.Is and errors.As.
func Errorf(format string, args ...any) *HandlerError {
	err := fmt.Errorf(format, args...)
	return &HandlerError{Message: err.Error(), Err: errors.Unwrap(err)}
}

func (e *HandlerError) Error() string {
	return e.Message
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// IsHandlerError finds a HandlerError in err's chain.
func IsHandlerError(err error) (*HandlerError, bool) {
	var he *HandlerError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}
