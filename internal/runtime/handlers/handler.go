// Package handlers defines the contract business handlers implement to be
// dispatched by the runtime.
package handlers

import (
	"context"
	"reflect"

	loggingpkg "github.com/drblury/qdispatch/internal/runtime/logging"
	metadatapkg "github.com/drblury/qdispatch/internal/runtime/metadata"
)

// RequestHandler consumes requests of type T from a single source queue.
type RequestHandler[T any] interface {
	// SourceQueue names the queue the handler consumes. It must not change
	// after registration.
	SourceQueue() string
	// ResultQueues lists the queues notified of the outcome of a request sent
	// by creatorID. An empty list publishes nothing.
	ResultQueues(creatorID string) []string
	// Execute runs the business operation. A nil or empty result publishes
	// nothing; a *HandlerError is reported to the caller; any other error is
	// an internal failure.
	Execute(ctx context.Context, req Request[T]) (any, error)
}

// Request is a decoded and validated request handed to Execute.
type Request[T any] struct {
	Payload   *T
	RequestID string
	CreatorID string
	Metadata  metadatapkg.Metadata
	Logger    loggingpkg.ServiceLogger
}

// CloneMetadata copies the incoming headers so handlers can mutate them safely.
func (r Request[T]) CloneMetadata() metadatapkg.Metadata {
	return r.Metadata.Clone()
}

// Get retrieves a header value by key.
func (r Request[T]) Get(key string) string {
	return r.Metadata[key]
}

// NoResult can be returned by Execute to publish nothing.
type NoResult struct{}

// IsEmptyResult reports whether result publishes nothing: nil, NoResult, a
// nil pointer or an empty map or slice.
func IsEmptyResult(result any) bool {
	if result == nil {
		return true
	}
	if _, ok := result.(NoResult); ok {
		return true
	}
	v := reflect.ValueOf(result)
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		return v.IsNil()
	case reflect.Map, reflect.Slice:
		return v.Len() == 0
	default:
		return false
	}
}

// Funcs adapts plain functions to RequestHandler.
type Funcs[T any] struct {
	Source  string
	Results func(creatorID string) []string
	Run     func(ctx context.Context, req Request[T]) (any, error)
}

func (f Funcs[T]) SourceQueue() string { return f.Source }

func (f Funcs[T]) ResultQueues(creatorID string) []string {
	if f.Results == nil {
		return nil
	}
	return f.Results(creatorID)
}

func (f Funcs[T]) Execute(ctx context.Context, req Request[T]) (any, error) {
	if f.Run == nil {
		return nil, nil
	}
	return f.Run(ctx, req)
}

// StaticResults returns a ResultQueues function ignoring the creator.
func StaticResults(queues ...string) func(string) []string {
	return func(string) []string { return queues }
}

// Starter is implemented by handlers that prepare resources before their
// queue is consumed.
type Starter interface {
	Start(ctx context.Context) error
}

// Stopper is implemented by handlers that release resources on shutdown.
type Stopper interface {
	Stop(ctx context.Context) error
}
