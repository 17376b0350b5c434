package runtime

import (
	"fmt"
	"reflect"

	errspkg "github.com/drblury/qdispatch/internal/runtime/errors"
	"github.com/drblury/qdispatch/internal/runtime/handlers"
	loggingpkg "github.com/drblury/qdispatch/internal/runtime/logging"
)

type handlerOptions struct {
	name string
}

// HandlerOption customises a handler registration.
type HandlerOption func(*handlerOptions)

// WithHandlerName overrides the default "<source queue>-handler" name.
func WithHandlerName(name string) HandlerOption {
	return func(o *handlerOptions) {
		o.name = name
	}
}

// RegisterHandler records h for its source queue. Start binds handlers in
// registration order; a source queue can only be claimed once. T must be a
// struct type: requests are decoded into it and validated with its tags.
// Handlers cannot be added once the service has started.
func RegisterHandler[T any](svc *Service, h handlers.RequestHandler[T], opts ...HandlerOption) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if h == nil {
		return errspkg.ErrHandlerRequired
	}
	if err := checkRequestType[T](); err != nil {
		return err
	}

	sourceQueue := h.SourceQueue()
	if sourceQueue == "" {
		return errspkg.ErrSourceQueueRequired
	}

	options := handlerOptions{name: sourceQueue + "-handler"}
	for _, opt := range opts {
		opt(&options)
	}
	if options.name == "" {
		return errspkg.ErrHandlerNameRequired
	}

	svc.handlersMu.Lock()
	defer svc.handlersMu.Unlock()

	if svc.started {
		return errspkg.ErrServiceStarted
	}
	for _, existing := range svc.handlers {
		if existing.SourceQueue == sourceQueue {
			return fmt.Errorf("%w: %s is consumed by %s", errspkg.ErrDuplicateSourceQueue, sourceQueue, existing.Name)
		}
		if existing.Name == options.name {
			return fmt.Errorf("%w: %s", errspkg.ErrDuplicateHandlerName, options.name)
		}
	}

	info := &HandlerInfo{
		Name:        options.name,
		SourceQueue: sourceQueue,
		Consumer:    svc.consumerName(options.name),
		Stats:       newHandlerStats(),
	}
	d := &dispatcher[T]{
		svc:     svc,
		handler: h,
		info:    info,
		logger: svc.Logger.With(loggingpkg.LogFields{
			"handler":      info.Name,
			"source_queue": sourceQueue,
		}),
	}

	svc.bindings = append(svc.bindings, binding{info: info, handle: d.handle})
	svc.handlers = append(svc.handlers, info)
	svc.lifecycle = append(svc.lifecycle, h)
	return nil
}

func checkRequestType[T any]() error {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	switch typ.Kind() {
	case reflect.Struct:
		return nil
	case reflect.Interface:
		return errspkg.ErrRequestTypeRequired
	default:
		return fmt.Errorf("%w: got %s", errspkg.ErrRequestTypeNotStruct, typ)
	}
}

func (s *Service) consumerName(handlerName string) string {
	app := "qdispatch"
	if s.Conf != nil && s.Conf.ApplicationName != "" {
		app = s.Conf.ApplicationName
	}
	return app + "/" + handlerName
}
