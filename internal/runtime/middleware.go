package runtime

import (
	"errors"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	idspkg "github.com/drblury/qdispatch/internal/runtime/ids"
	loggingpkg "github.com/drblury/qdispatch/internal/runtime/logging"
)

const metadataKeyCorrelationID = "correlation_id"

// MiddlewareBuilder constructs a handler middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a Service router.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard middleware chain used by the Service
// constructor. Middlewares run in order, so the dead-letter route sees the
// errors produced by recovered panics.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		MetricsMiddleware(),
		DeadLetterMiddleware(),
		RecovererMiddleware(),
	}
}

// MetricsMiddleware adds Watermill's Prometheus router metrics next to the
// dispatcher series.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if !s.Conf.MetricsEnabled || s.metrics == nil {
				return nil, nil
			}

			metricsBuilder := metrics.NewPrometheusMetricsBuilder(
				s.metrics.Registerer(),
				"qdispatch",
				s.Conf.GetPubSubSystem(),
			)
			metricsBuilder.AddPrometheusRouterMetrics(s.router)

			return metricsBuilder.NewRouterMiddleware().Middleware, nil
		},
	}
}

// CorrelationIDMiddleware ensures each processed message carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Middleware: func(h message.HandlerFunc) message.HandlerFunc {
			return func(msg *message.Message) ([]*message.Message, error) {
				if msg.Metadata.Get(metadataKeyCorrelationID) == "" {
					msg.Metadata.Set(metadataKeyCorrelationID, idspkg.New())
				}
				return h(msg)
			}
		},
	}
}

// LogMessagesMiddleware logs the payload and metadata of handled messages at debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return func(h message.HandlerFunc) message.HandlerFunc {
				return func(msg *message.Message) ([]*message.Message, error) {
					l.Debug("Processing message", loggingpkg.LogFields{
						"message_uuid": msg.UUID,
						"source_queue": message.SubscribeTopicFromCtx(msg.Context()),
						"payload":      string(msg.Payload),
						"metadata":     msg.Metadata,
					})
					return h(msg)
				}
			}, nil
		},
	}
}

// DeadLetterMiddleware routes deliveries that could not be dispatched. With a
// dead-letter queue configured they are published there and acked; without
// one they are logged and acked. On transports that redeliver nacked
// messages, failed response publishes take the same route.
func DeadLetterMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "dead_letter",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return s.deadLetterMiddleware()
		},
	}
}

// RecovererMiddleware converts panics into handler errors so they take the
// dead-letter route.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware attaches the supplied middleware to the router.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if s.router == nil {
		return errors.New("router is not initialised")
	}

	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.router.AddMiddleware(mw)
	return nil
}

// deadLetterFilter selects the errors routed by the dead-letter middleware.
func (s *Service) deadLetterFilter(err error) bool {
	if err == nil {
		return false
	}
	if isDeadLetterCandidate(err) {
		return true
	}
	var panicErr middleware.RecoveredPanicError
	if errors.As(err, &panicErr) {
		return true
	}
	return s.capabilities.RequiresDLQEmulation() && isPublishFailure(err)
}

func (s *Service) deadLetterMiddleware() (message.HandlerMiddleware, error) {
	if s.Conf == nil {
		return nil, errors.New("service config is required for dead letter middleware")
	}

	queue := s.Conf.DeadLetterQueue
	if queue == "" {
		return s.dropMiddleware(), nil
	}
	if s.publisher == nil {
		return nil, errors.New("publisher is required for dead letter middleware")
	}

	poison, err := middleware.PoisonQueueWithFilter(s.publisher, queue, s.deadLetterFilter)
	if err != nil {
		return nil, err
	}

	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			var routed error
			msgs, err := poison(func(m *message.Message) ([]*message.Message, error) {
				out, err := h(m)
				if s.deadLetterFilter(err) {
					routed = err
				}
				return out, err
			})(msg)

			if routed != nil && err == nil {
				sourceQueue := message.SubscribeTopicFromCtx(msg.Context())
				if s.metrics != nil {
					s.metrics.DeadLettered.WithLabelValues(sourceQueue).Inc()
				}
				s.Logger.Error("Message moved to dead letter queue", routed, loggingpkg.LogFields{
					"message_uuid":      msg.UUID,
					"source_queue":      sourceQueue,
					"dead_letter_queue": queue,
				})
			}
			return msgs, err
		}
	}, nil
}

// dropMiddleware acks what the dead-letter route would have taken.
func (s *Service) dropMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			msgs, err := h(msg)
			if !s.deadLetterFilter(err) {
				return msgs, err
			}
			s.Logger.Error("Dropping message without dead letter queue", err, loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"source_queue": message.SubscribeTopicFromCtx(msg.Context()),
			})
			return nil, nil
		}
	}
}
