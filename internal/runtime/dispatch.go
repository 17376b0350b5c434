package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/qdispatch/internal/runtime/envelope"
	"github.com/drblury/qdispatch/internal/runtime/handlers"
	idspkg "github.com/drblury/qdispatch/internal/runtime/ids"
	jsoncodec "github.com/drblury/qdispatch/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/qdispatch/internal/runtime/logging"
	metadatapkg "github.com/drblury/qdispatch/internal/runtime/metadata"
)

// Error message prefixes of the responses reported to callers.
const (
	requestContentErrorPrefix = "request body content error: "
	handlerErrorPrefix        = "handler error: "
)

// dispatcher runs the request/response cycle of one registered handler.
type dispatcher[T any] struct {
	svc     *Service
	handler handlers.RequestHandler[T]
	info    *HandlerInfo
	logger  loggingpkg.ServiceLogger
}

// handle is the router callback. A nil return acks the delivery.
func (d *dispatcher[T]) handle(msg *message.Message) error {
	start := time.Now()
	d.info.Stats.onMessageStart(msg)

	outcome, err := d.dispatch(msg)

	d.info.Stats.onMessageFinish(time.Since(start), outcome, err)
	return err
}

func (d *dispatcher[T]) dispatch(msg *message.Message) (Outcome, error) {
	m := d.svc.metrics
	timer := prometheus.NewTimer(m.Duration)
	defer timer.ObserveDuration()

	log := d.logger.With(loggingpkg.LogFields{"message_uuid": msg.UUID})

	fields, err := envelope.DecodeObject(msg.Payload)
	if err != nil {
		m.Errors.Inc()
		log.Error("Unable to parse message", err, nil)
		return OutcomeUnprocessable, &UnprocessableMessageError{
			SourceQueue: d.info.SourceQueue,
			Payload:     string(msg.Payload),
			Err:         err,
		}
	}

	corr := envelope.ExtractCorrelation(fields)
	if !corr.HasAny() {
		m.Errors.Inc()
		log.Error("Unable to identify message", nil, loggingpkg.LogFields{"payload": string(msg.Payload)})
		return OutcomeUnprocessable, &UnprocessableMessageError{
			SourceQueue: d.info.SourceQueue,
			Payload:     string(msg.Payload),
			Err:         errors.New("request_id and x_creator_id are missing"),
		}
	}
	log = log.With(loggingpkg.LogFields{
		envelope.FieldRequestID: corr.RequestID,
		envelope.FieldCreatorID: corr.CreatorID,
	})
	if missing := corr.Missing(); len(missing) > 0 {
		loggingpkg.Warn(log, "Request is missing correlation keys", loggingpkg.LogFields{"missing": missing})
	}

	resultQueues := d.handler.ResultQueues(corr.CreatorID)
	loggingpkg.Access(log, "Dispatching request", loggingpkg.LogFields{
		"handler":      d.info.Name,
		"source_queue": d.info.SourceQueue,
	})

	payload, err := d.decode(msg.Payload)
	if err != nil {
		if !isRequestContentError(err) {
			m.Errors.Inc()
			log.Error("Unable to validate request", err, nil)
			return OutcomeFailed, &HandlerFailureError{Handler: d.info.Name, RequestID: corr.RequestID, Err: err}
		}
		resp := envelope.Failure(corr, requestContentErrorPrefix+err.Error())
		if err := d.respond(msg, resp, resultQueues, OutcomeValidationError); err != nil {
			return OutcomePublishFailed, err
		}
		m.Errors.Inc()
		return OutcomeValidationError, nil
	}

	result, err := d.execute(msg.Context(), handlers.Request[T]{
		Payload:   payload,
		RequestID: corr.RequestID,
		CreatorID: corr.CreatorID,
		Metadata:  metadatapkg.FromWatermill(msg.Metadata),
		Logger:    log,
	})
	if err != nil {
		if he, ok := handlers.IsHandlerError(err); ok {
			resp := envelope.Failure(corr, handlerErrorPrefix+he.Message)
			if err := d.respond(msg, resp, resultQueues, OutcomeHandlerError); err != nil {
				return OutcomePublishFailed, err
			}
			m.Errors.Inc()
			return OutcomeHandlerError, nil
		}
		m.Errors.Inc()
		log.Error("Handler failed", err, loggingpkg.LogFields{"handler": d.info.Name})
		return OutcomeFailed, &HandlerFailureError{Handler: d.info.Name, RequestID: corr.RequestID, Err: err}
	}

	if handlers.IsEmptyResult(result) {
		return OutcomeNoResult, nil
	}
	if err := d.respond(msg, envelope.Success(corr, result), resultQueues, OutcomeSuccess); err != nil {
		return OutcomePublishFailed, err
	}
	m.Success.Inc()
	return OutcomeSuccess, nil
}

// requestContentError wraps failures to decode a request into T.
type requestContentError struct {
	err error
}

func (e *requestContentError) Error() string { return e.err.Error() }
func (e *requestContentError) Unwrap() error { return e.err }

func isRequestContentError(err error) bool {
	var contentErr *requestContentError
	var validationErr *envelope.ValidationError
	return errors.As(err, &contentErr) || errors.As(err, &validationErr)
}

func (d *dispatcher[T]) decode(raw []byte) (*T, error) {
	payload := new(T)
	if err := jsoncodec.Unmarshal(raw, payload); err != nil {
		return nil, &requestContentError{err: err}
	}
	if d.svc.validator != nil {
		if err := d.svc.validator.Validate(payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

func (d *dispatcher[T]) execute(ctx context.Context, req handlers.Request[T]) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	return d.handler.Execute(ctx, req)
}

// respond publishes resp to every result queue concurrently. Every publish is
// attempted; the first failure is returned.
func (d *dispatcher[T]) respond(msg *message.Message, resp envelope.Response, queues []string, outcome Outcome) error {
	if len(queues) == 0 {
		return nil
	}

	body, err := resp.Marshal()
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}

	md := metadatapkg.ForResponse(resp.RequestID, resp.CreatorID, d.info.SourceQueue, d.info.Name, string(outcome))
	if correlationID := msg.Metadata.Get(metadataKeyCorrelationID); correlationID != "" {
		md = md.With(metadataKeyCorrelationID, correlationID)
	}

	var g errgroup.Group
	for _, queue := range queues {
		g.Go(func() error {
			out := message.NewMessage(idspkg.New(), body)
			out.Metadata = metadatapkg.ToWatermill(md)
			if err := d.svc.publisher.Publish(queue, out); err != nil {
				d.logger.Error("Failed to publish response", err, loggingpkg.LogFields{
					"result_queue":          queue,
					envelope.FieldRequestID: resp.RequestID,
				})
				return &ResponsePublishError{Queue: queue, Err: err}
			}
			return nil
		})
	}
	return g.Wait()
}
