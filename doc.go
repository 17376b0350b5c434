// Package qdispatch is a request/response dispatch layer on top of Watermill.
// A Service consumes one source queue per registered RequestHandler, decodes
// and validates each JSON request, runs the handler and publishes a response
// envelope to every result queue the handler names for the request's creator.
//
// Requests are JSON objects carrying the correlation keys request_id and
// x_creator_id next to the handler's own fields. Responses always have the
// shape
//
//	{"is_success": bool, "request_id": ..., "x_creator_id": ...,
//	 "error_message": string|null, "body": any|null}
//
// Invalid requests and HandlerError results are reported to the caller as
// error responses. Messages that cannot be parsed or correlated, and handler
// failures that are not a HandlerError, are routed to the dead-letter queue
// when one is configured and dropped otherwise.
//
// # Transports
//
// The transport is selected by Config.PubSubSystem:
//   - rabbitmq: durable queues bound by name, native dead-lettering
//   - kafka: consumer groups
//   - nats: core NATS subjects
//   - aws: Amazon SQS with LocalStack support
//   - http: request/response over HTTP
//   - channel: in-memory Go channels for tests and local development
//
// # Metrics
//
// Every Service owns listener_success_processed_message,
// listener_error_processed_message and listener_work_duration_seconds, served
// on /metrics together with Watermill's router metrics. /health_check and
// /api/handlers are served on the same address.
package qdispatch
