/*
Package runtime provides the request/response dispatch core of qdispatch.

# Architecture Overview

The runtime consumes JSON requests from source queues, hands each one to the
handler registered for that queue and publishes a correlated response to the
handler's result queues. It is built on the Watermill router; the transport
underneath is chosen by configuration.

# Package Structure

## Core Service (service.go)

The Service struct wires together:
  - Message router (Watermill)
  - Publisher and subscriber of the configured transport
  - Middleware chain
  - HTTP endpoints: /health_check, /metrics and /api/handlers

## Handler Registration (registration.go)

RegisterHandler binds a handlers.RequestHandler[T] to its source queue.
Registration order is startup order and every source queue has at most one
handler.

## Dispatch (dispatch.go)

Each delivery is decoded, correlated through request_id and x_creator_id,
validated into T and executed. Successful results, validation failures and
handler errors are published as envelope.Response values to every result
queue, concurrently. Other failures never reach the caller.

## Middleware (middleware.go)

  - CorrelationID: Ensures message traceability
  - LogMessages: Debug logging of message payloads
  - Metrics: Watermill router metrics
  - DeadLetter: Moves undispatchable messages to the dead letter queue
  - Recoverer: Panic recovery

## Models (models.go)

Typed errors, dispatch outcomes and per-handler statistics.

# Subpackages

  - config: Service configuration
  - envelope: Request correlation, response envelope and validation
  - errors: Sentinel errors
  - handlers: The handler contract
  - ids: ULID message identifiers
  - jsoncodec: JSON encoding
  - logging: Logging abstraction and console handler
  - metadata: Message metadata helpers
  - transport: Transport factory
*/
package runtime
