package transport

// Capabilities describes what a transport backend does with dispatched
// messages. The dispatcher consults it to decide how failures are routed.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	// SupportsNativeDLQ indicates a nacked message is moved to a dead-letter
	// queue by the broker instead of being redelivered.
	SupportsNativeDLQ bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment.
	SupportsNack bool

	// SupportsOrdering indicates deliveries on one queue arrive in publish order.
	SupportsOrdering bool

	// SupportsPrefetch indicates in-flight deliveries are bounded by a
	// prefetch limit.
	SupportsPrefetch bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// RequiresDLQEmulation returns true if failed messages have to be routed to
// the dead-letter queue by the dispatcher because the broker cannot do it.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for in-memory Go channel transport. A nack is
	// redelivered immediately.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
	}

	// RabbitMQCapabilities for RabbitMQ. Consumed queues are declared with
	// dead-letter arguments and nacks are not requeued.
	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsNativeDLQ: true,
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsOrdering:  true,
		SupportsPrefetch:  true,
		MaxMessageSize:    134217728, // 128MB broker default
	}

	// KafkaCapabilities for Apache Kafka transport.
	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsAck:      true,
		SupportsOrdering: true,
		MaxMessageSize:   1048576, // Default 1MB
	}

	// NATSCapabilities for NATS Core transport.
	NATSCapabilities = Capabilities{
		Name:           "nats",
		MaxMessageSize: 1048576, // Default 1MB
	}

	// AWSCapabilities for AWS SQS. A nack makes the message visible again
	// once its visibility timeout expires.
	AWSCapabilities = Capabilities{
		Name:           "aws",
		SupportsAck:    true,
		SupportsNack:   true,
		MaxMessageSize: 262144, // 256KB
	}

	// SQLiteCapabilities for the polling SQLite queue. A nack is retried with
	// backoff and parked in the dead-letter table once retries run out.
	SQLiteCapabilities = Capabilities{
		Name:              "sqlite",
		SupportsNativeDLQ: true,
		SupportsAck:       true,
		SupportsNack:      true,
	}

	// PostgresCapabilities for the polling PostgreSQL queue. Same delivery
	// rules as SQLite; rows are claimed with SKIP LOCKED so several
	// consumers can share a queue.
	PostgresCapabilities = Capabilities{
		Name:              "postgres",
		SupportsNativeDLQ: true,
		SupportsAck:       true,
		SupportsNack:      true,
	}

	// HTTPCapabilities for HTTP-based transport.
	HTTPCapabilities = Capabilities{
		Name: "http",
	}
)

// GetCapabilities returns the capabilities for a transport by name.
// Uses the registry to look up capabilities registered by each transport package.
// Returns a Capabilities value carrying only the name if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
