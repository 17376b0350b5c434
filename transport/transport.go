// Package transport defines the core interfaces and types for qdispatch transports.
// Each transport implementation (rabbitmq, kafka, aws, etc.) lives in its own
// sub-package and registers itself with the transport registry.
package transport

import (
	"context"
	"io"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a factory.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	// Closer releases resources shared by Publisher and Subscriber, such as a
	// broker connection. It is closed after both of them. Optional.
	Closer io.Closer
}

// Builder is the function signature for creating a transport from config.
// Each transport package should provide a Builder function that can be registered.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports.
// This interface allows transports to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetPubSubSystem returns the transport type name.
	GetPubSubSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string
	GetRabbitMQExchangeName() string
	GetRabbitMQExchangeType() string
	GetRabbitMQPrefetchCount() int

	// GetDeadLetterQueue names the queue that consumed queues dead-letter into.
	GetDeadLetterQueue() string

	// NATS
	GetNATSURL() string

	// SQL
	GetSQLiteFile() string
	GetPostgresURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// QueueIntrospector is implemented by transports that can report queue statistics.
type QueueIntrospector interface {
	GetPendingCount(topic string) (int64, error)
}

// DeadLetter is a message parked in the dead-letter table of a SQL transport
// after it was nacked more often than the transport retries.
type DeadLetter struct {
	ID           int64
	UUID         string
	SourceQueue  string
	Payload      []byte
	Metadata     map[string]string
	ErrorMessage string
	FailedAt     time.Time
	RetryCount   int
}
