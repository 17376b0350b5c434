package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilities_RequiresDLQEmulation(t *testing.T) {
	assert.False(t, Capabilities{SupportsNativeDLQ: true}.RequiresDLQEmulation())
	assert.True(t, Capabilities{}.RequiresDLQEmulation())
}

func TestCapabilities_SupportsReliableDelivery(t *testing.T) {
	tests := []struct {
		name     string
		caps     Capabilities
		wantBool bool
	}{
		{"supports ack and nack", Capabilities{SupportsAck: true, SupportsNack: true}, true},
		{"supports ack only", Capabilities{SupportsAck: true}, false},
		{"supports nack only", Capabilities{SupportsNack: true}, false},
		{"supports neither", Capabilities{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantBool, tt.caps.SupportsReliableDelivery())
		})
	}
}

func TestPredefinedCapabilities(t *testing.T) {
	t.Run("channel redelivers nacks", func(t *testing.T) {
		assert.Equal(t, "channel", ChannelCapabilities.Name)
		assert.True(t, ChannelCapabilities.SupportsReliableDelivery())
		assert.True(t, ChannelCapabilities.RequiresDLQEmulation())
	})

	t.Run("rabbitmq dead-letters natively", func(t *testing.T) {
		assert.Equal(t, "rabbitmq", RabbitMQCapabilities.Name)
		assert.False(t, RabbitMQCapabilities.RequiresDLQEmulation())
		assert.True(t, RabbitMQCapabilities.SupportsPrefetch)
		assert.True(t, RabbitMQCapabilities.SupportsReliableDelivery())
	})

	t.Run("kafka", func(t *testing.T) {
		assert.Equal(t, "kafka", KafkaCapabilities.Name)
		assert.True(t, KafkaCapabilities.SupportsOrdering)
		assert.False(t, KafkaCapabilities.SupportsNack)
		assert.Greater(t, KafkaCapabilities.MaxMessageSize, int64(0))
	})

	t.Run("nats", func(t *testing.T) {
		assert.Equal(t, "nats", NATSCapabilities.Name)
		assert.True(t, NATSCapabilities.RequiresDLQEmulation())
		assert.False(t, NATSCapabilities.SupportsAck)
	})

	t.Run("aws", func(t *testing.T) {
		assert.Equal(t, "aws", AWSCapabilities.Name)
		assert.True(t, AWSCapabilities.RequiresDLQEmulation())
		assert.True(t, AWSCapabilities.SupportsReliableDelivery())
		assert.Greater(t, AWSCapabilities.MaxMessageSize, int64(0))
	})

	t.Run("sql queues park failures in their own tables", func(t *testing.T) {
		for _, caps := range []Capabilities{SQLiteCapabilities, PostgresCapabilities} {
			assert.False(t, caps.RequiresDLQEmulation(), caps.Name)
			assert.True(t, caps.SupportsReliableDelivery(), caps.Name)
			assert.False(t, caps.SupportsOrdering, caps.Name)
		}
		assert.Equal(t, "sqlite", SQLiteCapabilities.Name)
		assert.Equal(t, "postgres", PostgresCapabilities.Name)
	})

	t.Run("http", func(t *testing.T) {
		assert.Equal(t, "http", HTTPCapabilities.Name)
		assert.True(t, HTTPCapabilities.RequiresDLQEmulation())
	})
}

func TestGetCapabilities_PackageLevel(t *testing.T) {
	caps := GetCapabilities("nonexistent")
	assert.Equal(t, "nonexistent", caps.Name)
	assert.True(t, caps.RequiresDLQEmulation())
}
