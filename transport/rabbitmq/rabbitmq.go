// Package rabbitmq provides the RabbitMQ transport for qdispatch. A single
// Provider owns the connection; the Watermill subscriber consumes through it
// and declares consumed queues with the configured dead-letter target.
package rabbitmq

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/qdispatch/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// resultDeadLetterConfig is implemented by configs that name a dead-letter
// queue for result queues.
type resultDeadLetterConfig interface {
	GetResultDeadLetterQueue() string
}

// ProviderConfigFrom extracts the provider settings from a transport config.
func ProviderConfigFrom(cfg transport.Config) ProviderConfig {
	pc := ProviderConfig{
		URL:             cfg.GetRabbitMQURL(),
		ExchangeType:    cfg.GetRabbitMQExchangeType(),
		ExchangeName:    cfg.GetRabbitMQExchangeName(),
		PrefetchCount:   cfg.GetRabbitMQPrefetchCount(),
		DeadLetterQueue: cfg.GetDeadLetterQueue(),
	}
	if rc, ok := cfg.(resultDeadLetterConfig); ok {
		pc.ResultDeadLetterQueue = rc.GetResultDeadLetterQueue()
	}
	return pc
}

// Build connects a Provider and returns it as publisher and closer together
// with a subscriber sharing its connection. A failed initial connection is
// returned as an error.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	provider := NewProvider(ProviderConfigFrom(cfg), logger)
	if err := provider.Connect(); err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(SubscriberConfig(provider), logger, provider.wrapper())
	if err != nil {
		_ = provider.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  provider.Publisher(),
		Subscriber: subscriber,
		Closer:     provider,
	}, nil
}

// SubscriberConfig returns the watermill-amqp configuration used to consume
// queues managed by provider: topics are queue names, nacked deliveries are
// not requeued, so the broker moves them to the dead-letter queue.
func SubscriberConfig(provider *Provider) amqp.Config {
	cfg := amqp.NewDurableQueueConfig(provider.cfg.URL)
	cfg.Exchange = amqp.ExchangeConfig{
		GenerateName: amqp.GenerateExchangeNameConstant(provider.cfg.exchangeName()),
		Type:         provider.cfg.exchangeType(),
		Durable:      true,
	}
	cfg.QueueBind.GenerateRoutingKey = func(topic string) string { return topic }
	cfg.Consume.NoRequeueOnNack = true
	cfg.Consume.Qos.PrefetchCount = provider.cfg.PrefetchCount
	cfg.TopologyBuilder = &topologyBuilder{provider: provider}
	return cfg
}

// topologyBuilder routes declarations made by the subscriber through the
// provider so consumed queues carry the same arguments as published ones.
type topologyBuilder struct {
	provider *Provider
}

func (b *topologyBuilder) BuildTopology(_ *amqp091.Channel, params amqp.BuildTopologyParams, _ amqp.Config, logger watermill.LoggerAdapter) error {
	logger.Debug("Declaring consumed queue", watermill.LogFields{
		"queue":    params.QueueName,
		"exchange": params.ExchangeName,
	})
	return b.provider.DeclareQueue(params.QueueName, b.provider.cfg.DeadLetterQueue)
}

func (b *topologyBuilder) ExchangeDeclare(_ *amqp091.Channel, _ string, _ amqp.Config) error {
	_, err := b.provider.Exchange()
	return err
}

func (p *Provider) wrapper() *amqp.ConnectionWrapper {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conn.(wrappedConnection); ok {
		return conn.ConnectionWrapper
	}
	return nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
