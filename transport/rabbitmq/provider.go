package rabbitmq

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	errspkg "github.com/drblury/qdispatch/internal/runtime/errors"
	jsoncodec "github.com/drblury/qdispatch/internal/runtime/jsoncodec"
)

const (
	argDeadLetterExchange   = "x-dead-letter-exchange"
	argDeadLetterRoutingKey = "x-dead-letter-routing-key"

	contentTypeJSON = "application/json"
)

// Channel is the part of *amqp091.Channel the provider relies on.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	IsClosed() bool
	Close() error
}

// Connection is a broker connection that hands out channels.
type Connection interface {
	Channel() (Channel, error)
	Close() error
}

type wrappedConnection struct {
	*amqp.ConnectionWrapper
}

// Channel opens a channel on the current underlying connection, which changes
// after a reconnect.
func (c wrappedConnection) Channel() (Channel, error) {
	conn := c.Connection()
	if conn == nil {
		return nil, errspkg.ErrNotConnected
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (Connection, error) {
	conn, err := amqp.NewConnection(cfg, logger)
	if err != nil {
		return nil, err
	}
	return wrappedConnection{conn}, nil
}

// ProviderConfig configures a Provider.
type ProviderConfig struct {
	URL string

	// ExchangeType is direct, topic, fanout or headers. Defaults to direct.
	ExchangeType string
	// ExchangeName defaults to the exchange type.
	ExchangeName string

	// PrefetchCount bounds unacknowledged deliveries per channel. Zero leaves
	// the broker default in place.
	PrefetchCount int

	// DeadLetterQueue is attached to every queue consumed through the
	// provider's subscriber.
	DeadLetterQueue string
	// ResultDeadLetterQueue is attached to queues first declared by the
	// Watermill publisher, which are the result queues.
	ResultDeadLetterQueue string
}

func (c ProviderConfig) exchangeType() string {
	if c.ExchangeType == "" {
		return "direct"
	}
	return strings.ToLower(c.ExchangeType)
}

func (c ProviderConfig) exchangeName() string {
	if c.ExchangeName != "" {
		return c.ExchangeName
	}
	return c.exchangeType()
}

// Provider owns the single broker connection of a process together with a
// cached channel, the managed exchange and the set of declared queues.
type Provider struct {
	cfg    ProviderConfig
	logger watermill.LoggerAdapter

	mu       sync.Mutex
	conn     Connection
	channel  Channel
	exchange string
	queues   map[string]string
	closed   bool
}

// NewProvider returns a provider that connects lazily on Connect.
func NewProvider(cfg ProviderConfig, logger watermill.LoggerAdapter) *Provider {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Provider{
		cfg:    cfg,
		logger: logger.With(watermill.LogFields{"component": "rabbitmq_provider"}),
		queues: make(map[string]string),
	}
}

// Connect establishes the broker connection. The connection reconnects on its
// own afterwards; calling Connect again is a no-op.
func (p *Provider) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("%w: provider is closed", errspkg.ErrNotConnected)
	}
	if p.conn != nil {
		return nil
	}

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   p.cfg.URL,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, p.logger)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}
	p.conn = conn
	return nil
}

// Channel returns the cached channel, opening a new one when there is none
// or the previous one was closed by the broker.
func (p *Provider) Channel() (Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channelLocked()
}

func (p *Provider) channelLocked() (Channel, error) {
	if p.conn == nil {
		return nil, errspkg.ErrNotConnected
	}
	if p.channel != nil && !p.channel.IsClosed() {
		return p.channel, nil
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if p.cfg.PrefetchCount > 0 {
		if err := ch.Qos(p.cfg.PrefetchCount, 0, false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("set channel qos: %w", err)
		}
	}
	p.channel = ch
	return ch, nil
}

// Exchange declares the managed exchange on first use and returns its name.
func (p *Provider) Exchange() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exchangeLocked()
}

func (p *Provider) exchangeLocked() (string, error) {
	if p.exchange != "" {
		return p.exchange, nil
	}
	ch, err := p.channelLocked()
	if err != nil {
		return "", err
	}
	name := p.cfg.exchangeName()
	if err := ch.ExchangeDeclare(name, p.cfg.exchangeType(), true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("declare exchange %s: %w", name, err)
	}
	p.exchange = name
	return name, nil
}

// DeclareQueue declares a durable queue bound to the managed exchange under its
// own name. A non-empty deadLetter is declared first and attached through the
// default exchange. Declaring the same queue again is a no-op, unless the dead
// letter target differs.
func (p *Provider) DeclareQueue(name, deadLetter string) error {
	if name == "" {
		return errspkg.ErrQueueRequired
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.declareLocked(name, deadLetter)
}

func (p *Provider) declareLocked(name, deadLetter string) error {
	if deadLetter == name {
		deadLetter = ""
	}
	if current, ok := p.queues[name]; ok {
		if current != deadLetter {
			return fmt.Errorf("%w: %s dead-letters to %q, not %q", errspkg.ErrQueueArgumentsMismatch, name, current, deadLetter)
		}
		return nil
	}

	var args amqp091.Table
	if deadLetter != "" {
		if err := p.declareLocked(deadLetter, ""); err != nil {
			return err
		}
		args = amqp091.Table{
			argDeadLetterExchange:   "",
			argDeadLetterRoutingKey: deadLetter,
		}
	}

	exchange, err := p.exchangeLocked()
	if err != nil {
		return err
	}
	ch, err := p.channelLocked()
	if err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	if err := ch.QueueBind(name, name, exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", name, err)
	}

	p.queues[name] = deadLetter
	p.logger.Debug("Queue declared", watermill.LogFields{"queue": name, "dead_letter_queue": deadLetter})
	return nil
}

// Publish encodes payload as JSON and publishes it to queue, declaring the
// queue first.
func (p *Provider) Publish(ctx context.Context, payload any, queue, deadLetter string) error {
	body, err := jsoncodec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", queue, err)
	}
	return p.PublishRaw(ctx, body, nil, queue, deadLetter)
}

// PublishRaw publishes an already encoded JSON body to queue.
func (p *Provider) PublishRaw(ctx context.Context, body []byte, headers amqp091.Table, queue, deadLetter string) error {
	if err := p.DeclareQueue(queue, deadLetter); err != nil {
		return err
	}
	return p.send(ctx, queue, amqp091.Publishing{
		Headers:      headers,
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

func (p *Provider) send(ctx context.Context, queue string, publishing amqp091.Publishing) error {
	p.mu.Lock()
	exchange, err := p.exchangeLocked()
	var ch Channel
	if err == nil {
		ch, err = p.channelLocked()
	}
	p.mu.Unlock()
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if err := ch.PublishWithContext(ctx, exchange, queue, false, false, publishing); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// ensureQueue declares queue with the result dead-letter target unless it
// is already known.
func (p *Provider) ensureQueue(queue string) error {
	if queue == "" {
		return errspkg.ErrQueueRequired
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.queues[queue]; ok {
		return nil
	}
	return p.declareLocked(queue, p.cfg.ResultDeadLetterQueue)
}

// GetPendingCount reports the number of ready messages in queue. It uses a
// short-lived channel because a passive declare of a missing queue closes the
// channel it runs on.
func (p *Provider) GetPendingCount(queue string) (int64, error) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return 0, errspkg.ErrNotConnected
	}

	ch, err := conn.Channel()
	if err != nil {
		return 0, fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("inspect queue %s: %w", queue, err)
	}
	return int64(q.Messages), nil
}

// Publisher adapts the provider to Watermill's message.Publisher. Topics are
// queue names.
func (p *Provider) Publisher() message.Publisher {
	return &publisher{provider: p, marshaler: amqp.DefaultMarshaler{
		PostprocessPublishing: func(pub amqp091.Publishing) amqp091.Publishing {
			pub.ContentType = contentTypeJSON
			pub.Timestamp = time.Now().UTC()
			return pub
		},
	}}
}

// Close closes the channel and then the connection. Only the first call has an
// effect.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.conn == nil {
		return nil
	}

	var chErr error
	if p.channel != nil && !p.channel.IsClosed() {
		chErr = p.channel.Close()
	}
	connErr := p.conn.Close()
	p.channel = nil
	p.conn = nil

	if chErr != nil {
		return fmt.Errorf("close channel: %w", chErr)
	}
	if connErr != nil {
		return fmt.Errorf("close connection: %w", connErr)
	}
	return nil
}

type publisher struct {
	provider  *Provider
	marshaler amqp.Marshaler
}

func (p *publisher) Publish(topic string, messages ...*message.Message) error {
	if err := p.provider.ensureQueue(topic); err != nil {
		return err
	}
	for _, msg := range messages {
		publishing, err := p.marshaler.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message %s: %w", msg.UUID, err)
		}
		if err := p.provider.send(msg.Context(), topic, publishing); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op: the connection belongs to the provider.
func (p *publisher) Close() error {
	return nil
}
