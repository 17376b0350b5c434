// Package http provides an HTTP transport for qdispatch. Every queue maps to a
// path: publishing POSTs to <publisher url>/<queue> and consuming serves
// /<queue> on the subscriber address.
package http

import (
	"context"
	nethttp "net/http"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/qdispatch/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register registers the HTTP transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// QueuePath returns the route a queue is served on.
func QueuePath(queue string) string {
	return "/" + strings.TrimPrefix(queue, "/")
}

// QueueURL joins the publisher base URL and the queue path.
func QueueURL(base, queue string) string {
	return strings.TrimSuffix(base, "/") + QueuePath(queue)
}

// Build creates a new HTTP transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	publisherURL := cfg.GetHTTPPublisherURL()

	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(QueueURL(publisherURL, topic), msg)
			},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	sub, err := SubscriberFactory(
		cfg.GetHTTPServerAddress(),
		http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: &subscriber{Subscriber: sub, logger: logger},
	}, nil
}

// serverStarter is implemented by the watermill-http subscriber.
type serverStarter interface {
	StartHTTPServer() error
}

// subscriber maps queue names to routes and starts the HTTP server once the
// first route is registered.
type subscriber struct {
	message.Subscriber
	logger watermill.LoggerAdapter
	start  sync.Once
}

func (s *subscriber) Subscribe(ctx context.Context, queue string) (<-chan *message.Message, error) {
	messages, err := s.Subscriber.Subscribe(ctx, QueuePath(queue))
	if err != nil {
		return nil, err
	}
	if starter, ok := s.Subscriber.(serverStarter); ok {
		s.start.Do(func() {
			go func() {
				if err := starter.StartHTTPServer(); err != nil && err != nethttp.ErrServerClosed {
					s.logger.Error("Failed to start HTTP subscriber server", err, nil)
				}
			}()
		})
	}
	return messages, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}
