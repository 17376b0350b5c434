package main

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/spf13/cobra"

	configpkg "github.com/drblury/qdispatch/internal/runtime/config"
	"github.com/drblury/qdispatch/internal/runtime/envelope"
	idspkg "github.com/drblury/qdispatch/internal/runtime/ids"
	loggingpkg "github.com/drblury/qdispatch/internal/runtime/logging"
	metadatapkg "github.com/drblury/qdispatch/internal/runtime/metadata"
	"github.com/drblury/qdispatch/transport"
	"github.com/drblury/qdispatch/transport/rabbitmq"
	_ "github.com/drblury/qdispatch/transport/transports"
)

func newPublishCommand(envFile *string) *cobra.Command {
	var queue, deadLetter string

	cmd := &cobra.Command{
		Use:   "publish <json>",
		Short: "Publish one JSON request to a queue",
		Example: `  qdispatchd publish --queue books.requests \
    '{"request_id":"r1","x_creator_id":"creatorA","book_id":"1"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(*envFile)
			if err != nil {
				return err
			}
			log, err := newLogger(conf)
			if err != nil {
				return err
			}

			body := []byte(args[0])
			if _, err := envelope.DecodeObject(body); err != nil {
				return fmt.Errorf("request must be a JSON object: %w", err)
			}
			if deadLetter == "" {
				deadLetter = conf.DeadLetterQueue
			}
			if err := publish(cmd.Context(), conf, log, queue, deadLetter, body); err != nil {
				return err
			}
			log.Info("Published request", loggingpkg.LogFields{"queue": queue})
			return nil
		},
	}
	cmd.Flags().StringVar(&queue, "queue", "", "Queue receiving the request")
	cmd.Flags().StringVar(&deadLetter, "dead-letter", "", "Dead-letter queue declared with the queue (rabbitmq)")
	_ = cmd.MarkFlagRequired("queue")
	return cmd
}

// publish declares queue with its dead-letter target on RabbitMQ; other
// transports publish through their Watermill publisher.
func publish(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, queue, deadLetter string, body []byte) error {
	wmLogger := loggingpkg.NewWatermillAdapter(log)

	if conf.GetPubSubSystem() == rabbitmq.TransportName {
		provider := rabbitmq.NewProvider(rabbitmq.ProviderConfigFrom(conf), wmLogger)
		if err := provider.Connect(); err != nil {
			return err
		}
		defer provider.Close()
		return provider.PublishRaw(ctx, body, nil, queue, deadLetter)
	}

	tr, err := transport.Build(ctx, conf, wmLogger)
	if err != nil {
		return err
	}
	defer func() {
		_ = tr.Publisher.Close()
		if tr.Closer != nil {
			_ = tr.Closer.Close()
		}
	}()

	msg := message.NewMessage(idspkg.New(), body)
	msg.Metadata.Set(metadatapkg.KeyContentType, metadatapkg.ContentTypeJSON)
	return tr.Publisher.Publish(queue, msg)
}
