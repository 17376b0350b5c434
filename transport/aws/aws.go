// Package aws provides an AWS SQS transport for qdispatch. Each queue name maps
// to one SQS queue, so consumers of the same queue compete for its messages.
package aws

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/qdispatch/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
	maxQueueNameLength  = 80
)

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg sqs.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sqs.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sqs.NewSubscriber(cfg, logger)
}

// QueueAPI is the part of the SQS client used to inspect queues.
type QueueAPI interface {
	GetQueueUrl(ctx context.Context, params *amazonsqs.GetQueueUrlInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueUrlOutput, error)
	GetQueueAttributes(ctx context.Context, params *amazonsqs.GetQueueAttributesInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueAttributesOutput, error)
}

// ClientFactory allows overriding the SQS client used for queue inspection.
var ClientFactory = func(cfg aws.Config, optFns ...func(*amazonsqs.Options)) QueueAPI {
	return amazonsqs.NewFromConfig(cfg, optFns...)
}

func init() {
	Register()
}

// Register registers the AWS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

// Build creates a new AWS SQS transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	awsCfg, err := createAWSConfig(ctx, cfg, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	sqsOpts, err := endpointOptions(cfg)
	if err != nil {
		logger.Error("Failed to parse AWS endpoint", err, watermill.LogFields{"endpoint": cfg.GetAWSEndpoint()})
		return transport.Transport{}, err
	}

	accountID := resolveAccountID(cfg, logger)
	logger.Info("Created AWS config", watermill.LogFields{
		"region":          awsCfg.Region,
		"account_id":      accountID,
		"custom_endpoint": len(sqsOpts) > 0,
	})

	resolver := queueNameResolver{next: sqs.NewGetQueueUrlByNameUrlResolver(sqs.GetQueueUrlByNameUrlResolverConfig{
		GenerateGetQueueUrlInput: getQueueURLInput(accountID),
	})}

	publisher, err := PublisherFactory(sqs.PublisherConfig{
		AWSConfig:        *awsCfg,
		OptFns:           sqsOpts,
		QueueUrlResolver: resolver,
		Marshaler:        sqs.DefaultMarshalerUnmarshaler{},
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(sqs.SubscriberConfig{
		AWSConfig:        *awsCfg,
		OptFns:           sqsOpts,
		QueueUrlResolver: resolver,
		Unmarshaler:      sqs.DefaultMarshalerUnmarshaler{},
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher: publisher,
		Subscriber: &inspectingSubscriber{
			Subscriber: subscriber,
			client:     ClientFactory(*awsCfg, sqsOpts...),
			getURL:     getQueueURLInput(accountID),
		},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// QueueName maps a queue name onto the SQS naming rules: alphanumerics,
// hyphens and underscores, at most 80 characters.
func QueueName(name string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)
	if len(mapped) > maxQueueNameLength {
		mapped = mapped[:maxQueueNameLength]
	}
	return mapped
}

type queueNameResolver struct {
	next sqs.QueueUrlResolver
}

func (r queueNameResolver) ResolveQueueUrl(ctx context.Context, params sqs.ResolveQueueUrlParams) (sqs.QueueUrlResolverResult, error) {
	params.Topic = QueueName(params.Topic)
	return r.next.ResolveQueueUrl(ctx, params)
}

func getQueueURLInput(accountID string) sqs.GenerateGetQueueUrlInputFunc {
	return func(ctx context.Context, topic string) (*amazonsqs.GetQueueUrlInput, error) {
		input := &amazonsqs.GetQueueUrlInput{QueueName: aws.String(topic)}
		if accountID != "" {
			input.QueueOwnerAWSAccountId = aws.String(accountID)
		}
		return input, nil
	}
}

// inspectingSubscriber reports queue depth next to consuming.
type inspectingSubscriber struct {
	message.Subscriber
	client QueueAPI
	getURL sqs.GenerateGetQueueUrlInputFunc
}

func (s *inspectingSubscriber) GetPendingCount(queue string) (int64, error) {
	ctx := context.Background()
	input, err := s.getURL(ctx, QueueName(queue))
	if err != nil {
		return 0, err
	}
	out, err := s.client.GetQueueUrl(ctx, input)
	if err != nil {
		return 0, fmt.Errorf("resolve queue %s: %w", queue, err)
	}

	attrs, err := s.client.GetQueueAttributes(ctx, &amazonsqs.GetQueueAttributesInput{
		QueueUrl:       out.QueueUrl,
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, fmt.Errorf("inspect queue %s: %w", queue, err)
	}

	raw := attrs.Attributes[string(sqstypes.QueueAttributeNameApproximateNumberOfMessages)]
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func createAWSConfig(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (*aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	region := cfg.GetAWSRegion()
	accessKey := cfg.GetAWSAccessKeyID()
	secretKey := cfg.GetAWSSecretAccessKey()

	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if accessKey != "" && secretKey != "" {
		logger.Info("Using static AWS credentials from config", watermill.LogFields{})
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(accessKey, secretKey)))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("Failed to load AWS default config", err, watermill.LogFields{"requested_region": region})
		return nil, err
	}

	// The loader may ignore options.
	if region != "" {
		awsCfg.Region = region
	}
	return &awsCfg, nil
}

func endpointOptions(cfg transport.Config) ([]func(*amazonsqs.Options), error) {
	raw := cfg.GetAWSEndpoint()
	if raw == "" {
		return nil, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse AWS endpoint: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("failed to parse AWS endpoint: %q is not an absolute URL", raw)
	}
	return []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *parsed},
		}),
	}, nil
}

// resolveAccountID trims the configured account ID. LocalStack endpoints get
// its fixed account when the configured one is missing or malformed.
func resolveAccountID(cfg transport.Config, logger watermill.LoggerAdapter) string {
	accountID := strings.Trim(cfg.GetAWSAccountID(), "\"' ")
	if cfg.GetAWSEndpoint() == "" {
		return accountID
	}
	if accountID == "" || len(accountID) != awsAccountIDLength {
		logger.Info("Using LocalStack default AWS account ID", watermill.LogFields{"configured": accountID})
		return localstackAccountID
	}
	return accountID
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}
