package qdispatch

import (
	runtimepkg "github.com/drblury/qdispatch/internal/runtime"
	configpkg "github.com/drblury/qdispatch/internal/runtime/config"
	"github.com/drblury/qdispatch/internal/runtime/envelope"
	errspkg "github.com/drblury/qdispatch/internal/runtime/errors"
	handlerpkg "github.com/drblury/qdispatch/internal/runtime/handlers"
	idspkg "github.com/drblury/qdispatch/internal/runtime/ids"
	jsoncodec "github.com/drblury/qdispatch/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/qdispatch/internal/runtime/logging"
	metadatapkg "github.com/drblury/qdispatch/internal/runtime/metadata"
	transportpkg "github.com/drblury/qdispatch/internal/runtime/transport"
	newtransport "github.com/drblury/qdispatch/transport"
)

type (
	Config               = configpkg.Config
	Service              = runtimepkg.Service
	ServiceDependencies  = runtimepkg.ServiceDependencies
	RequestValidator     = runtimepkg.RequestValidator
	Metrics              = runtimepkg.Metrics
	TransportFactory     = transportpkg.Factory
	TransportFactoryFunc = transportpkg.FactoryFunc

	RequestHandler[T any] = handlerpkg.RequestHandler[T]
	Request[T any]        = handlerpkg.Request[T]
	HandlerFuncs[T any]   = handlerpkg.Funcs[T]
	NoResult              = handlerpkg.NoResult
	HandlerError          = handlerpkg.HandlerError
	Starter               = handlerpkg.Starter
	Stopper               = handlerpkg.Stopper
	HandlerOption         = runtimepkg.HandlerOption

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	Response        = envelope.Response
	Correlation     = envelope.Correlation
	ValidationError = envelope.ValidationError

	Metadata = metadatapkg.Metadata

	LogFields      = loggingpkg.LogFields
	ServiceLogger  = loggingpkg.ServiceLogger
	ConsoleOptions = loggingpkg.ConsoleOptions

	UnprocessableMessageError = runtimepkg.UnprocessableMessageError
	HandlerFailureError       = runtimepkg.HandlerFailureError
	ResponsePublishError      = runtimepkg.ResponsePublishError
	Outcome                   = runtimepkg.Outcome

	HandlerInfo           = runtimepkg.HandlerInfo
	HandlerStats          = runtimepkg.HandlerStats
	ConfigValidationError = errspkg.ConfigValidationError

	// Transport registry
	Transport                = newtransport.Transport
	TransportBuilder         = newtransport.Builder
	TransportConfig          = newtransport.Config
	TransportRegistry        = newtransport.Registry
	TransportCapabilities    = newtransport.Capabilities
	TransportQueueIntrospect = newtransport.QueueIntrospector
)

var (
	NewService     = runtimepkg.NewService
	NewMetrics     = runtimepkg.NewMetrics
	LoadConfig     = configpkg.Load
	ConfigFromEnv  = configpkg.FromEnv
	ValidateConfig = configpkg.ValidateConfig

	WithHandlerName = runtimepkg.WithHandlerName
	StaticResults   = handlerpkg.StaticResults
	NewHandlerError = handlerpkg.NewHandlerError
	HandlerErrorf   = handlerpkg.Errorf
	IsHandlerError  = handlerpkg.IsHandlerError

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	DeadLetterMiddleware    = runtimepkg.DeadLetterMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	SuccessResponse = envelope.Success
	FailureResponse = envelope.Failure
	NewValidator    = envelope.NewValidator

	GetCapabilities = newtransport.GetCapabilities

	// Use RegisterTransport and BuildTransport to work with the modular transport packages.
	// Import individual transports via: _ "github.com/drblury/qdispatch/transport/kafka"
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrServiceRequired      = errspkg.ErrServiceRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrSourceQueueRequired  = errspkg.ErrSourceQueueRequired
	ErrDuplicateSourceQueue = errspkg.ErrDuplicateSourceQueue
	ErrHandlerNameRequired  = errspkg.ErrHandlerNameRequired
	ErrDuplicateHandlerName = errspkg.ErrDuplicateHandlerName
	ErrRequestTypeRequired  = errspkg.ErrRequestTypeRequired
	ErrRequestTypeNotStruct = errspkg.ErrRequestTypeNotStruct
	ErrPublisherRequired    = errspkg.ErrPublisherRequired
	ErrQueueRequired        = errspkg.ErrQueueRequired
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrServiceStarted       = errspkg.ErrServiceStarted

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewConsoleHandler    = loggingpkg.NewConsoleHandler
	ParseLogLevel        = loggingpkg.ParseLevel

	NewMetadata = metadatapkg.New

	NewMessageID = idspkg.New
)

// Envelope and metadata keys.
const (
	FieldRequestID = envelope.FieldRequestID
	FieldCreatorID = envelope.FieldCreatorID

	MetadataKeySourceQueue = metadatapkg.KeySourceQueue
	MetadataKeyHandler     = metadatapkg.KeyHandler
	MetadataKeyOutcome     = metadatapkg.KeyOutcome
)

// Delivery outcomes reported in handler stats and response metadata.
const (
	OutcomeSuccess         = runtimepkg.OutcomeSuccess
	OutcomeNoResult        = runtimepkg.OutcomeNoResult
	OutcomeValidationError = runtimepkg.OutcomeValidationError
	OutcomeHandlerError    = runtimepkg.OutcomeHandlerError
	OutcomeUnprocessable   = runtimepkg.OutcomeUnprocessable
	OutcomeFailed          = runtimepkg.OutcomeFailed
	OutcomePublishFailed   = runtimepkg.OutcomePublishFailed
)

// LevelAccess sits between info and warn; access records use it.
const LevelAccess = loggingpkg.LevelAccess

// RegisterHandler binds h to its source queue on svc.
func RegisterHandler[T any](svc *Service, h RequestHandler[T], opts ...HandlerOption) error {
	return runtimepkg.RegisterHandler(svc, h, opts...)
}
