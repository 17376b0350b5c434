package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"

	configpkg "github.com/drblury/qdispatch/internal/runtime/config"
	"github.com/drblury/qdispatch/internal/runtime/envelope"
	errspkg "github.com/drblury/qdispatch/internal/runtime/errors"
	"github.com/drblury/qdispatch/internal/runtime/handlers"
	idspkg "github.com/drblury/qdispatch/internal/runtime/ids"
	jsoncodec "github.com/drblury/qdispatch/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/qdispatch/internal/runtime/logging"
	metadatapkg "github.com/drblury/qdispatch/internal/runtime/metadata"
	transportpkg "github.com/drblury/qdispatch/internal/runtime/transport"
	"github.com/drblury/qdispatch/transport"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

const shutdownTimeout = 5 * time.Second

// RequestValidator validates decoded requests. Constraint failures should be
// returned as *envelope.ValidationError so they are reported to the caller.
type RequestValidator interface {
	Validate(value any) error
}

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to use the defaults.
type ServiceDependencies struct {
	// Metrics defaults to a fresh registry per Service.
	Metrics *Metrics
	// Validator defaults to envelope.NewValidator().
	Validator                 RequestValidator
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	TransportFactory          transportpkg.Factory
}

// Service consumes the source queue of every registered handler and
// publishes their responses.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher    message.Publisher
	subscriber   message.Subscriber
	closer       io.Closer
	capabilities transport.Capabilities
	router       *message.Router

	metrics   *Metrics
	validator RequestValidator

	handlers   []*HandlerInfo
	bindings   []binding
	lifecycle  []any
	started    bool
	handlersMu sync.RWMutex

	running     chan struct{}
	runningOnce sync.Once

	httpServers   map[string]*http.ServeMux
	httpRunning   []*http.Server
	httpServersMu sync.Mutex
	endpointsOnce sync.Once

	stopOnce sync.Once
	stopErr  error
}

// binding is a registered handler waiting to consume its source queue.
type binding struct {
	info   *HandlerInfo
	handle message.NoPublishHandlerFunc
}

// NewService builds the transport and the router for conf. Register handlers
// on the returned Service before calling Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating dispatch service", loggingpkg.LogFields{
		"pubsub_system": conf.GetPubSubSystem(),
		"config":        conf.String(),
	})

	s := &Service{
		Conf:         conf,
		Logger:       log,
		metrics:      deps.Metrics,
		validator:    deps.Validator,
		capabilities: transportpkg.Capabilities(conf),
	}
	if s.validator == nil {
		s.validator = envelope.NewValidator()
	}
	if s.metrics == nil {
		m, err := NewMetrics(nil)
		if err != nil {
			return nil, err
		}
		s.metrics = m
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	tr, err := factory.Build(ctx, conf, wmLogger)
	if err != nil {
		return nil, err
	}
	s.publisher = tr.Publisher
	s.subscriber = tr.Subscriber
	s.closer = tr.Closer
	if s.publisher == nil {
		s.closeTransport()
		return nil, errspkg.ErrPublisherRequired
	}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: conf.CloseTimeout}, wmLogger)
	if err != nil {
		s.closeTransport()
		return nil, err
	}
	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		s.closeTransport()
		return nil, err
	}

	return s, nil
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Start serves the HTTP endpoints, runs the router and binds every handler to
// its source queue in registration order. It blocks until ctx is cancelled,
// the process receives a termination signal or the router stops. The
// transport is closed before Start returns.
func (s *Service) Start(ctx context.Context) error {
	s.handlersMu.Lock()
	s.started = true
	s.handlersMu.Unlock()

	if err := s.startHandlers(ctx); err != nil {
		return errors.Join(err, s.Stop())
	}
	s.endpointsOnce.Do(s.registerEndpoints)
	s.startHTTPServers()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runErr := make(chan error, 1)
	go func() {
		runErr <- routerRun(s.router, runCtx)
	}()

	select {
	case <-s.router.Running():
	case err := <-runErr:
		return errors.Join(err, s.Stop())
	}

	if err := s.bindHandlers(runCtx); err != nil {
		stopErr := s.Stop()
		return errors.Join(err, <-runErr, stopErr)
	}
	close(s.Running())
	go s.announceHandlers(runCtx)

	select {
	case err := <-runErr:
		return errors.Join(err, s.Stop())
	case <-ctx.Done():
		stopErr := s.Stop()
		return errors.Join(<-runErr, stopErr)
	}
}

// bindHandlers subscribes each handler once the previous one consumes its
// queue, so queues are declared in registration order.
func (s *Service) bindHandlers(ctx context.Context) error {
	s.handlersMu.RLock()
	bindings := slices.Clone(s.bindings)
	s.handlersMu.RUnlock()

	for _, b := range bindings {
		h := s.router.AddConsumerHandler(b.info.Name, b.info.SourceQueue, s.subscriber, b.handle)
		if err := s.router.RunHandlers(ctx); err != nil {
			return fmt.Errorf("bind handler %s: %w", b.info.Name, err)
		}
		select {
		case <-h.Started():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// RunAll binds every registered handler and processes messages; see Start.
func (s *Service) RunAll(ctx context.Context) error {
	return s.Start(ctx)
}

// Running is closed once every handler consumes its source queue.
func (s *Service) Running() chan struct{} {
	s.runningOnce.Do(func() {
		s.running = make(chan struct{})
	})
	return s.running
}

// Stop closes the router, waiting for in-flight messages, then the HTTP
// servers and the transport. Only the first call has an effect.
func (s *Service) Stop() error {
	s.stopOnce.Do(func() {
		var errs []error
		if s.router != nil {
			errs = append(errs, s.router.Close())
		}
		errs = append(errs, s.stopHTTPServers(), s.closeTransport(), s.stopHandlers())
		s.stopErr = errors.Join(errs...)
	})
	return s.stopErr
}

// startHandlers runs the Start hook of handlers implementing
// handlers.Starter, in registration order.
func (s *Service) startHandlers(ctx context.Context) error {
	s.handlersMu.RLock()
	hooks := slices.Clone(s.lifecycle)
	s.handlersMu.RUnlock()

	for _, h := range hooks {
		if starter, ok := h.(handlers.Starter); ok {
			if err := starter.Start(ctx); err != nil {
				return fmt.Errorf("start handler: %w", err)
			}
		}
	}
	return nil
}

// stopHandlers runs the Stop hooks in reverse registration order.
func (s *Service) stopHandlers() error {
	s.handlersMu.RLock()
	hooks := slices.Clone(s.lifecycle)
	s.handlersMu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	for _, h := range slices.Backward(hooks) {
		if stopper, ok := h.(handlers.Stopper); ok {
			errs = append(errs, stopper.Stop(ctx))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) closeTransport() error {
	var errs []error
	if s.subscriber != nil {
		errs = append(errs, s.subscriber.Close())
	}
	if s.publisher != nil {
		errs = append(errs, s.publisher.Close())
	}
	if s.closer != nil {
		errs = append(errs, s.closer.Close())
	}
	return errors.Join(errs...)
}

func (s *Service) announceHandlers(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	for _, info := range s.Handlers() {
		s.Logger.Info("Handler started", loggingpkg.LogFields{
			"handler":      info.Name,
			"source_queue": info.SourceQueue,
			"consumer":     info.Consumer,
		})
	}
}

// Handlers returns the registered handlers in registration order.
func (s *Service) Handlers() []*HandlerInfo {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	return slices.Clone(s.handlers)
}

// Metrics returns the dispatcher metrics.
func (s *Service) Metrics() *Metrics {
	return s.metrics
}

// Publisher returns the transport publisher.
func (s *Service) Publisher() message.Publisher {
	return s.publisher
}

// Subscriber returns the transport subscriber.
func (s *Service) Subscriber() message.Subscriber {
	return s.subscriber
}

// PublishRequest encodes payload as JSON and publishes it to queue.
func (s *Service) PublishRequest(queue string, payload any, md metadatapkg.Metadata) error {
	if queue == "" {
		return errspkg.ErrQueueRequired
	}
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	default:
		encoded, err := jsoncodec.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = encoded
	}

	msg := message.NewMessage(idspkg.New(), body)
	msg.Metadata = metadatapkg.ToWatermill(md.With(metadatapkg.KeyContentType, metadatapkg.ContentTypeJSON))
	return s.publisher.Publish(queue, msg)
}

// RegisterHTTPHandler serves handler under pattern on addr. Servers start
// with the Service.
func (s *Service) RegisterHTTPHandler(addr, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[string]*http.ServeMux)
	}

	mux, ok := s.httpServers[addr]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[addr] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for addr, mux := range s.httpServers {
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		s.httpRunning = append(s.httpRunning, srv)

		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
	s.httpServers = nil
}

func (s *Service) stopHTTPServers() error {
	s.httpServersMu.Lock()
	servers := s.httpRunning
	s.httpRunning = nil
	s.httpServersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	for _, srv := range servers {
		errs = append(errs, srv.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
