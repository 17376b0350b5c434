package runtime

import (
	"errors"
	"net/http"
	"reflect"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the dispatcher's Prometheus series. Collectors are safe for
// concurrent use, so one Metrics value is shared by every handler.
type Metrics struct {
	Success      prometheus.Counter
	Errors       prometheus.Counter
	Duration     prometheus.Histogram
	DeadLettered *prometheus.CounterVec

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
}

// NewMetrics creates the dispatcher series and registers them with reg. A nil
// reg uses a fresh registry. Series already present in reg are reused, so
// several services may share one registry.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{registerer: reg}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}

	var err error
	if m.Success, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "listener_success_processed_message",
		Help: "Count of success processed message",
	})); err != nil {
		return nil, err
	}
	if m.Errors, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "listener_error_processed_message",
		Help: "Count of error processed message",
	})); err != nil {
		return nil, err
	}
	if m.Duration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "listener_work_duration_seconds",
		Help: "Processing speed of one request",
	})); err != nil {
		return nil, err
	}
	if m.DeadLettered, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "listener_dead_lettered_message",
		Help: "Count of messages routed to the dead letter queue",
	}, []string{"source_queue"})); err != nil {
		return nil, err
	}

	return m, nil
}

// register reuses a collector already registered under the same name only
// when it has the same concrete type; a gauge never stands in for a counter.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) && reflect.TypeOf(already.ExistingCollector) == reflect.TypeOf(c) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, err
	}
	return c, nil
}

// Registerer returns the registry the series were registered with.
func (m *Metrics) Registerer() prometheus.Registerer {
	return m.registerer
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
