// Package observability exposes Prometheus metrics for the saga pipeline.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stagecoach/internal/resilience"
)

// Metrics holds Prometheus metrics for the order saga service.
type Metrics struct {
	OrdersCreated       prometheus.Counter
	SagasFinished       *prometheus.CounterVec
	SagaDuration        prometheus.Histogram
	EventsPublished     *prometheus.CounterVec
	EventsDropped       *prometheus.CounterVec
	HandlerDuration     *prometheus.HistogramVec
	ReservationsExpired prometheus.Counter
	OutboxRepublished   prometheus.Counter
	BreakerState        *prometheus.GaugeVec
	gatherer            prometheus.Gatherer
}

// NewDefault registers metrics with the default Prometheus registry.
func NewDefault() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// New registers metrics with the provided registry. If registry is nil, a
// new isolated registry is created.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return newMetrics(registry, registry)
}

func newMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		OrdersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orders_created_total",
			Help: "Total orders accepted, replays excluded.",
		}),
		SagasFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagas_finished_total",
			Help: "Total sagas reaching a terminal status.",
		}, []string{"status"}),
		SagaDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "saga_duration_seconds",
			Help:    "Wall-clock time from saga start to terminal status.",
			Buckets: prometheus.DefBuckets,
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total events accepted by the bus, by detail type.",
		}, []string{"detail_type"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "events_dropped_total",
			Help: "Total events dropped after exhausting publish retries.",
		}, []string{"detail_type"}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "event_handler_duration_seconds",
			Help:    "Step handler processing time by consumed detail type.",
			Buckets: prometheus.DefBuckets,
		}, []string{"detail_type"}),
		ReservationsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reservations_expired_total",
			Help: "Total reservations released by the expiry sweeper.",
		}),
		OutboxRepublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_republished_total",
			Help: "Total events republished from the outbox.",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Breaker state by name: 0 closed, 1 half-open, 2 open.",
		}, []string{"name"}),
		gatherer: gatherer,
	}

	registerer.MustRegister(
		m.OrdersCreated,
		m.SagasFinished,
		m.SagaDuration,
		m.EventsPublished,
		m.EventsDropped,
		m.HandlerDuration,
		m.ReservationsExpired,
		m.OutboxRepublished,
		m.BreakerState,
	)

	return m
}

// Handler returns an HTTP handler that exposes metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// IncSagaFinished records a saga reaching a terminal status.
func (m *Metrics) IncSagaFinished(status string, duration time.Duration) {
	m.SagasFinished.WithLabelValues(status).Inc()
	m.SagaDuration.Observe(duration.Seconds())
}

// ObserveHandler records one handler invocation.
func (m *Metrics) ObserveHandler(detailType string, duration time.Duration) {
	m.HandlerDuration.WithLabelValues(detailType).Observe(duration.Seconds())
}

// SetBreakerStates mirrors the registry's breaker states into the gauge.
func (m *Metrics) SetBreakerStates(states map[string]resilience.BreakerState) {
	for name, state := range states {
		var value float64
		switch state {
		case resilience.BreakerHalfOpen:
			value = 1
		case resilience.BreakerOpen:
			value = 2
		}
		m.BreakerState.WithLabelValues(name).Set(value)
	}
}
