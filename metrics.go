package ordersaga

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments the orchestrator maintains.
type Metrics struct {
	registry *prometheus.Registry

	SagasStarted   prometheus.Counter
	SagasCompleted prometheus.Counter
	SagasFailed    prometheus.Counter

	MessagesPublished    *prometheus.CounterVec
	CompensationAttempts *prometheus.CounterVec

	SagaDuration prometheus.Histogram
}

// NewMetrics creates and registers the orchestrator's metrics on a fresh
// registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SagasStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ordersaga",
			Name:      "sagas_started_total",
			Help:      "Total started sagas.",
		}),
		SagasCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ordersaga",
			Name:      "sagas_completed_total",
			Help:      "Total sagas that reached terminal success.",
		}),
		SagasFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ordersaga",
			Name:      "sagas_failed_total",
			Help:      "Total sagas that reached the failed terminal state.",
		}),
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ordersaga",
			Name:      "messages_published_total",
			Help:      "Total messages published by kind.",
		}, []string{"kind"}),
		CompensationAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ordersaga",
			Name:      "compensation_attempts_total",
			Help:      "Total compensation dispatch attempts by kind and outcome.",
		}, []string{"kind", "outcome"}),
		SagaDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ordersaga",
			Name:      "saga_duration_seconds",
			Help:      "Duration from saga start to a terminal state.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
	}

	registry.MustRegister(
		m.SagasStarted,
		m.SagasCompleted,
		m.SagasFailed,
		m.MessagesPublished,
		m.CompensationAttempts,
		m.SagaDuration,
	)
	return m
}

// Handler serves the metrics in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observePublished(kind MessageKind) {
	m.MessagesPublished.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) observeCompensation(kind CompensationKind, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.CompensationAttempts.WithLabelValues(string(kind), outcome).Inc()
}

func (m *Metrics) observeTerminal(state *SagaState, now time.Time) {
	switch state.CurrentStep {
	case StepCompleted:
		m.SagasCompleted.Inc()
	case StepFailed:
		m.SagasFailed.Inc()
	}
	m.SagaDuration.Observe(now.Sub(state.CreatedAt).Seconds())
}
