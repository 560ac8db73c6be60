package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	TerminalCompleted = "completed"
	TerminalFailed    = "failed"
	TerminalAborted   = "aborted"
)

var terminalKinds = map[string]struct{}{
	TerminalCompleted: {},
	TerminalFailed:    {},
	TerminalAborted:   {},
}

// Metrics holds Prometheus metrics for the saga orchestrator.
type Metrics struct {
	SagasStarted        prometheus.Counter
	SagasFinished       *prometheus.CounterVec
	SagaDuration        prometheus.Histogram
	CommandsDispatched  *prometheus.CounterVec
	DuplicateDeliveries prometheus.Counter
	CASConflicts        prometheus.Counter
	TimeoutsFired       prometheus.Counter
	CompensationRetries prometheus.Counter
	StuckSagas          prometheus.Gauge
	ActiveSagas         prometheus.Gauge
	StreamPending       *prometheus.GaugeVec
	StreamErrors        *prometheus.CounterVec
	StreamDLQ           *prometheus.CounterVec
	gatherer            prometheus.Gatherer
}

// NewDefault registers metrics with the default Prometheus registry.
func NewDefault() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// New registers metrics with the provided registry. If registry is nil, a new
// isolated registry is created.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return newMetrics(registry, registry)
}

func newMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		SagasStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_started_total",
			Help: "Total sagas started.",
		}),
		SagasFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_finished_total",
			Help: "Total sagas reaching a terminal state, by state.",
		}, []string{"state"}),
		SagaDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "saga_duration_seconds",
			Help:    "Saga duration from start to terminal state in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		CommandsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_commands_dispatched_total",
			Help: "Total step commands dispatched, by participant channel.",
		}, []string{"participant"}),
		DuplicateDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_duplicate_deliveries_total",
			Help: "Total duplicate event deliveries discarded.",
		}),
		CASConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_cas_conflicts_total",
			Help: "Total optimistic concurrency conflicts on instance writes.",
		}),
		TimeoutsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_timeouts_fired_total",
			Help: "Total step timeouts fired.",
		}),
		CompensationRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_compensation_retries_total",
			Help: "Total compensation retry dispatches.",
		}),
		StuckSagas: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "saga_stuck_instances",
			Help: "Sagas currently stuck awaiting manual intervention.",
		}),
		ActiveSagas: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "saga_active_instances",
			Help: "Sagas currently in a non-terminal state.",
		}),
		StreamPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "saga_stream_pending",
			Help: "Pending entries in the consumer group, by stream.",
		}, []string{"stream"}),
		StreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_stream_errors_total",
			Help: "Total stream message handling errors, by stream.",
		}, []string{"stream"}),
		StreamDLQ: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_stream_dlq_total",
			Help: "Total messages moved to the dead letter stream, by stream.",
		}, []string{"stream"}),
		gatherer: gatherer,
	}

	registerer.MustRegister(
		m.SagasStarted,
		m.SagasFinished,
		m.SagaDuration,
		m.CommandsDispatched,
		m.DuplicateDeliveries,
		m.CASConflicts,
		m.TimeoutsFired,
		m.CompensationRetries,
		m.StuckSagas,
		m.ActiveSagas,
		m.StreamPending,
		m.StreamErrors,
		m.StreamDLQ,
	)

	return m
}

// Handler returns an HTTP handler that exposes metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// IncSagaStarted increments the started counter by 1.
func (m *Metrics) IncSagaStarted() {
	m.SagasStarted.Inc()
}

// IncSagaFinished increments the terminal state counter for the given state.
func (m *Metrics) IncSagaFinished(state string) error {
	if _, ok := terminalKinds[state]; !ok {
		return fmt.Errorf("unknown terminal state: %s", state)
	}
	m.SagasFinished.WithLabelValues(state).Inc()
	return nil
}

// ObserveSagaDuration records the start-to-terminal duration of a saga.
func (m *Metrics) ObserveSagaDuration(d time.Duration) {
	m.SagaDuration.Observe(d.Seconds())
}

// IncCommandDispatched increments the dispatch counter for a participant channel.
func (m *Metrics) IncCommandDispatched(participant string) {
	m.CommandsDispatched.WithLabelValues(participant).Inc()
}

// IncDuplicateDelivery increments the discarded duplicate counter by 1.
func (m *Metrics) IncDuplicateDelivery() {
	m.DuplicateDeliveries.Inc()
}

// IncCASConflict increments the version conflict counter by 1.
func (m *Metrics) IncCASConflict() {
	m.CASConflicts.Inc()
}

// IncTimeoutFired increments the timeout counter by 1.
func (m *Metrics) IncTimeoutFired() {
	m.TimeoutsFired.Inc()
}

// IncCompensationRetry increments the compensation retry counter by 1.
func (m *Metrics) IncCompensationRetry() {
	m.CompensationRetries.Inc()
}

// SetStuckSagas records the number of stuck sagas from the latest sweep.
func (m *Metrics) SetStuckSagas(n float64) {
	m.StuckSagas.Set(n)
}

// SetActiveSagas records the number of in-flight sagas from the latest sweep.
func (m *Metrics) SetActiveSagas(n float64) {
	m.ActiveSagas.Set(n)
}

// SetStreamPending records the consumer group pending count for a stream.
func (m *Metrics) SetStreamPending(stream string, n float64) {
	m.StreamPending.WithLabelValues(stream).Set(n)
}

// IncStreamError increments the handling error counter for a stream.
func (m *Metrics) IncStreamError(stream string) {
	m.StreamErrors.WithLabelValues(stream).Inc()
}

// IncStreamDLQ increments the dead letter counter for a stream.
func (m *Metrics) IncStreamDLQ(stream string) {
	m.StreamDLQ.WithLabelValues(stream).Inc()
}
