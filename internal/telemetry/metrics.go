// Package telemetry exposes msgsearch metrics in Prometheus format.
// Every method is safe on a nil *Metrics so components can run without a registry.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "msgsearch"

// Query kinds.
const (
	QueryList   = "list"
	QuerySearch = "search"
)

// Metrics holds the pipeline and query metrics.
type Metrics struct {
	messagesCreated prometheus.Counter
	publishFailures prometheus.Counter
	eventsIndexed   prometheus.Counter
	eventsDuplicate prometheus.Counter
	eventsFailed    prometheus.Counter
	eventsPoisoned  *prometheus.CounterVec
	circuitState    prometheus.Gauge
	queries         *prometheus.CounterVec
	queryDuration   *prometheus.HistogramVec
	httpDuration    *prometheus.HistogramVec
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		messagesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_created_total",
			Help:      "Messages persisted by the ingestion pipeline",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Creation events that could not be published after retries",
		}),
		eventsIndexed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_indexed_total",
			Help:      "Creation events applied to the search index",
		}),
		eventsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_duplicate_total",
			Help:      "Redelivered creation events acknowledged without reindexing",
		}),
		eventsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_failed_total",
			Help:      "Creation event deliveries that failed and were nacked",
		}),
		eventsPoisoned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_poisoned_total",
			Help:      "Creation events removed from the topic by the poison policy",
		}, []string{"policy"}),
		circuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "publish_circuit_state",
			Help:      "Publish circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Queries served, by kind",
		}, []string{"kind"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Query latency, by kind",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"kind"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "route"}),
	}

	collectors := []prometheus.Collector{
		m.messagesCreated, m.publishFailures, m.eventsIndexed, m.eventsDuplicate,
		m.eventsFailed, m.eventsPoisoned, m.circuitState, m.queries, m.queryDuration, m.httpDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// MessageCreated counts one persisted message.
func (m *Metrics) MessageCreated() {
	if m == nil {
		return
	}
	m.messagesCreated.Inc()
}

// PublishFailed counts one event that was never published.
func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}

// EventIndexed counts one upserted document.
func (m *Metrics) EventIndexed() {
	if m == nil {
		return
	}
	m.eventsIndexed.Inc()
}

// EventDuplicate counts one redelivery short-circuited by the dedupe cache.
func (m *Metrics) EventDuplicate() {
	if m == nil {
		return
	}
	m.eventsDuplicate.Inc()
}

// EventFailed counts one nacked delivery.
func (m *Metrics) EventFailed() {
	if m == nil {
		return
	}
	m.eventsFailed.Inc()
}

// EventPoisoned counts one event handled by the given poison policy.
func (m *Metrics) EventPoisoned(policy string) {
	if m == nil {
		return
	}
	m.eventsPoisoned.WithLabelValues(policy).Inc()
}

// CircuitState records the publish breaker state as its numeric value.
func (m *Metrics) CircuitState(state int) {
	if m == nil {
		return
	}
	m.circuitState.Set(float64(state))
}

// ObserveQuery records one query of kind and its latency.
func (m *Metrics) ObserveQuery(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(kind).Inc()
	m.queryDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveHTTP records one HTTP request against its route pattern.
func (m *Metrics) ObserveHTTP(method, route string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
