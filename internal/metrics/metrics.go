// Package metrics provides Prometheus instrumentation for the chat client.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the client's collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
	queriesTotal    *prometheus.CounterVec
	queryDuration   prometheus.Histogram
	uploadsTotal    *prometheus.CounterVec
	indexChunks     prometheus.Gauge
	inFlight        prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ragchat_backend_request_duration_seconds",
				Help:    "Backend request duration in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"method", "path", "status"},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragchat_backend_requests_total",
				Help: "Total backend requests",
			},
			[]string{"method", "path", "status"},
		),
		queriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragchat_queries_total",
				Help: "Questions submitted, by outcome category",
			},
			[]string{"outcome"},
		),
		queryDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ragchat_query_duration_seconds",
				Help:    "Time from submit to answer or failure",
				Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 60},
			},
		),
		uploadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragchat_uploads_total",
				Help: "Document uploads, by outcome",
			},
			[]string{"outcome"},
		),
		indexChunks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ragchat_index_chunks",
				Help: "Chunks in the backend index at the last status fetch",
			},
		),
		inFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ragchat_queries_in_flight",
				Help: "Questions awaiting an answer",
			},
		),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRequest records one backend HTTP call. status 0 means no response.
func (m *Metrics) ObserveRequest(method, path string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	code := "none"
	if status != 0 {
		code = strconv.Itoa(status)
	}
	m.requestDuration.WithLabelValues(method, path, code).Observe(elapsed.Seconds())
	m.requestsTotal.WithLabelValues(method, path, code).Inc()
}

// QueryStarted marks a question as in flight.
func (m *Metrics) QueryStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// QueryFinished records the outcome of a question. outcome is "answered",
// "canceled" or a failure category name.
func (m *Metrics) QueryFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.queriesTotal.WithLabelValues(outcome).Inc()
	m.queryDuration.Observe(elapsed.Seconds())
}

// ObserveUpload records an upload outcome: "success", "rejected" or "error".
func (m *Metrics) ObserveUpload(outcome string) {
	if m == nil {
		return
	}
	m.uploadsTotal.WithLabelValues(outcome).Inc()
}

// SetIndexChunks records the index size reported by the backend.
func (m *Metrics) SetIndexChunks(n int) {
	if m == nil {
		return
	}
	m.indexChunks.Set(float64(n))
}
