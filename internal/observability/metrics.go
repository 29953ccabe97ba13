package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	documentsTotal     *prometheus.CounterVec
	chunksTotal        prometheus.Counter
	extractionFailures prometheus.Counter
	embeddingFailures  prometheus.Counter
	ingestDuration     prometheus.Histogram

	queriesTotal  *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
	contextTokens prometheus.Histogram

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics registers every collector on a private registry.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	m := &Metrics{registry: reg}

	m.documentsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "documents_ingested_total",
		Help:      "Documents ingested by outcome status",
	}, []string{"status"})
	m.chunksTotal = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chunks_indexed_total",
		Help:      "Chunks committed to the vector index",
	})
	m.extractionFailures = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "extraction_failures_total",
		Help:      "Chunks whose entity extraction failed",
	})
	m.embeddingFailures = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "embedding_failures_total",
		Help:      "Chunks left out because embedding failed",
	})
	m.ingestDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ingest_duration_seconds",
		Help:      "Time to ingest one document",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	m.queriesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queries_total",
		Help:      "Queries answered by mode and outcome",
	}, []string{"mode", "outcome"})
	m.queryDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "query_duration_seconds",
		Help:      "Query latency including generation",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"mode"})
	m.contextTokens = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "query_context_tokens",
		Help:      "Tokens in the assembled query context",
		Buckets:   prometheus.ExponentialBuckets(64, 2, 8),
	})

	m.httpRequests = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status code",
	}, []string{"route", "code"})
	m.httpDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})
	return m
}

// Registry exposes the collectors for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveIngest records one ingested document.
func (m *Metrics) ObserveIngest(status string, chunks, extractionFailures, failedChunks int, d time.Duration) {
	if m == nil {
		return
	}
	m.documentsTotal.WithLabelValues(status).Inc()
	m.chunksTotal.Add(float64(chunks))
	m.extractionFailures.Add(float64(extractionFailures))
	m.embeddingFailures.Add(float64(failedChunks))
	m.ingestDuration.Observe(d.Seconds())
}

// ObserveQuery records one answered or failed query.
func (m *Metrics) ObserveQuery(mode, outcome string, contextTokens int, d time.Duration) {
	if m == nil {
		return
	}
	m.queriesTotal.WithLabelValues(mode, outcome).Inc()
	m.queryDuration.WithLabelValues(mode).Observe(d.Seconds())
	if contextTokens > 0 {
		m.contextTokens.Observe(float64(contextTokens))
	}
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, code).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}
