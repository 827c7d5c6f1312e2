// Package server — metrics.go registers all Prometheus metrics for the HTTP
// server and exposes helpers used by handlers and middleware.
package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric label values shared across registrations.
const (
	// labelHandler is the "handler" label value used to partition metrics by
	// the logical endpoint name rather than the raw URL path.
	labelHandler = "handler"

	// namespace prefixes every metric name.
	namespace = "qagent"
)

// Generation outcome label values beyond generation.Outcome.
const (
	outcomeOK      = "ok"
	outcomeError   = "error"
	outcomeTimeout = "timeout"
)

// serverMetrics holds all Prometheus metrics owned by the HTTP server.
// A single instance is created in New and stored on Server so that tests can
// inject a fresh prometheus.Registry without polluting the default one.
type serverMetrics struct {
	// ingestDocumentsTotal counts uploaded documents, partitioned by parsed
	// format and outcome ("ok" or "error").
	ingestDocumentsTotal *prometheus.CounterVec

	// ingestChunksTotal counts chunks indexed through /api/kb/build.
	ingestChunksTotal prometheus.Counter

	// generationRequestsTotal counts generation requests, partitioned by
	// kind ("testcases", "script") and outcome.
	generationRequestsTotal *prometheus.CounterVec

	// generationDurationSeconds records generation latency, retrieval included.
	generationDurationSeconds *prometheus.HistogramVec

	// httpRequestsTotal counts all HTTP requests handled by the mux,
	// partitioned by method, handler, and status code.
	httpRequestsTotal *prometheus.CounterVec

	// httpDurationSeconds records the latency of all HTTP requests.
	httpDurationSeconds *prometheus.HistogramVec

	// rateLimitedTotal counts 429 responses, partitioned by route kind.
	rateLimitedTotal *prometheus.CounterVec
}

// newServerMetrics registers all server metrics against reg and returns the
// populated serverMetrics. entries reports the current knowledge-base size
// for the entries gauge. promauto.With(reg) keeps unit tests hermetic.
func newServerMetrics(reg prometheus.Registerer, entries func() float64) *serverMetrics {
	factory := promauto.With(reg)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "kb",
		Name:      "entries",
		Help:      "Number of chunks currently indexed in the knowledge base.",
	}, entries)

	return &serverMetrics{
		ingestDocumentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kb",
			Name:      "ingest_documents_total",
			Help:      "Total number of uploaded documents, partitioned by format and outcome.",
		}, []string{"format", "outcome"}),

		ingestChunksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kb",
			Name:      "ingest_chunks_total",
			Help:      "Total number of chunks indexed from uploaded documents.",
		}),

		generationRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "requests_total",
			Help:      "Total number of generation requests, partitioned by kind and outcome.",
		}, []string{"kind", "outcome"}),

		generationDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of generation requests, retrieval included.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"kind"}),

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the server, partitioned by method, handler, and status code.",
		}, []string{"method", labelHandler, "code"}),

		httpDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Latency of HTTP requests handled by the server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", labelHandler}),

		rateLimitedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Total number of requests rejected by the per-IP rate limiter, partitioned by route kind.",
		}, []string{"route_kind"}),
	}
}

// instrument wraps h so every request is counted and timed under name.
func (m *serverMetrics) instrument(name string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		h.ServeHTTP(rw, r)
		m.httpDurationSeconds.WithLabelValues(r.Method, name).Observe(time.Since(start).Seconds())
		m.httpRequestsTotal.WithLabelValues(r.Method, name, strconv.Itoa(rw.status)).Inc()
	})
}

// observeGeneration records one generation request.
func (m *serverMetrics) observeGeneration(kind, outcome string, elapsed time.Duration) {
	m.generationRequestsTotal.WithLabelValues(kind, outcome).Inc()
	m.generationDurationSeconds.WithLabelValues(kind).Observe(elapsed.Seconds())
}
