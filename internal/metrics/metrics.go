// Package metrics exposes Prometheus instrumentation for the server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claude_mcp_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "claude_mcp_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveSessions tracks currently open Claude sessions
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "claude_mcp_active_sessions",
			Help: "Number of open Claude sessions",
		},
	)

	// SessionDuration tracks how long sessions stay open
	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "claude_mcp_session_duration_seconds",
			Help:    "Session lifetime in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"reason"},
	)

	// QueryDuration tracks end-to-end query latency per outcome
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "claude_mcp_query_duration_seconds",
			Help:    "Query duration in seconds from dispatch to settlement",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	// StreamEvents counts stream events consumed by the message pump
	StreamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claude_mcp_stream_events_total",
			Help: "Total number of stream events consumed, by event kind",
		},
		[]string{"kind"},
	)

	// ToolCalls tracks MCP tool invocations
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claude_mcp_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "status"},
	)

	// StreamFailures counts transport-level stream failures that forced teardown
	StreamFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "claude_mcp_stream_failures_total",
			Help: "Total number of transport-level stream failures",
		},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/health", "/ready", "/mcp", "/mcp/", "/metrics":
		return path
	default:
		if len(path) > 5 && path[:5] == "/mcp/" {
			return "/mcp"
		}
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSessionOpen increments the active session gauge
func RecordSessionOpen() {
	ActiveSessions.Inc()
}

// RecordSessionClose decrements the gauge and records the session lifetime
func RecordSessionClose(reason string, durationSeconds float64) {
	ActiveSessions.Dec()
	SessionDuration.WithLabelValues(reason).Observe(durationSeconds)
}

// RecordQuery records a settled query with its outcome
func RecordQuery(status string, durationSeconds float64) {
	QueryDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordStreamEvent records one consumed stream event
func RecordStreamEvent(kind string) {
	StreamEvents.WithLabelValues(kind).Inc()
}

// RecordToolCall records an MCP tool invocation
func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}

// RecordStreamFailure records a transport-level stream failure
func RecordStreamFailure() {
	StreamFailures.Inc()
}
