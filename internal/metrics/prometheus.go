package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice processing service.
type Metrics struct {
	// Session metrics
	SessionsCreated  prometheus.Counter
	SessionsFinished *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge
	SessionDuration  prometheus.Histogram

	// Segmentation metrics
	SegmentationRuns  prometheus.Counter
	SegmentsPerBuffer prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_sessions_created_total",
			Help: "Total number of voice sessions created",
		}),
		SessionsFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_sessions_finished_total",
			Help: "Total number of voice sessions reaching a terminal state",
		}, []string{"state"}),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voice_active_sessions",
			Help: "Current number of live voice sessions",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_session_duration_seconds",
			Help:    "Time from message receipt to a terminal state",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),

		SegmentationRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_segmentation_runs_total",
			Help: "Total number of VAD segmentation passes",
		}),
		SegmentsPerBuffer: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_segments_per_buffer",
			Help:    "Number of speech segments produced per message",
			Buckets: prometheus.LinearBuckets(0, 1, 11), // 0 to 10
		}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voice_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordSessionCreated records a new session and the resulting live count.
func (m *Metrics) RecordSessionCreated(active int) {
	m.SessionsCreated.Inc()
	m.ActiveSessions.Set(float64(active))
}

// RecordSessionFinished records a terminal state, session duration and the
// resulting live count.
func (m *Metrics) RecordSessionFinished(state string, durationSeconds float64, active int) {
	m.SessionsFinished.WithLabelValues(state).Inc()
	m.SessionDuration.Observe(durationSeconds)
	m.ActiveSessions.Set(float64(active))
}

// RecordSegmentation records one segmentation pass and its segment count.
func (m *Metrics) RecordSegmentation(segments int) {
	m.SegmentationRuns.Inc()
	m.SegmentsPerBuffer.Observe(float64(segments))
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error.
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
