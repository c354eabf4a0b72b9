package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the clip upload service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// UDP packet metrics
	PacketsReceived  *prometheus.CounterVec
	PacketsProcessed prometheus.Counter
	ParseErrors      prometheus.Counter
	QueueSize        prometheus.Gauge

	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsCreated  prometheus.Counter
	SessionsEnded    *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	FramesProcessed  prometheus.Counter
	FramesVoice      prometheus.Counter
	FramesOutOfOrder prometheus.Counter

	// Segmentation metrics
	Boundaries   *prometheus.CounterVec
	ClipDuration prometheus.Histogram
	ClipSize     prometheus.Histogram

	// Upload metrics
	UploadAttempts  *prometheus.CounterVec
	UploadSuccesses *prometheus.CounterVec
	UploadFailures  *prometheus.CounterVec
	UploadRetries   *prometheus.CounterVec
	UploadDuration  *prometheus.HistogramVec
	UploadsInFlight prometheus.Gauge
	RetryPasses     prometheus.Counter

	// Credential metrics
	CredentialRefreshes *prometheus.CounterVec
	RefreshWaiters      prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// UDP packet metrics
		PacketsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clipupload_packets_received_total",
			Help: "Total number of UDP packets received",
		}, []string{"type"}),
		PacketsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "clipupload_packets_processed_total",
			Help: "Total number of UDP packets successfully processed",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "clipupload_parse_errors_total",
			Help: "Total number of packet parsing errors",
		}),
		QueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "clipupload_packet_queue_size",
			Help: "Current number of packets waiting for a worker",
		}),

		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "clipupload_active_sessions",
			Help: "Current number of recording sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "clipupload_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clipupload_sessions_ended_total",
			Help: "Total number of sessions ended, by outcome",
		}, []string{"status"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "clipupload_session_duration_seconds",
			Help:    "Duration of recording sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),
		FramesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "clipupload_frames_processed_total",
			Help: "Total number of audio frames processed",
		}),
		FramesVoice: factory.NewCounter(prometheus.CounterOpts{
			Name: "clipupload_frames_voice_total",
			Help: "Total number of frames classified as speech",
		}),
		FramesOutOfOrder: factory.NewCounter(prometheus.CounterOpts{
			Name: "clipupload_frames_out_of_order_total",
			Help: "Total number of frames dropped for arriving out of sequence",
		}),

		// Segmentation metrics
		Boundaries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clipupload_boundaries_total",
			Help: "Total number of clip boundaries, by cause",
		}, []string{"cause"}),
		ClipDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "clipupload_clip_duration_seconds",
			Help:    "Duration of produced clips",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~1 minute
		}),
		ClipSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "clipupload_clip_size_bytes",
			Help:    "Size of encoded clips in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),

		// Upload metrics
		UploadAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clipupload_upload_attempts_total",
			Help: "Total number of storage write attempts",
		}, []string{"context"}),
		UploadSuccesses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clipupload_upload_successes_total",
			Help: "Total number of successful storage writes",
		}, []string{"context"}),
		UploadFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clipupload_upload_failures_total",
			Help: "Total number of storage writes that exhausted their retries",
		}, []string{"context", "reason"}),
		UploadRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clipupload_upload_retries_total",
			Help: "Total number of storage write retries",
		}, []string{"context"}),
		UploadDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clipupload_upload_duration_seconds",
			Help:    "Duration of storage writes including retries",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"context"}),
		UploadsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "clipupload_uploads_in_flight",
			Help: "Current number of dispatched clip uploads",
		}),
		RetryPasses: factory.NewCounter(prometheus.CounterOpts{
			Name: "clipupload_retry_passes_total",
			Help: "Total number of caller-triggered retry passes",
		}),

		// Credential metrics
		CredentialRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clipupload_credential_refreshes_total",
			Help: "Total number of credential refreshes, by outcome",
		}, []string{"context", "status"}),
		RefreshWaiters: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "clipupload_refresh_waiters",
			Help:    "Number of writers resolved by one background refresh",
			Buckets: prometheus.LinearBuckets(1, 2, 8),
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clipupload_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clipupload_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clipupload_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived(packetType string) {
	if m == nil {
		return
	}
	m.PacketsReceived.WithLabelValues(packetType).Inc()
}

// RecordPacketProcessed increments the packets processed counter
func (m *Metrics) RecordPacketProcessed() {
	if m == nil {
		return
	}
	m.PacketsProcessed.Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
}

// SetQueueSize sets the current queue size
func (m *Metrics) SetQueueSize(size int) {
	if m == nil {
		return
	}
	m.QueueSize.Set(float64(size))
}

// SetActiveSessions sets the current number of sessions
func (m *Metrics) SetActiveSessions(count int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

// RecordSessionEnded records the outcome and duration of a session
func (m *Metrics) RecordSessionEnded(status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsEnded.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordFrame records one processed frame
func (m *Metrics) RecordFrame(hasVoice bool) {
	if m == nil {
		return
	}
	m.FramesProcessed.Inc()
	if hasVoice {
		m.FramesVoice.Inc()
	}
}

// RecordFrameOutOfOrder records a dropped out-of-sequence frame
func (m *Metrics) RecordFrameOutOfOrder() {
	if m == nil {
		return
	}
	m.FramesOutOfOrder.Inc()
}

// RecordBoundary records a clip boundary and the produced clip duration
func (m *Metrics) RecordBoundary(cause string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.Boundaries.WithLabelValues(cause).Inc()
	m.ClipDuration.Observe(durationSeconds)
}

// RecordClipEncoded records the size of an encoded clip
func (m *Metrics) RecordClipEncoded(sizeBytes int) {
	if m == nil {
		return
	}
	m.ClipSize.Observe(float64(sizeBytes))
}

// RecordUploadAttempt increments the write attempt counter
func (m *Metrics) RecordUploadAttempt(context string) {
	if m == nil {
		return
	}
	m.UploadAttempts.WithLabelValues(context).Inc()
}

// RecordUploadRetry increments the retry counter
func (m *Metrics) RecordUploadRetry(context string) {
	if m == nil {
		return
	}
	m.UploadRetries.WithLabelValues(context).Inc()
}

// RecordUploadSuccess records a successful write
func (m *Metrics) RecordUploadSuccess(context string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.UploadSuccesses.WithLabelValues(context).Inc()
	m.UploadDuration.WithLabelValues(context).Observe(durationSeconds)
}

// RecordUploadFailure records a write that gave up
func (m *Metrics) RecordUploadFailure(context, reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.UploadFailures.WithLabelValues(context, reason).Inc()
	m.UploadDuration.WithLabelValues(context).Observe(durationSeconds)
}

// AddUploadsInFlight adjusts the in-flight upload gauge
func (m *Metrics) AddUploadsInFlight(delta int) {
	if m == nil {
		return
	}
	m.UploadsInFlight.Add(float64(delta))
}

// RecordRetryPass increments the retry pass counter
func (m *Metrics) RecordRetryPass() {
	if m == nil {
		return
	}
	m.RetryPasses.Inc()
}

// RecordCredentialRefresh records a refresh outcome
func (m *Metrics) RecordCredentialRefresh(context, status string) {
	if m == nil {
		return
	}
	m.CredentialRefreshes.WithLabelValues(context, status).Inc()
}

// RecordRefreshWaiters records how many writers one refresh resolved
func (m *Metrics) RecordRefreshWaiters(count int) {
	if m == nil {
		return
	}
	m.RefreshWaiters.Observe(float64(count))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
