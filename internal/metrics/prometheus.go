package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the camera relay service.
// All Record helpers tolerate a nil receiver so components can run without
// metrics wired in.
type Metrics struct {
	// Ingest metrics
	FramesReceived *prometheus.CounterVec
	FramingErrors  prometheus.Counter
	FramesRejected prometheus.Counter
	BytesReceived  prometheus.Counter

	// Camera registry metrics
	ActiveCameras  prometheus.Gauge
	CamerasEvicted prometheus.Counter

	// Broadcast metrics
	FramesBroadcast  prometheus.Counter
	FramesDropped    prometheus.Counter
	SlowDisconnects  prometheus.Counter
	ActiveSessions   *prometheus.GaugeVec
	SessionsAccepted *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Ingest metrics
		FramesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_frames_received_total",
			Help: "Total number of frames received from producers",
		}, []string{"encoding"}),
		FramingErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_framing_errors_total",
			Help: "Total number of fatal framing errors on binary streams",
		}),
		FramesRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_rejected_total",
			Help: "Total number of frames dropped before broadcast",
		}),
		BytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_bytes_received_total",
			Help: "Total payload bytes received from producers",
		}),

		// Camera registry metrics
		ActiveCameras: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_cameras",
			Help: "Current number of cameras with recent frames",
		}),
		CamerasEvicted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_cameras_evicted_total",
			Help: "Total number of cameras evicted for inactivity",
		}),

		// Broadcast metrics
		FramesBroadcast: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_broadcast_total",
			Help: "Total number of frames fanned out to consumers",
		}),
		FramesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_dropped_total",
			Help: "Total number of frames dropped for slow consumers",
		}),
		SlowDisconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_slow_consumers_disconnected_total",
			Help: "Total number of consumers disconnected for falling behind",
		}),
		ActiveSessions: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Current number of open sessions",
		}, []string{"role"}),
		SessionsAccepted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_sessions_accepted_total",
			Help: "Total number of accepted sessions",
		}, []string{"role", "transport"}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordFrameReceived counts one inbound frame and its payload size
func (m *Metrics) RecordFrameReceived(encoding string, payloadBytes int) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(encoding).Inc()
	m.BytesReceived.Add(float64(payloadBytes))
}

// RecordFramingError increments the fatal framing error counter
func (m *Metrics) RecordFramingError() {
	if m == nil {
		return
	}
	m.FramingErrors.Inc()
}

// RecordFrameRejected counts a frame dropped before broadcast
func (m *Metrics) RecordFrameRejected() {
	if m == nil {
		return
	}
	m.FramesRejected.Inc()
}

// SetActiveCameras sets the current camera gauge
func (m *Metrics) SetActiveCameras(count int) {
	if m == nil {
		return
	}
	m.ActiveCameras.Set(float64(count))
}

// RecordCameraEvicted increments the eviction counter
func (m *Metrics) RecordCameraEvicted() {
	if m == nil {
		return
	}
	m.CamerasEvicted.Inc()
}

// RecordBroadcast increments the broadcast counter
func (m *Metrics) RecordBroadcast() {
	if m == nil {
		return
	}
	m.FramesBroadcast.Inc()
}

// RecordFrameDropped counts one frame lost to a full consumer buffer
func (m *Metrics) RecordFrameDropped() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

// RecordSlowDisconnect counts a consumer kicked for falling behind
func (m *Metrics) RecordSlowDisconnect() {
	if m == nil {
		return
	}
	m.SlowDisconnects.Inc()
}

// RecordSessionAccepted counts an accepted session by role and transport
func (m *Metrics) RecordSessionAccepted(role, transport string) {
	if m == nil {
		return
	}
	m.SessionsAccepted.WithLabelValues(role, transport).Inc()
}

// SetActiveSessions sets the session gauge for one role
func (m *Metrics) SetActiveSessions(role string, count int) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(role).Set(float64(count))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
