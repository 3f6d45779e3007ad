package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	Registry *prometheus.Registry

	// Session metrics
	SessionsStarted prometheus.Counter
	SessionsFailed  *prometheus.CounterVec
	ActiveSessions  prometheus.Gauge
	SessionDuration prometheus.Histogram
	Reconnects      prometheus.Counter

	// Frame metrics
	FramesReceived  prometheus.Counter
	FramesPublished prometheus.Counter
	FramesDropped   *prometheus.CounterVec
	FrameBytes      prometheus.Histogram
	BytesReceived   prometheus.Counter

	// Command metrics
	CommandsSent *prometheus.CounterVec

	// Preview metrics
	PreviewClients prometheus.Gauge
}

// New creates all metrics on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "phonecam_sessions_started_total",
			Help: "Total number of streaming sessions started",
		}),
		SessionsFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phonecam_sessions_failed_total",
				Help: "Sessions that ended abnormally",
			},
			[]string{"reason"}, // connect, sink, transport
		),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "phonecam_active_sessions",
			Help: "Number of sessions currently streaming",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "phonecam_session_duration_seconds",
			Help:    "Duration of sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "phonecam_reconnects_total",
			Help: "Automatic reconnect attempts",
		}),

		FramesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "phonecam_frames_received_total",
			Help: "Framed messages read from the phone",
		}),
		FramesPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "phonecam_frames_published_total",
			Help: "Frames submitted to the virtual camera",
		}),
		FramesDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phonecam_frames_dropped_total",
				Help: "Frames that were not published",
			},
			[]string{"reason"}, // decode, sink
		),
		FrameBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "phonecam_frame_bytes",
			Help:    "Encoded frame payload size",
			Buckets: prometheus.ExponentialBuckets(4096, 2, 12), // 4KB to 8MB
		}),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "phonecam_bytes_received_total",
			Help: "Payload bytes read from the phone",
		}),

		CommandsSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phonecam_commands_sent_total",
				Help: "Commands written to the phone",
			},
			[]string{"command", "result"},
		),

		PreviewClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "phonecam_preview_clients",
			Help: "Connected MJPEG preview clients",
		}),
	}
}

// RecordFrame records one framed message of n payload bytes
func (m *Metrics) RecordFrame(n int) {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
	m.BytesReceived.Add(float64(n))
	m.FrameBytes.Observe(float64(n))
}

// RecordPublished records a frame handed to the virtual camera
func (m *Metrics) RecordPublished() {
	if m == nil {
		return
	}
	m.FramesPublished.Inc()
}

// RecordDropped records a frame lost for reason
func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// RecordCommand records a command write
func (m *Metrics) RecordCommand(command string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CommandsSent.WithLabelValues(command, result).Inc()
}

// SessionStarted marks a session entering the streaming state
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

// SessionEnded records the end of a streaming session
func (m *Metrics) SessionEnded(d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(d.Seconds())
}

// SessionFailed records an abnormal end for reason
func (m *Metrics) SessionFailed(reason string) {
	if m == nil {
		return
	}
	m.SessionsFailed.WithLabelValues(reason).Inc()
}

// Reconnect records a reconnect attempt
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// SetPreviewClients reports the MJPEG client count
func (m *Metrics) SetPreviewClients(n int) {
	if m == nil {
		return
	}
	m.PreviewClients.Set(float64(n))
}
