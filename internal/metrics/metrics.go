// Package metrics exposes the appliance's Prometheus metrics. A nil *Metrics
// is valid and records nothing, so components can run without a registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "motionguard"

// Camera states as reported by the camera_state gauge
var cameraStates = []string{"idle", "starting", "monitoring", "stopping", "error"}

// Metrics holds every collector registered by the appliance
type Metrics struct {
	registry *prometheus.Registry

	FramesProcessed  prometheus.Counter
	ReadFailures     prometheus.Counter
	MotionDetections prometheus.Counter
	CameraState      *prometheus.GaugeVec

	PipelineRuns     *prometheus.CounterVec   // by outcome and reason
	StageDuration    *prometheus.HistogramVec // by stage
	PipelineInFlight prometheus.Gauge
	AlertsRaised     *prometheus.CounterVec // by alert type
	Notifications    *prometheus.CounterVec // by result

	TelemetryPublished prometheus.Counter
	TelemetryDropped   *prometheus.CounterVec // by reason
}

// New creates the metrics and registers them, plus the Go runtime and
// process collectors, on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		FramesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "camera",
			Name:      "frames_processed_total",
			Help:      "Total number of frames run through motion detection",
		}),
		ReadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "camera",
			Name:      "read_failures_total",
			Help:      "Total number of failed frame reads",
		}),
		MotionDetections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "camera",
			Name:      "motion_frames_total",
			Help:      "Total number of frames containing motion",
		}),
		CameraState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "camera",
			Name:      "state",
			Help:      "Current camera controller state (1 for the active state)",
		}, []string{"state"}),

		PipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Total number of alert pipeline runs by outcome",
		}, []string{"outcome", "reason"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Alert pipeline stage duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),
		PipelineInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "in_flight",
			Help:      "Number of alert pipeline runs in progress",
		}),
		AlertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "alerts_total",
			Help:      "Total number of security alerts persisted",
		}, []string{"type"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "notifications_total",
			Help:      "Total number of notification attempts by result",
		}, []string{"result"}),

		TelemetryPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "published_total",
			Help:      "Total number of telemetry messages handed to the broker client",
		}),
		TelemetryDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "dropped_total",
			Help:      "Total number of telemetry messages dropped",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.FramesProcessed,
		m.ReadFailures,
		m.MotionDetections,
		m.CameraState,
		m.PipelineRuns,
		m.StageDuration,
		m.PipelineInFlight,
		m.AlertsRaised,
		m.Notifications,
		m.TelemetryPublished,
		m.TelemetryDropped,
	)
	return m
}

// Registry returns the registry the metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler serving the registry
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// FrameProcessed counts one frame through motion detection
func (m *Metrics) FrameProcessed(motion bool) {
	if m == nil {
		return
	}
	m.FramesProcessed.Inc()
	if motion {
		m.MotionDetections.Inc()
	}
}

// ReadFailed counts one failed frame read
func (m *Metrics) ReadFailed() {
	if m == nil {
		return
	}
	m.ReadFailures.Inc()
}

// SetCameraState marks state as the active camera state
func (m *Metrics) SetCameraState(state string) {
	if m == nil {
		return
	}
	for _, s := range cameraStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.CameraState.WithLabelValues(s).Set(v)
	}
}

// RunStarted marks a pipeline run as in flight
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.PipelineInFlight.Inc()
}

// RunFinished records the outcome of a pipeline run. reason is empty for
// successful runs.
func (m *Metrics) RunFinished(outcome, reason string) {
	if m == nil {
		return
	}
	m.PipelineInFlight.Dec()
	m.PipelineRuns.WithLabelValues(outcome, reason).Inc()
}

// ObserveStage records how long a pipeline stage took
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// AlertRaised counts one persisted security alert
func (m *Metrics) AlertRaised(alertType string) {
	if m == nil {
		return
	}
	m.AlertsRaised.WithLabelValues(alertType).Inc()
}

// NotificationResult counts one notification attempt
func (m *Metrics) NotificationResult(result string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(result).Inc()
}

// TelemetrySent counts one message handed to the broker client
func (m *Metrics) TelemetrySent() {
	if m == nil {
		return
	}
	m.TelemetryPublished.Inc()
}

// TelemetryDrop counts one dropped telemetry message
func (m *Metrics) TelemetryDrop(reason string) {
	if m == nil {
		return
	}
	m.TelemetryDropped.WithLabelValues(reason).Inc()
}
