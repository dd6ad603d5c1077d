package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	initialized        atomic.Bool
	metricsEnabled     atomic.Bool
	defaultMetricsPath = "/metrics"

	// Session metrics
	SessionsTotal   *prometheus.CounterVec
	SessionsActive  prometheus.Gauge
	SessionDuration prometheus.Histogram

	// Aggregator metrics
	PatchesTotal *prometheus.CounterVec

	// Analyzer metrics
	PoseFramesTotal        *prometheus.CounterVec
	ExpressionSamplesTotal *prometheus.CounterVec
	DetectorLatency        *prometheus.HistogramVec
	DetectorBreakerOpen    *prometheus.GaugeVec

	// Speech metrics
	TranscriptBatchesTotal *prometheus.CounterVec
	FillerWordsTotal       prometheus.Counter

	// Uplink metrics
	UplinkFramesTotal   *prometheus.CounterVec
	UplinkFeedbackTotal prometheus.Counter

	// Submission metrics
	SubmissionsTotal *prometheus.CounterVec

	// AMQP metrics
	AMQPPublishedMessages *prometheus.CounterVec
	AMQPConnectionStatus  prometheus.Gauge

	// Live status metrics
	LiveClients prometheus.Gauge
)

func init() {
	metricsEnabled.Store(true)
}

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		SessionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coach_sessions_total",
				Help: "Practice sessions by lifecycle outcome",
			},
			[]string{"outcome"},
		)

		SessionsActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "coach_sessions_active",
				Help: "Number of practice sessions currently active",
			},
		)

		SessionDuration = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "coach_session_duration_seconds",
				Help:    "Duration of practice sessions from start to seal",
				Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
			},
		)

		PatchesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coach_patches_total",
				Help: "Metric patches offered to the aggregator by kind and result",
			},
			[]string{"kind", "result"},
		)

		PoseFramesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coach_pose_frames_total",
				Help: "Video frames offered to the pose analyzer by result",
			},
			[]string{"result"},
		)

		ExpressionSamplesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coach_expression_samples_total",
				Help: "Expression sampler ticks by result",
			},
			[]string{"result"},
		)

		DetectorLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coach_detector_latency_seconds",
				Help:    "Latency of pose and expression inference calls",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"detector"},
		)

		DetectorBreakerOpen = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coach_detector_breaker_open",
				Help: "Detector circuit breaker state (1 = open, 0 = closed or half-open)",
			},
			[]string{"detector"},
		)

		TranscriptBatchesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coach_transcript_batches_total",
				Help: "Transcript batches by result",
			},
			[]string{"provider", "result"},
		)

		FillerWordsTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "coach_filler_words_total",
				Help: "Filler words counted across all sessions",
			},
		)

		UplinkFramesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coach_uplink_frames_total",
				Help: "Audio chunks handed to the uplink by result",
			},
			[]string{"result"},
		)

		UplinkFeedbackTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "coach_uplink_feedback_total",
				Help: "Voice feedback messages received from the analysis service",
			},
		)

		SubmissionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coach_submissions_total",
				Help: "Session log submissions by status",
			},
			[]string{"status"},
		)

		AMQPPublishedMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coach_amqp_published_messages_total",
				Help: "Total number of session results published to AMQP",
			},
			[]string{"queue", "status"},
		)

		AMQPConnectionStatus = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "coach_amqp_connection_status",
				Help: "AMQP connection status (1 = connected, 0 = disconnected)",
			},
		)

		LiveClients = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "coach_live_clients",
				Help: "Number of connected live status websocket clients",
			},
		)

		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),

			SessionsTotal,
			SessionsActive,
			SessionDuration,
			PatchesTotal,
			PoseFramesTotal,
			ExpressionSamplesTotal,
			DetectorLatency,
			DetectorBreakerOpen,
			TranscriptBatchesTotal,
			FillerWordsTotal,
			UplinkFramesTotal,
			UplinkFeedbackTotal,
			SubmissionsTotal,
			AMQPPublishedMessages,
			AMQPConnectionStatus,
			LiveClients,
		)

		initialized.Store(true)
		logger.Info("Prometheus metrics initialized")
	})
}

// active reports whether collectors exist and recording is switched on
func active() bool {
	return initialized.Load() && metricsEnabled.Load()
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	return registry
}

// SetMetricsPath sets the HTTP path for metrics endpoint
func SetMetricsPath(path string) {
	defaultMetricsPath = path
}

// EnableMetrics enables or disables metrics collection
func EnableMetrics(enabled bool) {
	metricsEnabled.Store(enabled)
}

// IsMetricsEnabled returns whether metrics are enabled
func IsMetricsEnabled() bool {
	return metricsEnabled.Load()
}

// RegisterHandler registers the metrics HTTP handler
func RegisterHandler(mux *http.ServeMux) {
	if !active() {
		return
	}
	handler := promhttp.HandlerFor(
		registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			Registry:          registry,
		},
	)
	mux.Handle(defaultMetricsPath, handler)
}

// StartMetrics initializes the metrics service
func StartMetrics(logger *logrus.Logger, enabled bool) {
	if !enabled {
		EnableMetrics(false)
		logger.Info("Metrics collection is disabled")
		return
	}

	Init(logger)
	EnableMetrics(true)
	logger.WithField("metrics_path", defaultMetricsPath).Info("Metrics endpoint initialized")
}

// StartSessionTimer returns a function that records the session duration when called
func StartSessionTimer() func() {
	if !active() {
		return func() {}
	}

	SessionsActive.Inc()
	SessionsTotal.WithLabelValues("started").Inc()
	start := time.Now()
	return func() {
		SessionsActive.Dec()
		SessionDuration.Observe(time.Since(start).Seconds())
	}
}

// RecordSessionOutcome records how a session start or end resolved
func RecordSessionOutcome(outcome string) {
	if active() {
		SessionsTotal.WithLabelValues(outcome).Inc()
	}
}

// RecordPatch records a patch offered to the aggregator
func RecordPatch(kind, result string) {
	if active() {
		PatchesTotal.WithLabelValues(kind, result).Inc()
	}
}

// RecordPoseFrame records the fate of a video frame
func RecordPoseFrame(result string) {
	if active() {
		PoseFramesTotal.WithLabelValues(result).Inc()
	}
}

// RecordExpressionSample records the result of an expression sampler tick
func RecordExpressionSample(result string) {
	if active() {
		ExpressionSamplesTotal.WithLabelValues(result).Inc()
	}
}

// ObserveDetectorLatency records detector latency with a timer function
func ObserveDetectorLatency(detector string) func() {
	if !active() {
		return func() {}
	}

	start := time.Now()
	return func() {
		DetectorLatency.WithLabelValues(detector).Observe(time.Since(start).Seconds())
	}
}

// SetDetectorBreakerOpen sets the circuit breaker state of a detector
func SetDetectorBreakerOpen(detector string, open bool) {
	if !active() {
		return
	}
	if open {
		DetectorBreakerOpen.WithLabelValues(detector).Set(1)
	} else {
		DetectorBreakerOpen.WithLabelValues(detector).Set(0)
	}
}

// RecordTranscriptBatch records an accepted or discarded transcript batch
func RecordTranscriptBatch(provider, result string) {
	if active() {
		TranscriptBatchesTotal.WithLabelValues(provider, result).Inc()
	}
}

// RecordFillerWords adds newly counted filler words
func RecordFillerWords(count int) {
	if active() && count > 0 {
		FillerWordsTotal.Add(float64(count))
	}
}

// RecordUplinkFrame records an audio chunk that was sent or dropped
func RecordUplinkFrame(result string) {
	if active() {
		UplinkFramesTotal.WithLabelValues(result).Inc()
	}
}

// RecordUplinkFeedback records a voice feedback message from the server
func RecordUplinkFeedback() {
	if active() {
		UplinkFeedbackTotal.Inc()
	}
}

// RecordSubmission records a session log submission
func RecordSubmission(status string) {
	if active() {
		SubmissionsTotal.WithLabelValues(status).Inc()
	}
}

// RecordAMQPPublish records metrics for an AMQP publish
func RecordAMQPPublish(queue, status string) {
	if active() {
		AMQPPublishedMessages.WithLabelValues(queue, status).Inc()
	}
}

// SetAMQPConnectionStatus sets the AMQP connection status
func SetAMQPConnectionStatus(connected bool) {
	if !active() {
		return
	}
	if connected {
		AMQPConnectionStatus.Set(1)
	} else {
		AMQPConnectionStatus.Set(0)
	}
}

// SetLiveClients sets the number of connected live status clients
func SetLiveClients(count int) {
	if active() {
		LiveClients.Set(float64(count))
	}
}
