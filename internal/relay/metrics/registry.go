package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relay/internal/relay"
)

// Outcome label values shared by request and publish metrics.
const (
	OutcomePublished     = "published"
	OutcomeAccepted      = "accepted"
	OutcomeDuplicate     = "duplicate"
	OutcomeUnauthorized  = "unauthorized"
	OutcomeTopicNotFound = "topic_not_found"
	OutcomeError         = "error"
)

// Registry encapsulates all metrics and provides a clean interface
// for recording metrics without global state.
//
// A nil *Registry is valid and records nothing, so components can take one
// unconditionally when metrics are disabled.
type Registry struct {
	registry *prometheus.Registry

	// Webhook metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	// Publish metrics
	publishTotal    *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec

	// Sink metrics
	pushFailures prometheus.Counter

	// Probe metrics
	probeSuccess  *prometheus.GaugeVec
	probeDuration *prometheus.GaugeVec
	probeLastRun  prometheus.Gauge

	// System health metrics
	systemInfo *prometheus.GaugeVec
	startTime  prometheus.Gauge
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	registry := prometheus.NewRegistry()

	r := &Registry{
		registry: registry,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_webhook_requests_total",
				Help: "Total number of webhook requests",
			},
			[]string{"event", "outcome"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_request_duration_seconds",
				Help:    "Time spent handling HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),

		publishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_publish_total",
				Help: "Total number of publish operations",
			},
			[]string{"topic", "outcome"},
		),

		publishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_publish_duration_seconds",
				Help:    "Time spent publishing envelopes",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"topic"},
		),

		pushFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_metrics_push_failures_total",
				Help: "Total number of failed pushes to the metrics sink",
			},
		),

		probeSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_probe_success",
				Help: "Whether the last probe of a target succeeded (1) or failed (0)",
			},
			[]string{"target"},
		),

		probeDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_probe_duration_seconds",
				Help: "Duration of the last probe of a target",
			},
			[]string{"target"},
		),

		probeLastRun: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_probe_last_run_timestamp_seconds",
				Help: "Unix timestamp of the last probe run",
			},
		),

		systemInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_system_info",
				Help: "System information (value is always 1, labels contain info)",
			},
			[]string{"version", "build_time"},
		),

		startTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_start_time_seconds",
				Help: "Unix timestamp when the application started",
			},
		),
	}

	// add default Go metrics (memory, GC, goroutines, etc.)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry.MustRegister(
		r.requestsTotal,
		r.requestDuration,
		r.publishTotal,
		r.publishDuration,
		r.pushFailures,
		r.probeSuccess,
		r.probeDuration,
		r.probeLastRun,
		r.systemInfo,
		r.startTime,
	)

	r.startTime.SetToCurrentTime()

	return r
}

// Gatherer exposes the underlying registry to push and scrape handlers.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          r.registry,
	})
}

// RecordWebhook records one webhook request
func (r *Registry) RecordWebhook(event, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	if event == "" {
		event = "unknown"
	}

	r.requestsTotal.WithLabelValues(event, outcome).Inc()
	r.requestDuration.WithLabelValues("webhook").Observe(duration.Seconds())
}

// RecordHealth records one liveness request
func (r *Registry) RecordHealth(duration time.Duration) {
	if r == nil {
		return
	}

	r.requestDuration.WithLabelValues("health").Observe(duration.Seconds())
}

// RecordPublish records a publish operation
func (r *Registry) RecordPublish(topic string, duration time.Duration, err error) {
	if r == nil {
		return
	}

	r.publishTotal.WithLabelValues(topic, PublishOutcome(err)).Inc()
	r.publishDuration.WithLabelValues(topic).Observe(duration.Seconds())
}

// RegisterQueueDepth exposes the fire-and-forget backlog as a gauge.
func (r *Registry) RegisterQueueDepth(depth func() int) {
	if r == nil {
		return
	}

	r.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "relay_async_queue_depth",
			Help: "Number of envelopes waiting to be published",
		},
		func() float64 { return float64(depth()) },
	))
}

// RecordPushFailure records a failed push to the metrics sink
func (r *Registry) RecordPushFailure() {
	if r == nil {
		return
	}

	r.pushFailures.Inc()
}

// RecordProbe records the result of probing one target
func (r *Registry) RecordProbe(target string, ok bool, duration time.Duration) {
	if r == nil {
		return
	}

	success := 0.0
	if ok {
		success = 1
	}
	r.probeSuccess.WithLabelValues(target).Set(success)
	r.probeDuration.WithLabelValues(target).Set(duration.Seconds())
	r.probeLastRun.SetToCurrentTime()
}

// SetSystemInfo sets system information metrics
func (r *Registry) SetSystemInfo(version, buildTime string) {
	if r == nil {
		return
	}

	r.systemInfo.WithLabelValues(version, buildTime).Set(1)
}

// PublishOutcome maps a publish error to its outcome label.
func PublishOutcome(err error) string {
	switch {
	case err == nil:
		return OutcomePublished
	case errors.Is(err, relay.ErrDuplicate):
		return OutcomeDuplicate
	case errors.Is(err, relay.ErrTopicNotFound):
		return OutcomeTopicNotFound
	default:
		return OutcomeError
	}
}
