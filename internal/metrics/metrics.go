package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	PollAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poll_attempts_total",
			Help: "Total number of provider status poll attempts",
		},
		[]string{"provider", "job_type"},
	)

	PollErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poll_errors_total",
			Help: "Transient transport or parse errors during status polling",
		},
		[]string{"provider", "job_type"},
	)

	ActivePollers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_pollers",
			Help: "Number of jobs currently tracked by the active job registry",
		},
	)

	CompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_completions_total",
			Help: "Terminal job transitions by outcome",
		},
		[]string{"outcome"},
	)

	CompletionNoopsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "job_completion_noops_total",
			Help: "Completion calls that no-oped because the job was already terminal",
		},
	)

	NotificationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "job_notifications_total",
			Help: "Status-change notifications emitted",
		},
	)

	FinalizerArtifactsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finalizer_artifacts_total",
			Help: "Artifact finalization results",
		},
		[]string{"result"},
	)

	FinalizerThumbnailsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finalizer_thumbnails_total",
			Help: "Thumbnail generation results",
		},
		[]string{"result"},
	)

	FinalizeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "finalize_duration_seconds",
			Help:    "Duration of artifact finalization per job",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	SweeperRecoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sweeper_recovered_jobs_total",
			Help: "Orphaned jobs re-attached to a poller by the recovery sweeper",
		},
	)

	WebhooksReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhooks_received_total",
			Help: "Inbound provider webhooks by provider and result",
		},
		[]string{"provider", "result"},
	)

	appInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_info",
			Help: "Application build and environment info",
		},
		[]string{"version", "environment", "service"},
	)
)

func SetAppInfo(version, environment, service string) {
	appInfo.WithLabelValues(version, environment, service).Set(1)
}

func RecordPoll(provider, jobType string) {
	PollAttemptsTotal.WithLabelValues(provider, jobType).Inc()
}

func RecordPollError(provider, jobType string) {
	PollErrorsTotal.WithLabelValues(provider, jobType).Inc()
}

func RecordCompletion(outcome string) {
	CompletionsTotal.WithLabelValues(outcome).Inc()
}

func RecordArtifact(result string) {
	FinalizerArtifactsTotal.WithLabelValues(result).Inc()
}

func RecordThumbnail(result string) {
	FinalizerThumbnailsTotal.WithLabelValues(result).Inc()
}

func RecordWebhook(provider, result string) {
	WebhooksReceivedTotal.WithLabelValues(provider, result).Inc()
}
