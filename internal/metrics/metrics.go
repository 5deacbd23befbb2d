// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupstream_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "groupstream_http_request_duration_seconds",
			Help:    "HTTP request duration, excluding streams",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	OpenStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "groupstream_open_streams",
			Help: "Currently open SSE streams",
		},
		[]string{"kind"}, // "run" or "group"
	)

	// Run metrics
	RunsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupstream_runs_created_total",
			Help: "Total runs created",
		},
		[]string{"kind"},
	)

	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupstream_runs_finished_total",
			Help: "Total runs that reached a terminal status",
		},
		[]string{"kind", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "groupstream_run_duration_seconds",
			Help:    "Time from dequeue to terminal status",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"kind"},
	)

	EventsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupstream_run_events_appended_total",
			Help: "Total run events written to the event log",
		},
		[]string{"type"},
	)

	QueueDequeues = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupstream_queue_dequeues_total",
			Help: "Work items taken from the queue by outcome",
		},
		[]string{"outcome"}, // "processed", "skipped", "error"
	)

	RunsReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupstream_runs_reconciled_total",
			Help: "Runs repaired by the reconciler",
		},
		[]string{"action"}, // "requeued", "failed"
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "groupstream_job_duration_seconds",
			Help:    "Scheduled maintenance job duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	// Hub metrics
	HubSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "groupstream_hub_subscribers",
			Help: "Current group stream hub subscriptions",
		},
	)

	HubPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupstream_hub_published_total",
			Help: "Message events published to the hub",
		},
		[]string{"type"},
	)

	HubDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "groupstream_hub_dropped_total",
			Help: "Subscriptions dropped because their buffer overflowed",
		},
	)
)
