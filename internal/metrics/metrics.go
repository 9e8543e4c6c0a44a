package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Crawl execution metrics
	CrawlRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawl_runs_total",
			Help: "Total number of crawl runs by outcome",
		},
		[]string{"target", "status"},
	)

	CrawlDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawl_duration_seconds",
			Help:    "Crawl run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target"},
	)

	ArticlesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "articles_ingested_total",
			Help: "Total number of newly ingested articles",
		},
		[]string{"target"},
	)

	// Dispatcher metrics
	DispatchSkipsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_skips_total",
			Help: "Fires skipped by the dispatcher",
		},
		[]string{"reason"},
	)

	ScheduledTriggers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduled_triggers",
			Help: "Number of registered triggers in the job table",
		},
	)

	StaleLogsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stale_logs_swept_total",
			Help: "Run log entries reconciled to error by the stale sweep",
		},
	)
)
