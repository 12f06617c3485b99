package task

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeCompleted = "completed"
	outcomeCancelled = "cancelled"
	outcomeFailed    = "failed"
	outcomeRemoved   = "removed" // cancelled or aborted while queued
)

var (
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ocrq_queue_depth",
			Help: "Number of jobs waiting in the queue",
		},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocrq_jobs_total",
			Help: "Total number of jobs by outcome",
		},
		[]string{"outcome"},
	)

	enqueueRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocrq_enqueue_rejected_total",
			Help: "Total number of rejected enqueue calls",
		},
		[]string{"reason"}, // reason: invalid_input, unreadable_source, shutdown
	)

	jobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ocrq_job_duration_seconds",
			Help:    "Time from dispatch to completion of a job",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 25, 50},
		},
	)

	queueWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ocrq_queue_wait_seconds",
			Help:    "Time a job spent queued before dispatch",
			Buckets: prometheus.DefBuckets,
		},
	)

	resultsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ocrq_results_total",
			Help: "Total number of partial results delivered",
		},
	)
)
