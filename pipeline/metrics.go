package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	listedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "s3ingest_listed_objects_total",
		Help: "the total number of objects returned by listing calls",
	})
	listingErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "s3ingest_listing_errors_total",
		Help: "the total number of failed listing calls",
	})
	listingInconsistent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "s3ingest_listing_inconsistent_total",
		Help: "the number of listings where key order and modification time order disagree",
	})
	rejectedCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "s3ingest_rejected_objects_total",
		Help: "the total number of objects rejected by a policy, by the stage that rejected them",
	}, []string{"stage", "policy"})
	inflightSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "s3ingest_inflight_skipped_total",
		Help: "the total number of work items skipped because the same object was still being handled",
	})
	droppedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "s3ingest_dropped_objects_total",
		Help: "the total number of objects dropped by the handoff after stop",
	})
	processedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "s3ingest_processed_objects_total",
		Help: "the total number of fully processed objects",
	})
	failedCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "s3ingest_failed_objects_total",
		Help: "the total number of abandoned objects",
	}, []string{"stage"})
	goneCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "s3ingest_gone_objects_total",
		Help: "the total number of objects deleted between listing and processing",
	})
	linesCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "s3ingest_emitted_lines_total",
		Help: "the total number of lines sent to the sink",
	})
	brokenPipeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "s3ingest_broken_pipe_retries_total",
		Help: "the total number of work items retried after a broken pipe",
	})
	postProcessorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "s3ingest_post_processor_errors_total",
		Help: "the total number of failed post processor calls",
	}, []string{"post_processor"})
	downloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "s3ingest_download_seconds",
		Help:    "the time it takes to download one object",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})
	busyWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "s3ingest_busy_workers",
		Help: "the number of workers handling an object",
	})
)
