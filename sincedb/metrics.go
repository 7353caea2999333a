package sincedb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ledgerEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "s3ingest_sincedb_entries",
		Help: "the number of object versions recorded in the ledger",
	})
	ledgerExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "s3ingest_sincedb_expired_total",
		Help: "the total number of ledger entries removed by compaction",
	})
	ledgerFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "s3ingest_sincedb_flush_seconds",
		Help:    "the time spent in rewriting the ledger file",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})
	ledgerFlushErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "s3ingest_sincedb_flush_errors_total",
		Help: "the total number of failed ledger writes",
	})
)
