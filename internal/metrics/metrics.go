// Package metrics exposes prometheus instrumentation for the ingestion worker.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all prometheus metrics for the worker.
type Metrics struct {
	MessagesFetched  *prometheus.CounterVec
	MessagesIngested *prometheus.CounterVec
	IngestFailures   *prometheus.CounterVec
	MediaDownloaded  prometheus.Counter
	MediaFailed      prometheus.Counter

	AccountsConnected prometheus.Gauge
	AccountsNeedAuth  prometheus.Gauge

	CycleDuration prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Default returns the singleton metrics instance.
func Default() *Metrics {
	once.Do(func() {
		defaultMetrics = New()
	})
	return defaultMetrics
}

// New creates a Metrics instance registered on the default registry.
func New() *Metrics {
	return &Metrics{
		MessagesFetched: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "grabfeed_messages_fetched_total",
			Help: "Messages fetched from telegram, per channel.",
		}, []string{"channel"}),
		MessagesIngested: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "grabfeed_messages_ingested_total",
			Help: "New messages persisted, per channel.",
		}, []string{"channel"}),
		IngestFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "grabfeed_ingest_failures_total",
			Help: "Messages that failed to persist, per channel.",
		}, []string{"channel"}),
		MediaDownloaded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "grabfeed_media_downloaded_total",
			Help: "Media files downloaded successfully.",
		}),
		MediaFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "grabfeed_media_failed_total",
			Help: "Media downloads that failed (message still ingested).",
		}),
		AccountsConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "grabfeed_accounts_connected",
			Help: "Accounts with a live pooled client.",
		}),
		AccountsNeedAuth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "grabfeed_accounts_need_auth",
			Help: "Accounts flagged for interactive authorization.",
		}),
		CycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "grabfeed_cycle_duration_seconds",
			Help:    "Duration of one full polling cycle.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
}
