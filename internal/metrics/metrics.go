// Package metrics exposes Prometheus metrics for the harvesting pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// MetricsNamespace is the namespace for all harvester metrics.
	MetricsNamespace = "harvester"
)

// Metrics holds all Prometheus metrics for the harvester.
type Metrics struct {
	// Job metrics
	JobsTotal          *prometheus.CounterVec
	JobDurationSeconds prometheus.Histogram
	JobsRunning        prometheus.Gauge

	// Catalog metrics
	PagesScanned    prometheus.Counter
	EntriesSeen     prometheus.Counter
	EntriesFiltered *prometheus.CounterVec
	ItemsResolved   *prometheus.CounterVec
	ItemsArchived   prometheus.Counter

	// Queue metrics
	QueueDepth    prometheus.Gauge
	QueueEnqueued *prometheus.CounterVec
	QueueDequeued prometheus.Counter

	// Batch metrics
	BatchFlushes  *prometheus.CounterVec
	BatchSizes    prometheus.Histogram
	DuplicateHits *prometheus.CounterVec

	// Coordination metrics
	StaleRecovered prometheus.Counter
}

// NewMetrics creates and registers all harvester metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)
	m := &Metrics{}

	m.initJobMetrics(factory)
	m.initCatalogMetrics(factory)
	m.initQueueMetrics(factory)
	m.initBatchMetrics(factory)
	m.initCoordinationMetrics(factory)

	return m
}

func (m *Metrics) initJobMetrics(factory promauto.Factory) {
	m.JobsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "jobs_total",
			Help:      "Total number of harvest jobs processed",
		},
		[]string{"status"},
	)

	m.JobDurationSeconds = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of harvest jobs in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
		},
	)

	m.JobsRunning = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "jobs_running",
			Help:      "Number of harvest jobs currently running",
		},
	)
}

func (m *Metrics) initCatalogMetrics(factory promauto.Factory) {
	m.PagesScanned = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "catalog_pages_scanned_total",
			Help:      "Total number of catalog pages scanned",
		},
	)

	m.EntriesSeen = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "catalog_entries_seen_total",
			Help:      "Total number of catalog entries seen",
		},
	)

	m.EntriesFiltered = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "catalog_entries_filtered_total",
			Help:      "Total number of catalog entries rejected, by reason",
		},
		[]string{"reason"},
	)

	m.ItemsResolved = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "items_resolved_total",
			Help:      "Total number of detail pages resolved, by outcome",
		},
		[]string{"outcome"},
	)

	m.ItemsArchived = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "items_archived_total",
			Help:      "Total number of stored items archived as gone",
		},
	)
}

func (m *Metrics) initQueueMetrics(factory promauto.Factory) {
	m.QueueDepth = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "queue_depth",
			Help:      "Current depth of the harvest job queue",
		},
	)

	m.QueueEnqueued = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "queue_enqueued_total",
			Help:      "Total number of jobs enqueued, by outcome",
		},
		[]string{"outcome"},
	)

	m.QueueDequeued = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "queue_dequeued_total",
			Help:      "Total number of jobs dequeued",
		},
	)
}

func (m *Metrics) initBatchMetrics(factory promauto.Factory) {
	m.BatchFlushes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "batch_flushes_total",
			Help:      "Total number of batch flushes, by trigger",
		},
		[]string{"trigger"},
	)

	m.BatchSizes = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Name:      "batch_size",
			Help:      "Number of items per flushed batch",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		},
	)

	m.DuplicateHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "duplicate_hits_total",
			Help:      "Total number of duplicates caught, by layer",
		},
		[]string{"layer"},
	)
}

func (m *Metrics) initCoordinationMetrics(factory promauto.Factory) {
	m.StaleRecovered = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "stale_queries_recovered_total",
			Help:      "Total number of stale in-flight queries requeued",
		},
	)
}

// RecordJob records a finished harvest job.
func (m *Metrics) RecordJob(status string, durationSeconds float64) {
	m.JobsTotal.WithLabelValues(status).Inc()
	m.JobDurationSeconds.Observe(durationSeconds)
}

// RecordFiltered records a catalog entry rejected by a filter.
func (m *Metrics) RecordFiltered(reason string) {
	m.EntriesFiltered.WithLabelValues(reason).Inc()
}

// RecordDuplicate records a duplicate caught at one of the dedup layers.
func (m *Metrics) RecordDuplicate(layer string) {
	m.DuplicateHits.WithLabelValues(layer).Inc()
}
