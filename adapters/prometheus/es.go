package prometheus

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/clstr-es/core/es"
	"github.com/codewandler/clstr-es/core/metrics"
)

// esMetrics implements es.ESMetrics using Prometheus.
type esMetrics struct {
	// Store metrics
	storeReadDuration   *prometheus.HistogramVec
	storeAppendDuration *prometheus.HistogramVec
	eventsAppended      *prometheus.CounterVec

	// Repository metrics
	repoLoadDuration     *prometheus.HistogramVec
	repoSaveDuration     *prometheus.HistogramVec
	concurrencyConflicts *prometheus.CounterVec

	// Cache metrics
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// Snapshot metrics
	snapshotLoadDuration *prometheus.HistogramVec
	snapshotSaveDuration *prometheus.HistogramVec

	// Relay metrics
	eventsPublished prometheus.Counter
	publishFailures prometheus.Counter

	// Consumer metrics
	consumerEventDuration *prometheus.HistogramVec
	consumerEvents        *prometheus.CounterVec
	consumerRedeliveries  *prometheus.CounterVec
	deadLettered          *prometheus.CounterVec
}

// NewESMetrics creates a new Prometheus implementation of ESMetrics.
func NewESMetrics(reg prometheus.Registerer) es.ESMetrics {
	m := &esMetrics{
		storeReadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clstr_es_store_read_duration_seconds",
			Help:    "Event store read latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		storeAppendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clstr_es_store_append_duration_seconds",
			Help:    "Event store append latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clstr_es_events_appended_total",
			Help: "Total number of events appended",
		}, []string{"aggregate_type"}),

		repoLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clstr_es_repo_load_duration_seconds",
			Help:    "Repository load latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		repoSaveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clstr_es_repo_save_duration_seconds",
			Help:    "Repository save latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		concurrencyConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clstr_es_concurrency_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts",
		}, []string{"aggregate_type"}),

		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clstr_es_cache_hits_total",
			Help: "Total number of cache hits",
		}, []string{"aggregate_type"}),

		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clstr_es_cache_misses_total",
			Help: "Total number of cache misses",
		}, []string{"aggregate_type"}),

		snapshotLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clstr_es_snapshot_load_duration_seconds",
			Help:    "Snapshot load latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		snapshotSaveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clstr_es_snapshot_save_duration_seconds",
			Help:    "Snapshot save latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		eventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clstr_es_events_published_total",
			Help: "Total number of events handed to the broker",
		}),

		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clstr_es_publish_failures_total",
			Help: "Total number of failed publish attempts",
		}),

		consumerEventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clstr_es_consumer_event_duration_seconds",
			Help:    "Event processing time in seconds",
			Buckets: defaultBuckets,
		}, []string{"consumer", "event_type"}),

		consumerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clstr_es_consumer_events_total",
			Help: "Total number of events processed",
		}, []string{"consumer", "event_type", "success"}),

		consumerRedeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clstr_es_consumer_redeliveries_total",
			Help: "Total number of deliveries that were not the first attempt",
		}, []string{"consumer"}),

		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clstr_es_dead_letters_total",
			Help: "Total number of messages routed to the dead-letter store",
		}, []string{"consumer"}),
	}

	reg.MustRegister(
		m.storeReadDuration,
		m.storeAppendDuration,
		m.eventsAppended,
		m.repoLoadDuration,
		m.repoSaveDuration,
		m.concurrencyConflicts,
		m.cacheHits,
		m.cacheMisses,
		m.snapshotLoadDuration,
		m.snapshotSaveDuration,
		m.eventsPublished,
		m.publishFailures,
		m.consumerEventDuration,
		m.consumerEvents,
		m.consumerRedeliveries,
		m.deadLettered,
	)

	return m
}

func (m *esMetrics) StoreReadDuration(aggType string) metrics.Timer {
	return newTimer(m.storeReadDuration.WithLabelValues(aggType))
}

func (m *esMetrics) StoreAppendDuration(aggType string) metrics.Timer {
	return newTimer(m.storeAppendDuration.WithLabelValues(aggType))
}

func (m *esMetrics) EventsAppended(aggType string, count int) {
	m.eventsAppended.WithLabelValues(aggType).Add(float64(count))
}

func (m *esMetrics) RepoLoadDuration(aggType string) metrics.Timer {
	return newTimer(m.repoLoadDuration.WithLabelValues(aggType))
}

func (m *esMetrics) RepoSaveDuration(aggType string) metrics.Timer {
	return newTimer(m.repoSaveDuration.WithLabelValues(aggType))
}

func (m *esMetrics) ConcurrencyConflict(aggType string) {
	m.concurrencyConflicts.WithLabelValues(aggType).Inc()
}

func (m *esMetrics) CacheHit(aggType string) {
	m.cacheHits.WithLabelValues(aggType).Inc()
}

func (m *esMetrics) CacheMiss(aggType string) {
	m.cacheMisses.WithLabelValues(aggType).Inc()
}

func (m *esMetrics) SnapshotLoadDuration(aggType string) metrics.Timer {
	return newTimer(m.snapshotLoadDuration.WithLabelValues(aggType))
}

func (m *esMetrics) SnapshotSaveDuration(aggType string) metrics.Timer {
	return newTimer(m.snapshotSaveDuration.WithLabelValues(aggType))
}

func (m *esMetrics) EventsPublished(count int) { m.eventsPublished.Add(float64(count)) }
func (m *esMetrics) PublishFailed()            { m.publishFailures.Inc() }

func (m *esMetrics) ConsumerEventDuration(consumer, eventType string) metrics.Timer {
	return newTimer(m.consumerEventDuration.WithLabelValues(consumer, eventType))
}

func (m *esMetrics) ConsumerEventProcessed(consumer, eventType string, success bool) {
	m.consumerEvents.WithLabelValues(consumer, eventType, strconv.FormatBool(success)).Inc()
}

func (m *esMetrics) ConsumerRedelivery(consumer string) {
	m.consumerRedeliveries.WithLabelValues(consumer).Inc()
}

func (m *esMetrics) DeadLettered(consumer string) {
	m.deadLettered.WithLabelValues(consumer).Inc()
}

var _ es.ESMetrics = (*esMetrics)(nil)
