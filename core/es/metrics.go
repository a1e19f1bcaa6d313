package es

import "github.com/codewandler/clstr-es/core/metrics"

// ESMetrics defines the instrumentation points of the event sourcing
// components. Implementations must be safe for concurrent use.
type ESMetrics interface {
	// Store operations, measured by the repository
	StoreReadDuration(aggType string) metrics.Timer
	StoreAppendDuration(aggType string) metrics.Timer
	EventsAppended(aggType string, count int)

	// Repository operations
	RepoLoadDuration(aggType string) metrics.Timer
	RepoSaveDuration(aggType string) metrics.Timer
	ConcurrencyConflict(aggType string)

	// Cache
	CacheHit(aggType string)
	CacheMiss(aggType string)

	// Snapshots
	SnapshotLoadDuration(aggType string) metrics.Timer
	SnapshotSaveDuration(aggType string) metrics.Timer

	// Relay
	EventsPublished(count int)
	PublishFailed()

	// Consumer
	ConsumerEventDuration(consumer, eventType string) metrics.Timer
	ConsumerEventProcessed(consumer, eventType string, success bool)
	ConsumerRedelivery(consumer string)
	DeadLettered(consumer string)
}

// nopESMetrics is a no-op implementation of ESMetrics.
type nopESMetrics struct{}

func (nopESMetrics) StoreReadDuration(string) metrics.Timer   { return metrics.NopTimer() }
func (nopESMetrics) StoreAppendDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) EventsAppended(string, int)               {}

func (nopESMetrics) RepoLoadDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) RepoSaveDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) ConcurrencyConflict(string)            {}

func (nopESMetrics) CacheHit(string)  {}
func (nopESMetrics) CacheMiss(string) {}

func (nopESMetrics) SnapshotLoadDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) SnapshotSaveDuration(string) metrics.Timer { return metrics.NopTimer() }

func (nopESMetrics) EventsPublished(int) {}
func (nopESMetrics) PublishFailed()      {}

func (nopESMetrics) ConsumerEventDuration(string, string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) ConsumerEventProcessed(string, string, bool)        {}
func (nopESMetrics) ConsumerRedelivery(string)                          {}
func (nopESMetrics) DeadLettered(string)                                {}

// NopESMetrics returns a no-op ESMetrics implementation.
func NopESMetrics() ESMetrics { return nopESMetrics{} }

// ESMetricsOption sets the metrics for ES components.
type ESMetricsOption struct{ m ESMetrics }

// WithMetrics sets the metrics implementation for ES components.
func WithMetrics(m ESMetrics) ESMetricsOption { return ESMetricsOption{m: m} }

func (o ESMetricsOption) applyToEnv(e *envOptions)            { e.metrics = o.m }
func (o ESMetricsOption) applyToRepository(r *repoOpts)       { r.metrics = o.m }
func (o ESMetricsOption) applyToConsumerOpts(c *consumerOpts) { c.metrics = o.m }
func (o ESMetricsOption) applyToRelayOpts(r *relayOpts)       { r.metrics = o.m }

func aggTypeLabel(t string) string {
	if t == "" {
		return "default"
	}
	return t
}
