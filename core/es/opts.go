package es

import (
	"context"
	"log/slog"
)

type (
	valueOption[T any] struct{ v T }
	MultiOption[T any] struct{ opts []T }

	LogOption        valueOption[*slog.Logger]
	ContextOption    valueOption[context.Context]
	StoreOption      valueOption[EventStore]
	BrokerOption     valueOption[Broker]
	CheckpointOption valueOption[CheckpointStore]
	MemoryOption     struct{}
)

func WithLog(l *slog.Logger) LogOption          { return LogOption{v: l} }
func WithCtx(ctx context.Context) ContextOption { return ContextOption{v: ctx} }
func WithStore(s EventStore) StoreOption        { return StoreOption{v: s} }
func WithBroker(b Broker) BrokerOption          { return BrokerOption{v: b} }

func WithCheckpointStore(c CheckpointStore) CheckpointOption {
	return CheckpointOption{v: c}
}

// WithInMemory wires process local store, snapshot store, broker and
// key/value store.
func WithInMemory() MemoryOption { return MemoryOption{} }

func (o LogOption) applyToRepository(r *repoOpts)       { r.log = o.v }
func (o LogOption) applyToConsumerOpts(c *consumerOpts) { c.log = o.v }
func (o LogOption) applyToRelayOpts(r *relayOpts)       { r.log = o.v }

type (
	relayOpts struct {
		log     *slog.Logger
		metrics ESMetrics
	}

	RelayOption interface {
		applyToRelayOpts(*relayOpts)
	}
)

func newRelayOpts(opts ...RelayOption) relayOpts {
	options := relayOpts{
		log:     slog.Default(),
		metrics: NopESMetrics(),
	}
	for _, opt := range opts {
		opt.applyToRelayOpts(&options)
	}
	if options.log == nil {
		options.log = slog.Default()
	}
	if options.metrics == nil {
		options.metrics = NopESMetrics()
	}
	return options
}
