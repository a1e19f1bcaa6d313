package es

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/codewandler/clstr-es/core/cache"
	"github.com/codewandler/clstr-es/internal/codec"
)

// DefaultSnapshotEvery is the snapshot frequency used when none is set.
const DefaultSnapshotEvery = 100

// IDGenerator is a function that generates unique IDs.
type IDGenerator func() string

// DefaultIDGenerator returns the default event ID generator using nanoid.
func DefaultIDGenerator() IDGenerator {
	return func() string { return gonanoid.Must() }
}

// DefaultCorrelationIDGenerator returns time ordered UUIDv7 strings.
func DefaultCorrelationIDGenerator() IDGenerator {
	return func() string { return uuid.Must(uuid.NewV7()).String() }
}

type publishRetry struct {
	maxTries uint
	initial  time.Duration
	max      time.Duration
}

type (
	repoOpts struct {
		log            *slog.Logger
		snapshots      SnapshotStore
		snapshotEvery  int
		codec          codec.Codec
		cache          cache.Cache
		relay          *Relay
		idGenerator    IDGenerator
		correlationIDs IDGenerator
		aggregateType  string
		initial        func() any
		publishRetry   publishRetry
		metrics        ESMetrics
		tracerProvider trace.TracerProvider
	}

	RepositoryOption interface{ applyToRepository(*repoOpts) }

	SnapshotStoreOption          valueOption[SnapshotStore]
	SnapshotEveryOption          valueOption[int]
	RepoCacheOption              valueOption[cache.Cache]
	RepoRelayOption              valueOption[*Relay]
	RepoIDGeneratorOption        valueOption[IDGenerator]
	CorrelationIDGeneratorOption valueOption[IDGenerator]
	AggregateTypeOption          valueOption[string]
	InitialStateOption           valueOption[func() any]
	PublishRetryOption           valueOption[publishRetry]
	RepositoryOptions            MultiOption[RepositoryOption]
)

func WithSnapshotStore(s SnapshotStore) SnapshotStoreOption { return SnapshotStoreOption{v: s} }

// WithSnapshotEvery snapshots whenever an aggregate's version crosses a
// multiple of n. Zero disables snapshots.
func WithSnapshotEvery(n int) SnapshotEveryOption { return SnapshotEveryOption{v: n} }

// WithRepoCache caches hydrated state between calls. The tail after the
// cached version is still read on every Load. The apply function must not
// mutate the state it is given, otherwise cached entries are corrupted.
func WithRepoCache(c cache.Cache) RepoCacheOption { return RepoCacheOption{v: c} }
func WithRepoCacheLRU(size int) RepoCacheOption {
	return WithRepoCache(cache.NewLRU(cache.LRUOpts{Size: size}))
}

// WithRelay publishes committed events through r after every save.
func WithRelay(r *Relay) RepoRelayOption { return RepoRelayOption{v: r} }

// WithIDGenerator sets a custom ID generator for event envelope IDs.
func WithIDGenerator(gen IDGenerator) RepoIDGeneratorOption {
	return RepoIDGeneratorOption{v: gen}
}

func WithCorrelationIDGenerator(gen IDGenerator) CorrelationIDGeneratorOption {
	return CorrelationIDGeneratorOption{v: gen}
}

// WithAggregateType stamps envelopes with t and labels metrics with it.
func WithAggregateType(t string) AggregateTypeOption { return AggregateTypeOption{v: t} }

// WithInitialState sets the state folding starts from. The zero value of S
// is used otherwise.
func WithInitialState[S any](fn func() S) InitialStateOption {
	return InitialStateOption{v: func() any { return fn() }}
}

// WithPublishRetry bounds the post commit publish retries. Events that
// still fail are left for the relay sweep.
func WithPublishRetry(maxTries uint, initial time.Duration) PublishRetryOption {
	return PublishRetryOption{v: publishRetry{maxTries: maxTries, initial: initial, max: 10 * initial}}
}

func WithRepositoryOpts(opts ...RepositoryOption) RepositoryOptions {
	return RepositoryOptions{opts: opts}
}

func (o SnapshotStoreOption) applyToRepository(r *repoOpts)          { r.snapshots = o.v }
func (o SnapshotEveryOption) applyToRepository(r *repoOpts)          { r.snapshotEvery = o.v }
func (o RepoCacheOption) applyToRepository(r *repoOpts)              { r.cache = o.v }
func (o RepoRelayOption) applyToRepository(r *repoOpts)              { r.relay = o.v }
func (o RepoIDGeneratorOption) applyToRepository(r *repoOpts)        { r.idGenerator = o.v }
func (o CorrelationIDGeneratorOption) applyToRepository(r *repoOpts) { r.correlationIDs = o.v }
func (o AggregateTypeOption) applyToRepository(r *repoOpts)          { r.aggregateType = o.v }
func (o InitialStateOption) applyToRepository(r *repoOpts)           { r.initial = o.v }
func (o PublishRetryOption) applyToRepository(r *repoOpts)           { r.publishRetry = o.v }
func (o RepositoryOptions) applyToRepository(r *repoOpts) {
	for _, opt := range o.opts {
		opt.applyToRepository(r)
	}
}

func newRepoOpts(opts ...RepositoryOption) repoOpts {
	options := repoOpts{
		log:            slog.Default(),
		snapshotEvery:  DefaultSnapshotEvery,
		codec:          codec.JSONCodec{},
		cache:          cache.NewNop(),
		idGenerator:    DefaultIDGenerator(),
		correlationIDs: DefaultCorrelationIDGenerator(),
		publishRetry:   publishRetry{maxTries: 5, initial: 50 * time.Millisecond, max: time.Second},
		metrics:        NopESMetrics(),
	}
	for _, opt := range opts {
		opt.applyToRepository(&options)
	}
	if options.log == nil {
		options.log = slog.Default()
	}
	if options.metrics == nil {
		options.metrics = NopESMetrics()
	}
	if options.cache == nil {
		options.cache = cache.NewNop()
	}
	return options
}

// === save ===

type (
	saveOpts struct {
		correlationID string
		causationID   string
	}

	SaveOption interface{ applyToSaveOptions(*saveOpts) }

	CorrelationIDOption valueOption[string]
	CausationIDOption   valueOption[string]
)

// WithCorrelationID stamps all saved events with id instead of a fresh one.
func WithCorrelationID(id string) CorrelationIDOption { return CorrelationIDOption{v: id} }

// WithCausationID records what caused the saved events.
func WithCausationID(id string) CausationIDOption { return CausationIDOption{v: id} }

func (o CorrelationIDOption) applyToSaveOptions(s *saveOpts) { s.correlationID = o.v }
func (o CausationIDOption) applyToSaveOptions(s *saveOpts)   { s.causationID = o.v }

func newSaveOptions(opts ...SaveOption) saveOpts {
	options := saveOpts{}
	for _, opt := range opts {
		opt.applyToSaveOptions(&options)
	}
	return options
}
