package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/codewandler/clstr-es/core/cache"
	"github.com/codewandler/clstr-es/internal/codec"
)

// ApplyFunc folds one decoded event into the state. It must be pure: no
// I/O, and the same inputs always give the same output. Returning an error
// aborts the load.
type ApplyFunc[S any] func(state S, event any) (S, error)

// DecideFunc inspects the current state and returns the events to append.
// Returning no events is a no-op.
type DecideFunc[S any] func(state S, version Version) ([]any, error)

// Repository rehydrates aggregate state from snapshots and events and
// persists new events with optimistic concurrency.
//
// The business aggregate stays outside: callers decide events themselves
// and hand in the pure fold. The repository owns the snapshot policy and
// publishes committed events through the relay.
type Repository[S any] struct {
	log            *slog.Logger
	store          EventStore
	registry       *EventRegistry
	apply          ApplyFunc[S]
	snapshots      SnapshotStore
	snapshotEvery  Version
	codec          codec.Codec
	cache          cache.Cache
	relay          *Relay
	newID          IDGenerator
	correlationIDs IDGenerator
	aggType        string
	initial        func() any
	publishRetry   publishRetry
	metrics        ESMetrics
	tracer         trace.Tracer
}

func NewRepository[S any](
	store EventStore,
	registry *EventRegistry,
	apply ApplyFunc[S],
	opts ...RepositoryOption,
) *Repository[S] {
	options := newRepoOpts(opts...)
	log := options.log.With(slog.String("repo", aggTypeLabel(options.aggregateType)))

	return &Repository[S]{
		log:            log,
		store:          store,
		registry:       registry,
		apply:          apply,
		snapshots:      options.snapshots,
		snapshotEvery:  Version(max(options.snapshotEvery, 0)),
		codec:          options.codec,
		cache:          options.cache,
		relay:          options.relay,
		newID:          options.idGenerator,
		correlationIDs: options.correlationIDs,
		aggType:        options.aggregateType,
		initial:        options.initial,
		publishRetry:   options.publishRetry,
		metrics:        options.metrics,
		tracer:         newTracer(options.tracerProvider),
	}
}

func (r *Repository[S]) initialState() S {
	if r.initial != nil {
		if s, ok := r.initial().(S); ok {
			return s
		}
	}
	var zero S
	return zero
}

// Load returns the current state and version of aggID. It starts from the
// cached state or latest snapshot, if any, and folds the events after it.
// It returns ErrAggregateNotFound when the aggregate has no events.
func (r *Repository[S]) Load(ctx context.Context, aggID string) (state S, version Version, err error) {
	if aggID == "" {
		return state, 0, errors.New("aggregate id is empty")
	}
	label := aggTypeLabel(r.aggType)
	defer r.metrics.RepoLoadDuration(label).ObserveDuration()

	ctx, span := startSpan(ctx, r.tracer, "es.repository.load", attrAggregate(aggID))
	defer func() {
		span.SetAttributes(attrVersion("es.version", version))
		endSpan(span, err)
	}()

	state = r.initialState()
	var from Version
	if s, v, ok := cache.Get[S](r.cache, aggID); ok {
		r.metrics.CacheHit(label)
		state, from = s, Version(v)
	} else {
		r.metrics.CacheMiss(label)
		if s, v, ok := r.restoreSnapshot(ctx, aggID); ok {
			state, from = s, v
			span.SetAttributes(attrVersion("es.snapshot_version", v))
		}
	}

	readTimer := r.metrics.StoreReadDuration(label)
	events, err := r.store.Read(ctx, aggID, from)
	readTimer.ObserveDuration()
	if err != nil {
		return state, 0, storeErr("read", err)
	}
	if err = checkSequence(from, events); err != nil {
		return state, 0, err
	}

	state, err = r.fold(state, events)
	if err != nil {
		return state, 0, err
	}
	version = from + Version(len(events))
	if version == 0 {
		return state, 0, ErrAggregateNotFound
	}

	if len(events) > 0 {
		r.cache.Put(aggID, cache.Entry{Value: state, Version: version.Uint64()})
	}

	r.log.Debug(
		"loaded",
		slog.String("aggregate_id", aggID),
		from.SlogAttrWithKey("from"),
		version.SlogAttr(),
		slog.Int("replayed", len(events)),
	)
	return state, version, nil
}

func (r *Repository[S]) fold(state S, events []Envelope) (S, error) {
	for _, e := range events {
		ev, err := r.registry.Decode(e)
		if err != nil {
			return state, fmt.Errorf("decode %s v%d: %w", e.AggregateID, e.Version, err)
		}
		state, err = r.apply(state, ev)
		if err != nil {
			return state, fmt.Errorf("apply %s to %s v%d: %w", e.Type, e.AggregateID, e.Version, err)
		}
	}
	return state, nil
}

// restoreSnapshot returns the latest usable snapshot. Any failure falls
// back to a full replay.
func (r *Repository[S]) restoreSnapshot(ctx context.Context, aggID string) (S, Version, bool) {
	var zero S
	if r.snapshots == nil {
		return zero, 0, false
	}
	t := r.metrics.SnapshotLoadDuration(aggTypeLabel(r.aggType))
	snap, err := r.snapshots.Latest(ctx, aggID)
	t.ObserveDuration()
	if err != nil {
		if !errors.Is(err, ErrSnapshotNotFound) {
			r.log.Warn("snapshot load failed, replaying", slog.String("aggregate_id", aggID), slog.Any("error", err))
		}
		return zero, 0, false
	}
	c := codec.For(snap.Encoding)
	if c == nil {
		r.log.Warn("unknown snapshot encoding, replaying", snap.logAttrs())
		return zero, 0, false
	}
	state := r.initialState()
	if err := c.Unmarshal(snap.State, &state); err != nil {
		r.log.Warn("snapshot decode failed, replaying", snap.logAttrs(), slog.Any("error", err))
		return zero, 0, false
	}
	return state, snap.Version, true
}

// Save appends events under expect, publishes them and takes a snapshot
// when the snapshot frequency was crossed. Concurrency conflicts are
// returned unchanged and never retried.
func (r *Repository[S]) Save(
	ctx context.Context,
	aggID string,
	expect ExpectedVersion,
	events []any,
	opts ...SaveOption,
) (Version, error) {
	return r.save(ctx, aggID, expect, nil, events, opts...)
}

// Execute loads aggID, asks decide for new events and saves them against
// the loaded version. A missing aggregate is decided from the initial
// state at version zero.
func (r *Repository[S]) Execute(
	ctx context.Context,
	aggID string,
	decide DecideFunc[S],
	opts ...SaveOption,
) (Version, error) {
	state, version, err := r.Load(ctx, aggID)
	if err != nil {
		if !errors.Is(err, ErrAggregateNotFound) {
			return 0, err
		}
		state, version = r.initialState(), 0
	}
	events, err := decide(state, version)
	if err != nil {
		return version, err
	}
	return r.save(ctx, aggID, ExpectVersion(version), &state, events, opts...)
}

func (r *Repository[S]) save(
	ctx context.Context,
	aggID string,
	expect ExpectedVersion,
	state *S,
	events []any,
	opts ...SaveOption,
) (version Version, err error) {
	if aggID == "" {
		return 0, errors.New("aggregate id is empty")
	}
	if len(events) == 0 {
		return expect.Version(), nil
	}
	label := aggTypeLabel(r.aggType)
	defer r.metrics.RepoSaveDuration(label).ObserveDuration()

	ctx, span := startSpan(ctx, r.tracer, "es.repository.save",
		attrAggregate(aggID),
		attribute.String("es.expected", expect.String()),
		attribute.Int("es.events", len(events)),
	)
	defer func() {
		span.SetAttributes(attrVersion("es.version", version))
		endSpan(span, err)
	}()

	options := newSaveOptions(opts...)
	envs, err := r.registry.NewEnvelopes(aggID, r.newID, events...)
	if err != nil {
		return 0, err
	}
	correlationID := options.correlationID
	if correlationID == "" {
		correlationID = r.correlationIDs()
	}
	for i := range envs {
		envs[i].AggregateType = r.aggType
		envs[i].CorrelationID = correlationID
		envs[i].CausationID = options.causationID
	}

	appendTimer := r.metrics.StoreAppendDuration(label)
	res, err := r.store.Append(ctx, aggID, expect, envs)
	appendTimer.ObserveDuration()
	if err != nil {
		r.cache.Delete(aggID)
		if errors.Is(err, ErrConcurrencyConflict) {
			r.metrics.ConcurrencyConflict(label)
			return 0, err
		}
		return 0, storeErr("append", err)
	}
	r.metrics.EventsAppended(label, len(res.Events))

	var next *S
	if state != nil {
		folded, err := r.fold(*state, res.Events)
		if err != nil {
			r.log.Warn("fold after save failed", slog.String("aggregate_id", aggID), slog.Any("error", err))
			r.cache.Delete(aggID)
		} else {
			next = &folded
			r.cache.Put(aggID, cache.Entry{Value: folded, Version: res.Version.Uint64()})
		}
	} else {
		r.cache.Delete(aggID)
	}

	r.log.Debug(
		"saved",
		slog.String("aggregate_id", aggID),
		expect.SlogAttr(),
		res.Version.SlogAttr(),
		slog.Int("num_events", len(res.Events)),
	)

	r.publish(ctx, res.Events)
	r.maybeSnapshot(ctx, aggID, expect.Version(), res.Version, next)

	return res.Version, nil
}

// publish hands committed events to the relay. Failures do not undo the
// commit; the relay sweep republishes from its cursor.
func (r *Repository[S]) publish(ctx context.Context, events []Envelope) {
	if r.relay == nil {
		return
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.publishRetry.initial
	b.MaxInterval = max(r.publishRetry.max, r.publishRetry.initial)

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, r.relay.Publish(ctx, events)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(max(r.publishRetry.maxTries, 1)),
	)
	if err != nil {
		r.log.Error(
			"publish failed, left for relay sweep",
			slog.String("aggregate_id", events[0].AggregateID),
			events[len(events)-1].Version.SlogAttr(),
			slog.Any("error", err),
		)
	}
}

// maybeSnapshot snapshots when (from, to] crosses a multiple of the
// snapshot frequency. Two generations are kept: the new snapshot and the
// one before it. Errors are logged; snapshots are an optimisation.
func (r *Repository[S]) maybeSnapshot(ctx context.Context, aggID string, from, to Version, state *S) {
	if r.snapshots == nil || r.snapshotEvery == 0 {
		return
	}
	if to/r.snapshotEvery == from/r.snapshotEvery {
		return
	}

	var (
		s       S
		version = to
	)
	if state != nil {
		s = *state
	} else {
		loaded, v, err := r.Load(ctx, aggID)
		if err != nil {
			r.log.Warn("snapshot skipped, load failed", slog.String("aggregate_id", aggID), slog.Any("error", err))
			return
		}
		s, version = loaded, v
	}

	if err := r.TakeSnapshot(ctx, aggID, s, version); err != nil {
		r.log.Warn("snapshot failed", slog.String("aggregate_id", aggID), slog.Any("error", err))
	}
}

// TakeSnapshot stores state as the snapshot of aggID at version and prunes
// everything older than the previous snapshot.
func (r *Repository[S]) TakeSnapshot(ctx context.Context, aggID string, state S, version Version) error {
	if r.snapshots == nil {
		return errors.New("no snapshot store configured")
	}
	defer r.metrics.SnapshotSaveDuration(aggTypeLabel(r.aggType)).ObserveDuration()

	prev, err := r.snapshots.Latest(ctx, aggID)
	if err != nil && !errors.Is(err, ErrSnapshotNotFound) {
		return err
	}

	data, err := r.codec.Marshal(state)
	if err != nil {
		return fmt.Errorf("%w: encode snapshot: %w", ErrSerialization, err)
	}
	snap := &Snapshot{
		AggregateID: aggID,
		Version:     version,
		Encoding:    r.codec.Name(),
		State:       data,
		TakenAt:     time.Now(),
	}
	if err := r.snapshots.Save(ctx, snap); err != nil {
		return err
	}
	r.log.Debug("snapshot saved", snap.logAttrs())

	if prev != nil && prev.Version < version {
		if err := r.snapshots.PruneBefore(ctx, aggID, prev.Version); err != nil {
			return fmt.Errorf("prune snapshots: %w", err)
		}
	}
	return nil
}
