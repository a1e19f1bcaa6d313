// Package es provides event-sourced persistence and distribution for
// independent aggregates.
//
// # Overview
//
// Every state change is recorded as an immutable event in an append-only,
// per-aggregate log. State is rebuilt by folding the events through a pure
// apply function. Committed events are published to a distribution log
// where durable consumers maintain read models with at-least-once delivery,
// bounded retries and dead-lettering.
//
// # Core Components
//
// EventStore: the system of record. [EventStore.Append] appends a batch
// atomically under an [ExpectedVersion] and returns a
// [*ConcurrencyConflictError] when the expectation does not hold.
// [EventStore.Read] returns the events after a version. Use
// [NewInMemoryStore] for tests; adapters/nats, adapters/sqlite and
// adapters/postgres provide durable stores.
//
// Repository: rehydrates state from the latest snapshot plus the events
// after it and saves new events. The aggregate itself stays outside the
// package: callers provide the fold and decide events.
//
//	repo := es.NewRepository(store, registry, counter.Apply,
//	    es.WithSnapshotStore(snapshots),
//	    es.WithRelay(relay),
//	)
//	v, err := repo.Execute(ctx, "counter-1", counter.IncrementBy(2))
//
// Relay: publishes committed events to the broker and tracks a publish
// cursor per aggregate. [Relay.Reconcile] republishes whatever a crash
// between commit and publish left behind.
//
// Consumer: pulls from a durable broker subscription. Events of one
// aggregate are handled in delivery order, different aggregates in
// parallel. A failed message is retried with backoff and dead-lettered
// after [ConsumerConfig.MaxDeliver] attempts:
//
//	c, err := es.NewConsumer(broker, registry,
//	    es.ConsumerConfig{DurableName: "counters", MaxDeliver: 3},
//	    []es.Handler{projection},
//	    es.WithMiddlewares(es.NewLogMiddleware()),
//	)
//	err = c.Start(ctx)
//	defer c.Stop()
//
// # Event Registration
//
// Events must be registered with an [EventRegistry] before they can be
// decoded. Payloads written under an older schema version are upgraded at
// read time by registered upcasters:
//
//	registry := es.NewRegistry()
//	es.RegisterEvents(registry, es.Event[Incremented]())
//	registry.RegisterUpcaster("Incremented", 1, renameIncField)
//
// # Snapshots
//
// The repository snapshots an aggregate whenever its version crosses a
// multiple of the snapshot frequency (see [WithSnapshotEvery]) and keeps
// two generations. Snapshots are a cache: losing them only costs replay
// time.
//
// # Environment
//
// [Env] wires store, snapshots, broker, key/value store, registry, relay
// and consumers, and stops consumers on shutdown:
//
//	env, err := es.NewEnv(
//	    es.WithLog(logger),
//	    es.WithStore(natsStore),
//	    es.WithBroker(natsBroker),
//	    es.WithKV(natsKV),
//	    es.WithEvents(counter.Events()...),
//	    es.WithProjection(counter.NewRowProjection(natsKV)),
//	)
//	repo := es.NewEnvRepository(env, counter.Apply)
package es
