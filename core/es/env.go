package es

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/codewandler/clstr-es/ports/kv"
)

// Env wires an event store, snapshot store, broker and key/value store
// with a shared event registry, relay and set of consumers, and owns their
// lifecycle.
type Env struct {
	ctx            context.Context
	cancelCtx      context.CancelFunc
	id             string
	done           chan struct{}
	shutdownOnce   sync.Once
	log            *slog.Logger
	store          EventStore
	snapshots      SnapshotStore
	broker         Broker
	kv             kv.Store
	registry       *EventRegistry
	checkpoints    CheckpointStore
	deadLetters    DeadLetterStore
	failures       FailureLog
	relay          *Relay
	repoOpts       []RepositoryOption
	metrics        ESMetrics
	tracerProvider trace.TracerProvider

	mu        sync.Mutex
	consumers []*Consumer
}

func (e *Env) Context() context.Context     { return e.ctx }
func (e *Env) Log() *slog.Logger            { return e.log }
func (e *Env) Store() EventStore            { return e.store }
func (e *Env) Snapshots() SnapshotStore     { return e.snapshots }
func (e *Env) Broker() Broker               { return e.broker }
func (e *Env) KV() kv.Store                 { return e.kv }
func (e *Env) Registry() *EventRegistry     { return e.registry }
func (e *Env) Checkpoints() CheckpointStore { return e.checkpoints }
func (e *Env) DeadLetters() DeadLetterStore { return e.deadLetters }
func (e *Env) Failures() FailureLog         { return e.failures }
func (e *Env) Relay() *Relay                { return e.relay }
func (e *Env) Done() <-chan struct{}        { return e.done }
func (e *Env) Consumers() []*Consumer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Consumer(nil), e.consumers...)
}

func NewEnv(opts ...EnvOption) (*Env, error) {
	var (
		id      = gonanoid.Must(6)
		options = newEnvOptions(opts...)
	)

	log := options.log.With(slog.String("env", id))

	e := &Env{
		id:             id,
		log:            log,
		store:          options.store,
		snapshots:      options.snapshots,
		broker:         options.broker,
		kv:             options.kv,
		registry:       NewRegistry(),
		checkpoints:    options.checkpoints,
		deadLetters:    NewKeyValueDeadLetterStore(options.kv),
		failures:       NewKeyValueFailureLog(options.kv),
		repoOpts:       options.repoOpts,
		metrics:        options.metrics,
		tracerProvider: options.tracerProvider,
		done:           make(chan struct{}),
	}
	e.ctx, e.cancelCtx = context.WithCancel(options.ctx)

	for _, ev := range options.events {
		e.registry.Register(ev.t, ev.ctor)
		e.log.Debug("registered event", slog.String("type", ev.t))
	}
	for _, u := range options.upcasters {
		e.registry.RegisterUpcaster(u.t, u.from, u.fn)
	}

	e.relay = NewRelay(e.store, e.broker, e.checkpoints, WithLog(e.log), WithMetrics(e.metrics))

	context.AfterFunc(e.ctx, func() {
		e.log.Info("shutting down")

		consumers := e.Consumers()
		e.log.Debug("stopping consumers", slog.Int("count", len(consumers)))
		for _, c := range consumers {
			c.Stop()
		}

		e.log.Info("env shutdown")
		close(e.done)
	})

	for _, c := range options.consumers {
		consumer, err := e.NewConsumer(c.cfg, c.handlers, c.opts...)
		if err != nil {
			e.Shutdown()
			return nil, fmt.Errorf("failed to create consumer: %w", err)
		}
		if err := consumer.Start(e.ctx); err != nil {
			e.Shutdown()
			return nil, fmt.Errorf("failed to start consumer %s: %w", consumer.Name(), err)
		}
	}

	if options.relayInterval > 0 {
		go e.relay.Run(e.ctx, options.relayInterval)
	}

	e.log.Info("env started", slog.Int("consumers", len(options.consumers)))
	return e, nil
}

// Shutdown stops all consumers and waits for their in-flight work.
func (e *Env) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.cancelCtx()
		<-e.done
	})
}

// NewConsumer creates a consumer sharing the env's broker, registry,
// checkpoints, failure records and dead letters. The env stops it on
// shutdown; the caller starts it.
func (e *Env) NewConsumer(cfg ConsumerConfig, handlers []Handler, opts ...ConsumerOption) (*Consumer, error) {
	c, err := NewConsumer(
		e.broker,
		e.registry,
		cfg,
		handlers,
		WithLog(e.log),
		WithMetrics(e.metrics),
		WithTracerProvider(e.tracerProvider),
		WithCheckpointStore(e.checkpoints),
		WithDeadLetterStore(e.deadLetters),
		WithFailureLog(e.failures),
		WithConsumerOpts(opts...),
	)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.consumers = append(e.consumers, c)
	e.mu.Unlock()
	return c, nil
}

// Consumer returns the consumer with the given durable name.
func (e *Env) Consumer(name string) (*Consumer, bool) {
	for _, c := range e.Consumers() {
		if c.Name() == name {
			return c, true
		}
	}
	return nil, false
}

// NewEnvRepository creates a repository over the env's store, registry,
// snapshot store and relay.
func NewEnvRepository[S any](e *Env, apply ApplyFunc[S], opts ...RepositoryOption) *Repository[S] {
	base := []RepositoryOption{
		WithLog(e.log),
		WithSnapshotStore(e.snapshots),
		WithRelay(e.relay),
		WithMetrics(e.metrics),
		WithTracerProvider(e.tracerProvider),
	}
	base = append(base, e.repoOpts...)
	return NewRepository(e.store, e.registry, apply, append(base, opts...)...)
}

// Append encodes events, appends them to aggID and publishes them through
// the relay. A failed publish is logged and left to Reconcile.
func (e *Env) Append(ctx context.Context, aggID string, expect ExpectedVersion, events ...any) (*AppendResult, error) {
	envelopes, err := e.registry.NewEnvelopes(aggID, DefaultIDGenerator(), events...)
	if err != nil {
		return nil, err
	}
	correlationID := DefaultCorrelationIDGenerator()()
	for i := range envelopes {
		envelopes[i].CorrelationID = correlationID
	}
	res, err := e.store.Append(ctx, aggID, expect, envelopes)
	if err != nil {
		return nil, err
	}
	if err := e.relay.Publish(ctx, res.Events); err != nil {
		e.log.Warn("publish failed", slog.String("aggregate_id", aggID), slog.Any("error", err))
	}
	return res, nil
}
