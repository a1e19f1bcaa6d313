package es

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/codewandler/clstr-es/ports/kv"
)

type (
	envOptions struct {
		ctx            context.Context
		log            *slog.Logger
		domain         string
		store          EventStore
		snapshots      SnapshotStore
		broker         Broker
		kv             kv.Store
		checkpoints    CheckpointStore
		events         []EventRegisterOption
		upcasters      []UpcasterOption
		consumers      []EnvConsumerOption
		repoOpts       []RepositoryOption
		relayInterval  time.Duration
		metrics        ESMetrics
		tracerProvider trace.TracerProvider
	}

	EnvOption interface {
		applyToEnv(*envOptions)
	}

	DomainOption        valueOption[string]
	KVOption            valueOption[kv.Store]
	RelayIntervalOption valueOption[time.Duration]
	EnvOptions          MultiOption[EnvOption]
)

func newEnvOptions(opts ...EnvOption) envOptions {
	options := envOptions{
		ctx:    context.Background(),
		log:    slog.Default(),
		domain: DefaultDomain,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyToEnv(&options)
		}
	}
	if options.ctx == nil {
		options.ctx = context.Background()
	}
	if options.log == nil {
		options.log = slog.Default()
	}
	if options.metrics == nil {
		options.metrics = NopESMetrics()
	}
	if options.kv == nil {
		options.kv = kv.NewMemStore()
	}
	if options.store == nil {
		options.store = NewInMemoryStore()
	}
	if options.snapshots == nil {
		options.snapshots = NewKeyValueSnapshotStore(options.kv)
	}
	if options.broker == nil {
		options.broker = NewInMemoryBroker(Subjects{Domain: options.domain})
	}
	if options.checkpoints == nil {
		options.checkpoints = NewKeyValueCheckpointStore(options.kv)
	}
	return options
}

// WithDomain sets the subject domain of the default in-memory broker.
func WithDomain(domain string) DomainOption { return DomainOption{v: domain} }

// WithKV sets the key/value store backing snapshots, checkpoints, failure
// records and dead letters, unless those are set explicitly.
func WithKV(store kv.Store) KVOption { return KVOption{v: store} }

// WithRelayInterval runs a relay sweep every d while the env is up.
func WithRelayInterval(d time.Duration) RelayIntervalOption { return RelayIntervalOption{v: d} }

func WithEnvOpts(opts ...EnvOption) EnvOptions { return EnvOptions{opts: opts} }

func (o ContextOption) applyToEnv(e *envOptions)       { e.ctx = o.v }
func (o LogOption) applyToEnv(e *envOptions)           { e.log = o.v }
func (o DomainOption) applyToEnv(e *envOptions)        { e.domain = o.v }
func (o StoreOption) applyToEnv(e *envOptions)         { e.store = o.v }
func (o BrokerOption) applyToEnv(e *envOptions)        { e.broker = o.v }
func (o KVOption) applyToEnv(e *envOptions)            { e.kv = o.v }
func (o CheckpointOption) applyToEnv(e *envOptions)    { e.checkpoints = o.v }
func (o SnapshotStoreOption) applyToEnv(e *envOptions) { e.snapshots = o.v }
func (o RelayIntervalOption) applyToEnv(e *envOptions) { e.relayInterval = o.v }
func (o SnapshotEveryOption) applyToEnv(e *envOptions) { e.repoOpts = append(e.repoOpts, o) }
func (o RepositoryOptions) applyToEnv(e *envOptions)   { e.repoOpts = append(e.repoOpts, o) }
func (o EnvOptions) applyToEnv(e *envOptions) {
	for _, opt := range o.opts {
		opt.applyToEnv(e)
	}
}

// MemoryOption resets store, kv, snapshots, broker and checkpoints to their
// in-memory defaults.
func (MemoryOption) applyToEnv(e *envOptions) {
	e.kv = nil
	e.store = nil
	e.snapshots = nil
	e.broker = nil
	e.checkpoints = nil
}

// === events ===

type (
	EventRegisterOption struct {
		t    string
		ctor func() any
	}
	UpcasterOption struct {
		t    string
		from int
		fn   Upcaster
	}
)

func WithEvent[T any]() EventRegisterOption {
	return EventRegisterOption{t: EventTypeOf(new(T)), ctor: Event[T]()}
}

// WithEvents registers the events built by ctors.
func WithEvents(ctors ...func() any) EnvOptions {
	opts := make([]EnvOption, 0, len(ctors))
	for _, ctor := range ctors {
		opts = append(opts, EventRegisterOption{t: EventTypeOf(ctor()), ctor: ctor})
	}
	return WithEnvOpts(opts...)
}

// WithUpcaster registers fn to upgrade eventType payloads from schema
// version from to from+1.
func WithUpcaster(eventType string, from int, fn Upcaster) UpcasterOption {
	return UpcasterOption{t: eventType, from: from, fn: fn}
}

func (o EventRegisterOption) applyToEnv(e *envOptions) { e.events = append(e.events, o) }
func (o UpcasterOption) applyToEnv(e *envOptions)      { e.upcasters = append(e.upcasters, o) }

// === consumers ===

type EnvConsumerOption struct {
	cfg      ConsumerConfig
	handlers []Handler
	opts     []ConsumerOption
}

// WithConsumer starts a consumer with cfg and handlers together with the
// env.
func WithConsumer(cfg ConsumerConfig, handlers ...Handler) EnvConsumerOption {
	return EnvConsumerOption{cfg: cfg, handlers: handlers}
}

// WithProjection starts a consumer named projection-<name> for p.
func WithProjection(p Projection, opts ...ConsumerOption) EnvConsumerOption {
	return EnvConsumerOption{
		cfg:      ConsumerConfig{DurableName: "projection-" + p.Name()},
		handlers: []Handler{p},
		opts:     opts,
	}
}

// Opts adds consumer options.
func (o EnvConsumerOption) Opts(opts ...ConsumerOption) EnvConsumerOption {
	o.opts = append(append([]ConsumerOption{}, o.opts...), opts...)
	return o
}

// Config replaces the consumer config, keeping its durable name when cfg
// has none.
func (o EnvConsumerOption) Config(cfg ConsumerConfig) EnvConsumerOption {
	if cfg.DurableName == "" {
		cfg.DurableName = o.cfg.DurableName
	}
	o.cfg = cfg
	return o
}

func (o EnvConsumerOption) applyToEnv(e *envOptions) {
	e.consumers = append(e.consumers, o)
}
