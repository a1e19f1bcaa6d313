package es

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxDeliver     = 3
	DefaultBackoffInitial = 500 * time.Millisecond
	DefaultBackoffMax     = 30 * time.Second
	DefaultBatchSize      = 32

	defaultAckWait   = 30 * time.Second
	defaultFetchWait = time.Second
)

// ConsumerConfig describes a durable subscription and its retry policy.
type ConsumerConfig struct {
	// DurableName identifies the consumer at the broker and in checkpoints,
	// failure records and dead letters. Required.
	DurableName string `yaml:"durable_name"`
	// FilterSubject limits deliveries to matching subjects. Empty means
	// every event of the broker's domain.
	FilterSubject string `yaml:"filter_subject"`
	// MaxDeliver is the number of attempts before a message is
	// dead-lettered.
	MaxDeliver     int           `yaml:"max_deliver"`
	AckWait        time.Duration `yaml:"ack_wait"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	BatchSize      int           `yaml:"batch_size"`
	FetchWait      time.Duration `yaml:"fetch_wait"`
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = defaultAckWait
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = DefaultBackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FetchWait <= 0 {
		c.FetchWait = defaultFetchWait
	}
	return c
}

type (
	consumerOpts struct {
		mws            []HandlerMiddleware
		log            *slog.Logger
		metrics        ESMetrics
		tracerProvider trace.TracerProvider
		checkpoints    CheckpointStore
		deadLetters    DeadLetterStore
		failures       FailureLog
	}

	ConsumerOption interface {
		applyToConsumerOpts(*consumerOpts)
	}

	MiddlewareOption      valueOption[[]HandlerMiddleware]
	DeadLetterStoreOption valueOption[DeadLetterStore]
	FailureLogOption      valueOption[FailureLog]
	ConsumerOptions       MultiOption[ConsumerOption]
)

func (o MiddlewareOption) applyToConsumerOpts(opts *consumerOpts) {
	opts.mws = append(opts.mws, o.v...)
}
func (o CheckpointOption) applyToConsumerOpts(opts *consumerOpts)      { opts.checkpoints = o.v }
func (o DeadLetterStoreOption) applyToConsumerOpts(opts *consumerOpts) { opts.deadLetters = o.v }
func (o FailureLogOption) applyToConsumerOpts(opts *consumerOpts)      { opts.failures = o.v }
func (o ConsumerOptions) applyToConsumerOpts(opts *consumerOpts) {
	for _, opt := range o.opts {
		opt.applyToConsumerOpts(opts)
	}
}

func WithMiddlewares(mws ...HandlerMiddleware) MiddlewareOption {
	return MiddlewareOption{v: mws}
}
func WithDeadLetterStore(s DeadLetterStore) DeadLetterStoreOption {
	return DeadLetterStoreOption{v: s}
}
func WithFailureLog(f FailureLog) FailureLogOption { return FailureLogOption{v: f} }

func WithConsumerOpts(opts ...ConsumerOption) ConsumerOptions { return ConsumerOptions{opts: opts} }

func newConsumerOpts(opts ...ConsumerOption) consumerOpts {
	options := consumerOpts{
		log:     slog.Default(),
		metrics: NopESMetrics(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyToConsumerOpts(&options)
		}
	}
	if options.log == nil {
		options.log = slog.Default()
	}
	if options.metrics == nil {
		options.metrics = NopESMetrics()
	}
	if options.checkpoints == nil {
		options.checkpoints = NewInMemoryCheckpointStore()
	}
	if options.deadLetters == nil {
		options.deadLetters = NewInMemoryDeadLetterStore()
	}
	if options.failures == nil {
		options.failures = NewInMemoryFailureLog()
	}
	return options
}
