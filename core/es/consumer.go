package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/codewandler/clstr-es/core/perkey"
)

// MsgCtx is what a handler sees of one delivery: the decoded event, its
// envelope and the delivery attempt.
type MsgCtx struct {
	ctx      context.Context
	log      *slog.Logger
	ev       Envelope
	evt      any
	subject  string
	attempt  uint64
	consumer string
}

func (c MsgCtx) Log() *slog.Logger        { return c.log }
func (c MsgCtx) Context() context.Context { return c.ctx }
func (c MsgCtx) Event() any               { return c.evt }

func (c MsgCtx) Envelope() Envelope    { return c.ev }
func (c MsgCtx) ID() string            { return c.ev.ID }
func (c MsgCtx) Version() Version      { return c.ev.Version }
func (c MsgCtx) AggregateID() string   { return c.ev.AggregateID }
func (c MsgCtx) AggregateType() string { return c.ev.AggregateType }
func (c MsgCtx) Data() json.RawMessage { return c.ev.Data }
func (c MsgCtx) Type() string          { return c.ev.Type }
func (c MsgCtx) OccurredAt() time.Time { return c.ev.OccurredAt }
func (c MsgCtx) Subject() string       { return c.subject }
func (c MsgCtx) Consumer() string      { return c.consumer }

// Attempt is the 1-based delivery attempt.
func (c MsgCtx) Attempt() uint64 { return c.attempt }

type consumerHandler struct {
	name string
	h    Handler
}

// Consumer pulls deliveries from a durable subscription and dispatches them
// to its handlers. Deliveries of one aggregate are processed one at a time
// in delivery order; different aggregates run concurrently.
//
// A delivery succeeds when at least one handler returns nil. Failed
// deliveries are nak'ed with exponential backoff and dead-lettered once
// ConsumerConfig.MaxDeliver attempts failed.
type Consumer struct {
	cfg         ConsumerConfig
	log         *slog.Logger
	sub         Subscriber
	decoder     Decoder
	handlers    []consumerHandler
	checkpoints CheckpointStore
	deadLetters DeadLetterStore
	failures    FailureLog
	metrics     ESMetrics
	tracer      trace.Tracer
	sched       *perkey.Scheduler[string]
	inflight    sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
	runCtx  context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewConsumer(
	sub Subscriber,
	decoder Decoder,
	cfg ConsumerConfig,
	handlers []Handler,
	opts ...ConsumerOption,
) (*Consumer, error) {
	if cfg.DurableName == "" {
		return nil, errors.New("consumer durable name is required")
	}
	if len(handlers) == 0 {
		return nil, ErrNoHandlers
	}
	options := newConsumerOpts(opts...)
	cfg = cfg.withDefaults()

	hs := make([]consumerHandler, 0, len(handlers))
	for i, h := range handlers {
		name := handlerName(h)
		if name == "" {
			name = fmt.Sprintf("handler-%d", i)
		}
		hs = append(hs, consumerHandler{name: name, h: applyMiddlewares(h, options.mws)})
	}

	return &Consumer{
		cfg:         cfg,
		log:         options.log.With(slog.String("consumer", cfg.DurableName)),
		sub:         sub,
		decoder:     decoder,
		handlers:    hs,
		checkpoints: options.checkpoints,
		deadLetters: options.deadLetters,
		failures:    options.failures,
		metrics:     options.metrics,
		tracer:      newTracer(options.tracerProvider),
		sched:       perkey.New[string](perkey.WithBufferSize(cfg.BatchSize * 2)),
		done:        make(chan struct{}),
	}, nil
}

func (c *Consumer) Name() string                 { return c.cfg.DurableName }
func (c *Consumer) Config() ConsumerConfig       { return c.cfg }
func (c *Consumer) DeadLetters() DeadLetterStore { return c.deadLetters }

// Start subscribes and begins pulling in the background. Handlers run with
// a context derived from ctx that is not cancelled with it; use Stop to shut
// down.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrConsumerStopped
	}
	if c.started {
		return nil
	}

	sub, err := c.sub.Subscribe(ctx, SubscriptionConfig{
		Durable:       c.cfg.DurableName,
		FilterSubject: c.cfg.FilterSubject,
		AckWait:       c.cfg.AckWait,
		FetchWait:     c.cfg.FetchWait,
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.cfg.DurableName, err)
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	c.runCtx = context.WithoutCancel(ctx)
	c.cancel = cancel
	c.started = true

	c.log.Info(
		"starting event consumer",
		slog.String("filter", c.cfg.FilterSubject),
		slog.Int("handlers", len(c.handlers)),
		slog.Int("max_deliver", c.cfg.MaxDeliver),
	)

	go c.loop(fetchCtx, sub)
	return nil
}

// Stop stops pulling and waits until every fetched delivery was processed.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	if started {
		c.cancel()
		<-c.done
		c.inflight.Wait()
	}
	c.sched.Close()
	c.log.Info("stopped")
}

func (c *Consumer) loop(ctx context.Context, sub Subscription) {
	defer close(c.done)
	defer func() {
		if err := sub.Close(); err != nil {
			c.log.Warn("failed to close subscription", slog.Any("error", err))
		}
	}()

	for ctx.Err() == nil {
		deliveries, err := sub.Fetch(ctx, c.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error("fetch failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.FetchWait):
			}
			continue
		}

		for _, d := range deliveries {
			c.inflight.Add(1)
			err := c.sched.Submit(c.runCtx, d.Envelope().AggregateID, func() {
				defer c.inflight.Done()
				c.process(d)
			})
			if err != nil {
				// the broker redelivers once the ack wait expires
				c.inflight.Done()
				c.log.Warn("dropped delivery", d.Envelope().SlogAttr(), slog.Any("error", err))
			}
		}
	}
}

func (c *Consumer) process(d Delivery) {
	env := d.Envelope()
	attempt := d.NumDelivered()
	log := c.log.With(env.SlogAttr(), slog.Uint64("attempt", attempt))

	ctx, span := startSpan(
		c.runCtx, c.tracer, "es.consumer.process",
		attribute.String("es.consumer", c.cfg.DurableName),
		attrAggregate(env.AggregateID),
		attrVersion("es.version", env.Version),
		attribute.String("es.event_type", env.Type),
		attribute.Int64("es.attempt", int64(attempt)),
	)
	var err error
	defer func() { endSpan(span, err) }()

	if attempt > 1 {
		c.metrics.ConsumerRedelivery(c.cfg.DurableName)
	}

	if attempt > uint64(c.cfg.MaxDeliver) {
		// an earlier attempt exhausted retries but the dead letter or ack
		// did not go through
		rec, getErr := c.failures.Get(ctx, c.cfg.DurableName, d.MessageID())
		if getErr != nil {
			log.Warn("failed to load failure record", slog.Any("error", getErr))
		}
		if rec == nil {
			now := time.Now()
			rec = &FailureRecord{
				Attempts:      int(attempt),
				FirstFailedAt: now,
				LastFailedAt:  now,
				LastError:     "max deliveries exceeded",
			}
		}
		err = c.deadLetter(ctx, log, d, rec)
		return
	}

	timer := c.metrics.ConsumerEventDuration(c.cfg.DurableName, env.Type)
	handleErr := c.handle(ctx, log, d, attempt)
	timer.ObserveDuration()

	if handleErr == nil {
		c.metrics.ConsumerEventProcessed(c.cfg.DurableName, env.Type, true)
		err = c.ack(ctx, log, d)
		return
	}

	c.metrics.ConsumerEventProcessed(c.cfg.DurableName, env.Type, false)
	err = handleErr
	c.fail(ctx, log, d, attempt, handleErr)
}

// handle decodes the event and runs every handler. It returns nil when at
// least one handler succeeded.
func (c *Consumer) handle(ctx context.Context, log *slog.Logger, d Delivery, attempt uint64) error {
	env := d.Envelope()
	evt, err := c.decoder.Decode(env)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	var errs []string
	succeeded := false
	for _, h := range c.handlers {
		msgCtx := MsgCtx{
			ctx:      ctx,
			log:      log.With(slog.String("handler", h.name)),
			ev:       env,
			evt:      evt,
			subject:  d.Subject(),
			attempt:  attempt,
			consumer: c.cfg.DurableName,
		}
		if herr := h.h.Handle(msgCtx); herr != nil {
			errs = append(errs, fmt.Sprintf("%s: %s", h.name, herr.Error()))
			continue
		}
		succeeded = true
	}
	if succeeded {
		if len(errs) > 0 {
			log.Warn("some handlers failed", slog.String("errors", strings.Join(errs, "; ")))
		}
		return nil
	}
	return errors.New(strings.Join(errs, "; "))
}

func (c *Consumer) ack(ctx context.Context, log *slog.Logger, d Delivery) error {
	if err := d.Ack(ctx); err != nil {
		log.Error("ack failed", slog.Any("error", err))
		return fmt.Errorf("ack: %w", err)
	}
	env := d.Envelope()
	if err := c.advanceCheckpoint(ctx, env.AggregateID, env.Version); err != nil {
		log.Warn("failed to advance checkpoint", slog.Any("error", err))
	}
	if d.NumDelivered() > 1 {
		if err := c.failures.Clear(ctx, c.cfg.DurableName, d.MessageID()); err != nil {
			log.Warn("failed to clear failure record", slog.Any("error", err))
		}
	}
	log.Debug("acked")
	return nil
}

func (c *Consumer) fail(ctx context.Context, log *slog.Logger, d Delivery, attempt uint64, cause error) {
	rec, err := c.failures.Record(ctx, c.cfg.DurableName, d.MessageID(), attempt, cause.Error())
	if err != nil {
		log.Warn("failed to record failure", slog.Any("error", err))
		now := time.Now()
		rec = &FailureRecord{Attempts: int(attempt), FirstFailedAt: now, LastFailedAt: now, LastError: cause.Error()}
	}

	if attempt >= uint64(c.cfg.MaxDeliver) {
		if err := c.deadLetter(ctx, log, d, rec); err != nil {
			log.Error("dead letter failed", slog.Any("error", err))
		}
		return
	}

	delay := c.nakDelay(attempt)
	log.Warn("handling failed, retrying", slog.Any("error", cause), slog.Duration("delay", delay))
	if err := d.Nak(ctx, delay); err != nil {
		log.Error("nak failed", slog.Any("error", err))
	}
}

func (c *Consumer) deadLetter(ctx context.Context, log *slog.Logger, d Delivery, rec *FailureRecord) error {
	env := d.Envelope()
	entry := &DeadLetterEntry{
		ID:              DeadLetterID(c.cfg.DurableName, d.MessageID()),
		EventID:         env.ID,
		OriginalSubject: d.Subject(),
		Envelope:        env,
		Payload:         env.Data,
		FailureReason:   rec.LastError,
		FailureCount:    max(rec.Attempts, int(d.NumDelivered())),
		FirstFailedAt:   rec.FirstFailedAt,
		LastFailedAt:    rec.LastFailedAt,
		FailedConsumer:  c.cfg.DurableName,
	}
	if err := c.deadLetters.Put(ctx, entry); err != nil {
		// redelivery lands in the max deliveries branch and tries again
		if nakErr := d.Nak(ctx, c.cfg.BackoffInitial); nakErr != nil {
			log.Error("nak failed", slog.Any("error", nakErr))
		}
		return fmt.Errorf("put dead letter: %w", err)
	}
	c.metrics.DeadLettered(c.cfg.DurableName)
	log.Warn(
		"dead-lettered",
		slog.String("dead_letter_id", entry.ID),
		slog.Int("failures", entry.FailureCount),
		slog.String("reason", entry.FailureReason),
	)

	if err := d.Ack(ctx); err != nil {
		return fmt.Errorf("ack dead letter: %w", err)
	}
	if err := c.failures.Clear(ctx, c.cfg.DurableName, d.MessageID()); err != nil {
		log.Warn("failed to clear failure record", slog.Any("error", err))
	}
	return nil
}

// nakDelay is BackoffInitial doubled per failed attempt, capped at
// BackoffMax.
func (c *Consumer) nakDelay(attempt uint64) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.cfg.BackoffInitial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         c.cfg.BackoffMax,
	}
	b.Reset()
	delay := b.NextBackOff()
	for i := uint64(1); i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// advanceCheckpoint runs on the aggregate's scheduler worker, which
// serializes the read and the write for aggID.
func (c *Consumer) advanceCheckpoint(ctx context.Context, aggID string, v Version) error {
	cur, err := c.checkpoints.Get(ctx, c.cfg.DurableName, aggID)
	if err != nil {
		return err
	}
	if v <= cur {
		return nil
	}
	return c.checkpoints.Set(ctx, c.cfg.DurableName, aggID, v)
}

// Checkpoint returns the highest acknowledged version of aggID.
func (c *Consumer) Checkpoint(ctx context.Context, aggID string) (Version, error) {
	return c.checkpoints.Get(ctx, c.cfg.DurableName, aggID)
}

// WaitFor blocks until the consumer acknowledged version v of aggID or ctx
// is done.
func (c *Consumer) WaitFor(ctx context.Context, aggID string, v Version) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		cur, err := c.Checkpoint(ctx, aggID)
		if err != nil {
			return err
		}
		if cur >= v {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for %s@%d (at %d): %w", aggID, v, cur, ctx.Err())
		case <-ticker.C:
		}
	}
}
