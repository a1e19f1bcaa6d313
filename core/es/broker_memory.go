package es

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// InMemoryBroker is a process local distribution log with durable,
// pull based subscriptions. It mirrors the JetStream semantics the
// consumer relies on: message id deduplication, per delivery attempt
// counting, ack wait expiry and delayed naks.
type InMemoryBroker struct {
	mu        sync.Mutex
	log       *slog.Logger
	subjects  Subjects
	msgs      []memMsg
	seen      map[string]struct{}
	consumers map[string]*memConsumer
	wake      chan struct{}
}

type memMsg struct {
	seq     uint64
	id      string
	subject string
	env     Envelope
}

type memConsumer struct {
	filter  string
	ackWait time.Duration
	next    int
	pending []*memPending
}

type memPending struct {
	msg         memMsg
	delivered   uint64
	availableAt time.Time
	acked       bool
}

func NewInMemoryBroker(subjects Subjects) *InMemoryBroker {
	return &InMemoryBroker{
		log:       slog.Default().With(slog.String("broker", "memory")),
		subjects:  subjects,
		seen:      map[string]struct{}{},
		consumers: map[string]*memConsumer{},
		wake:      make(chan struct{}),
	}
}

func (b *InMemoryBroker) Subjects() Subjects { return b.subjects }

// signal wakes all waiting fetchers. Callers hold b.mu.
func (b *InMemoryBroker) signal() {
	close(b.wake)
	b.wake = make(chan struct{})
}

func (b *InMemoryBroker) Publish(_ context.Context, events []Envelope, opts ...PublishOption) error {
	o := NewPublishOpts(opts...)

	b.mu.Lock()
	defer b.mu.Unlock()

	published := 0
	for _, env := range events {
		id := o.MessageID(env)
		if _, dup := b.seen[id]; dup {
			continue
		}
		b.seen[id] = struct{}{}
		b.msgs = append(b.msgs, memMsg{
			seq:     uint64(len(b.msgs) + 1),
			id:      id,
			subject: b.subjects.Event(env.AggregateID, env.Type),
			env:     env,
		})
		published++
	}
	if published > 0 {
		b.signal()
	}
	b.log.Debug("published", slog.Int("events", len(events)), slog.Int("new", published))
	return nil
}

// Len returns the number of messages on the log.
func (b *InMemoryBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

func (b *InMemoryBroker) Subscribe(_ context.Context, cfg SubscriptionConfig) (Subscription, error) {
	if cfg.Durable == "" {
		return nil, fmt.Errorf("durable name is required")
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = defaultAckWait
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = defaultFetchWait
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.consumers[cfg.Durable]
	if !ok {
		c = &memConsumer{filter: cfg.FilterSubject, ackWait: cfg.AckWait}
		b.consumers[cfg.Durable] = c
	}
	return &memSubscription{b: b, c: c, fetchWait: cfg.FetchWait}, nil
}

type memSubscription struct {
	b         *InMemoryBroker
	c         *memConsumer
	fetchWait time.Duration
}

func (s *memSubscription) Close() error { return nil }

func (s *memSubscription) Fetch(ctx context.Context, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 1
	}
	deadline := time.Now().Add(s.fetchWait)
	for {
		now := time.Now()

		s.b.mu.Lock()
		out, nextAt := s.collect(limit, now)
		wake := s.b.wake
		s.b.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}

		wait := deadline.Sub(now)
		if !nextAt.IsZero() && nextAt.Sub(now) < wait {
			wait = nextAt.Sub(now)
		}
		if deadline.Sub(now) <= 0 {
			return []Delivery{}, nil
		}

		timer := time.NewTimer(max(wait, time.Millisecond))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// collect hands out deliverable messages and returns the earliest time a
// withheld one becomes deliverable. Callers hold b.mu.
func (s *memSubscription) collect(limit int, now time.Time) (out []Delivery, nextAt time.Time) {
	c := s.c
	for ; c.next < len(s.b.msgs); c.next++ {
		m := s.b.msgs[c.next]
		if c.filter == "" || MatchSubject(c.filter, m.subject) {
			c.pending = append(c.pending, &memPending{msg: m})
		}
	}

	keep := c.pending[:0]
	for _, p := range c.pending {
		if p.acked {
			continue
		}
		keep = append(keep, p)
		if len(out) >= limit {
			continue
		}
		if now.Before(p.availableAt) {
			if nextAt.IsZero() || p.availableAt.Before(nextAt) {
				nextAt = p.availableAt
			}
			continue
		}
		p.delivered++
		p.availableAt = now.Add(c.ackWait)
		out = append(out, &memDelivery{b: s.b, p: p, num: p.delivered})
	}
	c.pending = keep
	return out, nextAt
}

type memDelivery struct {
	b   *InMemoryBroker
	p   *memPending
	num uint64
}

func (d *memDelivery) Envelope() Envelope   { return d.p.msg.env }
func (d *memDelivery) Subject() string      { return d.p.msg.subject }
func (d *memDelivery) MessageID() string    { return d.p.msg.id }
func (d *memDelivery) NumDelivered() uint64 { return d.num }

func (d *memDelivery) Ack(context.Context) error {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	d.p.acked = true
	return nil
}

func (d *memDelivery) Nak(_ context.Context, delay time.Duration) error {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	if d.p.acked {
		return nil
	}
	d.p.availableAt = time.Now().Add(delay)
	d.b.signal()
	return nil
}

var _ Broker = (*InMemoryBroker)(nil)
