package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/clstr-es/core/es"
	"github.com/codewandler/clstr-es/internal/token"
)

const (
	defaultBrokerStream = "CLSTR_EVENTS"
	defaultAckWait      = 30 * time.Second
	defaultFetchWait    = time.Second
)

type BrokerConfig struct {
	Connect    Connector
	Log        *slog.Logger
	Domain     string
	StreamName string
	Replicas   int
	// Duplicates is the window in which republished message ids are
	// dropped by the server. Zero keeps the server default.
	Duplicates time.Duration
	// MaxAge expires old messages from the distribution log. Zero keeps
	// them forever.
	MaxAge time.Duration
}

// Broker is the distribution log on a JetStream stream covering
// <domain>.events.>. Subscriptions are durable pull consumers with
// explicit acks.
type Broker struct {
	release  releaseFunc
	js       jetstream.JetStream
	stream   jetstream.Stream
	log      *slog.Logger
	subjects es.Subjects
}

func NewBroker(cfg BrokerConfig) (*Broker, error) {
	nc, release, err := connectOrDefault(cfg.Connect)()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		release()
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = defaultBrokerStream
	}

	subjects := es.Subjects{Domain: cfg.Domain}
	log = log.With(slog.String("broker", "nats_js"), slog.String("stream", streamName))

	stream, _, err := ensureStream(js, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subjects.All()},
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		Replicas:   cfg.Replicas,
		Duplicates: cfg.Duplicates,
		MaxAge:     cfg.MaxAge,
		MaxBytes:   -1,
		MaxMsgs:    -1,
	})
	if err != nil {
		release()
		return nil, err
	}

	return &Broker{
		release:  release,
		js:       js,
		stream:   stream,
		log:      log,
		subjects: subjects,
	}, nil
}

func (b *Broker) Subjects() es.Subjects { return b.subjects }

func (b *Broker) Publish(ctx context.Context, events []es.Envelope, opts ...es.PublishOption) error {
	o := es.NewPublishOpts(opts...)
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("%w: %w", es.ErrSerialization, err)
		}

		msg := natsgo.NewMsg(b.subjects.Event(ev.AggregateID, ev.Type))
		msg.Header.Set(headerAggregateID, ev.AggregateID)
		msg.Header.Set(headerEventType, ev.Type)
		msg.Data = data

		ack, err := b.js.PublishMsg(ctx, msg, jetstream.WithMsgID(o.MessageID(ev)))
		if err != nil {
			return fmt.Errorf("publish %s to %s: %w", ev.ID, msg.Subject, err)
		}
		if ack.Duplicate {
			b.log.Debug("duplicate dropped", ev.SlogAttr())
		}
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, cfg es.SubscriptionConfig) (es.Subscription, error) {
	if cfg.Durable == "" {
		return nil, errors.New("durable name is required")
	}

	ackWait := cfg.AckWait
	if ackWait <= 0 {
		ackWait = defaultAckWait
	}
	fetchWait := cfg.FetchWait
	if fetchWait <= 0 {
		fetchWait = defaultFetchWait
	}

	// redelivery limits are enforced by the consumer, the broker retries forever
	cons, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       token.Escape(cfg.Durable),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    -1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		FilterSubject: cfg.FilterSubject,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", cfg.Durable, err)
	}

	return &subscription{
		cons:      cons,
		fetchWait: fetchWait,
		log:       b.log.With(slog.String("durable", cfg.Durable)),
	}, nil
}

func (b *Broker) Close() error {
	b.js.CleanupPublisher()
	b.release()
	return nil
}

var _ es.Broker = &Broker{}

type subscription struct {
	cons      jetstream.Consumer
	fetchWait time.Duration
	log       *slog.Logger
}

func (s *subscription) Fetch(ctx context.Context, limit int) ([]es.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	wait := s.fetchWait
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < wait {
			wait = left
		}
	}
	if wait <= 0 {
		return nil, context.DeadlineExceeded
	}

	mb, err := s.cons.Fetch(limit, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, err
	}

	var out []es.Delivery
	for msg := range mb.Messages() {
		md, err := msg.Metadata()
		if err != nil {
			s.log.Warn("terminating message without metadata", slog.Any("error", err))
			_ = msg.Term()
			continue
		}

		var env es.Envelope
		if err := json.Unmarshal(msg.Data(), &env); err != nil {
			s.log.Warn(
				"terminating malformed message",
				slog.String("subject", msg.Subject()),
				slog.Uint64("seq", md.Sequence.Stream),
				slog.Any("error", err),
			)
			_ = msg.Term()
			continue
		}

		id := msg.Headers().Get(natsgo.MsgIdHdr)
		if id == "" {
			id = env.ID
		}
		out = append(out, &delivery{msg: msg, env: env, id: id, numDelivered: md.NumDelivered})
	}
	if err := mb.Error(); err != nil && !errors.Is(err, natsgo.ErrTimeout) {
		return out, err
	}
	return out, nil
}

// Close leaves the durable consumer on the server so progress survives.
func (s *subscription) Close() error { return nil }

type delivery struct {
	msg          jetstream.Msg
	env          es.Envelope
	id           string
	numDelivered uint64
}

func (d *delivery) Envelope() es.Envelope { return d.env }
func (d *delivery) Subject() string       { return d.msg.Subject() }
func (d *delivery) MessageID() string     { return d.id }
func (d *delivery) NumDelivered() uint64  { return d.numDelivered }

func (d *delivery) Ack(ctx context.Context) error { return d.msg.DoubleAck(ctx) }

func (d *delivery) Nak(_ context.Context, delay time.Duration) error {
	if delay <= 0 {
		return d.msg.Nak()
	}
	return d.msg.NakWithDelay(delay)
}
