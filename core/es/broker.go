package es

import (
	"context"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

type (
	// Publisher appends committed events to the distribution log. Each
	// event is published on Subjects.Event with its envelope id as message
	// id, so publishing the same envelope twice is deduplicated by the
	// broker.
	Publisher interface {
		Publish(ctx context.Context, events []Envelope, opts ...PublishOption) error
	}

	SubscriptionConfig struct {
		// Durable names the broker side consumer; progress survives
		// restarts under this name.
		Durable       string
		FilterSubject string
		// AckWait is how long a delivery may stay unacknowledged before the
		// broker redelivers it.
		AckWait time.Duration
		// FetchWait bounds how long Fetch waits for the first message.
		FetchWait time.Duration
	}

	Subscriber interface {
		Subscribe(ctx context.Context, cfg SubscriptionConfig) (Subscription, error)
	}

	Broker interface {
		Publisher
		Subscriber
		Subjects() Subjects
	}

	Subscription interface {
		// Fetch returns up to limit deliveries. It returns an empty slice when
		// nothing arrived within the fetch wait.
		Fetch(ctx context.Context, limit int) ([]Delivery, error)
		Close() error
	}

	// Delivery is one attempt at delivering a message to a durable
	// subscription.
	Delivery interface {
		Envelope() Envelope
		Subject() string
		MessageID() string
		// NumDelivered is the broker's count of delivery attempts,
		// including this one. It survives consumer restarts.
		NumDelivered() uint64
		Ack(ctx context.Context) error
		// Nak asks for redelivery after delay.
		Nak(ctx context.Context, delay time.Duration) error
	}
)

// === publish options ===

type (
	PublishOpts struct {
		fresh bool
	}

	PublishOption interface {
		applyToPublishOpts(*PublishOpts)
	}

	freshMessageIDOption struct{}
)

func (freshMessageIDOption) applyToPublishOpts(o *PublishOpts) { o.fresh = true }

// WithFreshMessageID publishes under a new message id so the broker does
// not drop the message as a duplicate. Used when resubmitting dead letters.
func WithFreshMessageID() PublishOption { return freshMessageIDOption{} }

func NewPublishOpts(opts ...PublishOption) PublishOpts {
	o := PublishOpts{}
	for _, opt := range opts {
		opt.applyToPublishOpts(&o)
	}
	return o
}

// MessageID returns the broker message id to publish env under.
func (o PublishOpts) MessageID(env Envelope) string {
	if o.fresh {
		return env.ID + "-r" + gonanoid.Must(8)
	}
	return env.ID
}
