package es

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func memSubscribe(t *testing.T, b *InMemoryBroker, durable, filter string) Subscription {
	t.Helper()
	sub, err := b.Subscribe(t.Context(), SubscriptionConfig{
		Durable:       durable,
		FilterSubject: filter,
		AckWait:       time.Second,
		FetchWait:     50 * time.Millisecond,
	})
	require.NoError(t, err)
	return sub
}

func TestInMemoryBroker_PublishDedupe(t *testing.T) {
	b := NewInMemoryBroker(Subjects{Domain: "test"})
	envs := testEnvelopes("a-1", 2)

	require.NoError(t, b.Publish(t.Context(), envs))
	require.NoError(t, b.Publish(t.Context(), envs))
	require.Equal(t, 2, b.Len())

	require.NoError(t, b.Publish(t.Context(), envs[:1], WithFreshMessageID()))
	require.Equal(t, 3, b.Len())
}

func TestInMemoryBroker_FetchAckNak(t *testing.T) {
	b := NewInMemoryBroker(Subjects{Domain: "test"})
	sub := memSubscribe(t, b, "c1", "")

	ds, err := sub.Fetch(t.Context(), 10)
	require.NoError(t, err)
	require.Empty(t, ds)

	envs := testEnvelopes("a-1", 2)
	for i := range envs {
		envs[i].Version = Version(i + 1)
	}
	require.NoError(t, b.Publish(t.Context(), envs))

	ds, err = sub.Fetch(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, ds, 2)
	require.Equal(t, "test.events.a-1.Incremented", ds[0].Subject())
	require.Equal(t, envs[0].ID, ds[0].MessageID())
	require.Equal(t, uint64(1), ds[0].NumDelivered())

	require.NoError(t, ds[0].Ack(t.Context()))
	require.NoError(t, ds[1].Nak(t.Context(), 0))

	ds, err = sub.Fetch(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.Equal(t, envs[1].ID, ds[0].Envelope().ID)
	require.Equal(t, uint64(2), ds[0].NumDelivered())

	// nak with a delay withholds the message until it passes
	require.NoError(t, ds[0].Nak(t.Context(), 200*time.Millisecond))
	ds, err = sub.Fetch(t.Context(), 10)
	require.NoError(t, err)
	require.Empty(t, ds)

	require.Eventually(t, func() bool {
		ds, err = sub.Fetch(t.Context(), 10)
		return err == nil && len(ds) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, uint64(3), ds[0].NumDelivered())
}

func TestInMemoryBroker_Filter(t *testing.T) {
	b := NewInMemoryBroker(Subjects{Domain: "test"})
	subjects := b.Subjects()
	only := memSubscribe(t, b, "only-a2", subjects.Aggregate("a.2"))
	all := memSubscribe(t, b, "all", subjects.All())

	require.NoError(t, b.Publish(t.Context(), append(testEnvelopes("a.1", 1), testEnvelopes("a.2", 1)...)))

	ds, err := only.Fetch(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.Equal(t, "a.2", ds[0].Envelope().AggregateID)
	require.True(t, strings.HasPrefix(ds[0].Subject(), "test.events.a=2E2."))

	ds, err = all.Fetch(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, ds, 2)
}

func TestInMemoryBroker_FetchWakesOnPublish(t *testing.T) {
	b := NewInMemoryBroker(Subjects{})
	sub, err := b.Subscribe(t.Context(), SubscriptionConfig{Durable: "c", FetchWait: 5 * time.Second})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.Publish(t.Context(), testEnvelopes("a-1", 1))
	}()

	start := time.Now()
	ds, err := sub.Fetch(t.Context(), 1)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.Less(t, time.Since(start), 2*time.Second)
}
