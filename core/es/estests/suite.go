package estests

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/clstr-es/core/es"
	"github.com/codewandler/clstr-es/ports/kv"
)

// Envelopes builds n uncommitted envelopes for aggID.
func Envelopes(aggID string, n int) []es.Envelope {
	out := make([]es.Envelope, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, es.Envelope{
			ID:            gonanoid.Must(),
			AggregateID:   aggID,
			AggregateType: "counter",
			Type:          "Incremented",
			OccurredAt:    time.Now().UTC().Truncate(time.Millisecond),
			Data:          json.RawMessage(fmt.Sprintf(`{"by":%d}`, i+1)),
		})
	}
	return out
}

// RunEventStoreSuite checks the EventStore contract against a backend.
// newStore must return an empty store, or one on which the random
// aggregate ids used by the suite are unknown.
func RunEventStoreSuite(t *testing.T, newStore func(t *testing.T) es.EventStore) {
	t.Run("append and read", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		aggID := "agg-" + gonanoid.Must(6)

		in := Envelopes(aggID, 3)
		res, err := s.Append(ctx, aggID, es.ExpectNoStream(), in)
		require.NoError(t, err)
		require.Equal(t, es.Version(3), res.Version)
		require.Len(t, res.Events, 3)

		all, err := s.Read(ctx, aggID, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		for i, e := range all {
			require.Equal(t, es.Version(i+1), e.Version)
			require.Equal(t, in[i].ID, e.ID)
			require.Equal(t, in[i].Type, e.Type)
			require.JSONEq(t, string(in[i].Data), string(e.Data))
			require.True(t, in[i].OccurredAt.Equal(e.OccurredAt))
		}

		tail, err := s.Read(ctx, aggID, 2)
		require.NoError(t, err)
		require.Len(t, tail, 1)
		require.Equal(t, es.Version(3), tail[0].Version)

		none, err := s.Read(ctx, aggID, 3)
		require.NoError(t, err)
		require.Empty(t, none)

		v, err := s.CurrentVersion(ctx, aggID)
		require.NoError(t, err)
		require.Equal(t, es.Version(3), v)
	})

	t.Run("unknown aggregate", func(t *testing.T) {
		s := newStore(t)
		events, err := s.Read(t.Context(), "missing-"+gonanoid.Must(6), 0)
		require.NoError(t, err)
		require.Empty(t, events)

		v, err := s.CurrentVersion(t.Context(), "missing-"+gonanoid.Must(6))
		require.NoError(t, err)
		require.Equal(t, es.Version(0), v)
	})

	t.Run("stale expectation reports actual", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		aggID := "agg-" + gonanoid.Must(6)

		_, err := s.Append(ctx, aggID, es.ExpectNoStream(), Envelopes(aggID, 3))
		require.NoError(t, err)

		_, err = s.Append(ctx, aggID, es.ExpectVersion(0), Envelopes(aggID, 1))
		require.ErrorIs(t, err, es.ErrConcurrencyConflict)
		var cerr *es.ConcurrencyConflictError
		require.True(t, errors.As(err, &cerr))
		require.Equal(t, es.Version(0), cerr.Expected.Version())
		require.Equal(t, es.Version(3), cerr.Actual)

		_, err = s.Append(ctx, aggID, es.ExpectVersion(5), Envelopes(aggID, 1))
		require.ErrorIs(t, err, es.ErrConcurrencyConflict)

		v, err := s.CurrentVersion(ctx, aggID)
		require.NoError(t, err)
		require.Equal(t, es.Version(3), v, "a rejected append must not mutate")
	})

	t.Run("rejects batch with foreign envelope", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		aggID := "agg-" + gonanoid.Must(6)

		batch := append(Envelopes(aggID, 2), Envelopes("other", 1)...)
		_, err := s.Append(ctx, aggID, es.ExpectNoStream(), batch)
		require.Error(t, err)

		v, err := s.CurrentVersion(ctx, aggID)
		require.NoError(t, err)
		require.Equal(t, es.Version(0), v)
	})

	t.Run("empty batch", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append(t.Context(), "agg-"+gonanoid.Must(6), es.ExpectNoStream(), nil)
		require.ErrorIs(t, err, es.ErrStoreNoEvents)
	})

	t.Run("ids with separators", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		aggID := "order.1/a b*" + gonanoid.Must(4)

		_, err := s.Append(ctx, aggID, es.ExpectNoStream(), Envelopes(aggID, 2))
		require.NoError(t, err)

		events, err := s.Read(ctx, aggID, 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
		require.Equal(t, aggID, events[0].AggregateID)

		if l, ok := s.(es.AggregateLister); ok {
			ids, err := l.Aggregates(ctx)
			require.NoError(t, err)
			require.Contains(t, ids, aggID)
		}
	})

	t.Run("concurrent writers", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		aggID := "agg-" + gonanoid.Must(6)

		_, err := s.Append(ctx, aggID, es.ExpectNoStream(), Envelopes(aggID, 2))
		require.NoError(t, err)

		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			won       int
			conflicts int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Append(ctx, aggID, es.ExpectVersion(2), Envelopes(aggID, 1))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					won++
				case errors.Is(err, es.ErrConcurrencyConflict):
					conflicts++
				default:
					assert.NoError(t, err)
				}
			}()
		}
		wg.Wait()

		require.Equal(t, 1, won)
		require.Equal(t, writers-1, conflicts)

		events, err := s.Read(ctx, aggID, 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
	})

	t.Run("contiguous under concurrent appends", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		aggID := "agg-" + gonanoid.Must(6)

		const writers, perWriter = 4, 5
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for n := 0; n < perWriter; {
					cur, err := s.CurrentVersion(ctx, aggID)
					if !assert.NoError(t, err) {
						return
					}
					_, err = s.Append(ctx, aggID, es.ExpectVersion(cur), Envelopes(aggID, 1))
					if errors.Is(err, es.ErrConcurrencyConflict) {
						continue
					}
					if !assert.NoError(t, err) {
						return
					}
					n++
				}
			}()
		}
		wg.Wait()

		events, err := s.Read(ctx, aggID, 0)
		require.NoError(t, err)
		require.Len(t, events, writers*perWriter)
		for i, e := range events {
			require.Equal(t, es.Version(i+1), e.Version)
		}
	})
}

// RunKVSuite checks the kv.Store contract against a backend.
func RunKVSuite(t *testing.T, newStore func(t *testing.T) kv.Store) {
	t.Run("put get delete", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		key := kv.Key("test", gonanoid.Must(6))

		_, err := s.Get(ctx, key)
		require.ErrorIs(t, err, kv.ErrNotFound)

		require.NoError(t, s.Put(ctx, key, kv.Entry{Data: []byte("one")}, kv.PutOptions{}))
		require.NoError(t, s.Put(ctx, key, kv.Entry{Data: []byte("two")}, kv.PutOptions{}))

		e, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.Equal(t, []byte("two"), e.Data)

		require.NoError(t, s.Delete(ctx, key))
		_, err = s.Get(ctx, key)
		require.ErrorIs(t, err, kv.ErrNotFound)

		require.NoError(t, s.Delete(ctx, key), "deleting a missing key is not an error")
	})

	t.Run("keys by prefix", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		ns := gonanoid.Must(6)

		for _, id := range []string{"b", "a", "c.d"} {
			require.NoError(t, kv.Put(ctx, s, kv.Key(ns, "x", id), id, kv.PutOptions{}))
		}
		require.NoError(t, kv.Put(ctx, s, kv.Key(ns, "xy", "z"), "z", kv.PutOptions{}))

		keys, err := s.Keys(ctx, kv.Prefix(ns, "x"))
		require.NoError(t, err)
		require.Equal(t, []string{
			kv.Key(ns, "x", "a"),
			kv.Key(ns, "x", "b"),
			kv.Key(ns, "x", "c.d"),
		}, keys)

		v, err := kv.Get[string](ctx, s, kv.Key(ns, "x", "c.d"))
		require.NoError(t, err)
		require.Equal(t, "c.d", v)
	})
}

// RunBrokerSuite checks the Broker contract against a backend. Durable
// names are randomised so one broker may serve all subtests.
func RunBrokerSuite(t *testing.T, newBroker func(t *testing.T) es.Broker) {
	subscribe := func(t *testing.T, b es.Broker, filter string) es.Subscription {
		sub, err := b.Subscribe(t.Context(), es.SubscriptionConfig{
			Durable:       "suite-" + gonanoid.Must(6),
			FilterSubject: filter,
			AckWait:       5 * time.Second,
			FetchWait:     200 * time.Millisecond,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = sub.Close() })
		return sub
	}

	t.Run("publish fetch ack", func(t *testing.T) {
		b := newBroker(t)
		aggID := "agg-" + gonanoid.Must(6)
		sub := subscribe(t, b, b.Subjects().Aggregate(aggID))

		in := Envelopes(aggID, 2)
		require.NoError(t, b.Publish(t.Context(), in))

		got := FetchN(t, sub, 2)
		for i, d := range got {
			require.Equal(t, in[i].ID, d.Envelope().ID)
			require.Equal(t, in[i].ID, d.MessageID())
			require.Equal(t, b.Subjects().Event(aggID, "Incremented"), d.Subject())
			require.Equal(t, uint64(1), d.NumDelivered())
			require.NoError(t, d.Ack(t.Context()))
		}

		more, err := sub.Fetch(t.Context(), 10)
		require.NoError(t, err)
		require.Empty(t, more)
	})

	t.Run("duplicate message ids are dropped", func(t *testing.T) {
		b := newBroker(t)
		aggID := "agg-" + gonanoid.Must(6)
		sub := subscribe(t, b, b.Subjects().Aggregate(aggID))

		in := Envelopes(aggID, 1)
		require.NoError(t, b.Publish(t.Context(), in))
		require.NoError(t, b.Publish(t.Context(), in))

		got := FetchN(t, sub, 1)
		require.NoError(t, got[0].Ack(t.Context()))

		more, err := sub.Fetch(t.Context(), 10)
		require.NoError(t, err)
		require.Empty(t, more)

		require.NoError(t, b.Publish(t.Context(), in, es.WithFreshMessageID()))
		again := FetchN(t, sub, 1)
		require.Equal(t, in[0].ID, again[0].Envelope().ID)
		require.NotEqual(t, in[0].ID, again[0].MessageID())
		require.NoError(t, again[0].Ack(t.Context()))
	})

	t.Run("nak redelivers", func(t *testing.T) {
		b := newBroker(t)
		aggID := "agg-" + gonanoid.Must(6)
		sub := subscribe(t, b, b.Subjects().Aggregate(aggID))

		require.NoError(t, b.Publish(t.Context(), Envelopes(aggID, 1)))

		first := FetchN(t, sub, 1)
		require.NoError(t, first[0].Nak(t.Context(), 50*time.Millisecond))

		second := FetchN(t, sub, 1)
		require.Equal(t, first[0].MessageID(), second[0].MessageID())
		require.Equal(t, uint64(2), second[0].NumDelivered())
		require.NoError(t, second[0].Ack(t.Context()))
	})

	t.Run("filter by event type", func(t *testing.T) {
		b := newBroker(t)
		aggID := "agg-" + gonanoid.Must(6)
		evType := "Renamed" + gonanoid.Must(4)
		sub := subscribe(t, b, b.Subjects().EventType(evType))

		in := Envelopes(aggID, 2)
		in[1].Type = evType
		require.NoError(t, b.Publish(t.Context(), in))

		got := FetchN(t, sub, 1)
		require.Equal(t, in[1].ID, got[0].Envelope().ID)
		require.NoError(t, got[0].Ack(t.Context()))
	})
}

// FetchN fetches until n deliveries arrived or five seconds passed.
func FetchN(t *testing.T, sub es.Subscription, n int) []es.Delivery {
	t.Helper()
	var out []es.Delivery
	deadline := time.Now().Add(5 * time.Second)
	for len(out) < n && time.Now().Before(deadline) {
		got, err := sub.Fetch(t.Context(), n-len(out))
		require.NoError(t, err)
		out = append(out, got...)
	}
	require.Len(t, out, n)
	return out
}
