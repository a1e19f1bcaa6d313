package es

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnvelopes(aggID string, n int) []Envelope {
	out := make([]Envelope, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Envelope{
			ID:          gonanoid.Must(),
			AggregateID: aggID,
			Type:        "Incremented",
			OccurredAt:  time.Now(),
			Data:        json.RawMessage(fmt.Sprintf(`{"by":%d}`, i+1)),
		})
	}
	return out
}

func TestInMemoryStore_AppendRead(t *testing.T) {
	ctx := t.Context()
	s := NewInMemoryStore()

	res, err := s.Append(ctx, "a-1", ExpectNoStream(), testEnvelopes("a-1", 3))
	require.NoError(t, err)
	require.Equal(t, Version(3), res.Version)
	require.Len(t, res.Events, 3)
	for i, e := range res.Events {
		require.Equal(t, Version(i+1), e.Version)
		require.False(t, e.OccurredAt.IsZero())
	}

	events, err := s.Read(ctx, "a-1", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, Version(2), events[0].Version)

	events, err = s.Read(ctx, "unknown", 0)
	require.NoError(t, err)
	require.Empty(t, events)

	v, err := s.CurrentVersion(ctx, "unknown")
	require.NoError(t, err)
	require.Equal(t, Version(0), v)
}

func TestInMemoryStore_Conflict(t *testing.T) {
	ctx := t.Context()
	s := NewInMemoryStore()

	_, err := s.Append(ctx, "a-1", ExpectNoStream(), testEnvelopes("a-1", 3))
	require.NoError(t, err)

	_, err = s.Append(ctx, "a-1", ExpectVersion(0), testEnvelopes("a-1", 1))
	require.ErrorIs(t, err, ErrConcurrencyConflict)
	var conflict *ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, Version(0), conflict.Expected.Version())
	assert.Equal(t, Version(3), conflict.Actual)

	_, err = s.Append(ctx, "a-1", ExpectVersion(5), testEnvelopes("a-1", 1))
	require.ErrorIs(t, err, ErrConcurrencyConflict)

	v, err := s.CurrentVersion(ctx, "a-1")
	require.NoError(t, err)
	require.Equal(t, Version(3), v, "stale appends must not mutate the stream")
}

func TestInMemoryStore_RejectsForeignEnvelopes(t *testing.T) {
	s := NewInMemoryStore()
	_, err := s.Append(t.Context(), "a-1", ExpectNoStream(), testEnvelopes("a-2", 1))
	require.Error(t, err)

	_, err = s.Append(t.Context(), "a-1", ExpectNoStream(), nil)
	require.ErrorIs(t, err, ErrStoreNoEvents)
}

func TestInMemoryStore_ConcurrentAppendsStayContiguous(t *testing.T) {
	ctx := t.Context()
	s := NewInMemoryStore()

	const writers = 8
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				for {
					v, err := s.CurrentVersion(ctx, "hot")
					if err != nil {
						t.Error(err)
						return
					}
					_, err = s.Append(ctx, "hot", ExpectVersion(v), testEnvelopes("hot", 2))
					if err == nil {
						break
					}
					if !assert.ErrorIs(t, err, ErrConcurrencyConflict) {
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	events, err := s.Read(ctx, "hot", 0)
	require.NoError(t, err)
	require.Len(t, events, writers*20*2)
	for i, e := range events {
		require.Equal(t, Version(i+1), e.Version)
	}

	aggs, err := s.Aggregates(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"hot"}, aggs)
}
