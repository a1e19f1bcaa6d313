package es

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDeadLetterID(t *testing.T) {
	a := DeadLetterID("c1", "m1")
	require.Len(t, a, 32)
	require.Equal(t, a, DeadLetterID("c1", "m1"))
	require.NotEqual(t, a, DeadLetterID("c2", "m1"))
	require.NotEqual(t, DeadLetterID("c1m", "1"), DeadLetterID("c1", "m1"))
}

func TestKeyValueDeadLetterStore(t *testing.T) {
	ctx := t.Context()
	s := NewInMemoryDeadLetterStore()
	now := time.Now()

	env := testEnvelopes("a-1", 1)[0]
	for i, consumer := range []string{"c1", "c2", "c1"} {
		msgID := env.ID + string(rune('a'+i))
		require.NoError(t, s.Put(ctx, &DeadLetterEntry{
			ID:             DeadLetterID(consumer, msgID),
			EventID:        env.ID,
			Envelope:       env,
			Payload:        env.Data,
			FailureReason:  "boom",
			FailureCount:   3,
			FirstFailedAt:  now.Add(time.Duration(i) * time.Second),
			LastFailedAt:   now.Add(time.Duration(i) * time.Second),
			FailedConsumer: consumer,
		}))
	}

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)

	c1, err := s.List(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, c1, 2)
	require.True(t, c1[0].FirstFailedAt.Before(c1[1].FirstFailedAt))

	got, err := s.Get(ctx, c1[0].ID)
	require.NoError(t, err)
	require.Equal(t, env.ID, got.Envelope.ID)

	require.NoError(t, s.Delete(ctx, c1[0].ID))
	_, err = s.Get(ctx, c1[0].ID)
	require.ErrorIs(t, err, ErrDeadLetterNotFound)
}

func TestResubmit(t *testing.T) {
	ctx := t.Context()
	s := NewInMemoryDeadLetterStore()
	b := NewInMemoryBroker(Subjects{})

	env := testEnvelopes("a-1", 1)[0]
	require.NoError(t, b.Publish(ctx, []Envelope{env}))

	id := DeadLetterID("c1", env.ID)
	require.NoError(t, s.Put(ctx, &DeadLetterEntry{ID: id, EventID: env.ID, Envelope: env, FailedConsumer: "c1"}))

	require.NoError(t, Resubmit(ctx, s, b, id))
	require.Equal(t, 2, b.Len(), "resubmitted under a fresh message id")

	_, err := s.Get(ctx, id)
	require.ErrorIs(t, err, ErrDeadLetterNotFound)

	require.ErrorIs(t, Resubmit(ctx, s, b, id), ErrDeadLetterNotFound)
}

func TestKeyValueFailureLog(t *testing.T) {
	ctx := t.Context()
	f := NewInMemoryFailureLog()

	rec, err := f.Get(ctx, "c1", "m1")
	require.NoError(t, err)
	require.Nil(t, rec)

	rec, err = f.Record(ctx, "c1", "m1", 1, "first")
	require.NoError(t, err)
	require.Equal(t, 1, rec.Attempts)
	first := rec.FirstFailedAt

	rec, err = f.Record(ctx, "c1", "m1", 2, "second")
	require.NoError(t, err)
	require.Equal(t, 2, rec.Attempts)
	require.Equal(t, "second", rec.LastError)
	require.True(t, rec.FirstFailedAt.Equal(first))

	// the broker count wins when records were lost
	rec, err = f.Record(ctx, "c1", "other", 3, "late")
	require.NoError(t, err)
	require.Equal(t, 3, rec.Attempts)

	require.NoError(t, f.Clear(ctx, "c1", "m1"))
	rec, err = f.Get(ctx, "c1", "m1")
	require.NoError(t, err)
	require.Nil(t, rec)
}
