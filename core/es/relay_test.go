package es

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type flakyPublisher struct {
	Publisher
	fail  atomic.Bool
	calls atomic.Int32
}

func (f *flakyPublisher) Publish(ctx context.Context, events []Envelope, opts ...PublishOption) error {
	f.calls.Add(1)
	if f.fail.Load() {
		return errors.New("broker unavailable")
	}
	return f.Publisher.Publish(ctx, events, opts...)
}

func appendTo(t *testing.T, s EventStore, aggID string, expect ExpectedVersion, n int) *AppendResult {
	t.Helper()
	res, err := s.Append(t.Context(), aggID, expect, testEnvelopes(aggID, n))
	require.NoError(t, err)
	return res
}

func TestRelay_ReconcileClosesGap(t *testing.T) {
	ctx := t.Context()
	store := NewInMemoryStore()
	broker := NewInMemoryBroker(Subjects{})
	pub := &flakyPublisher{Publisher: broker}
	cursors := NewInMemoryCheckpointStore()
	relay := NewRelay(store, pub, cursors)

	res := appendTo(t, store, "a-1", ExpectNoStream(), 2)
	require.NoError(t, relay.Publish(ctx, res.Events))

	pub.fail.Store(true)
	res = appendTo(t, store, "a-1", ExpectVersion(2), 3)
	require.ErrorIs(t, relay.Publish(ctx, res.Events), ErrPublish)

	cursor, err := cursors.Get(ctx, RelayCheckpointName, "a-1")
	require.NoError(t, err)
	require.Equal(t, Version(2), cursor)

	_, err = relay.Reconcile(ctx, "a-1")
	require.ErrorIs(t, err, ErrPublish)

	pub.fail.Store(false)
	n, err := relay.Reconcile(ctx, "a-1")
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 5, broker.Len())

	n, err = relay.Reconcile(ctx, "a-1")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRelay_CursorIgnoresGaps(t *testing.T) {
	ctx := t.Context()
	store := NewInMemoryStore()
	broker := NewInMemoryBroker(Subjects{})
	cursors := NewInMemoryCheckpointStore()
	relay := NewRelay(store, broker, cursors)

	first := appendTo(t, store, "a-1", ExpectNoStream(), 1)
	second := appendTo(t, store, "a-1", ExpectVersion(1), 1)

	// publishing v2 before v1 must not move the cursor past v1
	require.NoError(t, relay.Publish(ctx, second.Events))
	cursor, err := cursors.Get(ctx, RelayCheckpointName, "a-1")
	require.NoError(t, err)
	require.Equal(t, Version(0), cursor)

	require.NoError(t, relay.Publish(ctx, first.Events))
	cursor, err = cursors.Get(ctx, RelayCheckpointName, "a-1")
	require.NoError(t, err)
	require.Equal(t, Version(1), cursor)

	// the sweep republishes v2; the broker drops it as a duplicate
	n, err := relay.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 2, broker.Len())
}

type nonListingStore struct{ EventStore }

func TestRelay_SweepNeedsLister(t *testing.T) {
	relay := NewRelay(nonListingStore{NewInMemoryStore()}, NewInMemoryBroker(Subjects{}), NewInMemoryCheckpointStore())
	_, err := relay.Sweep(t.Context())
	require.ErrorIs(t, err, ErrListingUnsupported)
}

// hookPublisher runs before once, ahead of the first publish.
type hookPublisher struct {
	Publisher
	before func()
	ran    atomic.Bool
}

func (h *hookPublisher) Publish(ctx context.Context, events []Envelope, opts ...PublishOption) error {
	if h.ran.CompareAndSwap(false, true) {
		h.before()
	}
	return h.Publisher.Publish(ctx, events, opts...)
}

func TestRelay_ReconcileNeverMovesCursorBack(t *testing.T) {
	ctx := t.Context()
	store := NewInMemoryStore()
	cursors := NewInMemoryCheckpointStore()
	pub := &hookPublisher{Publisher: NewInMemoryBroker(Subjects{})}
	relay := NewRelay(store, pub, cursors)

	appendTo(t, store, "a-1", ExpectNoStream(), 2)

	// a save lands while reconcile publishes v1..v2 and moves the cursor to 3
	pub.before = func() {
		appendTo(t, store, "a-1", ExpectVersion(2), 1)
		all, err := store.Read(ctx, "a-1", 0)
		require.NoError(t, err)
		require.NoError(t, relay.Publish(ctx, all))
	}

	n, err := relay.Reconcile(ctx, "a-1")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	cursor, err := cursors.Get(ctx, RelayCheckpointName, "a-1")
	require.NoError(t, err)
	require.Equal(t, Version(3), cursor)
}
