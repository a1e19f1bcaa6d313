package integration

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/clstr-es/core/es"
	"github.com/codewandler/clstr-es/core/es/estests/domain"
)

// flakyBroker fails every publish while down is set.
type flakyBroker struct {
	es.Broker
	down atomic.Bool
}

func (b *flakyBroker) Publish(ctx context.Context, events []es.Envelope, opts ...es.PublishOption) error {
	if b.down.Load() {
		return errors.New("broker unavailable")
	}
	return b.Broker.Publish(ctx, events, opts...)
}

func TestIntegration(t *testing.T) {
	var (
		ctx    = t.Context()
		broker = &flakyBroker{Broker: es.NewInMemoryBroker(es.Subjects{})}
		te     = es.StartTestEnv(
			t,
			es.WithBroker(broker),
			domain.EnvOption(),
			es.WithRepositoryOpts(es.WithPublishRetry(1, time.Millisecond)),
		)
		repo   = domain.NewRepository(te.Env)
		rows   = domain.NewRowProjection(te.KV())
		poison atomic.Bool
	)

	consumer := te.StartConsumer(
		es.ConsumerConfig{
			DurableName:    "counters",
			MaxDeliver:     2,
			BackoffInitial: time.Millisecond,
			BackoffMax:     5 * time.Millisecond,
			FetchWait:      50 * time.Millisecond,
		},
		es.Handle(func(msg es.MsgCtx) error {
			if inc, ok := msg.Event().(*domain.Incremented); ok && inc.By == 13 && poison.Load() {
				return errors.New("unlucky number")
			}
			return rows.Handle(msg)
		}),
	)

	value := func() int {
		row, err := rows.Get(ctx, "c-1")
		require.NoError(t, err)
		require.NotNil(t, row)
		return row.Value
	}

	// published right away
	_, err := repo.Execute(ctx, "c-1", domain.Create("c-1"))
	require.NoError(t, err)
	te.Assert().Acked(consumer, "c-1", 1)

	// a failed publish does not fail the save
	broker.down.Store(true)
	v, err := repo.Execute(ctx, "c-1", domain.IncrementBy(2))
	require.NoError(t, err)
	require.Equal(t, es.Version(2), v)

	cp, err := consumer.Checkpoint(ctx, "c-1")
	require.NoError(t, err)
	require.Equal(t, es.Version(1), cp)

	// the sweep republishes what the repository could not
	broker.down.Store(false)
	n, err := te.Relay().Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	te.Assert().Acked(consumer, "c-1", 2)
	require.Equal(t, 2, value())

	// a handler that keeps failing dead-letters the message
	poison.Store(true)
	_, err = repo.Execute(ctx, "c-1", domain.IncrementBy(13))
	require.NoError(t, err)

	var dead []*es.DeadLetterEntry
	require.Eventually(t, func() bool {
		dead, err = te.DeadLetters().List(ctx, "counters")
		return err == nil && len(dead) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, es.Version(3), dead[0].Envelope.Version)
	require.Equal(t, 2, dead[0].FailureCount)
	require.Contains(t, dead[0].FailureReason, "unlucky number")

	cp, err = consumer.Checkpoint(ctx, "c-1")
	require.NoError(t, err)
	require.Equal(t, es.Version(2), cp, "dead letters do not advance the checkpoint")

	// resubmitted once the handler is fixed
	poison.Store(false)
	require.NoError(t, es.Resubmit(ctx, te.DeadLetters(), te.Broker(), dead[0].ID))
	te.Assert().Acked(consumer, "c-1", 3)
	require.Equal(t, 15, value())

	dead, err = te.DeadLetters().List(ctx, "")
	require.NoError(t, err)
	require.Empty(t, dead)
}
