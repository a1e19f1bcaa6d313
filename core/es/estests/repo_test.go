package estests

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/clstr-es/core/es"
	esassert "github.com/codewandler/clstr-es/core/es/assert"
	"github.com/codewandler/clstr-es/core/es/estests/domain"
	"github.com/codewandler/clstr-es/ports/kv"
)

// readCounter records how many events the last Read returned.
type readCounter struct {
	es.EventStore
	last atomic.Int64
}

func (r *readCounter) Read(ctx context.Context, aggID string, from es.Version) ([]es.Envelope, error) {
	events, err := r.EventStore.Read(ctx, aggID, from)
	r.last.Store(int64(len(events)))
	return events, err
}

func TestRepository_ExecuteAndLoad(t *testing.T) {
	slog.SetLogLoggerLevel(slog.LevelDebug)

	te := es.StartTestEnv(t, domain.EnvOption())
	repo := domain.NewRepository(te.Env)
	ctx := t.Context()
	aggID := gonanoid.Must()

	_, _, err := repo.Load(ctx, aggID)
	require.ErrorIs(t, err, es.ErrAggregateNotFound)

	v, err := repo.Execute(ctx, aggID, domain.Create(aggID))
	require.NoError(t, err)
	require.Equal(t, es.Version(1), v)

	v, err = repo.Execute(ctx, aggID, domain.IncrementBy(5))
	require.NoError(t, err)
	require.Equal(t, es.Version(2), v)

	_, err = repo.Execute(ctx, aggID, domain.IncrementBy(-1))
	require.ErrorIs(t, err, esassert.ErrViolated)

	_, err = repo.Execute(ctx, aggID, domain.Create(aggID))
	require.ErrorIs(t, err, esassert.ErrViolated)

	c, v, err := repo.Load(ctx, aggID)
	require.NoError(t, err)
	require.Equal(t, es.Version(2), v)
	require.Equal(t, domain.Counter{ID: aggID, Value: 5, NumIncrements: 1}, c)

	v, err = repo.Execute(ctx, gonanoid.Must(), domain.ResetCounter())
	require.ErrorIs(t, err, esassert.ErrViolated)
	require.Zero(t, v)

	events, err := te.Store().Read(ctx, aggID, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.AggregateType, events[0].AggregateType)
	assert.NotEmpty(t, events[0].CorrelationID)
	assert.NotEqual(t, events[0].CorrelationID, events[1].CorrelationID)
}

func TestRepository_SaveOptions(t *testing.T) {
	te := es.StartTestEnv(t, domain.EnvOption())
	repo := domain.NewRepository(te.Env)
	ctx := t.Context()

	v, err := repo.Save(ctx, "c-1", es.ExpectNoStream(),
		[]any{&domain.Created{ID: "c-1"}, &domain.Incremented{By: 2}},
		es.WithCorrelationID("corr-1"),
		es.WithCausationID("cmd-1"),
	)
	require.NoError(t, err)
	require.Equal(t, es.Version(2), v)

	events, err := te.Store().Read(ctx, "c-1", 0)
	require.NoError(t, err)
	for _, e := range events {
		require.Equal(t, "corr-1", e.CorrelationID)
		require.Equal(t, "cmd-1", e.CausationID)
	}

	// empty saves return the expectation
	v, err = repo.Save(ctx, "c-1", es.ExpectVersion(2), nil)
	require.NoError(t, err)
	require.Equal(t, es.Version(2), v)
}

// Scenario: snapshot frequency 2, five single-event appends.
func TestRepository_SnapshotEveryTwo(t *testing.T) {
	ctx := t.Context()
	store := &readCounter{EventStore: es.NewInMemoryStore()}
	kvStore := kv.NewMemStore()
	te := es.StartTestEnv(t, domain.EnvOption(), es.WithStore(store), es.WithKV(kvStore))
	repo := domain.NewRepository(te.Env, es.WithSnapshotEvery(2))

	_, err := repo.Execute(ctx, "c-1", domain.Create("c-1"))
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err = repo.Execute(ctx, "c-1", domain.IncrementBy(1))
		require.NoError(t, err)
	}

	keys, err := kvStore.Keys(ctx, kv.Prefix("snapshot", "c-1"))
	require.NoError(t, err)
	require.Equal(t, []string{
		"snapshot.c-1.00000000000000000002",
		"snapshot.c-1.00000000000000000004",
	}, keys)

	c, v, err := repo.Load(ctx, "c-1")
	require.NoError(t, err)
	require.Equal(t, es.Version(5), v)
	require.Equal(t, 4, c.Value)
	require.Equal(t, int64(1), store.last.Load(), "only the tail after snapshot@4 is replayed")
}

func TestRepository_SnapshotRetention(t *testing.T) {
	ctx := t.Context()
	kvStore := kv.NewMemStore()
	te := es.StartTestEnv(t, domain.EnvOption(), es.WithKV(kvStore))
	repo := domain.NewRepository(te.Env, es.WithSnapshotEvery(3))

	_, err := repo.Execute(ctx, "c-1", domain.Create("c-1"))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err = repo.Execute(ctx, "c-1", domain.IncrementBy(1))
		require.NoError(t, err)
	}

	keys, err := kvStore.Keys(ctx, kv.Prefix("snapshot", "c-1"))
	require.NoError(t, err)
	require.Equal(t, []string{
		"snapshot.c-1.00000000000000000006",
		"snapshot.c-1.00000000000000000009",
	}, keys)
}

func TestRepository_SnapshotReplayEquivalence(t *testing.T) {
	ctx := t.Context()
	te := es.StartTestEnv(t, domain.EnvOption())
	withSnapshots := domain.NewRepository(te.Env, es.WithSnapshotEvery(3))
	fullReplay := es.NewRepository(te.Store(), te.Registry(), domain.Apply)

	for n := 0; n < 5; n++ {
		aggID := gonanoid.Must()
		_, err := withSnapshots.Execute(ctx, aggID, domain.Create(aggID))
		require.NoError(t, err)

		steps := 5 + rand.IntN(20)
		for i := 0; i < steps; i++ {
			decide := domain.IncrementBy(1 + rand.IntN(10))
			if rand.IntN(5) == 0 {
				decide = domain.ResetCounter()
			}
			_, err = withSnapshots.Execute(ctx, aggID, decide)
			require.NoError(t, err)
		}

		a, av, err := withSnapshots.Load(ctx, aggID)
		require.NoError(t, err)
		b, bv, err := fullReplay.Load(ctx, aggID)
		require.NoError(t, err)
		require.Equal(t, bv, av)
		require.Equal(t, b, a)
	}
}

func TestRepository_CorruptSnapshotFallsBackToReplay(t *testing.T) {
	ctx := t.Context()
	snapshots := es.NewInMemorySnapshotStore()
	te := es.StartTestEnv(t, domain.EnvOption(), es.WithSnapshotStore(snapshots))
	repo := domain.NewRepository(te.Env)

	_, err := repo.Execute(ctx, "c-1", domain.Create("c-1"))
	require.NoError(t, err)
	_, err = repo.Execute(ctx, "c-1", domain.IncrementBy(3))
	require.NoError(t, err)

	require.NoError(t, snapshots.Save(ctx, &es.Snapshot{AggregateID: "c-1", Version: 1, Encoding: "json", State: []byte("{")}))

	c, v, err := repo.Load(ctx, "c-1")
	require.NoError(t, err)
	require.Equal(t, es.Version(2), v)
	require.Equal(t, 3, c.Value)
}

func TestRepository_Cache(t *testing.T) {
	ctx := t.Context()
	store := &readCounter{EventStore: es.NewInMemoryStore()}
	te := es.StartTestEnv(t, domain.EnvOption(), es.WithStore(store))
	repo := domain.NewRepository(te.Env, es.WithRepoCacheLRU(16), es.WithSnapshotEvery(0))

	_, err := repo.Execute(ctx, "c-1", domain.Create("c-1"))
	require.NoError(t, err)
	_, err = repo.Execute(ctx, "c-1", domain.IncrementBy(2))
	require.NoError(t, err)

	c, v, err := repo.Load(ctx, "c-1")
	require.NoError(t, err)
	require.Equal(t, es.Version(2), v)
	require.Equal(t, 2, c.Value)
	require.Zero(t, store.last.Load(), "state comes from the cache")

	// a writer bypassing the repository is picked up from the tail
	_, err = te.Append(ctx, "c-1", es.ExpectVersion(2), &domain.Incremented{By: 5})
	require.NoError(t, err)
	c, v, err = repo.Load(ctx, "c-1")
	require.NoError(t, err)
	require.Equal(t, es.Version(3), v)
	require.Equal(t, 7, c.Value)
	require.Equal(t, int64(1), store.last.Load())
}

// Scenario: two callers race from version 2.
func TestRepository_ConcurrentWritersConflict(t *testing.T) {
	ctx := t.Context()
	te := es.StartTestEnv(t, domain.EnvOption())
	repo := domain.NewRepository(te.Env)

	_, err := repo.Execute(ctx, "c-1", domain.Create("c-1"))
	require.NoError(t, err)
	_, err = repo.Execute(ctx, "c-1", domain.IncrementBy(1))
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		loaded  sync.WaitGroup
		results = make([]error, 2)
	)
	loaded.Add(2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state, v, err := repo.Load(ctx, "c-1")
			loaded.Done()
			if err != nil {
				results[i] = err
				return
			}
			assert.Equal(t, es.Version(2), v)
			loaded.Wait()

			events, err := domain.IncrementBy(1)(state, v)
			if err != nil {
				results[i] = err
				return
			}
			_, results[i] = repo.Save(ctx, "c-1", es.ExpectVersion(v), events)
		}()
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, es.ErrConcurrencyConflict):
			conflicts++
			var cerr *es.ConcurrencyConflictError
			require.ErrorAs(t, err, &cerr)
			require.Equal(t, es.Version(2), cerr.Expected.Version())
			require.Equal(t, es.Version(3), cerr.Actual)
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, conflicts)
	te.Assert().Version(ctx, "c-1", 3)
}
