package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/clstr-es/core/es"
	"github.com/codewandler/clstr-es/core/es/estests"
	"github.com/codewandler/clstr-es/core/es/estests/domain"
	"github.com/codewandler/clstr-es/ports/kv"
)

func TestPostgres_Backends(t *testing.T) {
	dsn := NewTestContainer(t)

	db, err := Open(t.Context(), dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	t.Run("migrations are idempotent", func(t *testing.T) {
		again, err := Open(t.Context(), dsn, nil)
		require.NoError(t, err)
		require.NoError(t, again.Close())

		var n int
		require.NoError(t, db.pool.QueryRow(t.Context(), `SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
		require.Equal(t, 2, n)
	})

	t.Run("event store", func(t *testing.T) {
		estests.RunEventStoreSuite(t, func(t *testing.T) es.EventStore { return NewEventStore(db) })
	})

	t.Run("kv", func(t *testing.T) {
		estests.RunKVSuite(t, func(t *testing.T) kv.Store { return NewKvStore(db) })
	})

	t.Run("kv expiry", func(t *testing.T) {
		ctx := t.Context()
		store := NewKvStore(db)
		require.NoError(t, store.Put(ctx, "ttl.short", kv.Entry{Data: []byte("x")}, kv.PutOptions{TTL: 20 * time.Millisecond}))
		time.Sleep(100 * time.Millisecond)

		_, err := store.Get(ctx, "ttl.short")
		require.ErrorIs(t, err, kv.ErrNotFound)

		n, err := store.PurgeExpired(ctx)
		require.NoError(t, err)
		require.GreaterOrEqual(t, n, int64(1))
	})

	t.Run("env", func(t *testing.T) {
		kvStore := NewKvStore(db)
		proj := domain.NewRowProjection(kvStore)
		te := es.StartTestEnv(
			t,
			domain.EnvOption(),
			es.WithStore(NewEventStore(db)),
			es.WithKV(kvStore),
			es.WithProjection(proj),
		)
		c, ok := te.Consumer("projection-counters")
		require.True(t, ok)

		repo := domain.NewRepository(te.Env)
		_, err := repo.Execute(t.Context(), "pg-1", domain.Create("pg-1"))
		require.NoError(t, err)
		_, err = repo.Execute(t.Context(), "pg-1", domain.IncrementBy(7))
		require.NoError(t, err)
		te.Assert().Acked(c, "pg-1", 2)

		row, err := proj.Get(t.Context(), "pg-1")
		require.NoError(t, err)
		require.Equal(t, &domain.Row{ID: "pg-1", Value: 7, Version: 2}, row)
	})
}
