package estests

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/clstr-es/core/es"
	"github.com/codewandler/clstr-es/core/es/estests/domain"
	"github.com/codewandler/clstr-es/ports/kv"
)

func TestRowProjection_Idempotent(t *testing.T) {
	ctx := t.Context()
	kvStore := kv.NewMemStore()
	proj := domain.NewRowProjection(kvStore)
	te := es.StartTestEnv(
		t,
		domain.EnvOption(),
		es.WithKV(kvStore),
		es.WithProjection(proj),
	)
	repo := domain.NewRepository(te.Env)
	c, ok := te.Consumer("projection-counters")
	require.True(t, ok)

	_, err := repo.Execute(ctx, "c-1", domain.Create("c-1"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = repo.Execute(ctx, "c-1", domain.IncrementBy(2))
		require.NoError(t, err)
	}
	te.Assert().Acked(c, "c-1", 4)

	row, err := proj.Get(ctx, "c-1")
	require.NoError(t, err)
	require.Equal(t, &domain.Row{ID: "c-1", Value: 6, Version: 4}, row)

	// redeliver the whole history, then one new event behind it
	events, err := te.Store().Read(ctx, "c-1", 0)
	require.NoError(t, err)
	require.NoError(t, te.Broker().Publish(ctx, events, es.WithFreshMessageID()))
	_, err = repo.Execute(ctx, "c-1", domain.IncrementBy(1))
	require.NoError(t, err)
	te.Assert().Acked(c, "c-1", 5)

	row, err = proj.Get(ctx, "c-1")
	require.NoError(t, err)
	require.Equal(t, &domain.Row{ID: "c-1", Value: 7, Version: 5}, row)

	keys, err := proj.Rows().Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"c-1"}, keys)
}

type deletingRow struct {
	Count int `json:"count"`
}

func TestRowProjection_NilDeletesRow(t *testing.T) {
	ctx := t.Context()
	kvStore := kv.NewMemStore()
	proj := es.NewRowProjection(
		"resets",
		es.NewKeyValueRowStore[deletingRow](kvStore, "resets"),
		es.ByAggregate,
		func(cur *deletingRow, m es.MsgCtx) (*deletingRow, error) {
			if _, ok := m.Event().(*domain.Reset); ok {
				return nil, nil
			}
			if cur == nil {
				cur = &deletingRow{}
			}
			return &deletingRow{Count: cur.Count + 1}, nil
		},
	)
	te := es.StartTestEnv(t, domain.EnvOption(), es.WithProjection(proj))
	c, ok := te.Consumer("projection-resets")
	require.True(t, ok)

	te.Assert().Append(ctx, "c-1", es.ExpectNoStream(), &domain.Created{ID: "c-1"}, &domain.Incremented{By: 1})
	te.Assert().Acked(c, "c-1", 2)

	row, err := proj.Get(ctx, "c-1")
	require.NoError(t, err)
	require.Equal(t, 2, row.Count)

	te.Assert().Append(ctx, "c-1", es.ExpectVersion(2), &domain.Reset{})
	te.Assert().Acked(c, "c-1", 3)

	row, err = proj.Get(ctx, "c-1")
	require.NoError(t, err)
	require.Nil(t, row)
}
