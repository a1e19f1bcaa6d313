package backend

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/clstr-es/adapters/sqlite"
	"github.com/codewandler/clstr-es/core/es"
	"github.com/codewandler/clstr-es/core/es/estests/domain"
	"github.com/codewandler/clstr-es/internal/config"
	"github.com/codewandler/clstr-es/ports/kv"
)

func TestOpen_Memory(t *testing.T) {
	b, err := Open(t.Context(), config.Default(), nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, b.Close()) }()

	require.IsType(t, &es.InMemoryStore{}, b.Store)
	require.IsType(t, &kv.MemStore{}, b.KV)
	require.Equal(t, es.DefaultDomain, b.Broker.Subjects().Domain)
}

func TestOpen_SQLite(t *testing.T) {
	cfg := config.Default()
	cfg.Backend = config.BackendSQLite
	cfg.Domain = "shop"
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "es.db")

	b, err := Open(t.Context(), cfg, nil)
	require.NoError(t, err)
	require.IsType(t, &sqlite.EventStore{}, b.Store)

	te := es.StartTestEnv(t, b.EnvOptions(), domain.EnvOption())
	te.Assert().Append(t.Context(), "c-1", es.ExpectNoStream(), &domain.Created{ID: "c-1"})
	te.Assert().Version(t.Context(), "c-1", 1)
	require.Equal(t, "shop", te.Broker().Subjects().Domain)

	te.Shutdown()
	require.NoError(t, b.Close())
}

func TestOpen_UnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Backend = "cassandra"
	_, err := Open(t.Context(), cfg, nil)
	require.ErrorContains(t, err, "unknown backend")
}
