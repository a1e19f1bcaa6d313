package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "esctl.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad_FileThenEnv(t *testing.T) {
	p := writeConfig(t, `
backend: sqlite
sqlite:
  path: /tmp/events.db
snapshot_every: 10
relay_interval: 2s
consumer:
  max_deliver: 5
  backoff_initial: 100ms
`)
	t.Setenv("CLSTR_ES_SNAPSHOT_EVERY", "25")
	t.Setenv("CLSTR_ES_NATS_URL", "nats://nats:4222")

	cfg, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, BackendSQLite, cfg.Backend)
	require.Equal(t, "/tmp/events.db", cfg.SQLite.Path)
	require.Equal(t, 25, cfg.SnapshotEvery)
	require.Equal(t, 2*time.Second, cfg.RelayInterval)
	require.Equal(t, "nats://nats:4222", cfg.NATS.URL)
	require.Equal(t, 5, cfg.Consumer.MaxDeliver)
	require.Equal(t, 100*time.Millisecond, cfg.Consumer.BackoffInitial)
	require.Equal(t, Default().Consumer.BatchSize, cfg.Consumer.BatchSize)
}

func TestLoad_UnknownField(t *testing.T) {
	_, err := Load(writeConfig(t, "backend: memory\nbakend: sqlite\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Backend = "postgres"
	cfg.Broker = "kafka"
	cfg.LogLevel = "loud"

	err := cfg.Validate()
	require.ErrorContains(t, err, "postgres.dsn is required")
	require.ErrorContains(t, err, `unknown broker "kafka"`)
	require.ErrorContains(t, err, "log_level")
}

func TestSlogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "debug"
	l, err := cfg.SlogLevel()
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, l)
}
