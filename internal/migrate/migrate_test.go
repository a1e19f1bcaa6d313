package migrate

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	fsys := fstest.MapFS{
		"002_kv.sql":     {Data: []byte("-- +migrate Up\nCREATE TABLE kv (k TEXT);\n-- +migrate Down\nDROP TABLE kv;\n")},
		"001_events.sql": {Data: []byte("CREATE TABLE events (id TEXT);")},
		"003_empty.sql":  {Data: []byte("-- +migrate Up\n\n-- +migrate Down\nDROP TABLE x;")},
		"README.md":      {Data: []byte("not sql")},
	}

	ms, err := Load(fsys)
	require.NoError(t, err)
	require.Equal(t, []Migration{
		{Name: "001_events.sql", Up: "CREATE TABLE events (id TEXT);"},
		{Name: "002_kv.sql", Up: "CREATE TABLE kv (k TEXT);"},
	}, ms)
}
