package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type order struct{ Total int }

func TestGet_Typed(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 4})
	defer l.Close()

	l.Put("o-1", Entry{Value: order{Total: 3}, Version: 2})

	o, v, ok := Get[order](l, "o-1")
	require.True(t, ok)
	require.Equal(t, order{Total: 3}, o)
	require.Equal(t, uint64(2), v)

	_, _, ok = Get[*order](l, "o-1")
	require.False(t, ok, "wrong type is a miss")

	_, _, ok = Get[order](l, "o-2")
	require.False(t, ok)
}

func TestNop(t *testing.T) {
	n := NewNop()
	n.Put("key", Entry{Value: "val", Version: 1})
	_, ok := n.Get("key")
	require.False(t, ok)
	require.Zero(t, n.Len())
	n.Delete("key")
}
