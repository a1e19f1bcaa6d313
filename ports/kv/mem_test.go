package kv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_Memory(t *testing.T) {
	type Foo struct {
		Name string
		Age  int
	}
	s := NewMemStore()

	_, err := Get[Foo](t.Context(), s, "foobar")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, Put[Foo](t.Context(), s, "p1", Foo{Name: "P1", Age: 10}, PutOptions{}))
	require.NoError(t, Put[Foo](t.Context(), s, "p2", Foo{Name: "P2", Age: 20}, PutOptions{}))

	loaded, err := Get[Foo](t.Context(), s, "p1")
	require.NoError(t, err)
	require.Equal(t, Foo{Name: "P1", Age: 10}, loaded)

	require.NoError(t, s.Delete(t.Context(), "p1"))
	_, err = Get[Foo](t.Context(), s, "p1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemStore_Keys(t *testing.T) {
	s := NewMemStore()
	ctx := t.Context()

	for _, k := range []string{
		Key("snap", "a", "2"),
		Key("snap", "a", "1"),
		Key("snap", "a.b", "1"),
		Key("other", "a", "1"),
	} {
		require.NoError(t, s.Put(ctx, k, Entry{Data: []byte("x")}, PutOptions{}))
	}

	keys, err := s.Keys(ctx, Prefix("snap", "a"))
	require.NoError(t, err)
	require.Equal(t, []string{"snap.a.1", "snap.a.2"}, keys)

	keys, err = s.Keys(ctx, Prefix("nothing"))
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestMemStore_TTL(t *testing.T) {
	s := NewMemStore()
	ctx := t.Context()

	require.NoError(t, s.Put(ctx, "short", Entry{Data: []byte("1")}, PutOptions{TTL: 20 * time.Millisecond}))
	require.NoError(t, s.Put(ctx, "long", Entry{Data: []byte("2")}, PutOptions{}))

	_, err := s.Get(ctx, "short")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := s.Get(ctx, "short")
		return err == ErrNotFound
	}, time.Second, 5*time.Millisecond)

	keys, err := s.Keys(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"long"}, keys)
}
