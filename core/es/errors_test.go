package es

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConcurrencyConflictError(t *testing.T) {
	err := fmt.Errorf("save: %w", NewConcurrencyConflict("acc-1", ExpectNoStream(), 2))

	require.ErrorIs(t, err, ErrConcurrencyConflict)

	var cerr *ConcurrencyConflictError
	require.True(t, errors.As(err, &cerr))
	require.Equal(t, "acc-1", cerr.AggregateID)
	require.True(t, cerr.Expected.NoStream())
	require.Equal(t, Version(2), cerr.Actual)
	require.Contains(t, err.Error(), `aggregate "acc-1" expected version no_stream, actual 2`)
}

func TestStoreErr(t *testing.T) {
	require.NoError(t, storeErr("append", nil))

	io := errors.New("disk full")
	err := storeErr("append", io)
	require.ErrorIs(t, err, ErrStore)
	require.ErrorIs(t, err, io)

	conflict := NewConcurrencyConflict("a", ExpectVersion(1), 3)
	err = storeErr("append", conflict)
	require.ErrorIs(t, err, ErrConcurrencyConflict)
	require.NotErrorIs(t, err, ErrStore)
}
