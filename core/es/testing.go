package es

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// === Helpers ===

type TestingEnv struct {
	*Env
	t *testing.T
}

func (e *TestingEnv) Assert() *TestingEnvAssert {
	return &TestingEnvAssert{env: e}
}

// StartTestEnv starts an in-memory env, unless opts replace its parts, and
// shuts it down when the test ends.
func StartTestEnv(t *testing.T, opts ...EnvOption) *TestingEnv {
	t.Helper()
	e, err := NewEnv(
		WithInMemory(),
		WithEnvOpts(opts...),
	)
	require.NoError(t, err)
	t.Cleanup(e.Shutdown)
	return &TestingEnv{t: t, Env: e}
}

// StartConsumer creates and starts a consumer stopped with the env.
func (e *TestingEnv) StartConsumer(cfg ConsumerConfig, handlers ...Handler) *Consumer {
	e.t.Helper()
	c, err := e.NewConsumer(cfg, handlers)
	require.NoError(e.t, err)
	require.NoError(e.t, c.Start(e.Context()))
	return c
}

type TestingEnvAssert struct {
	env *TestingEnv
}

func (a *TestingEnvAssert) Append(
	ctx context.Context,
	aggID string,
	expect ExpectedVersion,
	events ...any,
) *AppendResult {
	a.env.t.Helper()
	res, err := a.env.Append(ctx, aggID, expect, events...)
	require.NoError(a.env.t, err)
	return res
}

// Version asserts the store's current version of aggID.
func (a *TestingEnvAssert) Version(ctx context.Context, aggID string, want Version) {
	a.env.t.Helper()
	got, err := a.env.Store().CurrentVersion(ctx, aggID)
	require.NoError(a.env.t, err)
	require.Equal(a.env.t, want, got)
}

// Acked waits until c acknowledged version v of aggID.
func (a *TestingEnvAssert) Acked(c *Consumer, aggID string, v Version) {
	a.env.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(a.env.t, c.WaitFor(ctx, aggID, v))
}
