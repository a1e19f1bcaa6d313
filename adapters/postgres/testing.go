package postgres

import (
	"context"
	"fmt"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const testImage = "postgres:16-alpine"

type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Cleanup(func())
}

// NewTestContainer starts PostgreSQL for the duration of the test and
// returns its DSN.
func NewTestContainer(t Testing) string {
	ctx := t.Context()
	pgC, err := testcontainers.Run(
		ctx, testImage,
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "clstr",
			"POSTGRES_PASSWORD": "clstr",
			"POSTGRES_DB":       "clstr",
		}),
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	ip, err := pgC.ContainerIP(ctx)
	require.NoError(t, err)
	t.Logf("postgres ip: %s", ip)
	return fmt.Sprintf("postgres://clstr:clstr@%s:5432/clstr?sslmode=disable", ip)
}
