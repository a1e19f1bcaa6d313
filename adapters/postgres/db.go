// Package postgres stores events and key/value entries in PostgreSQL
// through a pgx connection pool.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codewandler/clstr-es/internal/migrate"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	codeUniqueViolation = "23505"
	constraintEventsPK  = "events_pkey"
)

// DB is a connection pool shared by the event store and the kv store.
type DB struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// Open connects to dsn and applies the embedded migrations.
func Open(ctx context.Context, dsn string, log *slog.Logger) (*DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	if log == nil {
		log = slog.Default()
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db := &DB{pool: pool, log: log.With(slog.String("store", "postgres"))}
	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

func (db *DB) Close() error {
	if db != nil && db.pool != nil {
		db.pool.Close()
	}
	return nil
}

func (db *DB) migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return err
	}
	migrations, err := migrate.Load(sub)
	if err != nil {
		return err
	}

	if _, err := db.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS `+migrate.Table+` (
    name       TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, m := range migrations {
		err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
			// serialise concurrent migrators
			if _, err := tx.Exec(ctx, `LOCK TABLE `+migrate.Table+` IN EXCLUSIVE MODE`); err != nil {
				return err
			}
			var applied bool
			if err := tx.QueryRow(
				ctx, `SELECT EXISTS (SELECT 1 FROM `+migrate.Table+` WHERE name = $1)`, m.Name,
			).Scan(&applied); err != nil {
				return err
			}
			if applied {
				return nil
			}
			if _, err := tx.Exec(ctx, m.Up); err != nil {
				return err
			}
			_, err := tx.Exec(
				ctx, `INSERT INTO `+migrate.Table+` (name, applied_at) VALUES ($1, $2)`, m.Name, time.Now().UTC(),
			)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", m.Name, err)
		}
	}
	return nil
}

func uniqueViolation(err error) (constraint string, ok bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}
