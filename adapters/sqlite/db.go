// Package sqlite stores events and key/value entries in a single SQLite
// database file, using the pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/codewandler/clstr-es/internal/migrate"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// DB is an open database shared by the event store and the kv store.
type DB struct {
	sqlDB *sql.DB
	log   *slog.Logger
}

// Open opens (or creates) the database at path and applies the embedded
// migrations. Writers take the database lock when their transaction
// begins, so concurrent appends queue up behind busy_timeout instead of
// failing on upgrade.
func Open(path string, log *slog.Logger) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if log == nil {
		log = slog.Default()
	}

	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=busy_timeout(10000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	db := &DB{sqlDB: sqlDB, log: log.With(slog.String("store", "sqlite"), slog.String("path", path))}
	if err := db.migrate(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	if n, err := db.purgeExpired(context.Background(), time.Now()); err != nil {
		db.log.Warn("purging expired entries failed", slog.Any("error", err))
	} else if n > 0 {
		db.log.Debug("purged expired entries", slog.Int64("count", n))
	}
	return db, nil
}

func (db *DB) Close() error {
	if db == nil || db.sqlDB == nil {
		return nil
	}
	return db.sqlDB.Close()
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

	if _, err := db.sqlDB.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS `+migrate.Table+` (
    name       TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, m := range migrations {
		var n int
		if err := db.sqlDB.QueryRowContext(
			ctx, `SELECT COUNT(*) FROM `+migrate.Table+` WHERE name = ?`, m.Name,
		).Scan(&n); err != nil {
			return fmt.Errorf("check migration %s: %w", m.Name, err)
		}
		if n > 0 {
			continue
		}

		tx, err := db.sqlDB.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", m.Name, err)
		}
		if _, err := tx.ExecContext(ctx, m.Up); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", m.Name, err)
		}
		if _, err := tx.ExecContext(
			ctx,
			`INSERT OR IGNORE INTO `+migrate.Table+` (name, applied_at) VALUES (?, ?)`,
			m.Name, time.Now().UTC().UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.Name, err)
		}
		db.log.Debug("applied migration", slog.String("name", m.Name))
	}
	return nil
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func isPrimaryKeyViolation(err error) bool {
	var sqliteErr *msqlite.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
}
