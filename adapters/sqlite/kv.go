package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/codewandler/clstr-es/ports/kv"
)

// KvStore implements kv.Store on the kv table. Expired entries are hidden
// on read and removed when the database is opened.
type KvStore struct {
	db *DB
}

func NewKvStore(db *DB) *KvStore { return &KvStore{db: db} }

func (k *KvStore) Put(ctx context.Context, key string, entry kv.Entry, opts kv.PutOptions) error {
	var expiresAt sql.NullInt64
	if opts.TTL > 0 {
		expiresAt = sql.NullInt64{Int64: toNanos(time.Now().Add(opts.TTL)), Valid: true}
	}
	_, err := k.db.sqlDB.ExecContext(
		ctx,
		`INSERT INTO kv (key, data, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET data = excluded.data, expires_at = excluded.expires_at`,
		key, entry.Data, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (k *KvStore) Get(ctx context.Context, key string) (kv.Entry, error) {
	var data []byte
	err := k.db.sqlDB.QueryRowContext(
		ctx,
		`SELECT data FROM kv WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, toNanos(time.Now()),
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return kv.Entry{}, kv.ErrNotFound
		}
		return kv.Entry{}, fmt.Errorf("get %s: %w", key, err)
	}
	return kv.Entry{Data: data}, nil
}

func (k *KvStore) Delete(ctx context.Context, key string) error {
	_, err := k.db.sqlDB.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (k *KvStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := k.db.sqlDB.QueryContext(
		ctx,
		`SELECT key FROM kv
		  WHERE substr(key, 1, length(?1)) = ?1
		    AND (expires_at IS NULL OR expires_at > ?2)
		  ORDER BY key`,
		prefix, toNanos(time.Now()),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

var _ kv.Store = &KvStore{}

func (db *DB) purgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := db.sqlDB.ExecContext(ctx, `DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?`, toNanos(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
