package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/codewandler/clstr-es/ports/kv"
)

// KvStore implements kv.Store on the kv table. Keys use the "C" collation
// so Keys returns them in byte order.
type KvStore struct {
	db *DB
}

func NewKvStore(db *DB) *KvStore { return &KvStore{db: db} }

func (k *KvStore) Put(ctx context.Context, key string, entry kv.Entry, opts kv.PutOptions) error {
	var expiresAt *time.Time
	if opts.TTL > 0 {
		t := time.Now().Add(opts.TTL)
		expiresAt = &t
	}
	_, err := k.db.pool.Exec(
		ctx,
		`INSERT INTO kv (key, data, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, expires_at = EXCLUDED.expires_at`,
		key, entry.Data, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (k *KvStore) Get(ctx context.Context, key string) (kv.Entry, error) {
	var data []byte
	err := k.db.pool.QueryRow(
		ctx,
		`SELECT data FROM kv WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		key,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return kv.Entry{}, kv.ErrNotFound
		}
		return kv.Entry{}, fmt.Errorf("get %s: %w", key, err)
	}
	return kv.Entry{Data: data}, nil
}

func (k *KvStore) Delete(ctx context.Context, key string) error {
	_, err := k.db.pool.Exec(ctx, `DELETE FROM kv WHERE key = $1`, key)
	return err
}

func (k *KvStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := k.db.pool.Query(
		ctx,
		`SELECT key FROM kv
		  WHERE starts_with(key, $1)
		    AND (expires_at IS NULL OR expires_at > now())
		  ORDER BY key`,
		prefix,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// PurgeExpired deletes expired entries and returns how many were removed.
func (k *KvStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := k.db.pool.Exec(ctx, `DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

var _ kv.Store = &KvStore{}
