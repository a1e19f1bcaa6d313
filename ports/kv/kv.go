// Package kv is the key/value port used for checkpoints, snapshots,
// failure records, dead letters and projection rows.
//
// Keys are dot separated. Build them with [Key] so every segment is escaped
// and prefix scans with [Prefix] can not bleed into neighbouring ids.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/codewandler/clstr-es/internal/token"
)

var (
	ErrNotFound = errors.New("not found")
)

type Entry struct {
	Data []byte
}

type PutOptions struct {
	// TTL expires the entry after the given duration. Backends without
	// per-key expiry ignore it.
	TTL time.Duration
}

type Store interface {
	Put(ctx context.Context, key string, entry Entry, opts PutOptions) error
	Get(ctx context.Context, key string) (entry Entry, err error)
	Delete(ctx context.Context, key string) error
	// Keys returns all keys starting with prefix in ascending order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Key joins escaped segments into a store key.
func Key(parts ...string) string { return token.Join(parts...) }

// Prefix is like Key but terminated with the separator, for use with Keys.
func Prefix(parts ...string) string { return token.Join(parts...) + "." }

func Put[T any](ctx context.Context, store Store, key string, v T, opts PutOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, Entry{Data: data}, opts)
}

func Get[T any](ctx context.Context, store Store, key string) (out T, err error) {
	entry, err := store.Get(ctx, key)
	if err != nil {
		return
	}
	err = json.Unmarshal(entry.Data, &out)
	return
}
