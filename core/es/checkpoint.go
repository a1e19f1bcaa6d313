package es

import (
	"context"
	"errors"
	"fmt"

	"github.com/codewandler/clstr-es/ports/kv"
)

// CheckpointStore tracks, per named consumer and aggregate, the highest
// version that has been acknowledged. The relay uses it as its publish
// cursor under the name "relay".
type CheckpointStore interface {
	// Get returns the stored version, zero when none.
	Get(ctx context.Context, consumer, aggID string) (Version, error)
	Set(ctx context.Context, consumer, aggID string, v Version) error
}

// KeyValueCheckpointStore persists checkpoints as cp.<consumer>.<aggregate>.
type KeyValueCheckpointStore struct {
	kv kv.Store
}

func NewKeyValueCheckpointStore(store kv.Store) *KeyValueCheckpointStore {
	return &KeyValueCheckpointStore{kv: store}
}

// NewInMemoryCheckpointStore returns a checkpoint store backed by a
// process local kv.MemStore.
func NewInMemoryCheckpointStore() *KeyValueCheckpointStore {
	return NewKeyValueCheckpointStore(kv.NewMemStore())
}

func (s *KeyValueCheckpointStore) Get(ctx context.Context, consumer, aggID string) (Version, error) {
	v, err := kv.Get[Version](ctx, s.kv, kv.Key("cp", consumer, aggID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("get checkpoint %s/%s: %w", consumer, aggID, err)
	}
	return v, nil
}

func (s *KeyValueCheckpointStore) Set(ctx context.Context, consumer, aggID string, v Version) error {
	if err := kv.Put(ctx, s.kv, kv.Key("cp", consumer, aggID), v, kv.PutOptions{}); err != nil {
		return fmt.Errorf("set checkpoint %s/%s: %w", consumer, aggID, err)
	}
	return nil
}

var _ CheckpointStore = (*KeyValueCheckpointStore)(nil)
