package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codewandler/clstr-es/ports/kv"
)

type (
	// Snapshot captures an aggregate's folded state at Version, the last
	// event included. Folding Version+1..N on top of State yields the same
	// state as folding 1..N.
	Snapshot struct {
		AggregateID string    `json:"aggregate_id"`
		Version     Version   `json:"version"`
		Encoding    string    `json:"encoding"`
		State       []byte    `json:"state"`
		TakenAt     time.Time `json:"taken_at"`
	}

	// SnapshotStore is a disposable cache of aggregate state. Losing it
	// only costs replay time.
	SnapshotStore interface {
		Save(ctx context.Context, s *Snapshot) error
		// Latest returns the snapshot with the highest version, or
		// ErrSnapshotNotFound.
		Latest(ctx context.Context, aggID string) (*Snapshot, error)
		// PruneBefore deletes snapshots with a version lower than v.
		PruneBefore(ctx context.Context, aggID string, v Version) error
	}
)

func (s *Snapshot) logAttrs() slog.Attr {
	return slog.Group(
		"snapshot",
		slog.String("aggregate_id", s.AggregateID),
		s.Version.SlogAttr(),
		slog.String("encoding", s.Encoding),
		slog.Time("taken_at", s.TakenAt),
		slog.Int("size", len(s.State)),
	)
}

// === In-Memory ===

type InMemorySnapshotStore struct {
	mu        sync.Mutex
	snapshots map[string][]*Snapshot // ordered by version
}

func NewInMemorySnapshotStore() *InMemorySnapshotStore {
	return &InMemorySnapshotStore{snapshots: map[string][]*Snapshot{}}
}

func (i *InMemorySnapshotStore) Save(_ context.Context, s *Snapshot) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	cp := *s
	list := i.snapshots[s.AggregateID]
	idx := sort.Search(len(list), func(n int) bool { return list[n].Version >= s.Version })
	if idx < len(list) && list[idx].Version == s.Version {
		list[idx] = &cp
		return nil
	}
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = &cp
	i.snapshots[s.AggregateID] = list
	return nil
}

func (i *InMemorySnapshotStore) Latest(_ context.Context, aggID string) (*Snapshot, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	list := i.snapshots[aggID]
	if len(list) == 0 {
		return nil, ErrSnapshotNotFound
	}
	cp := *list[len(list)-1]
	return &cp, nil
}

func (i *InMemorySnapshotStore) PruneBefore(_ context.Context, aggID string, v Version) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	list := i.snapshots[aggID]
	keep := list[:0]
	for _, s := range list {
		if s.Version >= v {
			keep = append(keep, s)
		}
	}
	i.snapshots[aggID] = keep
	return nil
}

// count is used by tests to observe retention.
func (i *InMemorySnapshotStore) count(aggID string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.snapshots[aggID])
}

// === Key/Value ===

// KeyValueSnapshotStore keeps snapshots in a kv.Store under
// snapshot.<aggregate>.<zero padded version>, so lexical key order is
// version order.
type KeyValueSnapshotStore struct {
	kv kv.Store
}

func NewKeyValueSnapshotStore(store kv.Store) *KeyValueSnapshotStore {
	return &KeyValueSnapshotStore{kv: store}
}

func snapshotKey(aggID string, v Version) string {
	return kv.Key("snapshot", aggID, fmt.Sprintf("%020d", uint64(v)))
}

func (k *KeyValueSnapshotStore) Save(ctx context.Context, s *Snapshot) error {
	if err := kv.Put(ctx, k.kv, snapshotKey(s.AggregateID, s.Version), s, kv.PutOptions{}); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (k *KeyValueSnapshotStore) keys(ctx context.Context, aggID string) ([]string, error) {
	keys, err := k.kv.Keys(ctx, kv.Prefix("snapshot", aggID))
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (k *KeyValueSnapshotStore) Latest(ctx context.Context, aggID string) (*Snapshot, error) {
	keys, err := k.keys(ctx, aggID)
	if err != nil {
		return nil, err
	}
	// newest first; a key may vanish between listing and reading when a
	// concurrent prune runs
	for i := len(keys) - 1; i >= 0; i-- {
		s, err := kv.Get[*Snapshot](ctx, k.kv, keys[i])
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
		return s, nil
	}
	return nil, ErrSnapshotNotFound
}

func (k *KeyValueSnapshotStore) PruneBefore(ctx context.Context, aggID string, v Version) error {
	keys, err := k.keys(ctx, aggID)
	if err != nil {
		return err
	}
	bound := snapshotKey(aggID, v)
	for _, key := range keys {
		if strings.Compare(key, bound) >= 0 {
			break
		}
		if err := k.kv.Delete(ctx, key); err != nil {
			return fmt.Errorf("prune snapshot %s: %w", key, err)
		}
	}
	return nil
}

var (
	_ SnapshotStore = (*InMemorySnapshotStore)(nil)
	_ SnapshotStore = (*KeyValueSnapshotStore)(nil)
)
