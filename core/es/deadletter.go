package es

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/codewandler/clstr-es/ports/kv"
)

// DeadLetterEntry is a message a consumer gave up on. Entries are terminal:
// nothing consumes them automatically. An operator inspects them and may
// Resubmit.
type DeadLetterEntry struct {
	ID              string          `json:"id"`
	EventID         string          `json:"event_id"`
	OriginalSubject string          `json:"original_subject"`
	Envelope        Envelope        `json:"envelope"`
	Payload         json.RawMessage `json:"payload"`
	FailureReason   string          `json:"failure_reason"`
	FailureCount    int             `json:"failure_count"`
	FirstFailedAt   time.Time       `json:"first_failed_at"`
	LastFailedAt    time.Time       `json:"last_failed_at"`
	FailedConsumer  string          `json:"failed_consumer"`
}

// DeadLetterID derives the entry id from the consumer and broker message
// id. Dead-lettering the same message twice overwrites one entry.
func DeadLetterID(consumer, messageID string) string {
	sum := blake2b.Sum256([]byte(consumer + "\x00" + messageID))
	return hex.EncodeToString(sum[:16])
}

type DeadLetterStore interface {
	Put(ctx context.Context, e *DeadLetterEntry) error
	// Get returns ErrDeadLetterNotFound for unknown ids.
	Get(ctx context.Context, id string) (*DeadLetterEntry, error)
	// List returns the entries of one consumer, or all entries when
	// consumer is empty, oldest failure first.
	List(ctx context.Context, consumer string) ([]*DeadLetterEntry, error)
	Delete(ctx context.Context, id string) error
}

type KeyValueDeadLetterStore struct {
	kv kv.Store
}

func NewKeyValueDeadLetterStore(store kv.Store) *KeyValueDeadLetterStore {
	return &KeyValueDeadLetterStore{kv: store}
}

func NewInMemoryDeadLetterStore() *KeyValueDeadLetterStore {
	return NewKeyValueDeadLetterStore(kv.NewMemStore())
}

func (s *KeyValueDeadLetterStore) Put(ctx context.Context, e *DeadLetterEntry) error {
	if e.ID == "" {
		return errors.New("dead letter id is empty")
	}
	if err := kv.Put(ctx, s.kv, kv.Key("dlq", e.ID), e, kv.PutOptions{}); err != nil {
		return fmt.Errorf("put dead letter: %w", err)
	}
	return nil
}

func (s *KeyValueDeadLetterStore) Get(ctx context.Context, id string) (*DeadLetterEntry, error) {
	e, err := kv.Get[*DeadLetterEntry](ctx, s.kv, kv.Key("dlq", id))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
		}
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return e, nil
}

func (s *KeyValueDeadLetterStore) List(ctx context.Context, consumer string) ([]*DeadLetterEntry, error) {
	keys, err := s.kv.Keys(ctx, kv.Prefix("dlq"))
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]*DeadLetterEntry, 0, len(keys))
	for _, key := range keys {
		e, err := kv.Get[*DeadLetterEntry](ctx, s.kv, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get dead letter: %w", err)
		}
		if consumer == "" || e.FailedConsumer == consumer {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FirstFailedAt.Before(out[j].FirstFailedAt) })
	return out, nil
}

func (s *KeyValueDeadLetterStore) Delete(ctx context.Context, id string) error {
	return s.kv.Delete(ctx, kv.Key("dlq", id))
}

var _ DeadLetterStore = (*KeyValueDeadLetterStore)(nil)

// Resubmit republishes the dead-lettered event under a fresh message id and
// removes the entry. Every consumer subscribed to the subject sees the event
// again, so handlers must stay idempotent.
func Resubmit(ctx context.Context, store DeadLetterStore, pub Publisher, id string) error {
	e, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := pub.Publish(ctx, []Envelope{e.Envelope}, WithFreshMessageID()); err != nil {
		return fmt.Errorf("%w: resubmit %s: %w", ErrPublish, id, err)
	}
	return store.Delete(ctx, id)
}
