package es

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codewandler/clstr-es/ports/kv"
)

// FailureRecord keeps the history of failed attempts for one message at
// one consumer, so retry state survives restarts alongside the broker's
// own delivery count.
type FailureRecord struct {
	Consumer      string    `json:"consumer"`
	MessageID     string    `json:"message_id"`
	Attempts      int       `json:"attempts"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	LastFailedAt  time.Time `json:"last_failed_at"`
	LastError     string    `json:"last_error"`
}

type FailureLog interface {
	// Record notes a failed delivery attempt and returns the updated
	// record.
	Record(ctx context.Context, consumer, messageID string, attempt uint64, reason string) (*FailureRecord, error)
	// Get returns the record, or nil when the message never failed.
	Get(ctx context.Context, consumer, messageID string) (*FailureRecord, error)
	Clear(ctx context.Context, consumer, messageID string) error
}

// DefaultFailureTTL bounds how long failure records of abandoned messages
// are kept by backends that support expiry.
const DefaultFailureTTL = 7 * 24 * time.Hour

type KeyValueFailureLog struct {
	kv  kv.Store
	ttl time.Duration
}

func NewKeyValueFailureLog(store kv.Store) *KeyValueFailureLog {
	return &KeyValueFailureLog{kv: store, ttl: DefaultFailureTTL}
}

func NewInMemoryFailureLog() *KeyValueFailureLog {
	return NewKeyValueFailureLog(kv.NewMemStore())
}

func failureKey(consumer, messageID string) string {
	return kv.Key("failure", consumer, messageID)
}

func (f *KeyValueFailureLog) Get(ctx context.Context, consumer, messageID string) (*FailureRecord, error) {
	rec, err := kv.Get[*FailureRecord](ctx, f.kv, failureKey(consumer, messageID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get failure record: %w", err)
	}
	return rec, nil
}

func (f *KeyValueFailureLog) Record(
	ctx context.Context,
	consumer, messageID string,
	attempt uint64,
	reason string,
) (*FailureRecord, error) {
	rec, err := f.Get(ctx, consumer, messageID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if rec == nil {
		rec = &FailureRecord{Consumer: consumer, MessageID: messageID, FirstFailedAt: now}
	}
	rec.Attempts = max(rec.Attempts+1, int(attempt))
	rec.LastFailedAt = now
	rec.LastError = reason

	if err := kv.Put(ctx, f.kv, failureKey(consumer, messageID), rec, kv.PutOptions{TTL: f.ttl}); err != nil {
		return nil, fmt.Errorf("put failure record: %w", err)
	}
	return rec, nil
}

func (f *KeyValueFailureLog) Clear(ctx context.Context, consumer, messageID string) error {
	return f.kv.Delete(ctx, failureKey(consumer, messageID))
}

var _ FailureLog = (*KeyValueFailureLog)(nil)
