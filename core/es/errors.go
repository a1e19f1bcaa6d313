package es

import (
	"errors"
	"fmt"
)

var (
	ErrAggregateNotFound   = errors.New("aggregate not found")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrUnknownEventType    = errors.New("unknown event type")
	ErrStoreNoEvents       = errors.New("no events to store")
	ErrStore               = errors.New("event store failure")
	ErrSerialization       = errors.New("serialization failure")
	ErrSnapshotNotFound    = errors.New("snapshot not found")
	ErrPublish             = errors.New("publish failed")
	ErrDeadLetterNotFound  = errors.New("dead letter not found")
	ErrConsumerStopped     = errors.New("consumer stopped")
	ErrNoHandlers          = errors.New("consumer has no handlers")
)

// ConcurrencyConflictError is returned by Append when the expectation does
// not match the aggregate's current version. Nothing was committed.
//
//	var cerr *es.ConcurrencyConflictError
//	if errors.As(err, &cerr) {
//	    // reload at cerr.Actual and decide again
//	}
type ConcurrencyConflictError struct {
	AggregateID string
	Expected    ExpectedVersion
	Actual      Version
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf(
		"%s: aggregate %q expected version %s, actual %d",
		ErrConcurrencyConflict.Error(), e.AggregateID, e.Expected, e.Actual,
	)
}

func (e *ConcurrencyConflictError) Is(target error) bool { return target == ErrConcurrencyConflict }

func NewConcurrencyConflict(aggID string, expected ExpectedVersion, actual Version) error {
	return &ConcurrencyConflictError{AggregateID: aggID, Expected: expected, Actual: actual}
}

// storeErr marks err as a storage failure unless it already carries a
// more specific sentinel.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrSerialization) || errors.Is(err, ErrStore) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStore, err)
}
