package es

import (
	"context"
)

type (
	// AppendResult describes a successful commit.
	AppendResult struct {
		// Version is the aggregate's version after the commit.
		Version Version
		// Events are the committed envelopes with their assigned versions.
		Events []Envelope
	}

	// EventStore is the system of record. Implementations must make
	// Append atomic and keep every aggregate's versions the contiguous run
	// 1..N.
	EventStore interface {
		// Append commits events after the aggregate's current version if it
		// matches expect, assigning versions expect+1, expect+2, ... On a
		// mismatch it returns a *ConcurrencyConflictError and commits
		// nothing. It never retries.
		Append(ctx context.Context, aggID string, expect ExpectedVersion, events []Envelope) (*AppendResult, error)

		// Read returns the events with a version strictly greater than
		// from, in version order. An unknown aggregate yields an empty
		// slice and no error.
		Read(ctx context.Context, aggID string, from Version) ([]Envelope, error)

		// CurrentVersion returns the number of committed events, zero for
		// an unknown aggregate.
		CurrentVersion(ctx context.Context, aggID string) (Version, error)
	}

	// AggregateLister is implemented by stores that can enumerate the
	// aggregates they hold. The relay uses it to sweep for unpublished
	// events.
	AggregateLister interface {
		Aggregates(ctx context.Context) ([]string, error)
	}
)

// PrepareAppend validates events and stamps them with the versions they
// would receive on top of current. Store implementations call it once
// they hold whatever lock or transaction guards the aggregate.
func PrepareAppend(aggID string, expect ExpectedVersion, current Version, events []Envelope) ([]Envelope, error) {
	if len(events) == 0 {
		return nil, ErrStoreNoEvents
	}
	if !expect.Matches(current) {
		return nil, NewConcurrencyConflict(aggID, expect, current)
	}
	out := make([]Envelope, len(events))
	for i, e := range events {
		if e.AggregateID == "" {
			e.AggregateID = aggID
		}
		if e.AggregateID != aggID {
			return nil, AggregateMismatchError{Want: aggID, Got: e.AggregateID}
		}
		if err := e.Validate(); err != nil {
			return nil, err
		}
		e.Version = current + Version(i+1)
		out[i] = e
	}
	return out, nil
}

// AggregateMismatchError is returned when an envelope passed to Append
// belongs to a different aggregate.
type AggregateMismatchError struct{ Want, Got string }

func (e AggregateMismatchError) Error() string {
	return "envelope aggregate id " + e.Got + " does not match " + e.Want
}
