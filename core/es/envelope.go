package es

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Envelope wraps an event with metadata for persistence and routing.
// It is the unit of storage in the EventStore and the payload of every
// message on the distribution log.
type Envelope struct {
	// ID is the unique identifier of this event. It doubles as the broker
	// message id, so republishing the same envelope is deduplicated.
	ID string `json:"id"`
	// AggregateID identifies the aggregate the event belongs to.
	AggregateID string `json:"aggregate_id"`
	// AggregateType is optional descriptive metadata, used for metrics.
	AggregateType string `json:"aggregate_type,omitempty"`
	// Version is the per-aggregate position (1, 2, 3, ...), assigned by the
	// store on append.
	Version Version `json:"version"`
	// Type is the event type name used for decoding.
	Type string `json:"type"`
	// SchemaVersion is the schema revision Data was written with. Zero is
	// read as 1.
	SchemaVersion int `json:"schema_version,omitempty"`
	// OccurredAt is when the event was created.
	OccurredAt time.Time `json:"occurred_at"`
	// CorrelationID groups all events caused by one external request.
	CorrelationID string `json:"correlation_id,omitempty"`
	// CausationID is the id of the command or event that caused this one.
	CausationID string `json:"causation_id,omitempty"`
	// Data is the JSON encoded event payload. The core never inspects it.
	Data json.RawMessage `json:"data"`
}

// Validate checks the fields a producer must set. Version is assigned by
// the store and is not checked here.
func (e Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope id is empty")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("envelope occurred at is zero")
	}
	if e.AggregateID == "" {
		return fmt.Errorf("envelope aggregate id is empty")
	}
	if e.Type == "" {
		return fmt.Errorf("envelope type is empty")
	}
	return nil
}

func (e Envelope) schemaVersion() int {
	if e.SchemaVersion <= 0 {
		return 1
	}
	return e.SchemaVersion
}

func (e Envelope) SlogAttr() slog.Attr {
	return slog.Group(
		"event",
		slog.String("id", e.ID),
		slog.String("aggregate_id", e.AggregateID),
		e.Version.SlogAttr(),
		slog.String("type", e.Type),
	)
}

type Decoder interface {
	Decode(e Envelope) (any, error)
}

// checkSequence verifies that events continue the stream right after from
// without gaps.
func checkSequence(from Version, events []Envelope) error {
	next := from + 1
	for _, e := range events {
		if e.Version != next {
			return fmt.Errorf("%w: aggregate %q expected version %d, got %d", ErrStore, e.AggregateID, next, e.Version)
		}
		next++
	}
	return nil
}
