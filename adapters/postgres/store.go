package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/codewandler/clstr-es/core/es"
)

const insertEvent = `
INSERT INTO events (
    aggregate_id, version, id, aggregate_type, type, schema_version,
    occurred_at, correlation_id, causation_id, data
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// EventStore keeps one row per event. Concurrent appends at the same
// version collide on the primary key; the loser gets a conflict.
type EventStore struct {
	db  *DB
	log *slog.Logger
}

func NewEventStore(db *DB) *EventStore {
	return &EventStore{db: db, log: db.log.With(slog.String("component", "event_store"))}
}

func (s *EventStore) Append(ctx context.Context, aggID string, expect es.ExpectedVersion, events []es.Envelope) (*es.AppendResult, error) {
	var (
		stamped []es.Envelope
		current es.Version
		// rejected holds validation and conflict errors from PrepareAppend
		rejected error
	)

	err := pgx.BeginFunc(ctx, s.db.pool, func(tx pgx.Tx) error {
		var err error
		current, err = currentVersion(ctx, tx, aggID)
		if err != nil {
			return err
		}
		stamped, rejected = es.PrepareAppend(aggID, expect, current, events)
		if rejected != nil {
			return rejected
		}

		batch := &pgx.Batch{}
		for _, e := range stamped {
			batch.Queue(
				insertEvent,
				e.AggregateID,
				int64(e.Version),
				e.ID,
				e.AggregateType,
				e.Type,
				max(e.SchemaVersion, 1),
				e.OccurredAt.UTC(),
				e.CorrelationID,
				e.CausationID,
				json.RawMessage(e.Data),
			)
		}
		br := tx.SendBatch(ctx, batch)
		for range stamped {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return err
			}
		}
		return br.Close()
	})
	if rejected != nil {
		return nil, rejected
	}
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			if constraint == constraintEventsPK {
				actual, verr := s.CurrentVersion(ctx, aggID)
				if verr != nil {
					actual = current
				}
				return nil, es.NewConcurrencyConflict(aggID, expect, actual)
			}
			return nil, fmt.Errorf("%w: duplicate event id: %w", es.ErrStore, err)
		}
		return nil, fmt.Errorf("%w: %w", es.ErrStore, err)
	}

	last := stamped[len(stamped)-1].Version
	s.log.Debug("appended", slog.String("aggregate_id", aggID), last.SlogAttr(), slog.Int("count", len(stamped)))
	return &es.AppendResult{Version: last, Events: stamped}, nil
}

func (s *EventStore) Read(ctx context.Context, aggID string, from es.Version) ([]es.Envelope, error) {
	rows, err := s.db.pool.Query(ctx, `
SELECT id, aggregate_id, aggregate_type, version, type, schema_version,
       occurred_at, correlation_id, causation_id, data
  FROM events
 WHERE aggregate_id = $1 AND version > $2
 ORDER BY version`, aggID, int64(from))
	if err != nil {
		return nil, fmt.Errorf("%w: query events: %w", es.ErrStore, err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (es.Envelope, error) {
		var (
			e       es.Envelope
			version int64
			data    []byte
		)
		if err := row.Scan(
			&e.ID, &e.AggregateID, &e.AggregateType, &version, &e.Type, &e.SchemaVersion,
			&e.OccurredAt, &e.CorrelationID, &e.CausationID, &data,
		); err != nil {
			return e, err
		}
		e.Version = es.Version(version)
		e.OccurredAt = e.OccurredAt.UTC()
		e.Data = data
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", es.ErrStore, err)
	}
	if out == nil {
		out = []es.Envelope{}
	}
	return out, nil
}

func (s *EventStore) CurrentVersion(ctx context.Context, aggID string) (es.Version, error) {
	v, err := currentVersion(ctx, s.db.pool, aggID)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", es.ErrStore, err)
	}
	return v, nil
}

func (s *EventStore) Aggregates(ctx context.Context) ([]string, error) {
	rows, err := s.db.pool.Query(ctx, `SELECT DISTINCT aggregate_id COLLATE "C" FROM events ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", es.ErrStore, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", es.ErrStore, err)
	}
	return ids, nil
}

var (
	_ es.EventStore      = &EventStore{}
	_ es.AggregateLister = &EventStore{}
)

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func currentVersion(ctx context.Context, q queryer, aggID string) (es.Version, error) {
	var v int64
	if err := q.QueryRow(
		ctx, `SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = $1`, aggID,
	).Scan(&v); err != nil {
		return 0, fmt.Errorf("current version of %s: %w", aggID, err)
	}
	return es.Version(v), nil
}
