package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codewandler/clstr-es/core/es"
)

const selectEvents = `
SELECT id, aggregate_id, aggregate_type, version, type, schema_version,
       occurred_at, correlation_id, causation_id, data
  FROM events
 WHERE aggregate_id = ? AND version > ?
 ORDER BY version`

const insertEvent = `
INSERT INTO events (
    aggregate_id, version, id, aggregate_type, type, schema_version,
    occurred_at, correlation_id, causation_id, data
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// EventStore keeps one row per event, keyed by (aggregate_id, version).
type EventStore struct {
	db  *DB
	log *slog.Logger
}

func NewEventStore(db *DB) *EventStore {
	return &EventStore{db: db, log: db.log.With(slog.String("component", "event_store"))}
}

func (s *EventStore) Append(ctx context.Context, aggID string, expect es.ExpectedVersion, events []es.Envelope) (*es.AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx, err := s.db.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %w", es.ErrStore, err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := currentVersion(ctx, tx, aggID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", es.ErrStore, err)
	}

	stamped, err := es.PrepareAppend(aggID, expect, current, events)
	if err != nil {
		return nil, err
	}

	stmt, err := tx.PrepareContext(ctx, insertEvent)
	if err != nil {
		return nil, fmt.Errorf("%w: prepare insert: %w", es.ErrStore, err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range stamped {
		if _, err := stmt.ExecContext(
			ctx,
			e.AggregateID,
			int64(e.Version),
			e.ID,
			e.AggregateType,
			e.Type,
			max(e.SchemaVersion, 1),
			toNanos(e.OccurredAt),
			e.CorrelationID,
			e.CausationID,
			[]byte(e.Data),
		); err != nil {
			switch {
			case isPrimaryKeyViolation(err):
				_ = tx.Rollback()
				actual, verr := s.CurrentVersion(ctx, aggID)
				if verr != nil {
					actual = current
				}
				return nil, es.NewConcurrencyConflict(aggID, expect, actual)
			case isUniqueViolation(err):
				return nil, fmt.Errorf("%w: event id %s already stored", es.ErrStore, e.ID)
			}
			return nil, fmt.Errorf("%w: insert version %d: %w", es.ErrStore, e.Version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %w", es.ErrStore, err)
	}

	last := stamped[len(stamped)-1].Version
	s.log.Debug("appended", slog.String("aggregate_id", aggID), last.SlogAttr(), slog.Int("count", len(stamped)))
	return &es.AppendResult{Version: last, Events: stamped}, nil
}

func (s *EventStore) Read(ctx context.Context, aggID string, from es.Version) ([]es.Envelope, error) {
	rows, err := s.db.sqlDB.QueryContext(ctx, selectEvents, aggID, int64(from))
	if err != nil {
		return nil, fmt.Errorf("%w: query events: %w", es.ErrStore, err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]es.Envelope, 0)
	for rows.Next() {
		var (
			e          es.Envelope
			version    int64
			occurredAt int64
			data       []byte
		)
		if err := rows.Scan(
			&e.ID, &e.AggregateID, &e.AggregateType, &version, &e.Type, &e.SchemaVersion,
			&occurredAt, &e.CorrelationID, &e.CausationID, &data,
		); err != nil {
			return nil, fmt.Errorf("%w: scan event: %w", es.ErrStore, err)
		}
		e.Version = es.Version(version)
		e.OccurredAt = fromNanos(occurredAt)
		e.Data = data
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", es.ErrStore, err)
	}
	return out, nil
}

func (s *EventStore) CurrentVersion(ctx context.Context, aggID string) (es.Version, error) {
	v, err := currentVersion(ctx, s.db.sqlDB, aggID)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", es.ErrStore, err)
	}
	return v, nil
}

func (s *EventStore) Aggregates(ctx context.Context) ([]string, error) {
	rows, err := s.db.sqlDB.QueryContext(ctx, `SELECT DISTINCT aggregate_id FROM events ORDER BY aggregate_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", es.ErrStore, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: %w", es.ErrStore, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var (
	_ es.EventStore      = &EventStore{}
	_ es.AggregateLister = &EventStore{}
)

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func currentVersion(ctx context.Context, q queryer, aggID string) (es.Version, error) {
	var v sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT MAX(version) FROM events WHERE aggregate_id = ?`, aggID).Scan(&v)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("current version of %s: %w", aggID, err)
	}
	return es.Version(v.Int64), nil
}
