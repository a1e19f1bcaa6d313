// Package domain is a small counter aggregate shared by the es tests and
// the esctl bench command.
package domain

import (
	"fmt"

	"github.com/codewandler/clstr-es/core/es"
	"github.com/codewandler/clstr-es/core/es/assert"
	"github.com/codewandler/clstr-es/ports/kv"
)

const (
	AggregateType = "counter"
	MaxValue      = 1_000_000
)

type (
	Counter struct {
		ID            string `json:"id"`
		Value         int    `json:"value"`
		NumIncrements int    `json:"num_increments"`
		NumResets     int    `json:"num_resets"`
	}

	Created struct {
		ID string `json:"id"`
	}
	Incremented struct {
		By int `json:"by"`
	}
	Reset struct{}
)

func Events() []func() any {
	return []func() any{es.Event[Created](), es.Event[Incremented](), es.Event[Reset]()}
}

// EventTypes lists the type names of Events.
func EventTypes() []string {
	ctors := Events()
	types := make([]string, 0, len(ctors))
	for _, ctor := range ctors {
		types = append(types, es.EventTypeOf(ctor()))
	}
	return types
}

func Register(r es.Registrar) { es.RegisterEvents(r, Events()...) }

func EnvOption() es.EnvOption { return es.WithEvents(Events()...) }

// Apply folds one event into the counter.
func Apply(c Counter, event any) (Counter, error) {
	switch e := event.(type) {
	case *Created:
		c.ID = e.ID
	case *Incremented:
		c.Value += e.By
		c.NumIncrements++
	case *Reset:
		c.Value = 0
		c.NumResets++
	default:
		return c, fmt.Errorf("unknown event: %T", event)
	}
	return c, nil
}

// === Commands ===

func Create(id string) es.DecideFunc[Counter] {
	return func(c Counter, v es.Version) ([]any, error) {
		if err := assert.Check(assert.True(v == 0, "counter does not exist")); err != nil {
			return nil, err
		}
		return []any{&Created{ID: id}}, nil
	}
}

func IncrementBy(by int) es.DecideFunc[Counter] {
	return func(c Counter, v es.Version) ([]any, error) {
		err := assert.Check(
			assert.True(v > 0, "counter exists"),
			assert.Positive(by, "increment"),
			assert.AtMost(c.Value+by, MaxValue, "value"),
		)
		if err != nil {
			return nil, err
		}
		return []any{&Incremented{By: by}}, nil
	}
}

func ResetCounter() es.DecideFunc[Counter] {
	return func(c Counter, v es.Version) ([]any, error) {
		if err := assert.Check(assert.True(v > 0, "counter exists")); err != nil {
			return nil, err
		}
		if c.Value == 0 {
			return nil, nil
		}
		return []any{&Reset{}}, nil
	}
}

func NewRepository(env *es.Env, opts ...es.RepositoryOption) *es.Repository[Counter] {
	return es.NewEnvRepository(env, Apply, append([]es.RepositoryOption{es.WithAggregateType(AggregateType)}, opts...)...)
}

// === Read model ===

// Row is the counter read model. Version makes updates idempotent:
// events at or below it were already applied.
type Row struct {
	ID      string     `json:"id"`
	Value   int        `json:"value"`
	Version es.Version `json:"version"`
}

func UpdateRow(current *Row, msg es.MsgCtx) (*Row, error) {
	row := Row{ID: msg.AggregateID()}
	if current != nil {
		if msg.Version() <= current.Version {
			return current, nil
		}
		row = *current
	}
	switch e := msg.Event().(type) {
	case *Created:
		row.ID = e.ID
	case *Incremented:
		row.Value += e.By
	case *Reset:
		row.Value = 0
	default:
		return nil, fmt.Errorf("unknown event: %T", msg.Event())
	}
	row.Version = msg.Version()
	return &row, nil
}

func NewRowProjection(store kv.Store) *es.RowProjection[Row] {
	return es.NewRowProjection(
		"counters",
		es.NewKeyValueRowStore[Row](store, "counters"),
		es.ByAggregate,
		UpdateRow,
	)
}
