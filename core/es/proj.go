package es

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/codewandler/clstr-es/internal/token"
	"github.com/codewandler/clstr-es/ports/kv"
)

type (
	// Projection consumes delivered events to maintain a read model.
	Projection interface {
		NamedHandler
	}

	// UpdateFunc computes the next row from the current one (nil when the
	// row does not exist). Returning nil deletes the row. It must be pure
	// and idempotent: at-least-once delivery hands it the same event more
	// than once, and retries may deliver an aggregate's events out of order.
	UpdateFunc[R any] func(current *R, msg MsgCtx) (*R, error)

	// RowKeyFunc maps an event to the row it updates. An empty key skips
	// the event.
	RowKeyFunc func(msg MsgCtx) string

	RowStore[R any] interface {
		// Get returns nil when the row does not exist.
		Get(ctx context.Context, key string) (*R, error)
		Put(ctx context.Context, key string, row *R) error
		Delete(ctx context.Context, key string) error
		Keys(ctx context.Context) ([]string, error)
	}
)

// ByAggregate keys rows by aggregate id.
func ByAggregate(msg MsgCtx) string { return msg.AggregateID() }

// RowProjection keeps one row per key, updated through an UpdateFunc.
type RowProjection[R any] struct {
	name   string
	key    RowKeyFunc
	update UpdateFunc[R]
	rows   RowStore[R]
}

func NewRowProjection[R any](name string, rows RowStore[R], key RowKeyFunc, update UpdateFunc[R]) *RowProjection[R] {
	if key == nil {
		key = ByAggregate
	}
	return &RowProjection[R]{name: name, key: key, update: update, rows: rows}
}

func (p *RowProjection[R]) Name() string      { return p.name }
func (p *RowProjection[R]) Rows() RowStore[R] { return p.rows }
func (p *RowProjection[R]) Get(ctx context.Context, key string) (*R, error) {
	return p.rows.Get(ctx, key)
}

func (p *RowProjection[R]) Handle(msgCtx MsgCtx) error {
	key := p.key(msgCtx)
	if key == "" {
		return nil
	}
	ctx := msgCtx.Context()

	current, err := p.rows.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("projection %s: get %s: %w", p.name, key, err)
	}
	next, err := p.update(current, msgCtx)
	if err != nil {
		return fmt.Errorf("projection %s: update %s: %w", p.name, key, err)
	}

	switch {
	case next == nil && current == nil:
		return nil
	case next == nil:
		err = p.rows.Delete(ctx, key)
	default:
		err = p.rows.Put(ctx, key, next)
	}
	if err != nil {
		return fmt.Errorf("projection %s: write %s: %w", p.name, key, err)
	}
	return nil
}

var _ Projection = (*RowProjection[struct{}])(nil)

// KeyValueRowStore stores rows as JSON under proj.<name>.<key>.
type KeyValueRowStore[R any] struct {
	kv   kv.Store
	name string
}

func NewKeyValueRowStore[R any](store kv.Store, name string) *KeyValueRowStore[R] {
	return &KeyValueRowStore[R]{kv: store, name: name}
}

func (s *KeyValueRowStore[R]) Get(ctx context.Context, key string) (*R, error) {
	row, err := kv.Get[*R](ctx, s.kv, kv.Key("proj", s.name, key))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	return row, err
}

func (s *KeyValueRowStore[R]) Put(ctx context.Context, key string, row *R) error {
	return kv.Put(ctx, s.kv, kv.Key("proj", s.name, key), row, kv.PutOptions{})
}

func (s *KeyValueRowStore[R]) Delete(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, kv.Key("proj", s.name, key))
}

// Keys returns the row keys in ascending order of their stored form.
func (s *KeyValueRowStore[R]) Keys(ctx context.Context) ([]string, error) {
	prefix := kv.Prefix("proj", s.name)
	keys, err := s.kv.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		rowKey, err := token.Unescape(strings.TrimPrefix(k, prefix))
		if err != nil {
			return nil, err
		}
		out = append(out, rowKey)
	}
	return out, nil
}

var _ RowStore[struct{}] = (*KeyValueRowStore[struct{}])(nil)
