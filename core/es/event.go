package es

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/codewandler/clstr-es/internal/reflector"
)

// Upcaster rewrites the JSON payload of one schema version into the next.
// It must be pure: the same input always yields the same output.
type Upcaster func(data json.RawMessage) (json.RawMessage, error)

type upcastKey struct {
	eventType string
	from      int
}

// EventRegistry maps event type names to constructors so persisted events
// can be decoded, and holds the upcasters that lift old payloads to the
// current schema at read time.
type EventRegistry struct {
	mu        sync.RWMutex
	news      map[string]func() any
	upcasters map[upcastKey]Upcaster
	current   map[string]int
}

func NewRegistry() *EventRegistry {
	return &EventRegistry{
		news:      map[string]func() any{},
		upcasters: map[upcastKey]Upcaster{},
		current:   map[string]int{},
	}
}

func (r *EventRegistry) Register(eventType string, ctor func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.news[eventType] = ctor
}

// RegisterUpcaster registers fn to turn schema version from of eventType
// into version from+1. The current schema of eventType becomes the highest
// registered target.
func (r *EventRegistry) RegisterUpcaster(eventType string, from int, fn Upcaster) {
	if from < 1 {
		panic(fmt.Sprintf("es: upcaster for %s must start at schema 1 or later, got %d", eventType, from))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upcasters[upcastKey{eventType: eventType, from: from}] = fn
	if from+1 > r.current[eventType] {
		r.current[eventType] = from + 1
	}
}

// SchemaVersion returns the schema version new events of eventType are
// written with.
func (r *EventRegistry) SchemaVersion(eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.current[eventType]; ok {
		return v
	}
	return 1
}

// Upcast lifts env.Data to the current schema of its event type. Envelopes
// already at the current schema are returned unchanged.
func (r *EventRegistry) Upcast(env Envelope) (Envelope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	target, ok := r.current[env.Type]
	if !ok {
		return env, nil
	}
	for v := env.schemaVersion(); v < target; v++ {
		fn, ok := r.upcasters[upcastKey{eventType: env.Type, from: v}]
		if !ok {
			return env, fmt.Errorf("%w: no upcaster for %s from schema %d", ErrSerialization, env.Type, v)
		}
		data, err := fn(env.Data)
		if err != nil {
			return env, fmt.Errorf("%w: upcast %s from schema %d: %w", ErrSerialization, env.Type, v, err)
		}
		env.Data = data
		env.SchemaVersion = v + 1
	}
	return env, nil
}

func (r *EventRegistry) Decode(env Envelope) (any, error) {
	env, err := r.Upcast(env)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	ctor, ok := r.news[env.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, env.Type)
	}
	ev := ctor()
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %w", ErrSerialization, env.Type, err)
		}
	}
	return ev, nil
}

// NewEnvelopes encodes events for aggregate aggID. Versions are left for
// the store to assign.
func (r *EventRegistry) NewEnvelopes(aggID string, newID IDGenerator, events ...any) ([]Envelope, error) {
	if len(events) == 0 {
		return nil, ErrStoreNoEvents
	}
	if newID == nil {
		newID = DefaultIDGenerator()
	}
	now := time.Now()
	out := make([]Envelope, 0, len(events))
	for _, ev := range events {
		if v, ok := ev.(interface{ Validate() error }); ok {
			if err := v.Validate(); err != nil {
				return nil, fmt.Errorf("invalid event %T: %w", ev, err)
			}
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("%w: encode %T: %w", ErrSerialization, ev, err)
		}
		eventType := EventTypeOf(ev)
		out = append(out, Envelope{
			ID:            newID(),
			AggregateID:   aggID,
			Type:          eventType,
			SchemaVersion: r.SchemaVersion(eventType),
			OccurredAt:    now,
			Data:          data,
		})
	}
	return out, nil
}

type Registrar interface {
	Register(eventType string, ctor func() any)
}

func RegisterEventFor[T any](r Registrar) {
	r.Register(EventTypeOf(new(T)), func() any { return any(new(T)) })
}

// Event returns a reflection-free constructor for an event of type T.
// Each call to the returned function constructs a fresh *T via new(T).
func Event[T any]() func() any { return func() any { return new(T) } }

// RegisterEvents registers event constructors. Each constructor is called
// once to derive the event type name.
func RegisterEvents(r Registrar, ctors ...func() any) {
	for _, ctor := range ctors {
		r.Register(EventTypeOf(ctor()), ctor)
	}
}

// EventTypeOf returns the type name of ev: the result of its EventType()
// method when present, otherwise the bare Go type name.
func EventTypeOf(ev any) string {
	if t, ok := ev.(interface{ EventType() string }); ok {
		return t.EventType()
	}
	return reflector.TypeInfoOf(ev).Short
}

var _ Decoder = (*EventRegistry)(nil)
