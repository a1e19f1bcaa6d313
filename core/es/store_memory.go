package es

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// InMemoryStore is a simple, correct (optimistic) store for tests/dev.
type InMemoryStore struct {
	mu      sync.RWMutex
	log     *slog.Logger
	streams map[string][]Envelope
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		log:     slog.Default().With(slog.String("store", "memory")),
		streams: map[string][]Envelope{},
	}
}

func (s *InMemoryStore) Append(
	_ context.Context,
	aggID string,
	expect ExpectedVersion,
	events []Envelope,
) (*AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.streams[aggID]
	prepared, err := PrepareAppend(aggID, expect, Version(len(cur)), events)
	if err != nil {
		return nil, err
	}

	s.streams[aggID] = append(cur, prepared...)
	res := &AppendResult{
		Version: Version(len(s.streams[aggID])),
		Events:  append([]Envelope(nil), prepared...),
	}

	s.log.Debug(
		"append",
		slog.String("aggregate_id", aggID),
		res.Version.SlogAttr(),
		slog.Int("num_events", len(prepared)),
	)
	return res, nil
}

func (s *InMemoryStore) Read(_ context.Context, aggID string, from Version) ([]Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.streams[aggID]
	if Version(len(stream)) <= from {
		return []Envelope{}, nil
	}
	// versions are 1-based and contiguous, so version v sits at index v-1
	return append([]Envelope(nil), stream[from:]...), nil
}

func (s *InMemoryStore) CurrentVersion(_ context.Context, aggID string) (Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Version(len(s.streams[aggID])), nil
}

func (s *InMemoryStore) Aggregates(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

var (
	_ EventStore      = (*InMemoryStore)(nil)
	_ AggregateLister = (*InMemoryStore)(nil)
)
