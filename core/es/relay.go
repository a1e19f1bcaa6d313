package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codewandler/clstr-es/core/sf"
)

// RelayCheckpointName is the checkpoint consumer name under which the relay
// records, per aggregate, the highest version known to be published.
const RelayCheckpointName = "relay"

var ErrListingUnsupported = errors.New("event store cannot list aggregates")

// Relay moves committed events from the store to the distribution log.
//
// Publishing happens after the commit, so a crash in between leaves
// committed but unpublished events. The relay keeps a publish cursor per
// aggregate and Reconcile republishes everything between the cursor and
// the store's current version. Republishing is safe because message ids
// are envelope ids.
type Relay struct {
	log       *slog.Logger
	store     EventStore
	publisher Publisher
	cursors   CheckpointStore
	inflight  *sf.Singleflight[int]
	metrics   ESMetrics

	cursorMu  sync.Mutex
	cursorFor map[string]*cursorLock
}

type cursorLock struct {
	sync.Mutex
	refs int
}

func NewRelay(store EventStore, publisher Publisher, cursors CheckpointStore, opts ...RelayOption) *Relay {
	options := newRelayOpts(opts...)
	return &Relay{
		log:       options.log.With(slog.String("relay", RelayCheckpointName)),
		store:     store,
		publisher: publisher,
		cursors:   cursors,
		inflight:  sf.New[int](),
		metrics:   options.metrics,
		cursorFor: make(map[string]*cursorLock),
	}
}

// Publish publishes freshly committed events of one aggregate and moves
// the cursor forward when it is contiguous with them.
func (r *Relay) Publish(ctx context.Context, events []Envelope) error {
	if len(events) == 0 {
		return nil
	}
	if err := r.publisher.Publish(ctx, events); err != nil {
		r.metrics.PublishFailed()
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}
	r.metrics.EventsPublished(len(events))

	first, last := events[0], events[len(events)-1]
	return r.advance(ctx, first.AggregateID, first.Version, last.Version)
}

// advance moves the cursor of aggID to `to` when from..to is contiguous
// with it. The cursor never moves back.
func (r *Relay) advance(ctx context.Context, aggID string, from, to Version) error {
	unlock := r.lockCursor(aggID)
	defer unlock()

	cur, err := r.cursors.Get(ctx, RelayCheckpointName, aggID)
	if err != nil {
		return err
	}
	if cur+1 < from || to <= cur {
		// a gap stays until Reconcile closes it
		return nil
	}
	return r.cursors.Set(ctx, RelayCheckpointName, aggID, to)
}

// lockCursor serializes cursor updates of one aggregate.
func (r *Relay) lockCursor(aggID string) func() {
	r.cursorMu.Lock()
	l, ok := r.cursorFor[aggID]
	if !ok {
		l = &cursorLock{}
		r.cursorFor[aggID] = l
	}
	l.refs++
	r.cursorMu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		r.cursorMu.Lock()
		if l.refs--; l.refs == 0 {
			delete(r.cursorFor, aggID)
		}
		r.cursorMu.Unlock()
	}
}

// Reconcile republishes the events of aggID that are committed but not
// known to be published and returns how many it published. Concurrent
// calls for the same aggregate share one run.
func (r *Relay) Reconcile(ctx context.Context, aggID string) (int, error) {
	n, _, err := r.inflight.Do(aggID, func() (int, error) {
		return r.reconcile(ctx, aggID)
	})
	return n, err
}

func (r *Relay) reconcile(ctx context.Context, aggID string) (int, error) {
	cursor, err := r.cursors.Get(ctx, RelayCheckpointName, aggID)
	if err != nil {
		return 0, err
	}
	current, err := r.store.CurrentVersion(ctx, aggID)
	if err != nil {
		return 0, storeErr("current version", err)
	}
	if cursor >= current {
		return 0, nil
	}

	events, err := r.store.Read(ctx, aggID, cursor)
	if err != nil {
		return 0, storeErr("read", err)
	}
	if len(events) == 0 {
		return 0, nil
	}
	if err := r.publisher.Publish(ctx, events); err != nil {
		r.metrics.PublishFailed()
		return 0, fmt.Errorf("%w: %w", ErrPublish, err)
	}
	r.metrics.EventsPublished(len(events))

	last := events[len(events)-1].Version
	if err := r.advance(ctx, aggID, cursor+1, last); err != nil {
		return len(events), err
	}

	r.log.Info(
		"republished",
		slog.String("aggregate_id", aggID),
		cursor.SlogAttrWithKey("from"),
		last.SlogAttrWithKey("to"),
	)
	return len(events), nil
}

// Sweep reconciles every aggregate of a store that implements
// AggregateLister.
func (r *Relay) Sweep(ctx context.Context) (int, error) {
	lister, ok := r.store.(AggregateLister)
	if !ok {
		return 0, fmt.Errorf("%w: %T", ErrListingUnsupported, r.store)
	}
	ids, err := lister.Aggregates(ctx)
	if err != nil {
		return 0, storeErr("list aggregates", err)
	}

	var (
		total int
		errs  []error
	)
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		n, err := r.Reconcile(ctx, id)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("reconcile %s: %w", id, err))
		}
	}
	return total, errors.Join(errs...)
}

// Run sweeps every interval until ctx is done.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info("relay sweeping", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				r.log.Error("sweep failed", slog.Any("error", err))
			}
			if n > 0 {
				r.log.Info("sweep republished", slog.Int("events", n))
			}
		}
	}
}
