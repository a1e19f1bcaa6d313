// Package perkey provides a scheduler that serializes work per key
// while allowing work for different keys to execute concurrently.
//
// The consumers use it with the aggregate id as key: events of one
// aggregate are handled in delivery order, different aggregates in
// parallel. A key's worker goroutine exits once its queue is empty, so
// the number of goroutines follows the number of busy keys.
package perkey

import (
	"context"
	"errors"
	"sync"
)

// ErrSchedulerClosed is returned by Submit after Close.
var ErrSchedulerClosed = errors.New("scheduler is closed")

// Option configures a Scheduler.
type Option func(*config)

type config struct {
	bufferSize int
}

// WithBufferSize sets the number of tasks a key can queue before Submit
// blocks (default: 64).
func WithBufferSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

// Scheduler runs tasks such that for any given key K, tasks are executed
// sequentially, in submission order. Tasks for different keys proceed in
// parallel.
type Scheduler[K comparable] struct {
	mu         sync.Mutex
	workers    map[K]*worker
	closed     bool
	running    sync.WaitGroup
	bufferSize int
}

type worker struct {
	tasks chan func()
	// pending counts tasks submitted but not finished, guarded by the
	// scheduler mutex
	pending int
}

// New creates a new Scheduler.
func New[K comparable](opts ...Option) *Scheduler[K] {
	cfg := &config{bufferSize: 64}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Scheduler[K]{
		workers:    make(map[K]*worker),
		bufferSize: cfg.bufferSize,
	}
}

// Submit enqueues fn for key and returns once it is queued, without
// waiting for it to run. Tasks submitted for the same key run in the order
// Submit returned. It blocks while the key's buffer is full.
func (s *Scheduler[K]) Submit(ctx context.Context, key K, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	w, ok := s.workers[key]
	if !ok {
		w = &worker{tasks: make(chan func(), s.bufferSize)}
		s.workers[key] = w
		s.running.Add(1)
		go s.run(key, w)
	}
	w.pending++
	s.mu.Unlock()

	select {
	case w.tasks <- fn:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		w.pending--
		if w.pending == 0 {
			s.retireLocked(key, w)
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Len returns the number of keys with queued or running tasks.
func (s *Scheduler[K]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Close stops accepting tasks and waits until every queued task ran. It is
// safe to call more than once.
func (s *Scheduler[K]) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.running.Wait()
}

func (s *Scheduler[K]) run(key K, w *worker) {
	defer s.running.Done()
	for fn := range w.tasks {
		fn()

		s.mu.Lock()
		w.pending--
		if w.pending == 0 {
			s.retireLocked(key, w)
		}
		s.mu.Unlock()
	}
}

// retireLocked removes an idle worker. Its goroutine exits once the
// channel is drained.
func (s *Scheduler[K]) retireLocked(key K, w *worker) {
	if s.workers[key] == w {
		delete(s.workers, key)
	}
	close(w.tasks)
}
