package perkey

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler_SubmitKeepsOrder(t *testing.T) {
	s := New[string]()

	var (
		mu  sync.Mutex
		got []int
		wg  sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		if err := s.Submit(context.Background(), "agg", func() {
			defer wg.Done()
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	wg.Wait()
	s.Close()

	if len(got) != 50 {
		t.Fatalf("expected 50 executions, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("expected got[%d]=%d, got %d", i, i, v)
		}
	}

	if err := s.Submit(context.Background(), "agg", func() {}); !errors.Is(err, ErrSchedulerClosed) {
		t.Fatalf("expected ErrSchedulerClosed, got %v", err)
	}
}

func TestScheduler_ParallelAcrossKeys(t *testing.T) {
	s := New[string]()
	defer s.Close()

	var (
		running    atomic.Int32
		maxRunning atomic.Int32
		wg         sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		err := s.Submit(context.Background(), string(rune('a'+i)), func() {
			defer wg.Done()
			n := running.Add(1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			running.Add(-1)
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	wg.Wait()

	if maxRunning.Load() < 2 {
		t.Errorf("expected parallel execution across keys, max running %d", maxRunning.Load())
	}
}

func TestScheduler_IdleWorkersExit(t *testing.T) {
	s := New[int]()
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		if err := s.Submit(context.Background(), i, wg.Done); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	wg.Wait()

	deadline := time.Now().Add(time.Second)
	for s.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected no busy keys, got %d", s.Len())
		}
		time.Sleep(time.Millisecond)
	}

	// a retired key gets a fresh worker
	done := make(chan struct{})
	if err := s.Submit(context.Background(), 7, func() { close(done) }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task for retired key did not run")
	}
}

func TestScheduler_SubmitBlocksOnFullBuffer(t *testing.T) {
	s := New[string](WithBufferSize(1))
	defer s.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	if err := s.Submit(context.Background(), "key", func() {
		close(started)
		<-release
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started

	// fills the buffer
	if err := s.Submit(context.Background(), "key", func() {}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Submit(ctx, "key", func() { t.Error("cancelled task ran") })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}

	close(release)
}

func TestScheduler_SubmitCancelled(t *testing.T) {
	s := New[string]()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Submit(ctx, "key", func() {}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("expected no workers, got %d", s.Len())
	}
}

func TestScheduler_CloseDrainsQueued(t *testing.T) {
	s := New[string](WithBufferSize(10))

	var executed atomic.Int32
	for i := 0; i < 5; i++ {
		if err := s.Submit(context.Background(), "key", func() {
			time.Sleep(5 * time.Millisecond)
			executed.Add(1)
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	s.Close()
	s.Close()

	if executed.Load() != 5 {
		t.Errorf("expected 5 tasks executed, got %d", executed.Load())
	}
}

func TestScheduler_CloseWhileSubmitting(t *testing.T) {
	s := New[string]()

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		executed atomic.Int32
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Submit(context.Background(), "key", func() { executed.Add(1) }) == nil {
				accepted.Add(1)
			}
		}()
	}

	time.Sleep(time.Millisecond)
	s.Close()
	wg.Wait()
	s.Close()

	if executed.Load() != accepted.Load() {
		t.Errorf("accepted %d tasks but executed %d", accepted.Load(), executed.Load())
	}
}
