package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerRunsInSubmissionOrderPerKey(t *testing.T) {
	s := newScheduler(4)
	ctx := context.Background()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		if !s.acquire(ctx) {
			t.Fatal("acquire failed")
		}
		s.submit(ctx, "k", func(context.Context) {
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	if !s.drain(3 * time.Second) {
		t.Fatal("drain timed out")
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("order = %v", order)
		}
	}
}

func TestSchedulerTailClearedAfterCompletion(t *testing.T) {
	s := newScheduler(2)
	ctx := context.Background()

	if !s.acquire(ctx) {
		t.Fatal("acquire failed")
	}
	s.submit(ctx, "k", func(context.Context) {})
	if !s.drain(time.Second) {
		t.Fatal("drain timed out")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tails) != 0 {
		t.Errorf("tails map has %d entries after completion", len(s.tails))
	}
}

func TestSchedulerCancelledWorkDoesNotRun(t *testing.T) {
	s := newScheduler(2)
	ctx, cancel := context.WithCancel(context.Background())

	release := make(chan struct{})
	if !s.acquire(ctx) {
		t.Fatal("acquire failed")
	}
	s.submit(ctx, "k", func(context.Context) { <-release })

	// The queued successor is waiting on the tail when the root context is
	// cancelled; it must exit without running.
	var ran atomic.Bool
	if !s.acquire(ctx) {
		t.Fatal("second acquire failed")
	}
	s.submit(ctx, "k", func(context.Context) { ran.Store(true) })

	cancel()
	close(release)
	if !s.drain(2 * time.Second) {
		t.Fatal("drain timed out")
	}
	if ran.Load() {
		t.Error("cancelled successor ran anyway")
	}
}
