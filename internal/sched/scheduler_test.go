package sched

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAcquireWithinCapacity(t *testing.T) {
	s := New(2, 0, testLogger())
	ctx := context.Background()

	rel1, err := s.Acquire(ctx, "dev-1")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	rel2, err := s.Acquire(ctx, "dev-2")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if got := s.Running(); got != 2 {
		t.Fatalf("running = %d, want 2", got)
	}
	rel1()
	rel2()
	if got := s.Running(); got != 0 {
		t.Fatalf("running after release = %d, want 0", got)
	}
}

func TestRejectsWhenQueueFull(t *testing.T) {
	s := New(1, 1, testLogger())
	ctx := context.Background()

	rel, err := s.Acquire(ctx, "dev-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	queuedDone := make(chan error, 1)
	go func() {
		r, err := s.Acquire(ctx, "dev-2")
		if err == nil {
			r()
		}
		queuedDone <- err
	}()

	// Wait for dev-2 to enter the queue before testing rejection.
	deadline := time.Now().Add(time.Second)
	for s.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("waiter never queued")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := s.Acquire(ctx, "dev-3"); !errors.Is(err, ErrBusy) {
		t.Fatalf("third acquire err = %v, want ErrBusy", err)
	}

	rel()
	if err := <-queuedDone; err != nil {
		t.Fatalf("queued acquire: %v", err)
	}
}

func TestExactlyOneRejectionPastCapacity(t *testing.T) {
	const capacity = 4
	s := New(capacity, 0, testLogger())
	ctx := context.Background()

	var (
		mu       sync.Mutex
		granted  int
		rejected int
		releases []func()
		wg       sync.WaitGroup
	)
	for i := 0; i < capacity+1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rel, err := s.Acquire(ctx, "dev")
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrBusy) {
				rejected++
				return
			}
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			granted++
			releases = append(releases, rel)
		}()
	}
	wg.Wait()

	if granted != capacity || rejected != 1 {
		t.Fatalf("granted=%d rejected=%d, want %d granted and 1 rejected", granted, rejected, capacity)
	}
	for _, rel := range releases {
		rel()
	}
}

func TestQueuedAcquireHonorsContext(t *testing.T) {
	s := New(1, 4, testLogger())
	rel, err := s.Acquire(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer rel()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Acquire(ctx, "dev-2")
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	for s.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("waiter never queued")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := s.Pending(); got != 0 {
		t.Fatalf("pending after cancel = %d, want 0", got)
	}
}

func TestReleaseHandsSlotInArrivalOrder(t *testing.T) {
	s := New(1, 8, testLogger())
	ctx := context.Background()

	rel, err := s.Acquire(ctx, "dev-0")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	order := make(chan string, 3)
	var wg sync.WaitGroup
	for i, id := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r, err := s.Acquire(ctx, id)
			if err != nil {
				t.Errorf("acquire %s: %v", id, err)
				return
			}
			order <- id
			r()
		}(id)
		// Stagger so arrival order is deterministic.
		deadline := time.Now().Add(time.Second)
		for s.Pending() < i+1 {
			if time.Now().After(deadline) {
				t.Fatal("waiter never queued")
			}
			time.Sleep(time.Millisecond)
		}
	}

	rel()
	wg.Wait()
	close(order)

	var got []string
	for id := range order {
		got = append(got, id)
	}
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("grant order = %v, want [a b c]", got)
	}
}
