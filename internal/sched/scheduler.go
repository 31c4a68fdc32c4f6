// Package sched bounds how many turn pipelines run at once. Devices past
// capacity wait in a fixed-size FIFO queue; a full queue rejects immediately.
package sched

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrBusy is returned when both the run slots and the wait queue are full.
var ErrBusy = errors.New("scheduler at capacity")

type waiter struct {
	deviceID string
	ready    chan struct{}
}

// Scheduler grants run slots in arrival order. Capacity is the number of
// concurrent pipelines; queueSize is how many callers may wait for a slot.
type Scheduler struct {
	mu      sync.Mutex
	slots   int
	inUse   int
	queue   []*waiter
	maxWait int
	log     *slog.Logger
}

func New(capacity, queueSize int, log *slog.Logger) *Scheduler {
	if capacity < 1 {
		capacity = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Scheduler{
		slots:   capacity,
		maxWait: queueSize,
		log:     log.With("component", "sched"),
	}
}

// Acquire blocks until a run slot is free or ctx ends. The returned release
// func must be called exactly once when the pipeline finishes. If the wait
// queue is already full, Acquire returns ErrBusy without blocking.
func (s *Scheduler) Acquire(ctx context.Context, deviceID string) (func(), error) {
	s.mu.Lock()
	if s.inUse < s.slots {
		s.inUse++
		s.mu.Unlock()
		return s.releaseFunc(), nil
	}
	if len(s.queue) >= s.maxWait {
		s.mu.Unlock()
		s.log.Warn("rejecting turn, queue full", "device_id", deviceID)
		return nil, ErrBusy
	}
	w := &waiter{deviceID: deviceID, ready: make(chan struct{})}
	s.queue = append(s.queue, w)
	s.mu.Unlock()

	select {
	case <-w.ready:
		return s.releaseFunc(), nil
	case <-ctx.Done():
		s.abandon(w)
		return nil, ctx.Err()
	}
}

// Pending reports how many callers are waiting for a slot.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Running reports how many slots are currently held.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}

func (s *Scheduler) releaseFunc() func() {
	var once sync.Once
	return func() {
		once.Do(s.release)
	}
}

func (s *Scheduler) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		close(next.ready)
		return
	}
	s.inUse--
}

func (s *Scheduler) abandon(w *waiter) {
	s.mu.Lock()
	for i, q := range s.queue {
		if q == w {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.mu.Unlock()
			return
		}
	}
	s.mu.Unlock()
	// Promoted between ctx cancel and lock; hand the slot onward.
	select {
	case <-w.ready:
		s.release()
	default:
	}
}
