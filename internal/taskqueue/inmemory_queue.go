package taskqueue

import (
	"context"
	"sync/atomic"
	"time"
)

// DefaultCapacity is used when NewInMemoryQueue gets a non-positive capacity.
const DefaultCapacity = 1024

// InMemoryQueue is a simple Queue implementation backed by a buffered channel.
// Tasks with a future NotBefore are held back until they become eligible.
// It is safe for concurrent use.
type InMemoryQueue struct {
	ch      chan Task
	delayed atomic.Int64
}

// NewInMemoryQueue creates a new queue with the given capacity.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &InMemoryQueue{
		ch: make(chan Task, capacity),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}

	if wait := time.Until(t.NotBefore); wait > 0 {
		q.delayed.Add(1)
		time.AfterFunc(wait, func() {
			q.ch <- t
			q.delayed.Add(-1)
		})
		return nil
	}

	select {
	case q.ch <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	select {
	case t := <-q.ch:
		return &t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *InMemoryQueue) Len() int {
	return len(q.ch) + int(q.delayed.Load())
}
