package tasks

import (
	"context"
	"sync"
)

// MemoryQueue is the in-process Queue backend: a buffered channel. It is
// the only backend spec §5 requires, but satisfies the same Queue
// interface a durable backend (Postgres-backed, SQS-backed, ...) would.
type MemoryQueue struct {
	ch chan Task

	mu     sync.Mutex
	closed bool
}

// NewMemoryQueue creates a MemoryQueue with the given channel capacity.
// Enqueue blocks once capacity is exhausted, applying backpressure to
// producers rather than growing memory unbounded.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryQueue{ch: make(chan Task, capacity)}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, t Task) error {
	select {
	case q.ch <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue implements Queue. The returned ack is a no-op: once a value has
// been received off the channel there is nothing left to acknowledge.
func (q *MemoryQueue) Dequeue(ctx context.Context) (Task, func(context.Context) error, error) {
	select {
	case t, ok := <-q.ch:
		if !ok {
			return Task{}, nil, ErrQueueClosed
		}
		return t, noopAck, nil
	case <-ctx.Done():
		return Task{}, nil, ctx.Err()
	}
}

// Close stops accepting new deliveries and signals Dequeue callers with
// ErrQueueClosed once the buffer drains. Safe to call more than once.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

func noopAck(context.Context) error { return nil }
