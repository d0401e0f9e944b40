package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func Test_MemoryQueueRoundTrip(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(4)
	ctx := context.Background()

	want := NewSyncTask("pypi")
	if err := q.Enqueue(ctx, want); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ack, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Kind != KindSync {
		t.Fatalf("unexpected kind: %s", got.Kind)
	}
	var payload SyncPayload
	if err := json.Unmarshal(got.Payload, &payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload.IndexSlug != "pypi" {
		t.Fatalf("unexpected index slug: %s", payload.IndexSlug)
	}
	if err := ack(ctx); err != nil {
		t.Fatalf("unexpected error from ack: %v", err)
	}
}

func Test_MemoryQueueCloseSignalsDequeue(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(1)
	q.Close()
	q.Close() // idempotent

	_, _, err := q.Dequeue(context.Background())
	if !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}

func Test_PoolProcessesTask(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(4)
	var processed atomic.Int32
	handlers := map[Kind]Handler{
		KindSync: func(_ context.Context, _ Task) error {
			processed.Add(1)
			return nil
		},
	}

	p, err := New(Config{Queue: q, Handlers: handlers, Workers: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	if err := q.Enqueue(ctx, NewSyncTask("pypi")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for processed.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if processed.Load() != 1 {
		t.Fatalf("expected task to be processed once, got %d", processed.Load())
	}

	cancel()
	p.Stop()
	if p.IsRunning() {
		t.Fatal("expected pool to have stopped")
	}
}

func Test_PoolRequeuesFailedTask(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(4)
	var mu sync.Mutex
	attempts := 0
	handlers := map[Kind]Handler{
		KindSync: func(_ context.Context, _ Task) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 3 {
				return errors.New("transient failure")
			}
			return nil
		},
	}

	p, err := New(Config{
		Queue:    q,
		Handlers: handlers,
		Workers:  1,
		NewBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Millisecond
			b.MaxInterval = 5 * time.Millisecond
			return b
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	if err := q.Enqueue(ctx, NewSyncTask("pypi")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := attempts
		mu.Unlock()
		if n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 3 attempts, got %d", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func Test_NewRejectsMissingQueue(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Handlers: map[Kind]Handler{KindSync: func(context.Context, Task) error { return nil }}})
	if err == nil {
		t.Fatal("expected error for missing queue")
	}
}

func Test_NewRejectsNoHandlers(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Queue: NewMemoryQueue(1)})
	if err == nil {
		t.Fatal("expected error for no handlers")
	}
}
