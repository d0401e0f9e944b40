// Package tasks implements the Task Runtime Adapter (C10): an in-process
// queue drained by a worker pool, per spec §5's scheduling model. Task
// handlers for sync, build and compile are all idempotent, so the adapter
// only needs to guarantee at-least-once delivery, not exactly-once.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wheelproxy/wheelproxy/pkg/metrics"
)

// Kind identifies one of the three task handlers named in spec §5.
type Kind string

const (
	KindSync    Kind = "sync"
	KindBuild   Kind = "build"
	KindCompile Kind = "compile"
)

// Task is a unit of work placed on the queue. Payload is kept as opaque
// JSON so Queue implementations (in-process today, a durable backend later)
// never need to know the shape of any particular Kind's arguments.
type Task struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SyncPayload is the Payload of a KindSync Task.
type SyncPayload struct {
	IndexSlug string `json:"index_slug"`
}

// BuildPayload is the Payload of a KindBuild Task.
type BuildPayload struct {
	PackageKey   string `json:"package_key"`
	Version      string `json:"version"`
	PlatformSlug string `json:"platform_slug"`
	Force        bool   `json:"force"`
}

// CompilePayload is the Payload of a KindCompile Task.
type CompilePayload struct {
	Key string `json:"key"`
}

// NewSyncTask builds a KindSync Task for the given BackingIndex slug.
func NewSyncTask(indexSlug string) Task {
	payload, _ := json.Marshal(SyncPayload{IndexSlug: indexSlug})
	return Task{Kind: KindSync, Payload: payload}
}

// NewBuildTask builds a KindBuild Task for a (release, platform) pair.
func NewBuildTask(packageKey, version, platformSlug string, force bool) Task {
	payload, _ := json.Marshal(BuildPayload{
		PackageKey: packageKey, Version: version, PlatformSlug: platformSlug, Force: force,
	})
	return Task{Kind: KindBuild, Payload: payload}
}

// NewCompileTask builds a KindCompile Task for a CompiledRequirements row key.
func NewCompileTask(key string) Task {
	payload, _ := json.Marshal(CompilePayload{Key: key})
	return Task{Kind: KindCompile, Payload: payload}
}

// ErrQueueClosed is returned by Dequeue once a Queue has been closed and
// drained; workers treat it as a signal to exit their run loop.
var ErrQueueClosed = errors.New("queue closed")

// Queue is the pluggable backend a Pool drains. Ack is called once a task's
// handler has returned successfully; a backend that supports visibility
// timeouts or row-level leases uses Ack to make the deletion durable. The
// in-process MemoryQueue treats Ack as a no-op, since delivery of a value
// off the channel is already final.
type Queue interface {
	Enqueue(ctx context.Context, t Task) error
	Dequeue(ctx context.Context) (Task, func(context.Context) error, error)
}

// Handler processes one Task. A returned error causes the Pool to requeue
// the task with backoff rather than ack it, which is what makes at-least-
// once delivery sufficient: sync/build/compile are all safe to retry.
type Handler func(ctx context.Context, t Task) error

// Config configures a Pool.
type Config struct {
	Queue    Queue
	Handlers map[Kind]Handler
	// Workers is the number of concurrent goroutines draining Queue.
	Workers int
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// NewBackoff constructs a fresh backoff.BackOff for scheduling one
	// task's requeue delay after a handler failure. Defaults to
	// backoff.NewExponentialBackOff with the library's default intervals.
	NewBackoff func() backoff.BackOff
}

// Pool is a fixed-size worker pool draining a Queue.
type Pool struct {
	queue      Queue
	handlers   map[Kind]Handler
	workers    int
	log        *slog.Logger
	metrics    *metrics.Metrics
	newBackoff func() backoff.BackOff

	wg       sync.WaitGroup
	running  atomic.Bool
	cancel   context.CancelFunc
	cancelMu sync.RWMutex
}

// New creates a Pool. Workers defaults to 1 if unset.
func New(config Config) (*Pool, error) {
	if config.Queue == nil {
		return nil, fmt.Errorf("tasks: queue cannot be nil")
	}
	if len(config.Handlers) == 0 {
		return nil, fmt.Errorf("tasks: at least one handler must be registered")
	}

	workers := config.Workers
	if workers <= 0 {
		workers = 1
	}

	log := config.Logger
	if log == nil {
		log = slog.Default()
	}

	m := config.Metrics
	if m == nil {
		m = metrics.New()
	}

	newBackoff := config.NewBackoff
	if newBackoff == nil {
		newBackoff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}

	return &Pool{
		queue:      config.Queue,
		handlers:   config.Handlers,
		workers:    workers,
		log:        log,
		metrics:    m,
		newBackoff: newBackoff,
	}, nil
}

// Start launches the worker pool if not already running. The pool stops
// when ctx is canceled or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancelMu.Lock()
	p.cancel = cancel
	p.cancelMu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(ctx, id)
		}(i)
	}

	go func() {
		p.wg.Wait()
		p.running.Store(false)
	}()
}

// Stop cancels the pool (if running) and blocks until every worker exits.
func (p *Pool) Stop() {
	p.cancelMu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.cancelMu.Unlock()
	p.wg.Wait()
	p.running.Store(false)
}

// IsRunning reports whether Start was called and the pool hasn't drained yet.
func (p *Pool) IsRunning() bool {
	return p.running.Load()
}

func (p *Pool) run(ctx context.Context, id int) {
	p.log.Debug("task worker started", "worker", id)
	for {
		t, ack, err := p.queue.Dequeue(ctx)
		if errors.Is(err, ErrQueueClosed) {
			p.log.Debug("task worker stopped: queue closed", "worker", id)
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				p.log.Debug("task worker stopped", "worker", id)
				return
			}
			p.log.Error("dequeue failed", "worker", id, "error", err)
			continue
		}

		p.handle(ctx, t, ack)
	}
}

func (p *Pool) handle(ctx context.Context, t Task, ack func(context.Context) error) {
	handler, ok := p.handlers[t.Kind]
	if !ok {
		p.log.Warn("no handler registered for task kind", "kind", t.Kind)
		return
	}

	start := time.Now()
	herr := handler(ctx, t)
	p.metrics.TaskDuration.Observe(time.Since(start).Seconds())

	if herr != nil {
		p.log.Error("task handler failed, requeueing", "kind", t.Kind, "error", herr)
		p.metrics.TasksFailedTotal.Inc()
		p.requeue(ctx, t)
		return
	}

	if ack != nil {
		if err := ack(ctx); err != nil {
			p.log.Error("failed to ack task", "kind", t.Kind, "error", err)
		}
	}
	p.metrics.TasksProcessedTotal.Inc()
}

// requeue schedules t for redelivery after a backoff delay, without
// blocking the worker that hit the failure. The delay is the first interval
// of a fresh backoff from newBackoff, so it does not grow across repeated
// failures of the same task, and the number of requeues is not capped.
func (p *Pool) requeue(ctx context.Context, t Task) {
	delay := p.newBackoff().NextBackOff()
	if delay == backoff.Stop {
		p.log.Error("task exhausted backoff, dropping", "kind", t.Kind)
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		if err := p.queue.Enqueue(ctx, t); err != nil {
			p.log.Error("failed to requeue task", "kind", t.Kind, "error", err)
		}
	}()
}
