// Package tasks runs fire-and-forget side effects on a fixed pool of workers.
//
// Tasks are keyed. While a task is queued, dispatching another task with the
// same key is a no-op, so a burst of merges on one document turns into a
// single persistence write of the latest state.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"
)

type task struct {
	key string
	run func(ctx context.Context) error
}

type Dispatcher struct {
	queue chan task

	mu      sync.Mutex
	pending map[string]bool
	closed  bool

	group *errgroup.Group
	ctx   context.Context
}

// Start launches workers goroutines consuming a queue of queueSize tasks.
// Workers stop once Close has drained the queue; ctx is passed to every task.
func Start(ctx context.Context, workers, queueSize int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	d := &Dispatcher{
		queue:   make(chan task, queueSize),
		pending: make(map[string]bool),
		group:   g,
		ctx:     gctx,
	}
	for i := 0; i < workers; i++ {
		g.Go(d.work)
	}
	return d
}

// Dispatch queues run under key. It returns false when the task was dropped
// because the queue is full or the dispatcher is closed. It never blocks.
func (d *Dispatcher) Dispatch(key string, run func(ctx context.Context) error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		slog.Warn("dropping task after close", "task", key)
		return false
	}
	if d.pending[key] {
		return true
	}
	select {
	case d.queue <- task{key: key, run: run}:
		d.pending[key] = true
		return true
	default:
		slog.Warn("task queue full, dropping task", "task", key)
		return false
	}
}

func (d *Dispatcher) work() error {
	for t := range d.queue {
		d.mu.Lock()
		delete(d.pending, t.key)
		d.mu.Unlock()

		if err := d.runOne(t); err != nil {
			slog.Error("task failed", "task", t.key, "err", err)
		}
	}
	return nil
}

func (d *Dispatcher) runOne(t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return t.run(d.ctx)
}

// Close stops accepting tasks, runs everything already queued and waits for
// the workers to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	_ = d.group.Wait()
}
