// Package dispatcher fans submitted runs out to a fixed pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/tracksync/internal/queue"
	"github.com/JakeFAU/tracksync/internal/worker"
)

// ErrBusy is returned by Enqueue when the queue stayed full until ctx ended.
var ErrBusy = errors.New("run queue is full")

// lener is implemented by queues that can report their backlog.
type lener interface {
	Len() int
}

// Dispatcher owns the worker pool for one queue.
type Dispatcher struct {
	queue   queue.Queue
	workers []*worker.Worker
	running atomic.Bool
}

// New creates a Dispatcher.
func New(q queue.Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   q,
		workers: workers,
	}
}

// Run starts all workers and blocks until every worker has returned, which
// happens when ctx ends or the queue closes. A second concurrent Run returns
// immediately.
func (d *Dispatcher) Run(ctx context.Context) {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	defer d.running.Store(false)
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}

// Enqueue hands item to the pool, waiting for room until ctx ends.
func (d *Dispatcher) Enqueue(ctx context.Context, item queue.Item) error {
	err := d.queue.Enqueue(ctx, item)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, queue.ErrClosed):
		return fmt.Errorf("enqueue run %s: %w", item.RunID, err)
	case ctx.Err() != nil:
		return fmt.Errorf("enqueue run %s: %w: %w", item.RunID, ErrBusy, err)
	default:
		return fmt.Errorf("enqueue run %s: %w", item.RunID, err)
	}
}

// Pending reports how many runs wait for a worker, or zero when the queue
// cannot tell.
func (d *Dispatcher) Pending() int {
	if l, ok := d.queue.(lener); ok {
		return l.Len()
	}
	return 0
}

// Workers reports the pool size.
func (d *Dispatcher) Workers() int {
	return len(d.workers)
}
