// Package worker implements the run execution loop over the submission queue.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/tracksync/internal/queue"
)

// Handler executes one dequeued run. It returns once the run is terminal.
type Handler interface {
	Handle(ctx context.Context, item queue.Item)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, item queue.Item)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, item queue.Item) {
	f(ctx, item)
}

// Worker consumes queue items and hands them to the handler one at a time.
type Worker struct {
	id      int
	queue   queue.Queue
	handler Handler
	logger  *zap.Logger
}

// New constructs a Worker.
func New(id int, q queue.Queue, handler Handler, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:      id,
		queue:   q,
		handler: handler,
		logger:  logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued run", zap.String("run_id", item.RunID))
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item queue.Item) {
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("run handler panicked",
				zap.String("run_id", item.RunID),
				zap.Error(fmt.Errorf("panic: %v", rec)),
			)
		}
	}()
	if w.handler == nil {
		w.logger.Error("no run handler configured", zap.String("run_id", item.RunID))
		return
	}
	w.handler.Handle(ctx, item)
}
