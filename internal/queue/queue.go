// Package queue defines the hand-off between run submission and the worker
// pool that executes runs.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Dequeue once a queue is closed and drained, and by
// Enqueue after Close.
var ErrClosed = errors.New("queue closed")

// Item identifies one submitted run.
type Item struct {
	RunID     string
	Attempt   int
	Submitted time.Time
}

// Queue provides enqueue/dequeue semantics for submitted runs.
type Queue interface {
	Enqueue(ctx context.Context, item Item) error
	Dequeue(ctx context.Context) (Item, error)
}
