// Package control provides the pause/resume/cancel signal shared between a
// run controller and the worker executing the run.
package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/tracksync/internal/tracks"
)

// MaxPollInterval bounds how long a paused worker sleeps between checks.
const MaxPollInterval = 100 * time.Millisecond

// Token carries two independent signals: paused, which toggles freely, and
// cancelled, which is monotonic. Controllers call Pause, Resume, and Cancel;
// the worker calls Checkpoint at every suspension point.
type Token struct {
	mu        sync.Mutex
	paused    bool
	cancelled bool
	// changed is closed and replaced on every state change so waiters wake
	// without polling the flags in a tight loop.
	changed chan struct{}
	done    chan struct{}
	poll    time.Duration
}

// New returns a Token. Poll intervals outside (0, MaxPollInterval] are clamped.
func New(poll time.Duration) *Token {
	if poll <= 0 || poll > MaxPollInterval {
		poll = MaxPollInterval
	}
	return &Token{
		changed: make(chan struct{}),
		done:    make(chan struct{}),
		poll:    poll,
	}
}

// Pause requests the worker to block at its next checkpoint. No-op once cancelled.
func (t *Token) Pause() {
	t.set(func() bool {
		if t.cancelled || t.paused {
			return false
		}
		t.paused = true
		return true
	})
}

// Resume clears the paused flag.
func (t *Token) Resume() {
	t.set(func() bool {
		if !t.paused {
			return false
		}
		t.paused = false
		return true
	})
}

// Cancel sets the cancelled flag. It cannot be undone.
func (t *Token) Cancel() {
	t.set(func() bool {
		if t.cancelled {
			return false
		}
		t.cancelled = true
		t.paused = false
		close(t.done)
		return true
	})
}

// Paused reports the paused flag.
func (t *Token) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// Cancelled reports the cancelled flag.
func (t *Token) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Done is closed when the token is cancelled.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Checkpoint returns tracks.ErrCancelled if the token is cancelled or ctx is
// done, nil if the token is running, and blocks while it is paused.
func (t *Token) Checkpoint(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", tracks.ErrCancelled, err)
		}
		t.mu.Lock()
		cancelled, paused, changed := t.cancelled, t.paused, t.changed
		t.mu.Unlock()
		if cancelled {
			return tracks.ErrCancelled
		}
		if !paused {
			return nil
		}
		if err := t.wait(ctx, changed); err != nil {
			return err
		}
	}
}

func (t *Token) wait(ctx context.Context, changed <-chan struct{}) error {
	timer := time.NewTimer(t.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", tracks.ErrCancelled, ctx.Err())
	case <-changed:
	case <-timer.C:
	}
	return nil
}

func (t *Token) set(apply func() bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if apply() {
		close(t.changed)
		t.changed = make(chan struct{})
	}
}
