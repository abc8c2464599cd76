// Package fake provides a manually driven clock for deterministic tests.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Clock is a tracks.Clock and tracks.Sleeper whose time only moves when
// Sleep or Advance is called. Sleep returns immediately after advancing.
type Clock struct {
	mu      sync.Mutex
	now     time.Time
	slept   time.Duration
	onSleep func(d time.Duration)
}

// New returns a Clock starting at start.
func New(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// OnSleep registers a hook invoked after every Sleep, outside the lock.
func (c *Clock) OnSleep(fn func(d time.Duration)) {
	c.mu.Lock()
	c.onSleep = fn
	c.mu.Unlock()
}

// Slept returns the total simulated sleep time.
func (c *Clock) Slept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slept
}

// Sleep advances the clock by d instead of blocking.
func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("sleep interrupted: %w", err)
	}
	c.mu.Lock()
	if d > 0 {
		c.now = c.now.Add(d)
		c.slept += d
	}
	hook := c.onSleep
	c.mu.Unlock()
	if hook != nil {
		hook(d)
	}
	return nil
}
