// Package ratelimit implements admission control: a sliding-window cap on
// fetch admissions per run, and per-host token buckets that pace search
// requests.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/tracksync/internal/clock/system"
	"github.com/JakeFAU/tracksync/internal/tracks"
)

const (
	// DefaultWindow is the trailing interval the admission cap applies to.
	DefaultWindow = time.Hour
	// MaxPollInterval bounds each sleep while waiting for a slot.
	MaxPollInterval = 200 * time.Millisecond
)

// Check is invoked at every wake-up while waiting; a non-nil error aborts the
// wait. A control.Token's Checkpoint blocks while paused and fails once cancelled.
type Check func(ctx context.Context) error

// Config holds sliding window configuration.
//   - Limit: admissions allowed per Window; <= 0 means unlimited.
//   - Window: trailing interval (default one hour).
//   - PollInterval: maximum sleep between checks (default and ceiling 200ms).
//   - Clock, Sleeper: time sources; default to the system clock.
//   - Observer: optional callback receiving the total wait of each admission.
type Config struct {
	Limit        int
	Window       time.Duration
	PollInterval time.Duration
	Clock        tracks.Clock
	Sleeper      tracks.Sleeper
	Observer     func(wait time.Duration)
}

// Window admits at most Limit work items in any trailing Window.
type Window struct {
	cfg    Config
	mu     sync.Mutex
	stamps []time.Time
}

// NewWindow creates a Window.
func NewWindow(cfg Config) *Window {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.PollInterval <= 0 || cfg.PollInterval > MaxPollInterval {
		cfg.PollInterval = MaxPollInterval
	}
	sys := system.New()
	if cfg.Clock == nil {
		cfg.Clock = sys
	}
	if cfg.Sleeper == nil {
		cfg.Sleeper = sys
	}
	w := &Window{cfg: cfg}
	if cfg.Limit > 0 {
		w.stamps = make([]time.Time, 0, cfg.Limit)
	}
	return w
}

// Limit returns the configured cap.
func (w *Window) Limit() int {
	return w.cfg.Limit
}

// Admit blocks until a slot in the window is free, then records the
// admission. check runs before the first attempt and after every sleep; its
// error is returned unchanged so cancellation propagates as-is.
func (w *Window) Admit(ctx context.Context, check Check) error {
	start := w.cfg.Clock.Now()
	for {
		if check != nil {
			if err := check(ctx); err != nil {
				return err
			}
		}
		wait, ok := w.tryAdmit()
		if ok {
			w.observe(start)
			return nil
		}
		if wait > w.cfg.PollInterval {
			wait = w.cfg.PollInterval
		}
		if err := w.cfg.Sleeper.Sleep(ctx, wait); err != nil {
			return fmt.Errorf("%w: rate limit wait: %w", tracks.ErrCancelled, err)
		}
	}
}

// InWindow returns the number of admissions in the current trailing window.
func (w *Window) InWindow() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.cfg.Clock.Now())
	return len(w.stamps)
}

func (w *Window) tryAdmit() (time.Duration, bool) {
	if w.cfg.Limit <= 0 {
		return 0, true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.cfg.Clock.Now()
	if n := len(w.stamps); n > 0 && now.Before(w.stamps[n-1]) {
		now = w.stamps[n-1]
	}
	w.prune(now)
	if len(w.stamps) < w.cfg.Limit {
		w.stamps = append(w.stamps, now)
		return 0, true
	}
	return w.stamps[0].Add(w.cfg.Window).Sub(now), false
}

// prune drops stamps at or before now-Window. Caller holds mu.
func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.cfg.Window)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

func (w *Window) observe(start time.Time) {
	if w.cfg.Observer == nil {
		return
	}
	w.cfg.Observer(w.cfg.Clock.Now().Sub(start))
}
