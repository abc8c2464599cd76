package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/tracksync/internal/progress"
	"github.com/JakeFAU/tracksync/internal/runner"
	"github.com/JakeFAU/tracksync/internal/tracks"
)

// Handle refers to one submitted run.
type Handle struct {
	runner    *runner.Runner
	submitted time.Time
	once      sync.Once
	done      chan struct{}
	state     tracks.RunState
}

// ID returns the run identifier.
func (h *Handle) ID() string {
	return h.runner.ID()
}

// Snapshot returns the current observable state of the run.
func (h *Handle) Snapshot() progress.Snapshot {
	return h.runner.Snapshot()
}

// Done is closed once the run is terminal.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the run is terminal or ctx ends.
func (h *Handle) Wait(ctx context.Context) (tracks.RunState, error) {
	select {
	case <-h.done:
		return h.state, nil
	case <-ctx.Done():
		return h.runner.State(), fmt.Errorf("wait for run %s: %w", h.ID(), ctx.Err())
	}
}

func (h *Handle) execute(ctx context.Context) {
	h.once.Do(func() {
		h.state = h.runner.Run(ctx)
		close(h.done)
	})
}
