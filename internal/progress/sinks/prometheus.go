package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/tracksync/internal/progress"
	"github.com/JakeFAU/tracksync/internal/tracks"
)

// PrometheusSink exports run progress metrics via Prometheus. It owns all
// collectors for runs started/finished/running and per-status item counters.
type PrometheusSink struct {
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	runsRunning  prometheus.Gauge
	runDuration  *prometheus.HistogramVec
	items        *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracksync_runs_started_total",
			Help: "Total runs that have started.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracksync_runs_finished_total",
			Help: "Total runs finished partitioned by terminal state.",
		}, []string{"state"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracksync_runs_running",
			Help: "Current number of running runs.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tracksync_run_duration_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400},
		}, []string{"state"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracksync_items_total",
			Help: "Items reaching a final status, partitioned by status.",
		}, []string{"status"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsFinished,
		s.runsRunning,
		s.runDuration,
		s.items,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Kind {
	case progress.KindFileStart:
		// file_start repeats once the total is known; count the run once.
		if s.tracker.start(evt.RunID) {
			s.runsStarted.Inc()
			s.runsRunning.Inc()
		}
	case progress.KindItemFinish, progress.KindItemError:
		status := evt.Status
		if status == "" {
			status = tracks.ItemFailed
		}
		s.items.WithLabelValues(string(status)).Inc()
	case progress.KindRunFinish:
		s.handleRunFinish(evt)
	}
}

func (s *PrometheusSink) handleRunFinish(evt progress.Event) {
	state := string(tracks.RunFailed)
	snap := evt.Snapshot
	if snap != nil && snap.State != "" {
		state = string(snap.State)
	}
	s.runsFinished.WithLabelValues(state).Inc()
	if snap != nil && snap.StartedAt != nil && snap.FinishedAt != nil {
		if dur := snap.FinishedAt.Sub(*snap.StartedAt); dur > 0 {
			s.runDuration.WithLabelValues(state).Observe(dur.Seconds())
		}
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
