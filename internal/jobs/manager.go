// Package jobs manages concurrent runs: submission onto the queue, execution
// on the worker pool, and the pause/resume/cancel/subscribe surface used by the
// HTTP API and the CLI.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/tracksync/internal/completion"
	"github.com/JakeFAU/tracksync/internal/control"
	"github.com/JakeFAU/tracksync/internal/dispatcher"
	"github.com/JakeFAU/tracksync/internal/policy/ratelimit"
	"github.com/JakeFAU/tracksync/internal/progress"
	"github.com/JakeFAU/tracksync/internal/queue"
	memqueue "github.com/JakeFAU/tracksync/internal/queue/memory"
	"github.com/JakeFAU/tracksync/internal/runner"
	"github.com/JakeFAU/tracksync/internal/tracks"
	"github.com/JakeFAU/tracksync/internal/worker"
)

const (
	tracerName            = "github.com/JakeFAU/tracksync/internal/jobs"
	defaultDiscardTimeout = 5 * time.Second
)

// ErrRunFinished is returned when controlling a run that is already terminal.
var ErrRunFinished = errors.New("run already finished")

// Config controls run execution.
type Config struct {
	// Concurrency is the number of runs executing at once (default 1).
	Concurrency int
	// QueueDepth bounds submitted runs waiting for a worker (default 64).
	QueueDepth int
	// RatePerWindow caps admissions per run in RateWindow; 0 disables the cap.
	RatePerWindow int
	RateWindow    time.Duration
	RatePoll      time.Duration
	PausePoll     time.Duration
	SinkTimeout   time.Duration
	CloseTimeout  time.Duration
}

// Deps holds the collaborators shared by all runs.
type Deps struct {
	Store        tracks.CompletionStore
	Probe        tracks.ArtifactProbe
	Manifest     runner.ManifestWriter
	Sinks        []progress.Sink
	IDs          tracks.IDGenerator
	Clock        tracks.Clock
	Sleeper      tracks.Sleeper
	RateObserver func(wait time.Duration)
	Logger       *zap.Logger
}

// Manager owns every run started in this process.
type Manager struct {
	cfg        Config
	deps       Deps
	logger     *zap.Logger
	store      tracks.CompletionStore
	queue      *memqueue.Queue
	dispatcher *dispatcher.Dispatcher

	mu    sync.RWMutex
	runs  map[string]*Handle
	order []string
}

// NewManager constructs a Manager. Call Run to start executing submitted runs.
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if deps.IDs == nil {
		return nil, errors.New("id generator is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		queue:  memqueue.NewQueue(cfg.QueueDepth),
		runs:   make(map[string]*Handle),
	}
	if deps.Store != nil {
		m.store = completion.NewShared(deps.Store)
	}
	workers := make([]*worker.Worker, cfg.Concurrency)
	for i := range workers {
		workers[i] = worker.New(i+1, m.queue, m, logger)
	}
	m.dispatcher = dispatcher.New(m.queue, workers)
	return m, nil
}

// Run executes submitted runs until ctx ends or Close is called.
func (m *Manager) Run(ctx context.Context) {
	m.dispatcher.Run(ctx)
}

// Pending reports how many submitted runs wait for a worker.
func (m *Manager) Pending() int {
	return m.dispatcher.Pending()
}

// Close stops accepting runs. Runs already queued still execute.
func (m *Manager) Close() {
	m.queue.Close()
}

// Start registers a run and enqueues it. It returns as soon as the run is
// queued; execution happens on the worker pool.
func (m *Manager) Start(ctx context.Context, req tracks.RunRequest, factory runner.ProviderFactory) (*Handle, error) {
	if factory == nil {
		return nil, fmt.Errorf("%w: provider factory is required", tracks.ErrInput)
	}
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	id, err := m.deps.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	handle, err := m.newHandle(id, req, factory)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.runs[id] = handle
	m.order = append(m.order, id)
	m.mu.Unlock()

	if err := m.dispatcher.Enqueue(ctx, queue.Item{RunID: id, Submitted: handle.submitted}); err != nil {
		m.mu.Lock()
		delete(m.runs, id)
		m.order = slices.DeleteFunc(m.order, func(v string) bool { return v == id })
		m.mu.Unlock()
		m.discard(ctx, handle)
		return nil, fmt.Errorf("submit run: %w", err)
	}
	m.logger.Info("run submitted", zap.String("run_id", id), zap.String("label", req.Label))
	return handle, nil
}

// discard releases a handle that never reached the queue. Its hub already has
// sink pumps attached.
func (m *Manager) discard(ctx context.Context, h *Handle) {
	timeout := m.cfg.CloseTimeout
	if timeout <= 0 {
		timeout = defaultDiscardTimeout
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := h.runner.Hub().Close(closeCtx); err != nil {
		m.logger.Warn("release rejected run", zap.String("run_id", h.ID()), zap.Error(err))
	}
}

func (m *Manager) newHandle(id string, req tracks.RunRequest, factory runner.ProviderFactory) (*Handle, error) {
	token := control.New(m.cfg.PausePoll)
	limiter := ratelimit.NewWindow(ratelimit.Config{
		Limit:        m.cfg.RatePerWindow,
		Window:       m.cfg.RateWindow,
		PollInterval: m.cfg.RatePoll,
		Clock:        m.deps.Clock,
		Sleeper:      m.deps.Sleeper,
		Observer:     m.deps.RateObserver,
	})
	r, err := runner.New(runner.Config{
		RunID:        id,
		Request:      req,
		CloseTimeout: m.cfg.CloseTimeout,
		Logger:       m.logger,
	}, runner.Deps{
		Factory:     factory,
		Store:       m.store,
		Probe:       m.deps.Probe,
		Limiter:     limiter,
		Token:       token,
		Clock:       m.deps.Clock,
		Manifest:    m.deps.Manifest,
		Sinks:       m.deps.Sinks,
		SinkTimeout: m.cfg.SinkTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("build runner: %w", err)
	}
	submitted := time.Now().UTC()
	if m.deps.Clock != nil {
		submitted = m.deps.Clock.Now()
	}
	return &Handle{runner: r, submitted: submitted, done: make(chan struct{})}, nil
}

// Handle implements worker.Handler by executing the queued run.
func (m *Manager) Handle(ctx context.Context, item queue.Item) {
	h, err := m.lookup(item.RunID)
	if err != nil {
		m.logger.Warn("dequeued unknown run", zap.String("run_id", item.RunID))
		return
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "run.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", item.RunID),
		attribute.String("run.submitted", item.Submitted.Format(time.RFC3339)),
	)
	h.execute(ctx)
	snap := h.Snapshot()
	span.SetAttributes(
		attribute.String("run.state", string(snap.State)),
		attribute.Int("run.downloaded", snap.Downloaded),
		attribute.Int("run.skipped", snap.Skipped),
		attribute.Int("run.failed", snap.Failed),
	)
	if snap.State == tracks.RunFailed {
		span.SetStatus(codes.Error, snap.Error)
	}
}

// Pause suspends a run at its next checkpoint.
func (m *Manager) Pause(id string) error {
	return m.control(id, func(t *control.Token) { t.Pause() })
}

// Resume continues a paused run.
func (m *Manager) Resume(id string) error {
	return m.control(id, func(t *control.Token) { t.Resume() })
}

// Cancel stops a run at its next checkpoint. A queued run ends cancelled as
// soon as a worker picks it up.
func (m *Manager) Cancel(id string) error {
	return m.control(id, func(t *control.Token) { t.Cancel() })
}

func (m *Manager) control(id string, apply func(*control.Token)) error {
	h, err := m.lookup(id)
	if err != nil {
		return err
	}
	if h.runner.State().Terminal() {
		return fmt.Errorf("run %s: %w", id, ErrRunFinished)
	}
	apply(h.runner.Token())
	return nil
}

// Subscribe opens an event stream for a run. The first event is a snapshot;
// the stream ends once the run is terminal.
func (m *Manager) Subscribe(id string) (*progress.Subscription, error) {
	h, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return h.runner.Hub().Subscribe(), nil
}

// Get returns the current snapshot of a run.
func (m *Manager) Get(id string) (progress.Snapshot, error) {
	h, err := m.lookup(id)
	if err != nil {
		return progress.Snapshot{}, err
	}
	return h.Snapshot(), nil
}

// Lookup returns the handle of a run.
func (m *Manager) Lookup(id string) (*Handle, error) {
	return m.lookup(id)
}

// List returns snapshots of every known run, most recently submitted first.
func (m *Manager) List() []progress.Snapshot {
	m.mu.RLock()
	handles := make([]*Handle, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		handles = append(handles, m.runs[m.order[i]])
	}
	m.mu.RUnlock()

	out := make([]progress.Snapshot, len(handles))
	for i, h := range handles {
		out[i] = h.Snapshot()
	}
	return out
}

func (m *Manager) lookup(id string) (*Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, tracks.ErrNotFound)
	}
	return h, nil
}
