package runner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tracksync/internal/completion"
	"github.com/JakeFAU/tracksync/internal/control"
	"github.com/JakeFAU/tracksync/internal/manifest"
	"github.com/JakeFAU/tracksync/internal/policy/ratelimit"
	"github.com/JakeFAU/tracksync/internal/progress"
	"github.com/JakeFAU/tracksync/internal/tracks"
)

const (
	msgMissingIdentity = "missing title or artist"
	defaultCloseWait   = 10 * time.Second
)

// Config holds the per-run settings.
type Config struct {
	RunID   string
	Request tracks.RunRequest
	// CloseTimeout bounds how long Run waits for sinks to drain at the end.
	CloseTimeout time.Duration
	Logger       *zap.Logger
}

// Deps holds the collaborators of a run. Factory is required; everything else
// falls back to a permissive default.
type Deps struct {
	Factory  ProviderFactory
	Store    tracks.CompletionStore
	Probe    tracks.ArtifactProbe
	Limiter  Admitter
	Token    *control.Token
	Clock    tracks.Clock
	Manifest ManifestWriter
	// Callback receives every event synchronously (batch mode).
	Callback func(progress.Event)
	// Sinks are attached to the run's hub.
	Sinks       []progress.Sink
	SinkTimeout time.Duration
}

// Runner drives one run. Run may be called once; Snapshot and Hub are safe
// from any goroutine.
type Runner struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	hub    *progress.Hub
	ran    atomic.Bool

	mu         sync.Mutex
	state      tracks.RunState
	label      string
	index      int
	total      int
	downloaded int
	skipped    int
	failed     int
	items      []progress.ItemSnapshot
	source     []tracks.Item
	errText    string
	manifest   string
	startedAt  *time.Time
	finishedAt *time.Time
}

// New constructs a Runner in the idle state.
func New(cfg Config, deps Deps) (*Runner, error) {
	if deps.Factory == nil {
		return nil, errors.New("provider factory is required")
	}
	if cfg.RunID == "" {
		return nil, errors.New("run id is required")
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaultCloseWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Token == nil {
		deps.Token = control.New(control.MaxPollInterval)
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NewWindow(ratelimit.Config{})
	}
	if deps.Clock == nil {
		deps.Clock = utcClock{}
	}
	r := &Runner{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(zap.String("run_id", cfg.RunID)),
		state:  tracks.RunIdle,
		label:  cfg.Request.Label,
	}
	r.hub = progress.NewHub(progress.Config{
		Callback:    deps.Callback,
		Snapshot:    r.Snapshot,
		SinkTimeout: deps.SinkTimeout,
		Logger:      logger,
	}, deps.Sinks...)
	return r, nil
}

// ID returns the run identifier.
func (r *Runner) ID() string {
	return r.cfg.RunID
}

// Hub exposes the run's event hub for subscriptions.
func (r *Runner) Hub() *progress.Hub {
	return r.hub
}

// Token exposes the run's control token.
func (r *Runner) Token() *control.Token {
	return r.deps.Token
}

// State returns the current run state.
func (r *Runner) State() tracks.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Snapshot returns a deep copy of the observable run state.
func (r *Runner) Snapshot() progress.Snapshot {
	r.mu.Lock()
	snap := progress.Snapshot{
		RunID:      r.cfg.RunID,
		Label:      r.label,
		State:      r.state,
		Index:      r.index,
		Total:      r.total,
		Downloaded: r.downloaded,
		Skipped:    r.skipped,
		Failed:     r.failed,
		Items:      r.items,
		Error:      r.errText,
		Manifest:   r.manifest,
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
	}
	snap = snap.Clone()
	r.mu.Unlock()
	snap.Paused = snap.State == tracks.RunRunning && r.deps.Token.Paused()
	return snap
}

// Run executes the run to a terminal state and closes the hub. Subsequent
// calls return the state of the first.
func (r *Runner) Run(ctx context.Context) tracks.RunState {
	if !r.ran.CompareAndSwap(false, true) {
		return r.State()
	}
	now := r.deps.Clock.Now()
	r.mu.Lock()
	r.state = tracks.RunRunning
	r.startedAt = &now
	r.mu.Unlock()
	r.logger.Info("run started", zap.String("label", r.cfg.Request.Label))

	state, err := r.execute(ctx)
	r.finish(ctx, state, err)
	return state
}

func (r *Runner) execute(ctx context.Context) (tracks.RunState, error) {
	if r.deps.Token.Cancelled() {
		return tracks.RunCancelled, nil
	}
	providers, err := r.deps.Factory(ctx)
	if err == nil && (providers.Input == nil || providers.Fetch == nil) {
		err = errors.New("input and fetch providers are required")
	}
	if err != nil {
		if !tracks.IsRunFatal(err) {
			err = fmt.Errorf("%w: %w", tracks.ErrProviderAuth, err)
		}
		return tracks.RunFailed, err
	}

	r.adoptLabel(ctx, providers.Input)

	req := r.cfg.Request.Normalize()
	if err := req.Validate(); err != nil {
		return tracks.RunFailed, err
	}

	if hinter, ok := providers.Input.(tracks.SizeHinter); ok {
		if n, ok := hinter.SizeHint(ctx); ok {
			r.setTotal(remaining(n, req))
		}
	}
	r.publishFileStart()

	items, err := providers.Input.Read(ctx, req.Offset, req.Limit)
	if err != nil {
		if !errors.Is(err, tracks.ErrInput) {
			err = fmt.Errorf("%w: %w", tracks.ErrInput, err)
		}
		return tracks.RunFailed, err
	}
	r.setItems(items, req.IncludeAlbum)
	r.publishFileStart()

	mapping := r.loadMapping(ctx)
	w := walker{r: r, providers: providers, includeAlbum: req.IncludeAlbum, mapping: mapping}
	for i, item := range items {
		if err := w.process(ctx, i+1, item); err != nil {
			if errors.Is(err, tracks.ErrCancelled) {
				r.logger.Info("run cancelled", zap.Int("index", i+1))
				return tracks.RunCancelled, nil
			}
			return tracks.RunFailed, err
		}
	}
	return tracks.RunCompleted, nil
}

func (r *Runner) finish(ctx context.Context, state tracks.RunState, runErr error) {
	ctx = context.WithoutCancel(ctx)
	if state == tracks.RunCompleted || state == tracks.RunCancelled {
		r.writeManifest(ctx)
	}

	now := r.deps.Clock.Now()
	r.mu.Lock()
	r.state = state
	r.finishedAt = &now
	if state == tracks.RunFailed && runErr != nil {
		r.errText = runErr.Error()
	}
	r.mu.Unlock()

	snap := r.Snapshot()
	fields := []zap.Field{
		zap.String("state", string(state)),
		zap.Int("downloaded", snap.Downloaded),
		zap.Int("skipped", snap.Skipped),
		zap.Int("failed", snap.Failed),
		zap.Int("total", snap.Total),
	}
	if runErr != nil && state == tracks.RunFailed {
		r.logger.Error("run failed", append(fields, zap.Error(runErr))...)
	} else {
		r.logger.Info("run finished", fields...)
	}

	r.hub.Publish(progress.SnapshotEvent(progress.KindRunFinish, snap, now))
	closeCtx, cancel := context.WithTimeout(ctx, r.cfg.CloseTimeout)
	defer cancel()
	if err := r.hub.Close(closeCtx); err != nil {
		r.logger.Warn("progress hub did not drain", zap.Error(err))
	}
}

// adoptLabel names an unlabeled run after its input, e.g. a playlist title.
func (r *Runner) adoptLabel(ctx context.Context, input tracks.InputSource) {
	labeler, ok := input.(tracks.Labeler)
	if !ok {
		return
	}
	r.mu.Lock()
	unlabeled := r.label == ""
	r.mu.Unlock()
	if !unlabeled {
		return
	}
	name, ok := labeler.Label(ctx)
	if !ok || name == "" {
		return
	}
	r.mu.Lock()
	r.label = name
	r.mu.Unlock()
}

func (r *Runner) loadMapping(ctx context.Context) map[string]string {
	if r.deps.Store == nil {
		return map[string]string{}
	}
	loaded, err := r.deps.Store.Load(ctx)
	if err != nil {
		r.logger.Warn("completion store unreadable; starting empty", zap.Error(err))
		return map[string]string{}
	}
	if r.deps.Probe == nil {
		return completion.Clone(loaded)
	}
	reconciled := completion.Reconcile(ctx, loaded, r.deps.Probe)
	if dropped := len(loaded) - len(reconciled); dropped > 0 {
		r.logger.Info("completion entries without artifacts dropped", zap.Int("dropped", dropped))
	}
	return reconciled
}

func (r *Runner) saveMapping(ctx context.Context, mapping map[string]string) {
	if r.deps.Store == nil {
		return
	}
	if err := r.deps.Store.Save(ctx, completion.Clone(mapping)); err != nil {
		r.logger.Warn("completion store save failed", zap.Error(err))
	}
}

func (r *Runner) writeManifest(ctx context.Context) {
	if r.deps.Manifest == nil {
		return
	}
	entries := r.manifestEntries()
	if len(entries) == 0 {
		return
	}
	r.mu.Lock()
	label := r.label
	r.mu.Unlock()
	if label == "" {
		label = r.cfg.RunID
	}
	uri, err := r.deps.Manifest.Write(ctx, label, entries)
	if err != nil {
		r.logger.Warn("manifest write failed", zap.Error(err))
		return
	}
	r.mu.Lock()
	r.manifest = uri
	r.mu.Unlock()
	r.logger.Info("manifest written", zap.String("uri", uri), zap.Int("entries", len(entries)))
}

func (r *Runner) manifestEntries() []manifest.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var entries []manifest.Entry
	for i, item := range r.items {
		if item.Status != tracks.ItemDownloaded && item.Status != tracks.ItemSkipped {
			continue
		}
		for _, loc := range item.Locators {
			entries = append(entries, manifest.Entry{
				Title:       item.Title,
				Artists:     item.Artists,
				DurationSec: r.source[i].DurationMs / 1000,
				Locator:     loc,
			})
		}
	}
	return entries
}

func (r *Runner) setTotal(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n < r.index {
		n = r.index
	}
	r.total = n
}

func (r *Runner) setItems(items []tracks.Item, includeAlbum bool) {
	snaps := make([]progress.ItemSnapshot, len(items))
	for i, item := range items {
		snaps[i] = progress.ItemSnapshot{
			Index:   i + 1,
			Title:   item.Title,
			Artists: item.Artists,
			Key:     item.Key(includeAlbum),
			Status:  tracks.ItemPending,
		}
	}
	r.mu.Lock()
	r.items = snaps
	r.source = slices.Clone(items)
	r.mu.Unlock()
	r.setTotal(len(items))
}

func (r *Runner) beginItem(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.index = index
	if r.total < index {
		r.total = index
	}
}

// setItem records an item transition and keeps the counters in step.
func (r *Runner) setItem(index int, status tracks.ItemStatus, locators []string, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 1 || index > len(r.items) {
		return
	}
	item := &r.items[index-1]
	switch status {
	case tracks.ItemDownloaded:
		r.downloaded++
	case tracks.ItemSkipped:
		r.skipped++
	case tracks.ItemFailed:
		r.failed++
	}
	item.Status = status
	item.Locators = slices.Clone(locators)
	item.Message = message
}

func (r *Runner) publishFileStart() {
	r.mu.Lock()
	evt := progress.Event{
		RunID:       r.cfg.RunID,
		Kind:        progress.KindFileStart,
		Index:       r.index,
		Total:       r.total,
		Description: r.label,
		Timestamp:   r.deps.Clock.Now(),
	}
	r.mu.Unlock()
	r.hub.Publish(evt)
}

func (r *Runner) publishItem(kind progress.Kind, index int, item tracks.Item, key string, status tracks.ItemStatus, locators []string, errText string) {
	r.mu.Lock()
	total := r.total
	r.mu.Unlock()
	r.hub.Publish(progress.Event{
		RunID:       r.cfg.RunID,
		Kind:        kind,
		Index:       index,
		Total:       total,
		Description: item.Describe(),
		Key:         key,
		Title:       item.Title,
		Artists:     item.Artists,
		Status:      status,
		Locators:    slices.Clone(locators),
		Error:       errText,
		Timestamp:   r.deps.Clock.Now(),
	})
}

// remaining converts a source size hint into the number of items this request will read.
func remaining(hint int, req tracks.RunRequest) int {
	n := hint - (req.Offset - 1)
	if n < 0 {
		n = 0
	}
	if req.Limit > 0 && n > req.Limit {
		n = req.Limit
	}
	return n
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
