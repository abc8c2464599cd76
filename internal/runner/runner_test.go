package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tracksync/internal/clock/fake"
	"github.com/JakeFAU/tracksync/internal/control"
	"github.com/JakeFAU/tracksync/internal/manifest"
	"github.com/JakeFAU/tracksync/internal/policy/ratelimit"
	"github.com/JakeFAU/tracksync/internal/progress"
	"github.com/JakeFAU/tracksync/internal/storage/memory"
	"github.com/JakeFAU/tracksync/internal/tracks"
)

type eventLog struct {
	mu     sync.Mutex
	events []progress.Event
}

func (l *eventLog) record(evt progress.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) all() []progress.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]progress.Event(nil), l.events...)
}

func (l *eventLog) count(kind progress.Kind, status tracks.ItemStatus) int {
	n := 0
	for _, evt := range l.all() {
		if evt.Kind == kind && (status == "" || evt.Status == status) {
			n++
		}
	}
	return n
}

type harness struct {
	clock   *fake.Clock
	lib     *fakeLibrary
	store   *memory.CompletionStore
	fetcher *fakeFetcher
	input   *fakeInput
	token   *control.Token
	limiter *ratelimit.Window
	log     *eventLog
}

func newHarness(items []tracks.Item, limit int) *harness {
	clk := fake.New(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	lib := newFakeLibrary()
	return &harness{
		clock:   clk,
		lib:     lib,
		store:   memory.NewCompletionStore(nil),
		fetcher: &fakeFetcher{lib: lib, fail: map[string]error{}, extra: map[string][]string{}},
		input:   &fakeInput{items: items},
		token:   control.New(time.Millisecond),
		limiter: ratelimit.NewWindow(ratelimit.Config{Limit: limit, Clock: clk, Sleeper: clk}),
		log:     &eventLog{},
	}
}

func (h *harness) runner(t *testing.T, req tracks.RunRequest, mutate ...func(*Deps)) *Runner {
	t.Helper()
	deps := Deps{
		Factory:  Static(Providers{Input: h.input, Fetch: h.fetcher}),
		Store:    h.store,
		Probe:    h.lib,
		Limiter:  h.limiter,
		Token:    h.token,
		Clock:    h.clock,
		Callback: h.log.record,
	}
	for _, fn := range mutate {
		fn(&deps)
	}
	r, err := New(Config{RunID: "run-1", Request: req}, deps)
	require.NoError(t, err)
	return r
}

// TestRunDownloadsEveryItem covers a fresh run against an empty record.
func TestRunDownloadsEveryItem(t *testing.T) {
	t.Parallel()

	h := newHarness(threeItems(), 100)
	r := h.runner(t, tracks.RunRequest{})
	require.Equal(t, tracks.RunCompleted, r.Run(context.Background()))

	require.Equal(t, 3, h.log.count(progress.KindItemStart, ""))
	require.Equal(t, 3, h.log.count(progress.KindItemFinish, tracks.ItemDownloaded))
	mapping, err := h.store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"one|alpha":   "Alpha - One.mp3",
		"two|beta":    "Beta - Two.mp3",
		"three|gamma": "Gamma - Three.mp3",
	}, mapping)

	snap := r.Snapshot()
	require.Equal(t, tracks.RunCompleted, snap.State)
	require.Equal(t, 3, snap.Downloaded)
	require.Equal(t, 3, snap.Index)
	require.NotNil(t, snap.FinishedAt)
	require.Empty(t, snap.Error)

	events := h.log.all()
	require.Equal(t, progress.KindFileStart, events[0].Kind)
	last := events[len(events)-1]
	require.Equal(t, progress.KindRunFinish, last.Kind)
	require.Equal(t, tracks.RunCompleted, last.Snapshot.State)
}

// TestRunSkipsRecordedItems pre-populates two completed keys.
func TestRunSkipsRecordedItems(t *testing.T) {
	t.Parallel()

	h := newHarness(threeItems(), 100)
	h.store = memory.NewCompletionStore(map[string]string{
		"one|alpha": "Alpha - One.m4a",
		"two|beta":  "Beta - Two.mp3",
	})
	h.lib.add("Alpha - One.m4a")
	h.lib.add("Beta - Two.mp3")

	r := h.runner(t, tracks.RunRequest{})
	require.Equal(t, tracks.RunCompleted, r.Run(context.Background()))

	require.Equal(t, 1, h.log.count(progress.KindItemStart, ""))
	require.Equal(t, 1, h.log.count(progress.KindItemFinish, tracks.ItemDownloaded))
	require.Equal(t, 2, h.log.count(progress.KindItemFinish, tracks.ItemSkipped))
	require.Len(t, h.fetcher.Calls(), 1)
	require.Equal(t, "Three", h.fetcher.Calls()[0].Item.Title)

	snap := r.Snapshot()
	require.Equal(t, []string{"Alpha - One.m4a"}, snap.Items[0].Locators)
	require.Equal(t, 2, snap.Skipped)
}

// TestRunCancelDuringRateWait blocks the second admission for the whole window.
func TestRunCancelDuringRateWait(t *testing.T) {
	t.Parallel()

	items := threeItems()[:2]
	h := newHarness(items, 1)
	h.clock.OnSleep(func(time.Duration) {
		if h.clock.Slept() >= 30*time.Minute {
			h.token.Cancel()
		}
	})

	r := h.runner(t, tracks.RunRequest{})
	require.Equal(t, tracks.RunCancelled, r.Run(context.Background()))

	require.Len(t, h.fetcher.Calls(), 1)
	snap := r.Snapshot()
	require.Equal(t, tracks.ItemDownloaded, snap.Items[0].Status)
	require.Equal(t, tracks.ItemPending, snap.Items[1].Status)
	require.Empty(t, snap.Error)
	require.Less(t, h.clock.Slept(), time.Hour)
}

// TestRunSecondAdmissionWaitsForWindow lets the wait run to completion.
func TestRunSecondAdmissionWaitsForWindow(t *testing.T) {
	t.Parallel()

	h := newHarness(threeItems()[:2], 1)
	r := h.runner(t, tracks.RunRequest{})
	require.Equal(t, tracks.RunCompleted, r.Run(context.Background()))
	require.Len(t, h.fetcher.Calls(), 2)
	require.GreaterOrEqual(t, h.clock.Slept(), time.Hour)
}

// TestRunItemFailureDoesNotFailRun marks one item failed and keeps going.
func TestRunItemFailureDoesNotFailRun(t *testing.T) {
	t.Parallel()

	h := newHarness(threeItems(), 100)
	h.fetcher.fail["Two"] = fmt.Errorf("yt-dlp exited 1: %w", tracks.ErrFetchFailed)

	r := h.runner(t, tracks.RunRequest{})
	require.Equal(t, tracks.RunCompleted, r.Run(context.Background()))

	snap := r.Snapshot()
	require.Equal(t, tracks.ItemDownloaded, snap.Items[0].Status)
	require.Equal(t, tracks.ItemFailed, snap.Items[1].Status)
	require.Contains(t, snap.Items[1].Message, "fetch failed")
	require.Equal(t, tracks.ItemDownloaded, snap.Items[2].Status)
	require.Equal(t, 1, h.log.count(progress.KindItemError, tracks.ItemFailed))
	require.Empty(t, snap.Error)
}

// TestRunZeroLocatorsIsFailure treats an empty fetch result as a failed item.
func TestRunZeroLocatorsIsFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(threeItems()[:1], 0)
	r := h.runner(t, tracks.RunRequest{}, func(d *Deps) {
		d.Factory = Static(Providers{Input: h.input, Fetch: emptyFetcher{}})
	})
	require.Equal(t, tracks.RunCompleted, r.Run(context.Background()))
	require.Equal(t, 1, r.Snapshot().Failed)
}

type emptyFetcher struct{}

func (emptyFetcher) Fetch(context.Context, tracks.FetchRequest) (tracks.FetchResult, error) {
	return tracks.FetchResult{}, nil
}

// TestRunIsIdempotent runs twice against one store and library.
func TestRunIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(threeItems(), 0)
	h.fetcher.fail["Three"] = tracks.ErrFetchFailed
	first := h.runner(t, tracks.RunRequest{})
	require.Equal(t, tracks.RunCompleted, first.Run(context.Background()))
	snap := first.Snapshot()
	require.Equal(t, snap.Total, snap.Downloaded+snap.Skipped+snap.Failed)

	h.log = &eventLog{}
	second := h.runner(t, tracks.RunRequest{})
	require.Equal(t, tracks.RunCompleted, second.Run(context.Background()))
	snap = second.Snapshot()
	require.Equal(t, 2, snap.Skipped)
	require.Equal(t, 1, snap.Failed)
	require.Equal(t, snap.Total, snap.Downloaded+snap.Skipped+snap.Failed)
	require.Len(t, h.fetcher.Calls(), 4)
}

// TestRunAdoptsExistingArtifact backfills a file found by name only.
func TestRunAdoptsExistingArtifact(t *testing.T) {
	t.Parallel()

	h := newHarness(threeItems()[:1], 0)
	h.lib.add("Alpha - One.m4a")
	r := h.runner(t, tracks.RunRequest{})
	require.Equal(t, tracks.RunCompleted, r.Run(context.Background()))

	require.Empty(t, h.fetcher.Calls())
	mapping, err := h.store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Alpha - One.m4a", mapping["one|alpha"])
	require.Equal(t, 1, h.log.count(progress.KindItemFinish, tracks.ItemSkipped))
}

// TestRunDropsStaleRecords re-downloads when the recorded artifact is gone.
func TestRunDropsStaleRecords(t *testing.T) {
	t.Parallel()

	h := newHarness(threeItems()[:1], 0)
	h.store = memory.NewCompletionStore(map[string]string{"one|alpha": "gone.mp3"})
	r := h.runner(t, tracks.RunRequest{})
	require.Equal(t, tracks.RunCompleted, r.Run(context.Background()))
	require.Len(t, h.fetcher.Calls(), 1)
}

// TestRunSkipsItemsWithoutIdentity reports a skipped item_error for blank rows.
func TestRunSkipsItemsWithoutIdentity(t *testing.T) {
	t.Parallel()

	items := []tracks.Item{{Position: 1, Title: "  ", Artists: "Alpha"}, {Position: 2, Title: "Two", Artists: "Beta"}}
	h := newHarness(items, 0)
	r := h.runner(t, tracks.RunRequest{})
	require.Equal(t, tracks.RunCompleted, r.Run(context.Background()))

	var skipped progress.Event
	for _, evt := range h.log.all() {
		if evt.Kind == progress.KindItemError {
			skipped = evt
		}
	}
	require.Equal(t, tracks.ItemSkipped, skipped.Status)
	require.Equal(t, msgMissingIdentity, skipped.Error)
	require.Len(t, h.fetcher.Calls(), 1)
}

// TestRunProviderFactoryFailure fails the run with a classified error.
func TestRunProviderFactoryFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(nil, 0)
	r := h.runner(t, tracks.RunRequest{}, func(d *Deps) {
		d.Factory = func(context.Context) (Providers, error) {
			return Providers{}, errors.New("spotify client id missing")
		}
	})
	require.Equal(t, tracks.RunFailed, r.Run(context.Background()))
	snap := r.Snapshot()
	require.Contains(t, snap.Error, "provider auth error")
	require.Contains(t, snap.Error, "spotify client id missing")
	require.Equal(t, 1, h.log.count(progress.KindRunFinish, ""))
}

// TestRunInputFailure fails the run when the list cannot be read.
func TestRunInputFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(nil, 0)
	h.input.err = errors.New("open playlist.csv: no such file")
	r := h.runner(t, tracks.RunRequest{})
	require.Equal(t, tracks.RunFailed, r.Run(context.Background()))
	require.Contains(t, r.Snapshot().Error, "input error")
}

// TestRunRejectsInvalidRequest validates the request before reading.
func TestRunRejectsInvalidRequest(t *testing.T) {
	t.Parallel()

	h := newHarness(threeItems(), 0)
	r := h.runner(t, tracks.RunRequest{Offset: -1})
	require.Equal(t, tracks.RunFailed, r.Run(context.Background()))
	require.Contains(t, r.Snapshot().Error, "offset")
}

// TestRunContinuesWhenStoreUnreadable starts from an empty mapping.
func TestRunContinuesWhenStoreUnreadable(t *testing.T) {
	t.Parallel()

	h := newHarness(threeItems(), 0)
	r := h.runner(t, tracks.RunRequest{}, func(d *Deps) { d.Store = brokenStore{} })
	require.Equal(t, tracks.RunCompleted, r.Run(context.Background()))
	require.Equal(t, 3, r.Snapshot().Downloaded)
}

// TestRunCancelledBeforeStart never builds providers.
func TestRunCancelledBeforeStart(t *testing.T) {
	t.Parallel()

	h := newHarness(threeItems(), 0)
	called := false
	r := h.runner(t, tracks.RunRequest{}, func(d *Deps) {
		d.Factory = func(context.Context) (Providers, error) {
			called = true
			return Providers{}, nil
		}
	})
	h.token.Cancel()
	require.Equal(t, tracks.RunCancelled, r.Run(context.Background()))
	require.False(t, called)
	require.Equal(t, tracks.RunCancelled, r.Run(context.Background()))
}

// TestRunRecordsInFlightFetchAfterCancel keeps a fetch that finished after cancel.
func TestRunRecordsInFlightFetchAfterCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(threeItems(), 0)
	h.fetcher.onFetch = func(req tracks.FetchRequest) {
		if req.Item.Title == "One" {
			h.token.Cancel()
		}
	}
	r := h.runner(t, tracks.RunRequest{})
	require.Equal(t, tracks.RunCancelled, r.Run(context.Background()))

	mapping, err := h.store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[string]string{"one|alpha": "Alpha - One.mp3"}, mapping)
	require.Len(t, h.fetcher.Calls(), 1)
}

// TestRunPauseBlocksAdmission pauses inside the first fetch and resumes later.
func TestRunPauseBlocksAdmission(t *testing.T) {
	t.Parallel()

	h := newHarness(threeItems(), 0)
	h.fetcher.onFetch = func(req tracks.FetchRequest) {
		if req.Item.Title == "One" {
			h.token.Pause()
		}
	}
	r := h.runner(t, tracks.RunRequest{})

	done := make(chan tracks.RunState, 1)
	go func() { done <- r.Run(context.Background()) }()

	require.Eventually(t, func() bool { return r.Snapshot().Paused }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, h.fetcher.Calls(), 1)

	h.token.Resume()
	select {
	case state := <-done:
		require.Equal(t, tracks.RunCompleted, state)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish after resume")
	}
	require.Len(t, h.fetcher.Calls(), 3)
	require.Equal(t, "Two", h.fetcher.Calls()[1].Item.Title)
}

// TestRunCancelLatencyDuringRealWait measures cancel against a real poll interval.
func TestRunCancelLatencyDuringRealWait(t *testing.T) {
	t.Parallel()

	lib := newFakeLibrary()
	token := control.New(control.MaxPollInterval)
	var cancelledAt time.Time
	var once sync.Once
	r, err := New(Config{RunID: "run-1"}, Deps{
		Factory: Static(Providers{
			Input: &fakeInput{items: threeItems()[:2]},
			Fetch: &fakeFetcher{lib: lib},
		}),
		Limiter: ratelimit.NewWindow(ratelimit.Config{Limit: 1}),
		Token:   token,
		Callback: func(evt progress.Event) {
			if evt.Kind == progress.KindItemStart && evt.Index == 2 {
				once.Do(func() {
					go func() {
						time.Sleep(50 * time.Millisecond)
						cancelledAt = time.Now()
						token.Cancel()
					}()
				})
			}
		},
	})
	require.NoError(t, err)

	require.Equal(t, tracks.RunCancelled, r.Run(context.Background()))
	require.Less(t, time.Since(cancelledAt), ratelimit.MaxPollInterval+300*time.Millisecond)
}

// TestRunSubscriberIsolation keeps a stalled subscriber from blocking others.
func TestRunSubscriberIsolation(t *testing.T) {
	t.Parallel()

	h := newHarness(threeItems(), 0)
	r := h.runner(t, tracks.RunRequest{}, func(d *Deps) { d.Callback = nil })
	stalled := r.Hub().Subscribe()
	reader := r.Hub().Subscribe()

	var kinds []progress.Kind
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			evt, ok := reader.Next(context.Background())
			if !ok {
				return
			}
			kinds = append(kinds, evt.Kind)
		}
	}()

	require.Equal(t, tracks.RunCompleted, r.Run(context.Background()))
	<-readDone
	require.Equal(t, progress.KindSnapshot, kinds[0])
	require.Equal(t, progress.KindRunFinish, kinds[len(kinds)-1])
	assert.Positive(t, stalled.Pending())
}

// TestRunSearchTargets prefers a resolved URL and falls back to the query.
func TestRunSearchTargets(t *testing.T) {
	t.Parallel()

	h := newHarness(threeItems()[:2], 0)
	search := fakeSearch{urls: map[string]string{"One Alpha audio": "https://www.youtube.com/watch?v=aaaaaaaaaaa"}}
	r := h.runner(t, tracks.RunRequest{}, func(d *Deps) {
		d.Factory = Static(Providers{Input: h.input, Search: search, Fetch: h.fetcher})
	})
	require.Equal(t, tracks.RunCompleted, r.Run(context.Background()))

	calls := h.fetcher.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, "https://www.youtube.com/watch?v=aaaaaaaaaaa", calls[0].Target.URL)
	require.Equal(t, "Two Beta audio", calls[1].Target.Query)
	require.Equal(t, "Beta - Two", calls[1].Name)
}

// TestRunTotalFollowsHintThenCount revises the total once items are read.
func TestRunTotalFollowsHintThenCount(t *testing.T) {
	t.Parallel()

	h := newHarness(threeItems(), 0)
	h.input.hint = 10
	r := h.runner(t, tracks.RunRequest{Offset: 2, Limit: 5})
	require.Equal(t, tracks.RunCompleted, r.Run(context.Background()))

	var totals []int
	for _, evt := range h.log.all() {
		if evt.Kind == progress.KindFileStart {
			totals = append(totals, evt.Total)
		}
	}
	require.Equal(t, []int{5, 2}, totals)
	require.Len(t, h.fetcher.Calls(), 2)
}

// TestRunWritesManifest lists downloaded and skipped locators in input order.
func TestRunWritesManifest(t *testing.T) {
	t.Parallel()

	h := newHarness(threeItems(), 0)
	h.lib.add("Beta - Two.m4a")
	h.fetcher.fail["Three"] = tracks.ErrFetchFailed
	h.fetcher.extra["One"] = []string{"Alpha - One (part 2).mp3"}
	blobs := memory.NewBlobStore()
	r := h.runner(t, tracks.RunRequest{Label: "Road Trip"}, func(d *Deps) {
		d.Manifest = manifest.NewWriter(blobs, manifest.Config{})
	})
	require.Equal(t, tracks.RunCompleted, r.Run(context.Background()))

	data, ok := blobs.Object("Road Trip.m3u")
	require.True(t, ok)
	require.Equal(t, "#EXTM3U\n"+
		"#EXTINF:181,Alpha - One\nAlpha - One.mp3\n"+
		"#EXTINF:181,Alpha - One\nAlpha - One (part 2).mp3\n"+
		"#EXTINF:-1,Beta - Two\nBeta - Two.m4a\n", string(data))
	require.Equal(t, "memory://Road Trip.m3u", r.Snapshot().Manifest)

	mapping, err := h.store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Alpha - One.mp3", mapping["one|alpha"])
}

type labeledInput struct {
	*fakeInput
	name string
}

func (l labeledInput) Label(context.Context) (string, bool) {
	return l.name, true
}

func TestRunAdoptsInputLabel(t *testing.T) {
	t.Parallel()

	h := newHarness(threeItems()[:1], 0)
	blobs := memory.NewBlobStore()
	input := labeledInput{fakeInput: h.input, name: "Morning Mix"}
	r := h.runner(t, tracks.RunRequest{}, func(d *Deps) {
		d.Factory = Static(Providers{Input: input, Fetch: h.fetcher})
		d.Manifest = manifest.NewWriter(blobs, manifest.Config{})
	})
	require.Equal(t, tracks.RunCompleted, r.Run(context.Background()))
	require.Equal(t, "Morning Mix", r.Snapshot().Label)
	_, ok := blobs.Object("Morning Mix.m3u")
	require.True(t, ok)

	// An explicit label wins over the input's.
	h2 := newHarness(threeItems()[:1], 0)
	input2 := labeledInput{fakeInput: h2.input, name: "Morning Mix"}
	r2 := h2.runner(t, tracks.RunRequest{Label: "Mine"}, func(d *Deps) {
		d.Factory = Static(Providers{Input: input2, Fetch: h2.fetcher})
	})
	require.Equal(t, tracks.RunCompleted, r2.Run(context.Background()))
	require.Equal(t, "Mine", r2.Snapshot().Label)
}

// TestRunSinksDrainBeforeRunReturns attaches a sink and checks it saw run_finish.
func TestRunSinksDrainBeforeRunReturns(t *testing.T) {
	t.Parallel()

	h := newHarness(threeItems(), 0)
	var mu sync.Mutex
	var kinds []progress.Kind
	sink := progress.SinkFunc(func(_ context.Context, batch []progress.Event) error {
		mu.Lock()
		defer mu.Unlock()
		for _, evt := range batch {
			kinds = append(kinds, evt.Kind)
		}
		return nil
	})
	r := h.runner(t, tracks.RunRequest{}, func(d *Deps) { d.Sinks = []progress.Sink{sink} })
	require.Equal(t, tracks.RunCompleted, r.Run(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, kinds)
	require.Equal(t, progress.KindRunFinish, kinds[len(kinds)-1])
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{RunID: "x"}, Deps{})
	require.Error(t, err)
	_, err = New(Config{}, Deps{Factory: Static(Providers{})})
	require.Error(t, err)
}
