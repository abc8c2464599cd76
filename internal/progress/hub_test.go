package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tracksync/internal/tracks"
)

// TestHubCallbackReceivesEventsInOrder verifies the synchronous callback mode.
func TestHubCallbackReceivesEventsInOrder(t *testing.T) {
	t.Parallel()

	var got []Kind
	hub := NewHub(Config{Callback: func(evt Event) { got = append(got, evt.Kind) }})
	hub.Publish(sampleEvent(KindFileStart, 0))
	hub.Publish(sampleEvent(KindItemStart, 1))
	hub.Publish(sampleEvent(KindItemFinish, 1))
	require.NoError(t, hub.Close(context.Background()))

	require.Equal(t, []Kind{KindFileStart, KindItemStart, KindItemFinish}, got)
}

// TestHubSubscribeDeliversSnapshotFirst ensures a late subscriber sees state before deltas.
func TestHubSubscribeDeliversSnapshotFirst(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{Snapshot: func() Snapshot {
		return Snapshot{RunID: "run-1", State: tracks.RunRunning, Index: 3, Total: 10}
	}})
	hub.Publish(sampleEvent(KindItemStart, 1))
	sub := hub.Subscribe()
	hub.Publish(sampleEvent(KindItemStart, 4))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, ok := sub.Next(ctx)
	require.True(t, ok)
	require.Equal(t, KindSnapshot, first.Kind)
	require.NotNil(t, first.Snapshot)
	require.Equal(t, 3, first.Snapshot.Index)

	second, ok := sub.Next(ctx)
	require.True(t, ok)
	require.Equal(t, KindItemStart, second.Kind)
	require.Equal(t, 4, second.Index)
}

// TestHubSlowSubscriberDoesNotBlock publishes far more events than anyone reads.
func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{})
	slow := hub.Subscribe()
	fast := hub.Subscribe()

	start := time.Now()
	for i := 1; i <= 10000; i++ {
		hub.Publish(sampleEvent(KindItemStart, i))
	}
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, 10000, slow.Pending())

	ctx := context.Background()
	for i := 1; i <= 10000; i++ {
		evt, ok := fast.Next(ctx)
		require.True(t, ok)
		require.Equal(t, i, evt.Index)
	}
	require.Equal(t, 10000, slow.Pending())
}

// TestHubCloseDrainsSubscribers lets a reader finish queued events after Close.
func TestHubCloseDrainsSubscribers(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{})
	sub := hub.Subscribe()
	hub.Publish(sampleEvent(KindItemStart, 1))
	hub.Publish(sampleEvent(KindItemFinish, 1))
	require.NoError(t, hub.Close(context.Background()))
	hub.Publish(sampleEvent(KindItemStart, 2))

	ctx := context.Background()
	var kinds []Kind
	for {
		evt, ok := sub.Next(ctx)
		if !ok {
			break
		}
		kinds = append(kinds, evt.Kind)
	}
	require.Equal(t, []Kind{KindItemStart, KindItemFinish}, kinds)
	require.True(t, hub.Closed())
}

// TestHubUnsubscribeIsIdempotent covers repeated removal and stream termination.
func TestHubUnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{})
	sub := hub.Subscribe()
	require.Equal(t, 1, hub.Subscribers())

	hub.Publish(sampleEvent(KindItemStart, 1))
	sub.Close()
	sub.Close()
	hub.Unsubscribe(sub)
	require.Equal(t, 0, hub.Subscribers())

	_, ok := sub.Next(context.Background())
	require.False(t, ok)
}

// TestHubSubscribeAfterCloseReturnsSnapshotOnly covers subscribers arriving after the run ended.
func TestHubSubscribeAfterCloseReturnsSnapshotOnly(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{Snapshot: func() Snapshot {
		return Snapshot{RunID: "run-1", State: tracks.RunCompleted}
	}})
	require.NoError(t, hub.Close(context.Background()))

	sub := hub.Subscribe()
	evt, ok := sub.Next(context.Background())
	require.True(t, ok)
	require.Equal(t, KindSnapshot, evt.Kind)
	_, ok = sub.Next(context.Background())
	require.False(t, ok)
}

// TestHubNextHonorsContext returns promptly when the reader gives up.
func TestHubNextHonorsContext(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{})
	sub := hub.Subscribe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok := sub.Next(ctx)
	require.False(t, ok)
}

// TestHubSinkReceivesAllEventsBeforeClose ensures attached sinks are drained on Close.
func TestHubSinkReceivesAllEventsBeforeClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		MaxBatchEvents: 2,
		Snapshot:       func() Snapshot { return Snapshot{RunID: "run-1"} },
	}, sink)
	for i := 1; i <= 5; i++ {
		hub.Publish(sampleEvent(KindItemStart, i))
	}
	require.NoError(t, hub.Close(context.Background()))

	total := 0
	for _, batch := range sink.Batches() {
		require.LessOrEqual(t, len(batch), 2)
		for _, evt := range batch {
			require.NotEqual(t, KindSnapshot, evt.Kind)
		}
		total += len(batch)
	}
	require.Equal(t, 5, total)
}

// TestHubSinkErrorsDoNotStopDelivery keeps pumping after a failing batch.
func TestHubSinkErrorsDoNotStopDelivery(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := 0
	sink := SinkFunc(func(context.Context, []Event) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("boom")
	})
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)
	hub.Publish(sampleEvent(KindItemStart, 1))
	hub.Publish(sampleEvent(KindItemStart, 2))
	require.NoError(t, hub.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, calls, 1)
}

// TestHubCloseTimeout surfaces a sink that never returns.
func TestHubCloseTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	sink := SinkFunc(func(context.Context, []Event) error {
		<-release
		return nil
	})
	hub := NewHub(Config{SinkTimeout: time.Minute}, sink)
	hub.Publish(sampleEvent(KindItemStart, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := hub.Close(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

// TestHubRejectsInvalidEvents drops malformed payloads.
func TestHubRejectsInvalidEvents(t *testing.T) {
	t.Parallel()

	var got int
	hub := NewHub(Config{Callback: func(Event) { got++ }})
	hub.Publish(Event{Kind: KindItemStart, Index: 1})
	hub.Publish(Event{RunID: "run-1", Kind: "bogus"})
	hub.Publish(Event{RunID: "run-1", Kind: KindRunFinish})
	require.Zero(t, got)
	require.Zero(t, hub.Published())
}

// TestHubConcurrentSubscribers exercises concurrent readers against one publisher.
func TestHubConcurrentSubscribers(t *testing.T) {
	t.Parallel()

	const events = 500
	hub := NewHub(Config{})
	subs := make([]*Subscription, 8)
	for i := range subs {
		subs[i] = hub.Subscribe()
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			n := 0
			for {
				evt, ok := sub.Next(context.Background())
				if !ok {
					break
				}
				n++
				assert.Equal(t, n, evt.Index)
			}
			assert.Equal(t, events, n)
		}(sub)
	}
	for i := 1; i <= events; i++ {
		hub.Publish(sampleEvent(KindItemStart, i))
	}
	require.NoError(t, hub.Close(context.Background()))
	wg.Wait()
}

// TestSnapshotCloneIsDeep guards against shared slices leaking between events.
func TestSnapshotCloneIsDeep(t *testing.T) {
	t.Parallel()

	started := time.Unix(100, 0)
	snap := Snapshot{
		RunID:     "run-1",
		Items:     []ItemSnapshot{{Index: 1, Locators: []string{"a.mp3"}}},
		StartedAt: &started,
	}
	evt := SnapshotEvent(KindRunFinish, snap, time.Unix(200, 0))
	snap.Items[0].Locators[0] = "changed"
	*snap.StartedAt = time.Unix(0, 0)

	require.Equal(t, "a.mp3", evt.Snapshot.Items[0].Locators[0])
	require.Equal(t, time.Unix(100, 0), *evt.Snapshot.StartedAt)
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyBatch := append([]Event(nil), batch...)
	s.batches = append(s.batches, copyBatch)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(kind Kind, index int) Event {
	return Event{
		RunID:       "run-1",
		Kind:        kind,
		Index:       index,
		Total:       10,
		Description: "Artist - Title",
		Timestamp:   time.Now(),
	}
}
