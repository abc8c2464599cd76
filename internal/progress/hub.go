package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls delivery for the Hub.
//   - Callback: when set, every published event is handed to it synchronously.
//   - Snapshot: builds the state snapshot delivered first to each new subscriber.
//   - MaxBatchEvents: largest batch handed to an attached sink (default 1000).
//   - SinkTimeout: per-batch timeout for sink calls (default 10s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	Callback       func(Event)
	Snapshot       func() Snapshot
	MaxBatchEvents int
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultMaxBatchEvents = 1000
	defaultSinkTimeout    = 10 * time.Second
	warnLogInterval       = 5 * time.Second
)

// Hub fans run events out to a callback, subscribers, and attached sinks.
// Publish never blocks on a consumer. The mutex guards only the subscriber set.
type Hub struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool

	pumps      sync.WaitGroup
	warnLimit  rateLimiter
	published  atomic.Int64
	sinkErrors atomic.Int64
	closeOnce  sync.Once
	closeErr   error
}

// NewHub initializes a Hub and attaches the supplied sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:       cfg,
		logger:    logger,
		subs:      make(map[*Subscription]struct{}),
		warnLimit: rateLimiter{interval: warnLogInterval},
	}
	for _, sink := range sinks {
		h.Attach(sink)
	}
	return h
}

// Publish delivers evt to every current subscriber and then to the callback.
// Events published after Close are dropped.
func (h *Hub) Publish(evt Event) {
	if h == nil {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Warn("progress event rejected", zap.Error(err), zap.String("kind", string(evt.Kind)))
		return
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	for sub := range h.subs {
		sub.push(evt)
	}
	h.mu.Unlock()
	h.published.Add(1)
	if h.cfg.Callback != nil {
		h.cfg.Callback(evt)
	}
}

// Subscribe registers a new consumer. Its first event is a snapshot of the
// current state, taken under the same lock that registers it, so no event
// published afterwards is missed. Subscribing to a closed hub yields only the
// snapshot followed by end of stream.
func (h *Hub) Subscribe() *Subscription {
	sub := newSubscription(h)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cfg.Snapshot != nil {
		snap := h.cfg.Snapshot()
		sub.push(SnapshotEvent(KindSnapshot, snap, time.Now().UTC()))
	}
	if h.closed {
		sub.finish(false)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes sub and discards its pending events. It is idempotent.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	sub.finish(true)
}

// Subscribers reports the number of live subscriptions, including sink pumps.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Published reports how many events have been accepted.
func (h *Hub) Published() int64 {
	return h.published.Load()
}

// Attach subscribes sink to the hub and forwards events to it in batches from
// a dedicated goroutine. Snapshot events are not forwarded to sinks. The sink
// keeps its own lifecycle; Close waits for it to drain but does not close it.
func (h *Hub) Attach(sink Sink) {
	if sink == nil {
		return
	}
	sub := h.Subscribe()
	h.pumps.Add(1)
	go h.pump(sink, sub)
}

func (h *Hub) pump(sink Sink, sub *Subscription) {
	defer h.pumps.Done()
	for {
		batch, ok := sub.nextBatch(h.cfg.BaseContext, h.cfg.MaxBatchEvents)
		if !ok {
			return
		}
		batch = withoutSnapshots(batch)
		if len(batch) == 0 {
			continue
		}
		h.deliver(sink, batch)
	}
}

func (h *Hub) deliver(sink Sink, batch []Event) {
	ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
	defer cancel()
	if err := sink.Consume(ctx, batch); err != nil {
		total := h.sinkErrors.Add(1)
		if h.warnLimit.Allow(time.Now()) {
			h.logger.Warn("progress sink failed",
				zap.Error(err),
				zap.Int("batch_size", len(batch)),
				zap.Int64("failures_total", total),
			)
		}
	}
}

// Close ends every subscription and waits for attached sinks to drain. Queued
// events remain readable by subscribers. It is safe to call more than once.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		subs := make([]*Subscription, 0, len(h.subs))
		for sub := range h.subs {
			subs = append(subs, sub)
		}
		clear(h.subs)
		h.mu.Unlock()
		for _, sub := range subs {
			sub.finish(false)
		}

		done := make(chan struct{})
		go func() {
			h.pumps.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			h.closeErr = fmt.Errorf("progress hub close wait: %w", ctx.Err())
		}
	})
	return h.closeErr
}

// Closed reports whether Close has been called.
func (h *Hub) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func withoutSnapshots(batch []Event) []Event {
	out := batch[:0]
	for _, evt := range batch {
		if evt.Kind != KindSnapshot {
			out = append(out, evt)
		}
	}
	return out
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
