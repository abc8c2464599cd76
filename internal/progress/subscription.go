package progress

import (
	"context"
	"sync"
)

// Subscription is one consumer's view of a Hub. It owns an unbounded FIFO so
// a slow reader never blocks the publisher or other subscribers.
type Subscription struct {
	hub    *Hub
	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
	closed bool
}

func newSubscription(h *Hub) *Subscription {
	return &Subscription{hub: h, signal: make(chan struct{}, 1)}
}

// Next blocks until an event is available, the stream ends, or ctx is done.
// After the hub closes, queued events are still returned before ok is false.
func (s *Subscription) Next(ctx context.Context) (Event, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			evt := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return evt, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, false
		}
		select {
		case <-ctx.Done():
			return Event{}, false
		case <-s.signal:
		}
	}
}

// nextBatch blocks like Next but returns up to max queued events at once.
func (s *Subscription) nextBatch(ctx context.Context, max int) ([]Event, bool) {
	for {
		s.mu.Lock()
		if n := len(s.queue); n > 0 {
			if max > 0 && n > max {
				n = max
			}
			batch := make([]Event, n)
			copy(batch, s.queue[:n])
			clear(s.queue[:n])
			s.queue = s.queue[n:]
			s.mu.Unlock()
			return batch, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-s.signal:
		}
	}
}

// Pending reports the number of queued, unread events.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close unsubscribes from the hub. It is safe to call at any time and more than once.
func (s *Subscription) Close() {
	if s.hub != nil {
		s.hub.Unsubscribe(s)
		return
	}
	s.finish(true)
}

func (s *Subscription) push(evt Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, evt)
	s.mu.Unlock()
	s.notify()
}

// finish marks the stream ended; discard drops events not yet read.
func (s *Subscription) finish(discard bool) {
	s.mu.Lock()
	s.closed = true
	if discard {
		s.queue = nil
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Subscription) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}
