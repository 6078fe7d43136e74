// Package notify delivers pulse progress events to observers: an in-process
// Hub for websocket clients and a Redis channel bridge for multi-instance
// deployments.
package notify

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/teranos/loom/pulse"
)

// SubscriberBufferSize is the per-subscriber channel capacity
const SubscriberBufferSize = 64

// Filter selects events for a subscriber. Empty fields match anything.
type Filter struct {
	JobID   string
	OwnerID string
}

func (f Filter) matches(e pulse.Event) bool {
	if f.JobID != "" && f.JobID != e.JobID {
		return false
	}
	if f.OwnerID != "" && f.OwnerID != e.OwnerID {
		return false
	}
	return true
}

// Subscription is a live event stream. Events that do not fit in the buffer
// are dropped, never blocking the publisher.
type Subscription struct {
	C       <-chan pulse.Event
	ch      chan pulse.Event
	filter  Filter
	hub     *Hub
	dropped atomic.Int64
	once    sync.Once
}

// Dropped returns how many events were discarded for this subscriber.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Hub fans events out to in-process subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	logger *zap.SugaredLogger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{
		subs:   make(map[*Subscription]struct{}),
		logger: logger.Named("notify.hub"),
	}
}

var _ pulse.Notifier = (*Hub)(nil)

// Subscribe registers a subscriber for events matching filter.
func (h *Hub) Subscribe(filter Filter) *Subscription {
	ch := make(chan pulse.Event, SubscriberBufferSize)
	sub := &Subscription{C: ch, ch: ch, filter: filter, hub: h}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers event to every matching subscriber without blocking.
func (h *Hub) Publish(event pulse.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs {
		if !sub.filter.matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			if sub.dropped.Add(1) == 1 {
				h.logger.Warnw("Subscriber too slow, dropping events",
					"job_id", event.JobID,
					"filter_job_id", sub.filter.JobID,
				)
			}
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

// Multi publishes each event to every notifier in order.
type Multi []pulse.Notifier

// Publish implements pulse.Notifier.
func (m Multi) Publish(event pulse.Event) {
	for _, n := range m {
		if n != nil {
			n.Publish(event)
		}
	}
}
