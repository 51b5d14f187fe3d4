// Package broadcast implements the unified reading stream: a bounded
// multi-producer/multi-consumer fan-out. Producers never block on a slow
// consumer; a lagged subscriber drops messages and the drop count is
// exposed for logging/metrics.
package broadcast

import (
	"sync"
	"sync/atomic"

	"telemetryd/internal/reading"
)

const bufferSize = 256

// Hub is the single global reading broadcast. Publish is called by every
// decoder-owning listener; Subscribe is called once by the primary-sensor
// ingress task and by any additional consumer.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[int]chan reading.Reading
	nextID      int
	dropped     atomic.Int64
}

// NewHub constructs an empty broadcast hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[int]chan reading.Reading)}
}

// Subscription is a handle returned by Subscribe; Close removes it.
type Subscription struct {
	id  int
	hub *Hub
	ch  chan reading.Reading
}

// C returns the channel to receive readings from.
func (s *Subscription) C() <-chan reading.Reading { return s.ch }

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if _, ok := s.hub.subscribers[s.id]; ok {
		delete(s.hub.subscribers, s.id)
		close(s.ch)
	}
}

// Subscribe registers a new bounded consumer.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan reading.Reading, bufferSize)
	h.subscribers[id] = ch
	return &Subscription{id: id, hub: h, ch: ch}
}

// Publish delivers r to every current subscriber without blocking. It
// returns false when there are no subscribers at all; callers (typically
// a short-range channel listener) treat that as a signal to stop, since
// the process is shutting down rather than erroring.
func (h *Hub) Publish(r reading.Reading) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.subscribers) == 0 {
		return false
	}
	for _, ch := range h.subscribers {
		select {
		case ch <- r:
		default:
			h.dropped.Add(1)
		}
	}
	return true
}

// Dropped returns the cumulative count of readings dropped because a
// subscriber's buffer was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
