package audit

import (
	"sync"
	"sync/atomic"
)

// feedBuffer is how far a subscriber may fall behind before it misses events.
const feedBuffer = 64

// Filter selects the dispatch events a live subscriber receives. Empty
// fields match everything.
type Filter struct {
	Node      string
	Operation string
	Status    string
}

func (f Filter) Match(e Event) bool {
	return (f.Node == "" || f.Node == e.Node) &&
		(f.Operation == "" || f.Operation == e.Operation) &&
		(f.Status == "" || f.Status == e.Status)
}

// Subscription is one live feed of dispatch events.
type Subscription struct {
	id      uint64
	filter  Filter
	events  chan Event
	dropped atomic.Uint64
}

func (s *Subscription) Events() <-chan Event { return s.events }

// Dropped counts matching events the subscriber missed while its buffer
// was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Hub fans dispatch events out to live subscribers, each with its own
// filter. Publishing never blocks a dispatch.
type Hub struct {
	mu   sync.RWMutex
	subs map[uint64]*Subscription
	next uint64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*Subscription)}
}

// Subscribe starts a feed of the events matching f.
func (h *Hub) Subscribe(f Filter) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := &Subscription{id: h.next, filter: f, events: make(chan Event, feedBuffer)}
	h.next++
	h.subs[s.id] = s
	return s
}

// Unsubscribe ends s and closes its channel. Ending a feed twice is a no-op.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s.id]; ok {
		close(s.events)
		delete(h.subs, s.id)
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish hands e to every subscriber whose filter matches it.
func (h *Hub) Publish(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if !s.filter.Match(e) {
			continue
		}
		select {
		case s.events <- e:
		default:
			s.dropped.Add(1)
		}
	}
}
