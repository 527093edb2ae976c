package broadcast

import (
	"sync"
)

// subscriberBuffer bounds how far a slow observer can fall behind before
// events are dropped for it.
const subscriberBuffer = 64

// Subscriber receives a forward-only stream of events. Late joiners never
// see events published before they subscribed.
type Subscriber struct {
	ch   chan Event
	done chan struct{}
	hub  *Hub
	once sync.Once
}

// Events returns the subscriber's event stream
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Done is closed when the subscriber is detached from the hub
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Close detaches the subscriber. Safe to call more than once.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.done)
	})
}

// Hub fans published events out to all current subscribers with
// at-most-once delivery per subscriber. The lock guards only membership
// changes; delivery happens outside it against a snapshot.
type Hub struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// NewHub creates an empty broadcast hub
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscriber]struct{})}
}

// Subscribe attaches a new observer and returns its stream
func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{
		ch:   make(chan Event, subscriberBuffer),
		done: make(chan struct{}),
		hub:  h,
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Publish delivers the event to every current subscriber. Subscribers with
// full buffers simply miss the event; delivery never blocks the publisher.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	snapshot := make([]*Subscriber, 0, len(h.subs))
	for s := range h.subs {
		snapshot = append(snapshot, s)
	}
	h.mu.Unlock()

	for _, s := range snapshot {
		select {
		case s.ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports the current number of attached observers
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) remove(s *Subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}
