package realtime

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultBuffer is the per-subscriber queue size
const DefaultBuffer = 64

// Filter selects the events a subscriber receives
type Filter struct {
	MailboxIDs []string
	Topics     []string
}

// Matches applies the scoping rule shared by every transport. connected is always
// delivered, a topic filter restricts topics, and a mailbox filter admits events
// scoped to one of its mailboxes or not scoped at all.
func (f Filter) Matches(e Event) bool {
	if e.Type == EventConnected {
		return true
	}
	if len(f.Topics) > 0 && !contains(f.Topics, e.Topic) {
		return false
	}
	if len(f.MailboxIDs) > 0 && e.Scope.MailboxID != "" && !contains(f.MailboxIDs, e.Scope.MailboxID) {
		return false
	}
	return true
}

// ParseList splits a comma separated query value, dropping blanks
func ParseList(values ...string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Subscriber is one live transport connection
type Subscriber struct {
	ID     string
	Filter Filter
	ch     chan Event
}

// Events is closed when the subscriber is removed or evicted
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Hub is the in-process pub/sub every transport subscribes to
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscriber
	closed bool
	buffer int
	log    logrus.FieldLogger
}

func NewHub(buffer int, log logrus.FieldLogger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[string]*Subscriber),
		buffer: buffer,
		log:    log,
	}
}

// Subscribe registers a subscriber with a fresh client id. After Close the
// returned subscriber's channel is already closed.
func (h *Hub) Subscribe(f Filter) *Subscriber {
	s := &Subscriber{
		ID:     uuid.NewString(),
		Filter: f,
		ch:     make(chan Event, h.buffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.ch)
		return s
	}
	h.subs[s.ID] = s
	n := len(h.subs)
	h.mu.Unlock()

	h.log.WithFields(logrus.Fields{"client_id": s.ID, "subscribers": n}).Debug("realtime subscriber added")
	return s
}

func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(s.ID)
}

// remove must be called with mu held for writing
func (h *Hub) remove(id string) bool {
	s, ok := h.subs[id]
	if !ok {
		return false
	}
	delete(h.subs, id)
	close(s.ch)
	return true
}

// Publish delivers e to every matching subscriber without blocking. Subscribers
// whose queue is full are evicted; their stream ends and the client reconnects.
func (h *Hub) Publish(e Event) int {
	var (
		delivered int
		slow      []string
	)

	h.mu.RLock()
	for id, s := range h.subs {
		if !s.Filter.Matches(e) {
			continue
		}
		select {
		case s.ch <- e:
			delivered++
		default:
			slow = append(slow, id)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.mu.Lock()
		for _, id := range slow {
			if h.remove(id) {
				h.log.WithField("client_id", id).Warn("evicted slow realtime subscriber")
			}
		}
		h.mu.Unlock()
	}
	return delivered
}

// Count returns the number of live subscribers
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close removes every subscriber, ending their streams, and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id := range h.subs {
		h.remove(id)
	}
}
