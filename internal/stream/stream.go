// Package stream fans engine events out to live subscribers.
package stream

import (
	"context"
	"sync"
	"time"
)

// Event types.
const (
	TokenRevoked   = "token_revoked"
	PolicyReissued = "policy_reissued"
	LockoutEngaged = "lockout_engaged"
	OverrideStart  = "override_started"
)

// Event is one notification. Subject is the identity or device concerned;
// TeamID lets subscribers filter by scope.
type Event struct {
	Type      string            `json:"type"`
	Subject   string            `json:"subject"`
	TeamID    string            `json:"team_id,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Filter selects events for one subscriber. Nil accepts everything.
type Filter func(Event) bool

// Stream fan-outs events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
	now  func() time.Time
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber), now: time.Now}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context, filter Filter) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{ch: ch, filter: filter}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt Event) {
	if s == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.filter != nil && !sub.filter(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// slow subscriber, drop
		}
	}
}

// Subscribers is the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
