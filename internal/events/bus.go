// Package events provides the in-process event bus used by the call and
// account hubs, plus optional publishing of the same events to NATS.
//
// Subscribing returns an owned *Subscription; closing it detaches the
// handler. Hub teardown therefore only has to close the handles it holds,
// there is no separate connection-bookkeeping map to keep in sync.
package events

import (
	"strings"
	"sync"
)

// Handler receives a published event. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(Event)

// Bus is a subject-pattern publish/subscribe bus.
//
// Patterns use NATS-style tokens: "*" matches exactly one token, ">"
// matches one or more trailing tokens.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*Subscription
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscription is an owned handle to an active subscription.
type Subscription struct {
	bus     *Bus
	id      uint64
	pattern string
	handler Handler
	once    sync.Once
}

// Pattern returns the subject pattern this subscription matches.
func (s *Subscription) Pattern() string {
	return s.pattern
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
	})
}

// Subscribe registers a handler for all events whose subject matches the
// pattern and returns the owned subscription handle.
func (b *Bus) Subscribe(pattern string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		bus:     b,
		id:      b.nextID,
		pattern: pattern,
		handler: h,
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers the event to every matching subscriber.
func (b *Bus) Publish(ev Event) {
	subject := ev.Subject()

	b.mu.RLock()
	matched := make([]Handler, 0, 4)
	for _, sub := range b.subs {
		if MatchSubject(sub.pattern, subject) {
			matched = append(matched, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range matched {
		h(ev)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// MatchSubject reports whether a subject matches a pattern.
// Example: MatchSubject("callhub.calls.*.cleared", "callhub.calls.c1.cleared")
func MatchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, p := range pt {
		if p == ">" {
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
