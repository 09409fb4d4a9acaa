// Package bus is the in-memory fan-out for websocket frames. Frames are
// addressed to logical groups; durable state lives in the database, so a
// dropped subscriber recovers by reconnecting and re-reading.
package bus

import (
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Frame is one typed event delivered to subscribers of a group.
type Frame struct {
	Type string
	Data map[string]any

	// Lossy marks frame classes that may be dropped when a subscriber's
	// buffer is full (distance updates, typing). Lossless frames kill the
	// subscriber instead, forcing the client to reconnect and re-fetch.
	Lossy bool
}

// UserGroup addresses every connection a user holds for one role.
func UserGroup(userID, role string) string {
	return fmt.Sprintf("user:%s:%s", userID, role)
}

// SessionGroup addresses both parties of a live session.
func SessionGroup(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

// Subscriber is one connection's view of the bus. Frames arrive on C in the
// order they were published to each group. C is closed when the subscriber is
// removed, by Unsubscribe or by a lossless overflow.
type Subscriber struct {
	id     string
	ch     chan Frame
	mu     sync.Mutex
	closed bool
}

// C returns the receive channel.
func (s *Subscriber) C() <-chan Frame { return s.ch }

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send delivers f, reporting overflow on a full buffer instead of blocking.
func (s *Subscriber) send(f Frame) (overflow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- f:
		return false
	default:
		return true
	}
}

// Bus routes frames to group members.
type Bus struct {
	mu     sync.RWMutex
	groups map[string]map[string]*Subscriber
	subs   map[string]*Subscriber
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		groups: make(map[string]map[string]*Subscriber),
		subs:   make(map[string]*Subscriber),
	}
}

// Subscribe registers a new subscriber with the given buffer size.
func (b *Bus) Subscribe(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscriber{
		id: ulid.Make().String(),
		ch: make(chan Frame, buffer),
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	return sub
}

// Join adds the subscriber to a group. Joining twice is a no-op.
func (b *Bus) Join(sub *Subscriber, group string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; !ok {
		return
	}

	members, ok := b.groups[group]
	if !ok {
		members = make(map[string]*Subscriber)
		b.groups[group] = members
	}
	members[sub.id] = sub
}

// Leave removes the subscriber from a group.
func (b *Bus) Leave(sub *Subscriber, group string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaveLocked(sub.id, group)
}

func (b *Bus) leaveLocked(subID, group string) {
	members, ok := b.groups[group]
	if !ok {
		return
	}
	delete(members, subID)
	if len(members) == 0 {
		delete(b.groups, group)
	}
}

// Unsubscribe detaches the subscriber from every group and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	for group := range b.groups {
		b.leaveLocked(sub.id, group)
	}
	delete(b.subs, sub.id)
	b.mu.Unlock()

	sub.close()
}

// Publish fans f out to every member of group. Lossy frames are dropped for
// slow subscribers; a lossless frame that cannot be buffered removes the
// subscriber so its connection is closed.
func (b *Bus) Publish(group string, f Frame) {
	b.mu.RLock()
	members := b.groups[group]
	targets := make([]*Subscriber, 0, len(members))
	for _, sub := range members {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	var dead []*Subscriber
	for _, sub := range targets {
		if sub.send(f) && !f.Lossy {
			dead = append(dead, sub)
		}
	}

	for _, sub := range dead {
		b.Unsubscribe(sub)
	}
}

// GroupSize returns the current member count of a group.
func (b *Bus) GroupSize(group string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.groups[group])
}
