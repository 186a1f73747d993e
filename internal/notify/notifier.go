// Package notify publishes "task set changed" events to observers.
//
// Publishing never blocks. Every subscriber owns a one-slot queue; when the
// slot is already full the new event is folded into the pending one, so a
// slow observer sees fewer, merged events rather than stalling writers.
// Delivery is at-least-once and events are hints only: observers re-read
// the store instead of trusting the payload.
package notify

import (
	"sync"
)

// Origin tells observers who caused a change.
type Origin uint8

// Origins. A merged event may carry both.
const (
	OriginLocal Origin = 1 << iota // CRUD call from the UI layer
	OriginSync                     // merge or resolution by the sync engine
)

// Has reports whether o includes other.
func (o Origin) Has(other Origin) bool { return o&other != 0 }

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginSync:
		return "sync"
	case OriginLocal | OriginSync:
		return "local+sync"
	default:
		return "none"
	}
}

// maxTaskIDs bounds the id hint carried by a merged event.
const maxTaskIDs = 256

// Event announces a committed store transaction.
type Event struct {
	// Seq increases with every publish. A merged event carries the newest.
	Seq uint64

	Origin Origin

	// TaskIDs lists affected tasks. Nil means "unknown, re-read everything".
	TaskIDs []string
}

func merge(older, newer Event) Event {
	out := Event{Seq: newer.Seq, Origin: older.Origin | newer.Origin}
	if older.TaskIDs == nil || newer.TaskIDs == nil {
		return out
	}

	seen := make(map[string]struct{}, len(older.TaskIDs)+len(newer.TaskIDs))
	ids := make([]string, 0, len(older.TaskIDs)+len(newer.TaskIDs))
	for _, list := range [][]string{older.TaskIDs, newer.TaskIDs} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	if len(ids) > maxTaskIDs {
		return out
	}
	out.TaskIDs = ids
	return out
}

// Subscription is one observer's queue.
type Subscription struct {
	id uint64
	ch chan Event
	n  *Notifier
}

// C returns the channel events are delivered on. It is closed when the
// subscription or the notifier is closed.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() { s.n.unsubscribe(s.id) }

// offer must be called with the notifier lock held; publishers are then the
// only senders, so the loop always terminates.
func (s *Subscription) offer(ev Event) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case old := <-s.ch:
			ev = merge(old, ev)
		default:
		}
	}
}

// Notifier fans events out to subscribers.
type Notifier struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	seq    uint64
	closed bool
}

// New creates a notifier.
func New() *Notifier {
	return &Notifier{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a new observer.
func (n *Notifier) Subscribe() *Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	s := &Subscription{id: n.nextID, ch: make(chan Event, 1), n: n}
	if n.closed {
		close(s.ch)
		return s
	}
	n.subs[s.id] = s
	return s
}

func (n *Notifier) unsubscribe(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if s, ok := n.subs[id]; ok {
		delete(n.subs, id)
		close(s.ch)
	}
}

// Publish delivers an event to every subscriber without blocking and
// returns its sequence number.
func (n *Notifier) Publish(origin Origin, taskIDs ...string) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return n.seq
	}
	n.seq++

	var ids []string
	if len(taskIDs) > 0 && len(taskIDs) <= maxTaskIDs {
		ids = make([]string, len(taskIDs))
		copy(ids, taskIDs)
	}

	for _, s := range n.subs {
		ev := Event{Seq: n.seq, Origin: origin}
		if ids != nil {
			ev.TaskIDs = append([]string(nil), ids...)
		}
		s.offer(ev)
	}
	return n.seq
}

// SubscriberCount returns the number of active subscriptions.
func (n *Notifier) SubscriberCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

// Close closes every subscription. Later publishes are dropped.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	n.closed = true
	for id, s := range n.subs {
		delete(n.subs, id)
		close(s.ch)
	}
}
