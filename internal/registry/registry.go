// Package registry implements the subscription registry: a thread-safe
// mapping from destination name to the set of subscriber connections.
// Grounded on the teacher's SubscriptionIndex (an epoch-based copy-on-write
// vector of subscribers per channel), which spec.md §9 explicitly blesses
// as an acceptable substitute for a plain reader-writer lock.
package registry

import (
	"sync"
	"sync/atomic"

	"smq/internal/message"
)

// Subscriber is anything the registry can deliver a Message to. The
// broker's connection type implements this by pushing onto its send
// queue; ID identifies the subscriber for exclusion/dedup purposes.
type Subscriber interface {
	ID() uint64
	Enqueue(m *message.Message)
}

// Registry maps destination names to the connections subscribed to them.
// The directory of per-destination atomic snapshots is guarded by a
// sync.RWMutex; deliver reads lock-free off the snapshot itself.
type Registry struct {
	mu            sync.RWMutex
	subscriptions map[string]*atomic.Value // destination -> []Subscriber snapshot
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{subscriptions: make(map[string]*atomic.Value)}
}

func snapshot(v *atomic.Value) []Subscriber {
	loaded := v.Load()
	if loaded == nil {
		return nil
	}
	return loaded.([]Subscriber)
}

// Subscribe adds (d, c) for each destination in destinations. Duplicates
// are silently accepted (idempotent), matching spec.md §4.4.
func (r *Registry) Subscribe(c Subscriber, destinations []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, dest := range destinations {
		v := r.subscriptions[dest]
		if v == nil {
			v = &atomic.Value{}
			r.subscriptions[dest] = v
		}
		current := snapshot(v)
		if containsSubscriber(current, c) {
			continue
		}
		next := make([]Subscriber, len(current)+1)
		copy(next, current)
		next[len(current)] = c
		v.Store(next)
	}
}

// Unsubscribe removes (d, c). Absent pairs are no-ops.
func (r *Registry) Unsubscribe(c Subscriber, destination string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(c, destination)
}

func (r *Registry) removeLocked(c Subscriber, destination string) {
	v, ok := r.subscriptions[destination]
	if !ok {
		return
	}
	current := snapshot(v)
	idx := -1
	for i, s := range current {
		if s.ID() == c.ID() {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}
	next := make([]Subscriber, 0, len(current)-1)
	next = append(next, current[:idx]...)
	next = append(next, current[idx+1:]...)
	if len(next) == 0 {
		delete(r.subscriptions, destination)
		return
	}
	v.Store(next)
}

// ClearConnection removes every pair containing c. Invoked on disconnect.
// By the time this returns, deliver will never again enqueue onto c (the
// write lock held here excludes any concurrent Subscribe/Unsubscribe, and
// deliver's snapshot read either happens-before or after this call under
// the same mutex discipline spec.md §4.4 describes).
func (r *Registry) ClearConnection(c Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for dest := range r.subscriptions {
		r.removeLocked(c, dest)
	}
}

// Deliver enumerates the current subscribers for destination and hands
// message to each one's Enqueue. The subscriber set is read lock-free off
// its atomic snapshot; no registry lock is held while dispatching, per
// spec.md's "no callback invoked with a core lock held".
func (r *Registry) Deliver(destination string, m *message.Message) {
	r.mu.RLock()
	v, ok := r.subscriptions[destination]
	r.mu.RUnlock()
	if !ok {
		return
	}

	subs := snapshot(v)
	if len(subs) == 0 {
		return
	}
	for i := 1; i < len(subs); i++ {
		m.Retain()
	}
	for _, s := range subs {
		s.Enqueue(m)
	}
}

// Subscribers returns the current subscriber snapshot for destination, used
// by the broker's publish path to decide whether to deliver a message now
// or stage it as pending until a subscriber appears.
func (r *Registry) Subscribers(destination string) []Subscriber {
	r.mu.RLock()
	v, ok := r.subscriptions[destination]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return snapshot(v)
}

func containsSubscriber(subs []Subscriber, c Subscriber) bool {
	for _, s := range subs {
		if s.ID() == c.ID() {
			return true
		}
	}
	return false
}
