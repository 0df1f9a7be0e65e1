package statebus

import (
	"fmt"
	"sync"
	"time"
)

// Bus is the state replication contract. Consumers (the engine's daemon,
// presentation layers) depend on this interface, never on a transport.
type Bus interface {
	// Put overwrites key's value if ts is newer than the stored entry's
	// timestamp. A stale Put (older or equal timestamp) is silently
	// dropped; that is what makes peer echoes harmless.
	Put(key string, v Value, ts time.Time) error

	// Get returns key's latest entry.
	Get(key string) (Entry, bool)

	// All returns a copy of every key's latest entry.
	All() map[string]Entry

	// Observe subscribes to future changes of key; the empty key
	// observes every key. Subscribers joining late see only changes
	// after they joined, never history.
	Observe(key string) *Subscription

	// ClearAll drops every entry. Subscribers are not notified.
	ClearAll() error
}

// Subscription is one observer of a key. Receive from C; call Cancel when
// done. Delivery is unbounded: a slow receiver queues updates rather than
// dropping them or blocking writers.
type Subscription struct {
	C <-chan Update

	cancel func()
}

// Cancel detaches the subscription and closes C once queued updates drain.
func (s *Subscription) Cancel() {
	s.cancel()
}

// subscriber buffers updates for one Subscription and pumps them out on a
// dedicated goroutine, so Put never blocks on a receiver.
type subscriber struct {
	key string
	out chan Update

	mu      sync.Mutex
	cond    *sync.Cond
	pending []Update
	closed  bool
}

func newSubscriber(key string) *subscriber {
	s := &subscriber{key: key, out: make(chan Update)}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

func (s *subscriber) push(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = append(s.pending, u)
	s.cond.Signal()
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber) pump() {
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.pending) == 0 && s.closed {
			s.mu.Unlock()
			close(s.out)
			return
		}
		u := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		s.out <- u
	}
}

// MemoryBus is the same-process Bus. It is the storage engine for the peer
// transport as well: PeerServer and PeerClient wrap one of these.
type MemoryBus struct {
	mu      sync.RWMutex
	entries map[string]Entry
	subs    map[*subscriber]bool
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		entries: make(map[string]Entry),
		subs:    make(map[*subscriber]bool),
	}
}

// Put implements Bus.
func (b *MemoryBus) Put(key string, v Value, ts time.Time) error {
	if key == "" {
		return fmt.Errorf("state key cannot be empty")
	}
	if !v.Valid() {
		return fmt.Errorf("invalid value kind %q for key %s", v.Kind, key)
	}

	b.mu.Lock()
	existing, ok := b.entries[key]
	if ok && !ts.After(existing.Timestamp) {
		b.mu.Unlock()
		return nil
	}
	entry := Entry{Value: v, Timestamp: ts}
	b.entries[key] = entry

	var notify []*subscriber
	for sub := range b.subs {
		if sub.key == key || sub.key == "" {
			notify = append(notify, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range notify {
		sub.push(Update{Key: key, Entry: entry})
	}

	return nil
}

// Get implements Bus.
func (b *MemoryBus) Get(key string) (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[key]
	return e, ok
}

// All implements Bus.
func (b *MemoryBus) All() map[string]Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]Entry, len(b.entries))
	for k, e := range b.entries {
		out[k] = e
	}
	return out
}

// Observe implements Bus.
func (b *MemoryBus) Observe(key string) *Subscription {
	sub := newSubscriber(key)

	b.mu.Lock()
	b.subs[sub] = true
	b.mu.Unlock()

	return &Subscription{
		C: sub.out,
		cancel: func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			sub.close()
		},
	}
}

// ClearAll implements Bus.
func (b *MemoryBus) ClearAll() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[string]Entry)
	return nil
}
