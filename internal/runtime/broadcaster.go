package runtime

import (
	"sync"
)

// Broadcaster fans values out to any number of subscribers, each backed by its
// own SubQueue so that every subscriber sees every value exactly once and in
// publish order.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[int]*SubQueue[T]
	nextID int
	closed bool
}

func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{
		subs: make(map[int]*SubQueue[T]),
	}
}

// Subscribe registers a new subscriber. The snapshot values are delivered
// first, followed by everything published after registration. Callers that
// need the snapshot and the live stream to line up must hold their own lock
// around computing the snapshot and calling Subscribe, and the same lock
// around Publish.
func (b *Broadcaster[T]) Subscribe(snapshot ...T) (<-chan T, func()) {
	sub := NewSubQueue[T](len(snapshot) + 8)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.Close()
		return sub.Chan(), func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	for _, ev := range snapshot {
		sub.sendSnapshot(ev)
	}
	sub.SetPaused(false)

	unsub := func() {
		b.mu.Lock()
		if q, ok := b.subs[id]; ok {
			delete(b.subs, id)
			q.Close()
		}
		b.mu.Unlock()
	}
	return sub.Chan(), unsub
}

// Publish enqueues ev on every current subscriber.
func (b *Broadcaster[T]) Publish(ev T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		sub.Enqueue(ev)
	}
}

// Len returns the number of live subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later subscribers get a closed channel.
func (b *Broadcaster[T]) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, q := range b.subs {
		q.Close()
		delete(b.subs, id)
	}
	return nil
}
