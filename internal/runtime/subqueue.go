package runtime

import (
	"sync"
)

// SubQueue is an unbounded, ordered mailbox for a single subscriber. Producers
// never block on a slow reader; the dispatcher goroutine drains the queue into
// the subscriber channel one value at a time.
type SubQueue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []T
	closed bool
	done   chan struct{}

	outCh  chan T
	paused bool // held until the snapshot has been delivered
}

func NewSubQueue[T any](outBuf int) *SubQueue[T] {
	sq := &SubQueue[T]{
		outCh:  make(chan T, outBuf),
		done:   make(chan struct{}),
		paused: true,
	}
	sq.cond = sync.NewCond(&sq.mu)
	go sq.dispatch()
	return sq
}

// Chan is the channel handed to the subscriber.
func (sq *SubQueue[T]) Chan() <-chan T { return sq.outCh }

// Enqueue appends to the queue and wakes the dispatcher. No-op once closed.
func (sq *SubQueue[T]) Enqueue(ev T) {
	sq.mu.Lock()
	if !sq.closed {
		sq.queue = append(sq.queue, ev)
		sq.cond.Signal()
	}
	sq.mu.Unlock()
}

// Len reports how many values are waiting for dispatch.
func (sq *SubQueue[T]) Len() int {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return len(sq.queue)
}

// SetPaused gates dispatching.
func (sq *SubQueue[T]) SetPaused(v bool) {
	sq.mu.Lock()
	sq.paused = v
	sq.cond.Broadcast()
	sq.mu.Unlock()
}

// Close drops anything still queued, stops the dispatcher and closes the
// subscriber channel. Safe to call more than once.
func (sq *SubQueue[T]) Close() {
	sq.mu.Lock()
	if !sq.closed {
		sq.closed = true
		sq.queue = nil
		close(sq.done)
	}
	sq.cond.Broadcast()
	sq.mu.Unlock()
}

// sendSnapshot pushes a value straight to the subscriber channel, bypassing
// the queue. Only valid while paused, with a channel buffer large enough for
// the whole snapshot.
func (sq *SubQueue[T]) sendSnapshot(ev T) {
	sq.outCh <- ev
}

func (sq *SubQueue[T]) dispatch() {
	defer close(sq.outCh)
	for {
		sq.mu.Lock()
		for !sq.closed && (sq.paused || len(sq.queue) == 0) {
			sq.cond.Wait()
		}
		if sq.closed {
			sq.mu.Unlock()
			return
		}
		ev := sq.queue[0]
		var zero T
		sq.queue[0] = zero
		sq.queue = sq.queue[1:]
		sq.mu.Unlock()

		select {
		case sq.outCh <- ev:
		case <-sq.done:
			return
		}
	}
}
