// Package fifo provides the unbounded FIFO queue used by transports and
// channels to hand messages from producer goroutines to a single consumer loop.
package fifo

import "sync"

// Queue is a thread-safe FIFO queue.
//
// The queue is unbounded so that producers (transport read loops, timers)
// never block on a slow consumer. Ordering is preserved per queue, which is
// what gives a transport link its FIFO delivery guarantee.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in consumer loops (prevents goroutine hangs on context cancellation).
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{} // Signals availability (buffered, size 1)
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		items:  make([]T, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an item to the back of the queue.
// Returns false if the queue is closed.
func (q *Queue[T]) Enqueue(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.items = append(q.items, v)

	// Non-blocking: the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes and returns the front item without blocking.
func (q *Queue[T]) TryDequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	v := q.items[0]

	// Nil out the slot so the backing array does not pin the item.
	q.items[0] = zero

	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}

	return v, true
}

// Wait returns a channel that signals when items may be available.
// Use with select for context-aware waiting:
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-q.Wait():
//	    // Try TryDequeue
//	}
//
// The channel is closed once the queue is closed.
func (q *Queue[T]) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close signals that no more items will be enqueued.
// Items already queued remain available to TryDequeue.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal) // Wakes all waiters
}

// Drain blocks, delivering items to fn in order, until the queue is closed
// and empty or done is closed.
func (q *Queue[T]) Drain(done <-chan struct{}, fn func(T)) {
	for {
		if v, ok := q.TryDequeue(); ok {
			fn(v)
			continue
		}

		select {
		case <-done:
			return
		case <-q.Wait():
			// A stale signal can fire with nothing queued; only a closed,
			// empty queue ends the loop.
			if q.Closed() && q.Len() == 0 {
				return
			}
		}
	}
}
