// Package queue provides the unbounded FIFO used between a producer that
// must never block (the container reader, a decode engine's output callback)
// and a single consumer that drains it at its own pace.
package queue

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("queue: closed")

// compactThreshold is the number of consumed slots after which the backing
// slice is compacted on the next Dequeue.
const compactThreshold = 1024

// Queue is an unbounded single-producer/single-consumer FIFO. Enqueue never
// blocks; capacity is bounded only by the consumer keeping up. Items are
// never reordered.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	closed bool
	notify chan struct{}
}

// New creates an empty Queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		notify: make(chan struct{}, 1),
	}
}

// Enqueue appends v to the tail. It returns ErrClosed if the queue has been
// closed.
func (q *Queue[T]) Enqueue(v T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	q.signal()
	return nil
}

// Dequeue removes and returns the head, or false if the queue is empty.
func (q *Queue[T]) Dequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.head == len(q.items) {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head++

	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head >= compactThreshold && q.head*2 >= len(q.items):
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return v, true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Close marks the end of input. Items already queued remain available to
// Dequeue. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.signal()
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Drained reports whether the queue is closed and empty. A drained queue
// will never yield another item.
func (q *Queue[T]) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && q.head == len(q.items)
}

// Notify returns a channel that receives a value after an Enqueue or Close.
// Signals are coalesced, so a consumer should re-check the queue after every
// wakeup rather than count signals.
func (q *Queue[T]) Notify() <-chan struct{} {
	return q.notify
}

func (q *Queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
