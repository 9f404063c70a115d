// Package queue implements unbounded FIFO queues handing items from a
// producer to consumers running on other goroutines.
package queue

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("queue closed")

// Queue is an unbounded goroutine safe FIFO. Push never blocks, Pop waits
// for an item. The zero value is not usable, use New.
type Queue[T any] struct {
	mx     sync.Mutex
	items  []T
	ready  chan struct{} // closed and replaced on every push
	closed bool
}

func New[T any]() *Queue[T] {
	return &Queue[T]{
		ready: make(chan struct{}),
	}
}

// Push appends an item. Returns ErrClosed after Close.
func (q *Queue[T]) Push(item T) error {
	q.mx.Lock()
	defer q.mx.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, item)
	close(q.ready)
	q.ready = make(chan struct{})
	return nil
}

// TryPop returns the oldest item without waiting.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mx.Lock()
	defer q.mx.Unlock()
	return q.pop()
}

// Pop waits for the oldest item. Items pushed before Close are still
// returned, after that Pop returns ErrClosed. A canceled ctx returns
// ctx.Err().
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		q.mx.Lock()
		item, ok := q.pop()
		closed, ready := q.closed, q.ready
		q.mx.Unlock()

		if ok {
			return item, nil
		}
		if closed {
			var zero T
			return zero, ErrClosed
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-ready:
		}
	}
}

func (q *Queue[T]) pop() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return item, true
}

// Len returns the number of waiting items.
func (q *Queue[T]) Len() int {
	q.mx.Lock()
	defer q.mx.Unlock()
	return len(q.items)
}

// Close stops accepting new items and wakes up all waiting consumers.
func (q *Queue[T]) Close() {
	q.mx.Lock()
	defer q.mx.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ready)
}
