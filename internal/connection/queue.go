package connection

import (
	"context"
	"io"
	"sync"
)

// queue is an unbounded FIFO with a single consumer. Pushes never block.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	notify chan struct{} // capacity 1, signalled on push and close
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{notify: make(chan struct{}, 1)}
}

func (q *queue[T]) push(v T) error {
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

// pop blocks until an item is available, the queue is closed and drained
// (io.EOF), or one of the done channels fires.
func (q *queue[T]) pop(ctx context.Context, deadline <-chan struct{}) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return zero, io.EOF
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-deadline:
			return zero, errDeadline
		}
	}
}

// close stops further pushes. Queued items remain readable.
func (q *queue[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// discard closes the queue and drops anything still queued.
func (q *queue[T]) discard() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.signal()
}

func (q *queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
