package mixdeck

import (
	"context"
	"sync"
)

// queue is a bounded FIFO between two tasks. Either side may close it; after
// that senders get ErrChannelClosed and the receiver drains what's left.
// The item channel itself is never closed, so late senders can't panic.
type queue[T any] struct {
	items chan T
	done  chan struct{}
	once  sync.Once
}

func newQueue[T any](size int) *queue[T] {
	if size < 1 {
		size = 1
	}

	return &queue[T]{
		items: make(chan T, size),
		done:  make(chan struct{}),
	}
}

// send blocks until the item is queued, the queue is closed or ctx is done
func (q *queue[T]) send(ctx context.Context, v T) error {
	select {
	case <-q.done:
		return ErrChannelClosed
	default:
	}

	select {
	case q.items <- v:
		return nil
	case <-q.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySend never blocks. It's the only way adapter callback threads enqueue
func (q *queue[T]) trySend(v T) error {
	select {
	case <-q.done:
		return ErrChannelClosed
	default:
	}

	select {
	case q.items <- v:
		return nil
	default:
		return errQueueFull
	}
}

// receive returns the next item, or ErrChannelClosed once the queue is closed and empty
func (q *queue[T]) receive(ctx context.Context) (T, error) {
	var zero T

	select {
	case v := <-q.items:
		return v, nil
	default:
	}

	select {
	case v := <-q.items:
		return v, nil
	case <-q.done:
		select {
		case v := <-q.items:
			return v, nil
		default:
			return zero, ErrChannelClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (q *queue[T]) close() {
	q.once.Do(func() {
		close(q.done)
	})
}

func (q *queue[T]) closed() <-chan struct{} {
	return q.done
}
