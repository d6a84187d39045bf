// Package stream adapts line-oriented backend output into the canonical
// message protocol.
package stream

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
)

// ErrConsumed is returned when a second consumer attempts to iterate a
// single-pass stream.
var ErrConsumed = errors.New("stream already consumed")

// Queue is a single-consumer asynchronous channel: producers call Enqueue and
// finish with Close or Fail, the one consumer pulls lazily via All or Next.
//
// Values buffer without bound when no consumer is waiting; there is no
// backpressure. That keeps the producer (a subprocess reader) from ever
// blocking on a slow consumer, at the cost of memory proportional to the
// unread backlog.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	err      error
	closed   bool
	notify   chan struct{}
	consumed atomic.Bool
}

// NewQueue creates an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{notify: make(chan struct{}, 1)}
}

// Enqueue appends a value. Enqueue after Close or Fail is a no-op.
func (q *Queue[T]) Enqueue(v T) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal()
}

// Close marks the end of the stream. Buffered values remain consumable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Fail terminates the stream with an error. The consumer observes the error
// only after draining values enqueued before the failure. The first Close or
// Fail wins.
func (q *Queue[T]) Fail(err error) {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.err = err
	}
	q.mu.Unlock()
	q.signal()
}

func (q *Queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a value is available, the stream ends, or ctx is done.
// ok is false once the stream is drained; err carries the Fail error, if any.
func (q *Queue[T]) Next(ctx context.Context) (v T, ok bool, err error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v = q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, true, nil
		}
		if q.closed {
			err = q.err
			q.mu.Unlock()
			return zero, false, err
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, false, ctx.Err()
		case <-q.notify:
		}
	}
}

// All returns the queue contents as a lazy, ordered, single-pass sequence.
// A second call (or a second range over the same sequence) yields ErrConsumed
// immediately instead of silently re-consuming.
func (q *Queue[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		if !q.consumed.CompareAndSwap(false, true) {
			yield(zero, ErrConsumed)
			return
		}
		for {
			v, ok, err := q.Next(ctx)
			if err != nil {
				yield(zero, err)
				return
			}
			if !ok {
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}
