// Package queue implements the predicate-filtered asynchronous queue that
// backs both channel contexts. Pushed items are handed to the earliest
// waiting consumer whose predicate accepts them; unclaimed items stay
// buffered in arrival order until a matching consumer shows up.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrFull is returned by Push when a capacity-bounded queue has no room.
var ErrFull = errors.New("queue: full")

// Poll is a Wait timeout that checks buffered items and returns immediately.
const Poll = time.Duration(-1)

// Predicate decides whether a consumer accepts an item.
type Predicate[T any] func(T) bool

type result[T any] struct {
	item T
	ok   bool
	err  error
}

type waiter[T any] struct {
	pred Predicate[T]
	ch   chan result[T] // buffered(1); receives exactly one result
	done bool           // set under the queue lock once completed
}

// Queue matches pushed items against waiting consumers. Both sides are
// FIFO: buffered items are scanned front to back, and when an item is
// acceptable to several waiters the earliest-registered one wins. Each
// waiter consumes at most one item.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	waiters  []*waiter[T]
	capacity int
	failed   bool
	failErr  error
}

// Option configures a Queue.
type Option[T any] func(*Queue[T])

// WithCapacity bounds the number of buffered items. Zero means unbounded.
func WithCapacity[T any](n int) Option[T] {
	return func(q *Queue[T]) { q.capacity = n }
}

// New builds an empty queue.
func New[T any](opts ...Option[T]) *Queue[T] {
	q := &Queue[T]{}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Push delivers item to the earliest waiter whose predicate accepts it, or
// buffers it when no waiter matches.
func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, w := range q.waiters {
		if !w.pred(item) {
			continue
		}
		w.done = true
		q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
		w.ch <- result[T]{item: item, ok: true}
		return nil
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return ErrFull
	}
	q.items = append(q.items, item)
	return nil
}

// Wait returns the first buffered item accepted by pred, consuming it.
// When none is buffered it blocks according to timeout: negative returns
// empty immediately, zero blocks until an item arrives or the queue is
// flushed, positive blocks up to that duration. The bool result is false
// when the wait ended empty. A flush completes the wait with the flush
// error, and ctx expiry completes it with ctx.Err().
func (q *Queue[T]) Wait(ctx context.Context, pred Predicate[T], timeout time.Duration) (T, bool, error) {
	var zero T

	q.mu.Lock()
	for i, item := range q.items {
		if pred(item) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.mu.Unlock()
			return item, true, nil
		}
	}
	if q.failed {
		err := q.failErr
		q.mu.Unlock()
		return zero, false, err
	}
	if timeout < 0 {
		q.mu.Unlock()
		return zero, false, nil
	}
	w := &waiter[T]{pred: pred, ch: make(chan result[T], 1)}
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case res := <-w.ch:
		return res.item, res.ok, res.err
	case <-timeoutC:
		if res, delivered := q.abandon(w); delivered {
			return res.item, res.ok, res.err
		}
		return zero, false, nil
	case <-ctx.Done():
		if res, delivered := q.abandon(w); delivered {
			return res.item, res.ok, res.err
		}
		return zero, false, ctx.Err()
	}
}

// abandon removes w from the wait list on timeout or ctx expiry. When w was
// completed concurrently the delivered result wins and is returned, so an
// item is never lost to a racing timeout.
func (q *Queue[T]) abandon(w *waiter[T]) (result[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w.done {
		return <-w.ch, true
	}
	w.done = true
	for i, other := range q.waiters {
		if other == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
	return result[T]{}, false
}

// Flush drops all buffered items and completes every waiter: with err when
// non-nil, empty otherwise. The queue stays usable afterwards.
func (q *Queue[T]) Flush(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.completeWaitersLocked(err)
}

// FlushWaiters completes waiters like Flush but leaves buffered items in
// place, so already-queued items stay drainable.
func (q *Queue[T]) FlushWaiters(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completeWaitersLocked(err)
}

// Fail is a terminal Flush: it drops buffered items, completes every waiter
// with err, and makes any later Wait return err immediately instead of
// blocking. It closes the window where a consumer registers its wait just
// after a cancellation flushed the queue.
func (q *Queue[T]) Fail(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = true
	q.failErr = err
	q.items = nil
	q.completeWaitersLocked(err)
}

func (q *Queue[T]) completeWaitersLocked(err error) {
	for _, w := range q.waiters {
		w.done = true
		w.ch <- result[T]{err: err}
	}
	q.waiters = nil
}

// Items returns a snapshot of the buffered items in arrival order.
func (q *Queue[T]) Items() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, len(q.items))
	copy(out, q.items)
	return out
}

// Seed appends items to the buffer without consulting capacity or waiters.
// It restores a queue from a serialized snapshot before any consumer runs.
func (q *Queue[T]) Seed(items []T) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, items...)
}

// Len is the number of buffered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
