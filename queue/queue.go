// Package queue implements the observable, bounded, multi-producer
// single-consumer queue (ObservableQueue) and the Observe/ReceiveOne/
// ReceiveSome builders that turn it into the root stage of a streaming
// task.Builder. It corresponds to Async::ObservableQueue, Async::Observable
// and Async::ObserveTask in _examples/original_source/details/Observe.h.
//
// The C++ original waits on a std::condition_variable with a 300ms
// timeout. The standard library's sync.Cond has no timed wait, so PopOne
// and PopSome instead block on a broadcast channel that is swapped out
// on every push and on Close — a standard substitute for a
// timeout-capable condition variable, not a third-party-library gap: no
// dependency in the retrieval pack does this any better than the
// select/time.After the rest of the pack already uses for timed waits
// (e.g. notify/worker.go's time.AfterFunc-based wait stage).
package queue

import (
	"sync"
	"time"

	"github.com/dailongchen/libasync/cancel"
	"github.com/dailongchen/libasync/metrics"
	"github.com/dailongchen/libasync/task"
)

const (
	pushPollInterval = 100 * time.Microsecond
	popWaitTimeout   = 300 * time.Millisecond
)

// Option configures an ObservableQueue at construction.
type Option[T any] func(*ObservableQueue[T])

// WithLimitation caps the queue's soft capacity: PushOne/PushSome block
// (polling) while the queue holds at least this many items. The default is
// unbounded.
func WithLimitation[T any](n int) Option[T] {
	return func(q *ObservableQueue[T]) { q.limitation = n }
}

// WithOnCompleted registers a callback fired exactly once, the first time
// Release is called.
func WithOnCompleted[T any](f func()) Option[T] {
	return func(q *ObservableQueue[T]) { q.onCompleted = f }
}

// WithName labels the queue for the QueueDepth metric. The default is
// "default".
func WithName[T any](name string) Option[T] {
	return func(q *ObservableQueue[T]) { q.name = name }
}

// ObservableQueue is a bounded FIFO queue safe for concurrent pushers and a
// single concurrent popper.
type ObservableQueue[T any] struct {
	mu      sync.Mutex
	items   []T
	waiters chan struct{}

	limitation  int
	closed      bool
	name        string
	onCompleted func()
	releaseOnce sync.Once
}

// New creates an empty, open ObservableQueue. With no WithLimitation
// option, the queue has no soft capacity (PushOne/PushSome never block).
func New[T any](opts ...Option[T]) *ObservableQueue[T] {
	q := &ObservableQueue[T]{
		limitation: -1,
		name:       "default",
		waiters:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// wake broadcasts to any goroutine blocked in PopOne/PopSome and resets the
// broadcast channel for the next wait. Must be called with mu held.
func (q *ObservableQueue[T]) wake() {
	close(q.waiters)
	q.waiters = make(chan struct{})
}

func (q *ObservableQueue[T]) reportDepth() {
	metrics.QueueDepth.WithLabelValues(q.name).Set(float64(len(q.items)))
}

func (q *ObservableQueue[T]) atCapacity() bool {
	return q.limitation >= 0 && len(q.items) >= q.limitation
}

// PushOne appends one item. It blocks (polling every ~100µs) while the
// queue is at or over its limitation, and silently does nothing if the
// queue is closed or the calling worker's chain has been cancelled.
func (q *ObservableQueue[T]) PushOne(v T) {
	for {
		q.mu.Lock()
		if q.closed || cancel.IsCancelled() {
			q.mu.Unlock()
			return
		}
		if q.atCapacity() {
			q.mu.Unlock()
			time.Sleep(pushPollInterval)
			continue
		}

		q.items = append(q.items, v)
		q.reportDepth()
		q.wake()
		q.mu.Unlock()
		return
	}
}

// PushSome appends every item in vs as a single batch. The batch is never
// fragmented: once the capacity gate opens, all of vs is appended
// regardless of how far that pushes the queue over its limitation — the
// same behavior as the C++ source's PushSome, which gates on current size
// rather than reserving room for the whole batch.
func (q *ObservableQueue[T]) PushSome(vs []T) {
	for {
		q.mu.Lock()
		if q.closed || cancel.IsCancelled() {
			q.mu.Unlock()
			return
		}
		if q.atCapacity() {
			q.mu.Unlock()
			time.Sleep(pushPollInterval)
			continue
		}

		q.items = append(q.items, vs...)
		q.reportDepth()
		q.wake()
		q.mu.Unlock()
		return
	}
}

// Close marks the queue closed. Pushes after Close are silently ignored;
// items already queued remain poppable until drained.
func (q *ObservableQueue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.wake()
	q.mu.Unlock()
}

// Release fires the queue's onCompleted callback, exactly once. Go has no
// destructors, so callers invoke Release explicitly when they're the last
// holder of the queue — typically the streaming consumer, once its handle
// has been joined.
func (q *ObservableQueue[T]) Release() {
	q.releaseOnce.Do(func() {
		if q.onCompleted != nil {
			q.onCompleted()
		}
	})
}

// PopResult reports the outcome of a PopOne/PopSome call.
type PopResult struct {
	success bool
	closed  bool
}

// Success reports whether the pop returned one or more items.
func (r PopResult) Success() bool { return r.success }

// Closed reports whether the queue is empty and closed — the stream is
// fully drained.
func (r PopResult) Closed() bool { return r.closed }

func (q *ObservableQueue[T]) wait() {
	q.mu.Lock()
	if len(q.items) != 0 {
		q.mu.Unlock()
		return
	}
	waiters := q.waiters
	q.mu.Unlock()

	select {
	case <-waiters:
	case <-time.After(popWaitTimeout):
	}
}

// PopOne removes and returns the front item. If the queue is empty, it
// waits up to ~300ms for a push or close before giving up: a zero value
// with Success()==false and Closed()==false means "timed out, try again";
// Closed()==true means the queue is empty and will never yield more.
func (q *ObservableQueue[T]) PopOne() (T, PopResult) {
	q.wait()

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return zero[T](), PopResult{closed: q.closed}
	}

	v := q.items[0]
	q.items = q.items[1:]
	q.reportDepth()
	return v, PopResult{success: true}
}

// PopSome drains every currently buffered item at once. Wait/result
// semantics match PopOne.
func (q *ObservableQueue[T]) PopSome() ([]T, PopResult) {
	q.wait()

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, PopResult{closed: q.closed}
	}

	vs := q.items
	q.items = nil
	q.reportDepth()
	return vs, PopResult{success: true}
}

func zero[T any]() T {
	var z T
	return z
}

// Observable is the builder attached to a queue, offering ReceiveOne and
// ReceiveSome to turn it into the root stage of a streaming task.Builder.
type Observable[T any] struct {
	q *ObservableQueue[T]
}

// Observe wraps q for use as a streaming task's source.
func Observe[T any](q *ObservableQueue[T]) Observable[T] {
	return Observable[T]{q: q}
}

// ReceiveOne builds the root stage of a streaming chain that pulls one item
// at a time from the queue and passes it to f.
func ReceiveOne[T, S any](o Observable[T], f func(T) S) *task.Builder[S] {
	bypass := task.NewBypassFlag()
	q := o.q

	return task.NewRoot(bypass, func() S {
		for {
			v, res := q.PopOne()
			if res.Success() {
				return f(v)
			}
			if res.Closed() {
				bypass.Set()
				return zero[S]()
			}
			// timed out: stop if the chain was cancelled, else try again
			if cancel.IsCancelled() {
				bypass.Set()
				return zero[S]()
			}
		}
	})
}

// ReceiveSome builds the root stage of a streaming chain that pulls
// whatever batch of items is currently buffered and passes it to f.
func ReceiveSome[T, S any](o Observable[T], f func([]T) S) *task.Builder[S] {
	bypass := task.NewBypassFlag()
	q := o.q

	return task.NewRoot(bypass, func() S {
		for {
			vs, res := q.PopSome()
			if res.Success() {
				return f(vs)
			}
			if res.Closed() {
				bypass.Set()
				return zero[S]()
			}
			// timed out: stop if the chain was cancelled, else try again
			if cancel.IsCancelled() {
				bypass.Set()
				return zero[S]()
			}
		}
	})
}
