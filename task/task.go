// Package task implements the task chain model and the execution engine
// that drives it: Spawn/Then/Get build a linear pipeline of stages,
// OnBegin/OnEnd/OnException/Notified attach side-channel hooks to its tail,
// and Run/RunStreaming launch the dedicated worker goroutine that executes
// it. It corresponds to Async::Task, Async::TaskDetails, Async::TaskHandle
// and Async::ObserveTask in _examples/original_source/details/{Task,
// TaskDetails,TaskHandle}.h and Observe.h.
//
// Go forbids adding a type parameter to a method on an already-generic
// receiver, so Then, Get and Notified — each of which introduces a new
// type parameter — are free functions taking the builder as their first
// argument, the same shape the teacher pack's generic pipeline stage uses
// (other_examples/0a40a680_npillmayer-fp__tree-pipeline.go.go, filter[S,
// T]). OnBegin, OnEnd, OnException, Run and RunStreaming stay methods since
// they don't change the builder's type parameter.
package task

import (
	"fmt"
	"sync"

	"github.com/dailongchen/libasync/cancel"
	"github.com/dailongchen/libasync/internal/workerlocal"
	"github.com/dailongchen/libasync/metrics"
	"github.com/dailongchen/libasync/notify"
)

// RunMode selects whether Run blocks until the chain's worker has finished
// (Sync) or returns immediately after launching it (Async).
type RunMode int

const (
	Async RunMode = iota
	Sync
)

// BypassFlag is the shared, chain-wide short-circuit signal used by
// streaming chains: once Set, every subsequent stage of the current
// iteration returns its zero value without calling user code, and
// RunStreaming's drive loop exits. Plain (non-streaming) builders carry a
// nil BypassFlag, which Builder.isBypassed always reports as false.
//
// A BypassFlag is only ever touched by the single goroutine driving the
// chain it belongs to (the stage closures and the drive loop both run
// there), so it needs no locking — matching the plain, unguarded bool
// field on the C++ TaskBypassFlag.
type BypassFlag struct {
	bypass bool
}

// NewBypassFlag returns a flag in the unset state.
func NewBypassFlag() *BypassFlag { return &BypassFlag{} }

// Reset clears the flag. Called once per chain at before-run.
func (f *BypassFlag) Reset() { f.bypass = false }

// Set trips the flag. Only the streaming driver calls this, never user code.
func (f *BypassFlag) Set() { f.bypass = true }

// Get reports whether the flag has tripped.
func (f *BypassFlag) Get() bool { return f != nil && f.bypass }

// Builder composes a single linear chain of stages whose tail currently
// produces a T. Spawn creates the root; Then and Get append stages and
// return a new Builder parameterized on the new stage's return type.
// OnBegin, OnEnd, OnException and Notified attach hooks to whichever
// Builder they're called on — per the source's mutate-the-tail-in-place
// semantics, those hooks only ever need to live on the Builder that
// eventually calls Run or RunStreaming.
type Builder[T any] struct {
	run    func() T
	bypass *BypassFlag

	onBegin     func()
	onEnd       func()
	onException func(error)

	notifyInstall   []func()
	notifyUninstall []func()
}

func zero[T any]() T {
	var z T
	return z
}

// Spawn creates the root stage of a plain (non-streaming) chain: f is
// invoked with no arguments and its result becomes the chain's first
// value.
func Spawn[T any](f func() T) *Builder[T] {
	return &Builder[T]{
		run: func() T {
			if f == nil {
				return zero[T]()
			}
			return f()
		},
	}
}

// NewRoot constructs a root stage directly from a run closure and a shared
// bypass flag. It exists so package queue can build the pull-loop root
// stage for a streaming chain without task needing to import queue.
func NewRoot[T any](bypass *BypassFlag, run func() T) *Builder[T] {
	return &Builder[T]{bypass: bypass, run: run}
}

func (b *Builder[T]) isBypassed() bool {
	return b.bypass.Get()
}

// Then appends a stage that discards the parent's value and produces a
// fresh one from g.
func Then[T, S any](b *Builder[T], g func() S) *Builder[S] {
	return &Builder[S]{
		bypass: b.bypass,
		run: func() S {
			b.run()
			if b.isBypassed() {
				return zero[S]()
			}
			if g == nil {
				return zero[S]()
			}
			return g()
		},
	}
}

// Get appends a stage that receives the parent's value and transforms it
// via g.
func Get[T, S any](b *Builder[T], g func(T) S) *Builder[S] {
	return &Builder[S]{
		bypass: b.bypass,
		run: func() S {
			v := b.run()
			if b.isBypassed() {
				return zero[S]()
			}
			if g == nil {
				return zero[S]()
			}
			return g(v)
		},
	}
}

// Notified attaches h as the handler for notifications of type D while
// this chain's worker is running. It returns the same builder — Notified
// does not change T, so it is not chained like Then/Get.
func Notified[T, D any](b *Builder[T], h func(D)) *Builder[T] {
	b.notifyInstall = append(b.notifyInstall, func() {
		notify.Bind[D](h)
	})
	b.notifyUninstall = append(b.notifyUninstall, func() {
		notify.Unbind[D]()
	})
	return b
}

// OnException sets the handler invoked when any stage of this chain
// raises. The chain's worker recovers the panic, hands it to h as an
// error, and moves on — for a plain task that ends the run; for a
// streaming task the drive loop continues with the next queue item.
func (b *Builder[T]) OnException(h func(error)) *Builder[T] {
	b.onException = h
	return b
}

// OnBegin sets the hook that runs once, before the first stage, on the
// chain's worker.
func (b *Builder[T]) OnBegin(h func()) *Builder[T] {
	b.onBegin = h
	return b
}

// OnEnd sets the hook that runs once, after the final stage (or after the
// drive loop exits, for streaming), on the chain's worker.
func (b *Builder[T]) OnEnd(h func()) *Builder[T] {
	b.onEnd = h
	return b
}

func toError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}

// beforeRun installs the chain's cancellation trigger and notification
// bindings, then invokes OnBegin. It must run on the worker goroutine.
func (b *Builder[T]) beforeRun(h *Handle) {
	workerlocal.Install()

	trigger := cancel.NewTrigger()
	cancel.Install(trigger)
	h.bindTrigger(trigger)

	if b.bypass != nil {
		b.bypass.Reset()
	}

	for _, install := range b.notifyInstall {
		install()
	}

	if b.onBegin != nil {
		b.onBegin()
	}
}

// afterRun tears down hooks and bindings in reverse order, then releases
// the handle. It must run on the worker goroutine, even when the run
// panicked (callers defer or sequence it unconditionally).
func (b *Builder[T]) afterRun(h *Handle) {
	if b.onEnd != nil {
		b.onEnd()
	}

	for _, uninstall := range b.notifyUninstall {
		uninstall()
	}

	cancel.Clear()
	workerlocal.Clear()
	h.finish()
}

// runOnce executes the chain's stages once, recovering any panic into
// OnException. It reports whether this iteration raised.
func (b *Builder[T]) runOnce(kind string) (failed bool) {
	defer func() {
		if r := recover(); r != nil {
			failed = true
			metrics.TasksFailed.WithLabelValues(kind).Inc()
			if b.onException != nil {
				b.onException(toError(r))
			}
		}
	}()
	b.run()
	return false
}

// Run launches a dedicated worker goroutine that executes this chain
// exactly once and returns its TaskHandle. With mode Sync, Run blocks
// until the worker has finished before returning; with Async it returns as
// soon as the worker has been launched.
func (b *Builder[T]) Run(mode RunMode) *Handle {
	h := newHandle()
	metrics.TasksStarted.WithLabelValues("plain").Inc()

	go func() {
		b.beforeRun(h)
		b.runOnce("plain")
		b.afterRun(h)
	}()

	if mode == Sync {
		h.Join()
	}
	return h
}

// RunStreaming launches a dedicated worker goroutine that repeatedly
// executes this chain until its BypassFlag trips (the queue it reads from
// drained and closed) or the returned Handle is cancelled. RunStreaming
// always returns an already-started handle: the worker signals readiness
// right after before-run, before its first cancellation/bypass check, so
// callers never block forever even under an immediate Cancel (the source
// library fulfilled this handshake inside the loop body instead, which
// could live-lock under immediate cancellation — see SPEC_FULL.md §5).
func (b *Builder[T]) RunStreaming() *Handle {
	h := newHandle()
	ready := make(chan struct{})
	var readyOnce sync.Once
	signalReady := func() { readyOnce.Do(func() { close(ready) }) }

	metrics.TasksStarted.WithLabelValues("streaming").Inc()

	go func() {
		b.beforeRun(h)
		signalReady()

		for !cancel.IsCancelled() && !b.isBypassed() {
			b.runOnce("streaming")
		}

		b.afterRun(h)
	}()

	<-ready
	return h
}

// Handle is the external control surface for a running chain's worker:
// Cancel requests cooperative shutdown, Join waits for the worker to
// finish, and Detach marks the handle as no longer of interest to the
// caller. It corresponds to Async::iTaskHandle/Async::TaskHandle in
// _examples/original_source/details/TaskHandle.h.
type Handle struct {
	mu       sync.Mutex
	trigger  *cancel.Trigger
	done     chan struct{}
	detached bool
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) bindTrigger(t *cancel.Trigger) {
	h.mu.Lock()
	h.trigger = t
	h.mu.Unlock()
}

// finish marks the worker as done and clears the trigger, so a Cancel
// arriving after teardown is a harmless no-op rather than poking a stale
// trigger nobody observes anymore.
func (h *Handle) finish() {
	h.mu.Lock()
	h.trigger = nil
	h.mu.Unlock()
	close(h.done)
}

// Cancel sets the chain's cancellation trigger. It is safe to call more
// than once, from any goroutine, including after the chain has already
// finished (a no-op in that case).
func (h *Handle) Cancel() {
	h.mu.Lock()
	t := h.trigger
	h.mu.Unlock()
	if t != nil {
		t.Set(true)
	}
}

// Join blocks until the chain's worker has finished. It is safe to call
// more than once and after Cancel.
func (h *Handle) Join() {
	<-h.done
}

// Detach marks the handle as released by its caller. Unlike the C++
// original, a Go goroutine is never implicitly joined or killed when its
// handle is dropped, so Detach has no effect on the running worker — it
// only exists so callers ported from the source API have somewhere to put
// the call that used to matter.
func (h *Handle) Detach() {
	h.mu.Lock()
	h.detached = true
	h.mu.Unlock()
}
