// Package cancel implements the library's cooperative cancellation trigger:
// a per-worker flag that is set from outside a running chain and polled
// from inside it. It corresponds to Async::Cancel and Async::CancelTrigger
// in _examples/original_source/details/Cancel.h and CancelDetails.h.
package cancel

import (
	"sync"

	"github.com/dailongchen/libasync/internal/workerlocal"
)

// Trigger is a thread-safe boolean flag. Exactly one Trigger is live per
// running chain, installed into the calling goroutine's binding at
// before-run and torn down at after-run.
type Trigger struct {
	mu        sync.Mutex
	cancelled bool
}

// NewTrigger returns a fresh, unset Trigger.
func NewTrigger() *Trigger {
	return &Trigger{}
}

// Set flips the trigger. Cancellation is cooperative: setting it does not
// interrupt anything already running, it only changes what the next poll
// observes.
func (t *Trigger) Set(v bool) {
	t.mu.Lock()
	t.cancelled = v
	t.mu.Unlock()
}

// Get reports whether the trigger has been set.
func (t *Trigger) Get() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Install binds trigger to the calling goroutine's worker-local state.
// Called once by the chain at before-run.
func Install(trigger *Trigger) {
	s := workerlocal.Current()
	if s == nil {
		return
	}
	s.Lock()
	s.Trigger = trigger
	s.Unlock()
}

// Clear removes the calling goroutine's bound trigger. Called once by the
// chain at after-run.
func Clear() {
	s := workerlocal.Current()
	if s == nil {
		return
	}
	s.Lock()
	s.Trigger = nil
	s.Unlock()
}

// current returns the Trigger bound to the calling goroutine, or nil if
// none is bound (no chain running here, or running between goroutines that
// never called Install).
func current() *Trigger {
	s := workerlocal.Current()
	if s == nil {
		return nil
	}
	s.Lock()
	defer s.Unlock()
	t, _ := s.Trigger.(*Trigger)
	return t
}

// IsCancelled reports whether the calling goroutine's bound trigger (if
// any) has been set. With no chain running here, it answers false — the
// same "no trigger bound" behavior as the C++ Cancel::IsCancelled.
func IsCancelled() bool {
	t := current()
	if t == nil {
		return false
	}
	return t.Get()
}

// CancelCurrent sets the calling goroutine's bound trigger, if any. It is a
// no-op when no chain is running on this goroutine.
func CancelCurrent() {
	t := current()
	if t == nil {
		return
	}
	t.Set(true)
}
