// Package workerlocal implements the goroutine-scoped binding that the
// rest of libasync treats as ambient, per-worker state: the slot a
// CancellationTrigger lives in, and the typed notification handlers bound
// for the currently running chain.
//
// Go has no native thread-local storage. The original C++ library (see
// _examples/original_source/details/ThreadLocal.h) relies on the compiler's
// __thread/thread_local storage class. The closest faithful analogue
// without adding a goroutine-id-sniffing dependency is a map keyed by the
// calling goroutine's stack-reported id, built once here and shared by the
// cancel and notify packages. Binding is installed at before-run and
// cleared at after-run, exactly mirroring the C++ lifecycle.
package workerlocal

import (
	"runtime"
	"strconv"
	"sync"
)

// State is the per-worker binding. It is created once per running chain and
// installed for the lifetime of that chain's BeforeRun/AfterRun bracket.
type State struct {
	mu       sync.Mutex
	Trigger  any // *cancel.Trigger, stored as any to avoid an import cycle
	Handlers map[any]any
}

var (
	mu    sync.Mutex
	table = map[int64]*State{}
)

// goroutineID extracts the numeric id the runtime prints at the head of a
// goroutine's stack trace ("goroutine 123 [running]: ..."). It is the
// standard zero-dependency trick for goroutine-local storage. Parsing a
// stack trace per call is not cheap: Install and Clear run only at
// before-run/after-run, but Current runs on every notify.Publish,
// cancel.IsCancelled and queue push.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]

	// b looks like: "goroutine 123 [running]:\n..."
	const prefix = "goroutine "
	if len(b) < len(prefix) {
		return 0
	}
	b = b[len(prefix):]

	i := 0
	for i < len(b) && b[i] != ' ' {
		i++
	}
	id, err := strconv.ParseInt(string(b[:i]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Install binds a fresh State to the calling goroutine. It must be paired
// with a Clear call from the same goroutine.
func Install() *State {
	s := &State{Handlers: map[any]any{}}
	id := goroutineID()

	mu.Lock()
	table[id] = s
	mu.Unlock()

	return s
}

// Current returns the State bound to the calling goroutine, or nil if none
// is installed (i.e. no chain is currently running on this goroutine).
func Current() *State {
	id := goroutineID()

	mu.Lock()
	s := table[id]
	mu.Unlock()

	return s
}

// Clear removes the binding for the calling goroutine.
func Clear() {
	id := goroutineID()

	mu.Lock()
	delete(table, id)
	mu.Unlock()
}

// Lock and Unlock guard State's Handlers/Trigger fields. Exposed so cancel
// and notify can mutate them without each redefining their own mutex.
func (s *State) Lock()   { s.mu.Lock() }
func (s *State) Unlock() { s.mu.Unlock() }
