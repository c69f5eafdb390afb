// Package notify implements the library's typed, worker-scoped side
// channel: Publish delivers a value to whatever handler the currently
// running chain bound for that type, with zero cross-talk between chains
// running on other goroutines. It corresponds to Async::Notify,
// Async::Notifier and Async::SetNotifyFunction in
// _examples/original_source/details/Notify.h and NotifyDetails.h.
//
// The C++ original keys its thread-local notifier map by the compile-time
// type NotifyData. Go generics don't support that as a map key directly,
// so the registry here keys by reflect.Type of D, which is the stable type
// descriptor the spec's design notes (section 9) call out as an
// acceptable substitute.
package notify

import (
	"reflect"

	"github.com/dailongchen/libasync/internal/workerlocal"
	"github.com/dailongchen/libasync/metrics"
)

func typeKey[D any]() reflect.Type {
	return reflect.TypeOf((*D)(nil)).Elem()
}

// Bind installs h as the handler for notifications of type D on the
// calling goroutine. It replaces any previously bound handler for D.
func Bind[D any](h func(D)) {
	s := workerlocal.Current()
	if s == nil {
		return
	}
	s.Lock()
	s.Handlers[typeKey[D]()] = h
	s.Unlock()
}

// Unbind removes the handler for type D on the calling goroutine, if any.
func Unbind[D any]() {
	s := workerlocal.Current()
	if s == nil {
		return
	}
	s.Lock()
	delete(s.Handlers, typeKey[D]())
	s.Unlock()
}

// Publish delivers value to the handler bound for its type on the calling
// goroutine, if any. With no chain running here, or no handler bound for
// D, it is a silent no-op — handlers never queue and never run on another
// goroutine.
func Publish[D any](value D) {
	s := workerlocal.Current()
	if s == nil {
		return
	}

	s.Lock()
	raw, ok := s.Handlers[typeKey[D]()]
	s.Unlock()

	if !ok {
		return
	}
	if h, ok := raw.(func(D)); ok {
		metrics.NotificationsPublished.WithLabelValues(typeKey[D]().String()).Inc()
		h(value)
	}
}
