package cancel_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dailongchen/libasync/cancel"
	"github.com/dailongchen/libasync/internal/workerlocal"
)

// TestIsCancelledWithoutInstallIsFalse checks that a goroutine with no
// bound trigger reads as not cancelled, rather than panicking.
func TestIsCancelledWithoutInstallIsFalse(t *testing.T) {
	require.False(t, cancel.IsCancelled())
}

// TestCancelCurrentWithoutInstallIsNoop checks that requesting cancellation
// with no bound trigger does nothing observable.
func TestCancelCurrentWithoutInstallIsNoop(t *testing.T) {
	require.NotPanics(t, cancel.CancelCurrent)
}

// TestInstallClearLifecycle exercises the bind/observe/unbind cycle a
// chain's worker goroutine goes through once per run.
func TestInstallClearLifecycle(t *testing.T) {
	done := make(chan struct{})
	var sawCancelledBefore, sawCancelledAfter bool

	go func() {
		defer close(done)
		workerlocal.Install()
		defer workerlocal.Clear()

		trigger := cancel.NewTrigger()
		cancel.Install(trigger)
		defer cancel.Clear()

		sawCancelledBefore = cancel.IsCancelled()
		trigger.Set(true)
		sawCancelledAfter = cancel.IsCancelled()
	}()

	<-done
	require.False(t, sawCancelledBefore)
	require.True(t, sawCancelledAfter)
}

// TestCancelCurrentSetsBoundTrigger checks CancelCurrent acts on whatever
// trigger the calling goroutine has installed.
func TestCancelCurrentSetsBoundTrigger(t *testing.T) {
	done := make(chan struct{})
	var cancelled bool

	go func() {
		defer close(done)
		workerlocal.Install()
		defer workerlocal.Clear()

		trigger := cancel.NewTrigger()
		cancel.Install(trigger)
		defer cancel.Clear()

		cancel.CancelCurrent()
		cancelled = trigger.Get()
	}()

	<-done
	require.True(t, cancelled)
}
