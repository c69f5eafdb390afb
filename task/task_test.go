package task_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dailongchen/libasync/notify"
	"github.com/dailongchen/libasync/task"
)

// TestPlainChainSync reproduces scenario S1 from the spec: a synchronous
// plain chain with Then/Get stages, notifications, and a failing final
// stage.
func TestPlainChainSync(t *testing.T) {
	var mu sync.Mutex
	var results []string
	record := func(s string) {
		mu.Lock()
		results = append(results, s)
		mu.Unlock()
	}

	root := task.Spawn(func() int {
		notify.Publish("I'm here")
		record("Spawn")
		return 110
	})

	s1 := task.Then(root, func() string {
		notify.Publish(1122)
		record("Then")
		return "abcd"
	})

	s2 := task.Get(s1, func(s string) float64 {
		record("Get " + s)
		return 10.1
	})

	s3 := task.Get(s2, func(d float64) float32 {
		record(fmt.Sprintf("Get %f", d))
		panic("boom")
	})

	s3.OnException(func(err error) {
		record("OnException")
	})
	s3 = task.Notified(s3, func(s string) { record(s) })
	s3 = task.Notified(s3, func(i int) { record(fmt.Sprint(i)) })
	s3.OnBegin(func() { record("OnBegin") })
	s3.OnEnd(func() { record("OnEnd") })

	s3.Run(task.Sync)

	require.Equal(t, []string{
		"OnBegin",
		"I'm here",
		"Spawn",
		"1122",
		"Then",
		"Get abcd",
		"Get 10.100000",
		"OnException",
		"OnEnd",
	}, results)
}

// TestPlainChainAsync reproduces scenario S2: Spawn with no Then/Get,
// run async then joined. Publish before any Notified binding is a no-op.
func TestPlainChainAsync(t *testing.T) {
	var mu sync.Mutex
	var results []string
	record := func(s string) {
		mu.Lock()
		results = append(results, s)
		mu.Unlock()
	}

	root := task.Spawn(func() int {
		notify.Publish("I'm here")
		record("Spawn")
		return 110
	})

	h := root.Run(task.Async)
	h.Join()

	require.Equal(t, []string{"Spawn"}, results)
}

// TestOnEndRunsAfterFailure checks invariant 1: OnEnd fires even when a
// stage panics.
func TestOnEndRunsAfterFailure(t *testing.T) {
	ended := false
	root := task.Spawn(func() int { panic("fail") })
	root.OnEnd(func() { ended = true })

	root.Run(task.Sync)

	require.True(t, ended)
}

// TestOnExceptionFiresOnce checks invariant 2: exactly one OnException per
// failing iteration of a plain chain.
func TestOnExceptionFiresOnce(t *testing.T) {
	var count int
	root := task.Spawn(func() int { panic("fail") })
	root.OnException(func(error) { count++ })

	root.Run(task.Sync)

	require.Equal(t, 1, count)
}

// TestNotificationScoping checks invariant 3 / scenario S6: two concurrent
// chains binding the same notification type see zero cross-talk.
func TestNotificationScoping(t *testing.T) {
	var gotA, gotB []string
	startA := make(chan struct{})
	startB := make(chan struct{})
	releaseA := make(chan struct{})
	releaseB := make(chan struct{})

	chainA := task.Spawn(func() int {
		close(startA)
		<-releaseA
		notify.Publish("from-a")
		return 0
	})
	chainA = task.Notified(chainA, func(s string) { gotA = append(gotA, s) })

	chainB := task.Spawn(func() int {
		close(startB)
		<-releaseB
		notify.Publish("from-b")
		return 0
	})
	chainB = task.Notified(chainB, func(s string) { gotB = append(gotB, s) })

	hA := chainA.Run(task.Async)
	hB := chainB.Run(task.Async)

	<-startA
	<-startB
	close(releaseA)
	close(releaseB)

	hA.Join()
	hB.Join()

	require.Equal(t, []string{"from-a"}, gotA)
	require.Equal(t, []string{"from-b"}, gotB)
}

// TestHandleIdempotence checks invariant 7: Cancel and Join are safe to
// call more than once and in any order.
func TestHandleIdempotence(t *testing.T) {
	root := task.Spawn(func() int { return 1 })
	h := root.Run(task.Sync)

	require.NotPanics(t, func() {
		h.Cancel()
		h.Cancel()
		h.Join()
		h.Join()
	})
}

// TestHandleDetachIsHarmless checks that Detach marks a handle as released
// without interfering with Cancel/Join, since a Go goroutine keeps running
// regardless of whether its handle is detached.
func TestHandleDetachIsHarmless(t *testing.T) {
	root := task.Spawn(func() int { return 1 })
	h := root.Run(task.Async)

	require.NotPanics(t, func() {
		h.Detach()
		h.Cancel()
		h.Join()
		h.Detach()
	})
}

// TestCancelStopsStreamingLoop exercises RunStreaming's cooperative
// cancellation: once cancelled, the drive loop exits at the next iteration
// boundary without the handshake ever deadlocking.
func TestCancelStopsStreamingLoop(t *testing.T) {
	bypass := task.NewBypassFlag()
	var calls int
	var mu sync.Mutex

	root := task.NewRoot(bypass, func() int {
		mu.Lock()
		calls++
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0
	})

	h := root.RunStreaming()
	h.Cancel()
	h.Join()

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, calls, 1)
}

// TestImmediateCancelDoesNotDeadlock exercises the fixed start handshake:
// cancelling the handle before the worker even gets scheduled must not
// hang RunStreaming's readiness wait (the source library's bug, fixed per
// SPEC_FULL.md §5).
func TestImmediateCancelDoesNotDeadlock(t *testing.T) {
	bypass := task.NewBypassFlag()
	root := task.NewRoot(bypass, func() int {
		time.Sleep(time.Millisecond)
		return 0
	})

	done := make(chan struct{})
	go func() {
		h := root.RunStreaming()
		h.Cancel()
		h.Join()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunStreaming deadlocked under immediate cancel")
	}
}
