package kestrel

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcTask struct {
	serviceFn func()
	cancelFn  func()
}

func (t *funcTask) service() { t.serviceFn() }
func (t *funcTask) cancel() {
	if t.cancelFn != nil {
		t.cancelFn()
	}
}

func TestDispatcherRunsSubmittedTasks(t *testing.T) {
	d := NewDispatcher(2, nil)
	defer d.Shutdown(false, time.Second)

	var count atomic.Int32
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		require.NoError(t, d.AddTask(&funcTask{serviceFn: func() {
			count.Add(1)
			wg.Done()
		}}))
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not all run in time")
	}
	assert.EqualValues(t, 10, count.Load())
}

func TestDispatcherRunsOneTaskAtATimePerWorker(t *testing.T) {
	d := NewDispatcher(1, nil)
	defer d.Shutdown(false, time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, d.AddTask(&funcTask{serviceFn: func() {
		close(started)
		<-release
	}}))

	<-started

	var secondRan atomic.Bool
	require.NoError(t, d.AddTask(&funcTask{serviceFn: func() { secondRan.Store(true) }}))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, secondRan.Load(), "second task must not run while the first is still in service()")

	close(release)

	require.Eventually(t, secondRan.Load, time.Second, time.Millisecond, "second task should run once the worker frees up")
}

func TestDispatcherAddTaskAfterShutdownFails(t *testing.T) {
	d := NewDispatcher(1, nil)
	d.Shutdown(false, time.Second)

	err := d.AddTask(&funcTask{serviceFn: func() {}})
	assert.ErrorIs(t, err, ErrDispatcherShuttingDown)
}

func TestDispatcherShutdownCancelsPendingTasks(t *testing.T) {
	d := NewDispatcher(1, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, d.AddTask(&funcTask{serviceFn: func() {
		close(started)
		<-release
	}}))
	<-started

	var serviced, cancelled atomic.Bool
	require.NoError(t, d.AddTask(&funcTask{
		serviceFn: func() { serviced.Store(true) },
		cancelFn:  func() { cancelled.Store(true) },
	}))

	require.Eventually(t, func() bool { return d.QueueDepth() == 1 }, time.Second, time.Millisecond)

	shutdownDone := make(chan struct{})
	go func() {
		d.Shutdown(true, time.Second)
		close(shutdownDone)
	}()

	time.Sleep(20 * time.Millisecond)
	close(release) // let the in-flight task finish so Shutdown can join workers

	<-shutdownDone

	assert.True(t, cancelled.Load(), "queued task should have cancel() invoked")
	assert.False(t, serviced.Load(), "queued task should never have service() invoked")
}

func TestDispatcherShutdownTimeoutDoesNotHangForever(t *testing.T) {
	d := NewDispatcher(1, nil)

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, d.AddTask(&funcTask{serviceFn: func() {
		close(started)
		<-block
	}}))
	<-started

	start := time.Now()
	completed := d.Shutdown(false, 50*time.Millisecond)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, time.Second, "Shutdown must respect its timeout even if a task is still running")
	assert.False(t, completed, "Shutdown must report false when the timeout elapses before every worker joins")
	close(block)
}

func TestDispatcherShutdownReportsTrueWhenJoinCompletes(t *testing.T) {
	d := NewDispatcher(1, nil)
	require.NoError(t, d.AddTask(&funcTask{serviceFn: func() {}}))
	assert.True(t, d.Shutdown(false, time.Second))
}

func TestDispatcherPanicRecoveredAndWorkerSurvives(t *testing.T) {
	d := NewDispatcher(1, nil)
	defer d.Shutdown(false, time.Second)

	require.NoError(t, d.AddTask(&funcTask{serviceFn: func() { panic("boom") }}))

	var ran atomic.Bool
	require.NoError(t, d.AddTask(&funcTask{serviceFn: func() { ran.Store(true) }}))

	require.Eventually(t, ran.Load, time.Second, time.Millisecond, "worker must keep processing after a task panics")
}
