package zcoroutine

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func TestSchedulerRunsCallables(t *testing.T) {
	s := NewScheduler(4, "test")
	s.Start()
	defer s.Stop()

	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		s.ScheduleFunc(func() {
			n.Add(1)
			wg.Done()
		})
	}
	wg.Wait()
	if got := n.Load(); got != 64 {
		t.Fatalf("ran %d callables, want 64", got)
	}
}

func TestSchedulerRunsAndReleasesFibers(t *testing.T) {
	s := NewScheduler(2, "test")
	s.Start()
	defer s.Stop()

	var done atomic.Bool
	f := NewFiber(func() { done.Store(true) }, 0, "scheduled")
	s.Schedule(f)
	waitFor(t, 2*time.Second, done.Load)
	waitFor(t, 2*time.Second, func() bool { return f.State() == StateTerminated })
	waitFor(t, 2*time.Second, func() bool { return s.Pool().IdleCount() == 1 })
}

func TestSchedulerFiberYieldAndReschedule(t *testing.T) {
	s := NewScheduler(2, "test")
	s.Start()
	defer s.Stop()

	var n atomic.Int32
	f := NewFiber(func() {
		for i := 0; i < 3; i++ {
			n.Add(1)
			s.Schedule(CurrentFiber())
			_ = Yield()
		}
	}, 0, "resched")
	s.Schedule(f)

	waitFor(t, 2*time.Second, func() bool { return n.Load() == 3 })
	waitFor(t, 2*time.Second, func() bool { return f.State() == StateTerminated })
}

func TestSchedulerSurvivesPanickingTasks(t *testing.T) {
	s := NewScheduler(1, "test")
	s.Start()
	defer s.Stop()

	s.ScheduleFunc(func() { panic("task boom") })

	var ok atomic.Bool
	s.ScheduleFunc(func() { ok.Store(true) })
	waitFor(t, 2*time.Second, ok.Load)
}

func TestSchedulerStopIdempotent(t *testing.T) {
	s := NewScheduler(3, "test")
	s.Start()

	var n atomic.Int32
	var wg sync.WaitGroup
	wg.Add(8)
	for i := 0; i < 8; i++ {
		s.ScheduleFunc(func() {
			n.Add(1)
			wg.Done()
		})
	}
	wg.Wait()

	s.Stop()
	s.Stop() // second stop is a no-op

	// Once Stop returns all workers are joined; late submissions are
	// accepted by the queue but never run.
	s.ScheduleFunc(func() { n.Add(100) })
	time.Sleep(50 * time.Millisecond)
	if got := n.Load(); got != 8 {
		t.Fatalf("count after stop = %d, want 8", got)
	}
}

func TestSchedulerHookFlagPerWorker(t *testing.T) {
	s := NewScheduler(1, "test")
	s.Start()
	defer s.Stop()

	var observed atomic.Bool
	var wg sync.WaitGroup
	wg.Add(2)
	s.ScheduleFunc(func() {
		SetHookEnable(true)
		wg.Done()
	})
	s.ScheduleFunc(func() {
		observed.Store(HookEnabled())
		SetHookEnable(false)
		wg.Done()
	})
	wg.Wait()
	if !observed.Load() {
		t.Error("hook flag did not persist across tasks on the same worker")
	}
}
