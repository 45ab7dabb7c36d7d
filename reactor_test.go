//go:build linux

package zcoroutine

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func testReactor(t *testing.T, opts ...ReactorOption) *Reactor {
	t.Helper()
	r, err := NewReactor(opts...)
	if err != nil {
		t.Fatalf("NewReactor: %v", err)
	}
	r.Start()
	t.Cleanup(r.Stop)
	return r
}

// A pipe is created and made non-blocking; a read waiter is registered
// on the read end, and a 100ms timer writes the payload to the write
// end. The read callback must observe exactly that payload well within
// 300ms.
func TestReactorPipeEcho(t *testing.T) {
	r := testReactor(t, WithWorkers(2), WithName("echo"))

	rfd, wfd := testPipe(t)
	payload := "Hello IoScheduler!"
	got := make(chan string, 1)

	err := r.AddEvent(rfd, EventRead, func() {
		buf := make([]byte, 256)
		n, _ := unix.Read(rfd, buf)
		if n > 0 {
			got <- string(buf[:n])
		}
	})
	if err != nil {
		t.Fatalf("AddEvent: %v", err)
	}

	start := time.Now()
	r.AddTimer(100, func() {
		_, _ = unix.Write(wfd, []byte(payload))
	}, false)

	select {
	case s := <-got:
		if s != payload {
			t.Fatalf("read %q, want %q", s, payload)
		}
		if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
			t.Errorf("echo took %v, want < 300ms", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read callback never fired")
	}
}

// A recurring 50ms timer fires roughly ten times in 500ms, then stops
// firing after cancellation.
func TestReactorRecurringTimer(t *testing.T) {
	r := testReactor(t, WithWorkers(2))

	var count atomic.Int32
	timer := r.AddTimer(50, func() { count.Add(1) }, true)

	time.Sleep(500 * time.Millisecond)
	timer.Cancel()
	fired := count.Load()
	if fired < 6 || fired > 12 {
		t.Fatalf("recurring timer fired %d times in 500ms, want ~10", fired)
	}

	time.Sleep(150 * time.Millisecond)
	if late := count.Load(); late > fired+1 {
		t.Fatalf("timer fired %d more times after cancel", late-fired)
	}
}

func TestReactorOneShotTimer(t *testing.T) {
	r := testReactor(t, WithWorkers(1))

	var fired atomic.Bool
	start := time.Now()
	r.AddTimer(50, func() { fired.Store(true) }, false)
	waitFor(t, 2*time.Second, fired.Load)
	if elapsed := time.Since(start); elapsed < 45*time.Millisecond {
		t.Errorf("timer fired after %v, want >= 50ms", elapsed)
	}
}

func TestReactorConditionTimer(t *testing.T) {
	r := testReactor(t, WithWorkers(1))

	if _, err := r.AddConditionTimer(10, nil, func() bool { return true }, false); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("nil callback = %v, want ErrInvalidArgument", err)
	}

	var fired atomic.Bool
	_, err := r.AddConditionTimer(20, func() { fired.Store(true) }, func() bool { return false }, false)
	if err != nil {
		t.Fatalf("AddConditionTimer: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if fired.Load() {
		t.Error("condition timer fired despite dead condition")
	}
}

func TestReactorAddEventValidation(t *testing.T) {
	r := testReactor(t, WithWorkers(1))

	if err := r.AddEvent(-1, EventRead, func() {}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("negative fd = %v, want ErrInvalidArgument", err)
	}
	if err := r.AddEvent(0, EventRead|EventWrite, func() {}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("combined mask = %v, want ErrInvalidArgument", err)
	}
	// A waiter with no callback requires a current fiber.
	if err := r.AddEvent(0, EventRead, nil); !errors.Is(err, ErrNoCurrentFiber) {
		t.Fatalf("no fiber = %v, want ErrNoCurrentFiber", err)
	}
}

func TestReactorCancelEventWakesWaiter(t *testing.T) {
	r := testReactor(t, WithWorkers(1))

	rfd, _ := testPipe(t)
	fired := make(chan struct{}, 1)
	if err := r.AddEvent(rfd, EventRead, func() { fired <- struct{}{} }); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	if err := r.CancelEvent(rfd, EventRead); err != nil {
		t.Fatalf("CancelEvent: %v", err)
	}
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter never fired")
	}
}

func TestReactorDelEventSilent(t *testing.T) {
	r := testReactor(t, WithWorkers(1))

	rfd, _ := testPipe(t)
	fired := make(chan struct{}, 1)
	if err := r.AddEvent(rfd, EventRead, func() { fired <- struct{}{} }); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	if err := r.DelEvent(rfd, EventRead); err != nil {
		t.Fatalf("DelEvent: %v", err)
	}
	select {
	case <-fired:
		t.Fatal("DelEvent fired the waiter")
	case <-time.After(100 * time.Millisecond):
	}
	// Deleting an unknown fd is a no-op.
	if err := r.DelEvent(12345, EventRead); err != nil {
		t.Fatalf("DelEvent unknown fd = %v", err)
	}
}

// A fiber registers a read waiter and yields; readiness re-queues it
// on the scheduler.
func TestReactorFiberWaiter(t *testing.T) {
	r := testReactor(t, WithWorkers(2))

	rfd, wfd := testPipe(t)
	got := make(chan string, 1)

	f := NewFiber(func() {
		if err := r.AddEvent(rfd, EventRead, nil); err != nil {
			t.Errorf("AddEvent: %v", err)
			return
		}
		_ = Yield()
		buf := make([]byte, 64)
		n, _ := unix.Read(rfd, buf)
		got <- string(buf[:n])
	}, 0, "reader")
	r.Schedule(f)

	time.Sleep(100 * time.Millisecond)
	if _, err := unix.Write(wfd, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case s := <-got:
		if s != "ping" {
			t.Fatalf("read %q, want ping", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fiber never woke on readiness")
	}
}

func TestReactorStopIdempotent(t *testing.T) {
	r, err := NewReactor(WithWorkers(1))
	if err != nil {
		t.Fatalf("NewReactor: %v", err)
	}
	r.Start()
	r.Stop()
	r.Stop()
}

func TestReactorOptionValidation(t *testing.T) {
	if _, err := NewReactor(WithWorkers(0)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("WithWorkers(0) = %v, want ErrInvalidArgument", err)
	}
	if _, err := NewReactor(WithMaxPollEvents(-1)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("WithMaxPollEvents(-1) = %v, want ErrInvalidArgument", err)
	}
	if _, err := NewReactor(WithFiberPoolSize(0)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("WithFiberPoolSize(0) = %v, want ErrInvalidArgument", err)
	}
}
