//go:build linux

package zcoroutine

import (
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// maxPollIntervalMS caps how long the reactor sleeps in poll between
// timer checks.
const maxPollIntervalMS = 5000

// Reactor combines a scheduler, an edge-triggered poller, a timer heap
// and the per-descriptor event table, driven by a single dedicated I/O
// thread. Fibers register waiters (fd events or timers) and yield; the
// reactor wakes them by re-queuing them on the scheduler.
type Reactor struct {
	name   string
	sched  *Scheduler
	poller *Poller
	timers *timerManager
	fds    *fdTable

	wakeRead  int
	wakeWrite int
	wakeBuf   [256]byte

	started  atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
	ioDone   chan struct{}
}

// NewReactor creates a reactor and its embedded scheduler. Call Start
// to launch the worker threads and the I/O thread.
func NewReactor(opts ...ReactorOption) (*Reactor, error) {
	cfg, err := resolveReactorOptions(opts)
	if err != nil {
		return nil, err
	}

	r := &Reactor{
		name:   cfg.name,
		timers: newTimerManager(),
		ioDone: make(chan struct{}),
	}
	r.sched = NewScheduler(cfg.workers, cfg.name)
	r.sched.reactor = r
	r.sched.hookEnabled = cfg.hookEnabled
	r.sched.pool = NewFiberPool(cfg.poolSize)
	r.fds = newFdTable(r.sched)

	r.poller, err = newPoller(cfg.maxPollEvents)
	if err != nil {
		return nil, err
	}

	r.wakeRead, r.wakeWrite, err = createWakePipe()
	if err != nil {
		_ = r.poller.Close()
		return nil, err
	}
	if err := r.poller.Add(r.wakeRead, EventRead); err != nil {
		_ = r.poller.Close()
		_ = unix.Close(r.wakeRead)
		_ = unix.Close(r.wakeWrite)
		return nil, err
	}

	logger().Info().
		Str(`reactor`, r.name).
		Int(`workers`, cfg.workers).
		Int(`wake_read`, r.wakeRead).
		Int(`wake_write`, r.wakeWrite).
		Log(`reactor created`)
	return r, nil
}

// Name returns the reactor's name.
func (r *Reactor) Name() string { return r.name }

// Scheduler returns the embedded scheduler.
func (r *Reactor) Scheduler() *Scheduler { return r.sched }

// Start launches the scheduler workers and the I/O thread. Starting
// twice is a no-op.
func (r *Reactor) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	r.sched.Start()
	go r.ioLoop()
	logger().Info().Str(`reactor`, r.name).Log(`reactor started`)
}

// Stop sets the stop flag, wakes and joins the I/O thread, then stops
// the scheduler. Idempotent.
func (r *Reactor) Stop() {
	r.stopOnce.Do(func() {
		r.stopping.Store(true)
		r.WakeUp()
		if r.started.Load() {
			<-r.ioDone
		}
		r.sched.Stop()
		_ = r.poller.Close()
		_ = unix.Close(r.wakeRead)
		_ = unix.Close(r.wakeWrite)
		logger().Info().Str(`reactor`, r.name).Log(`reactor stopped`)
	})
}

// Schedule enqueues a fiber on the scheduler and wakes the I/O thread.
func (r *Reactor) Schedule(f *Fiber) {
	r.sched.Schedule(f)
	r.WakeUp()
}

// ScheduleFunc enqueues a callable on the scheduler and wakes the I/O
// thread.
func (r *Reactor) ScheduleFunc(fn func()) {
	r.sched.ScheduleFunc(fn)
	r.WakeUp()
}

// AddEvent registers interest in one direction of fd. When cb is nil
// the waiter is the current fiber (the caller must be inside one); the
// fiber is re-queued on the scheduler when the event triggers.
// Waiters are one-shot: after a trigger the caller re-registers if it
// wants another notification.
func (r *Reactor) AddEvent(fd int, ev IOEvents, cb func()) error {
	if fd < 0 || (ev != EventRead && ev != EventWrite) {
		return ErrInvalidArgument
	}
	if r.stopping.Load() {
		return ErrReactorStopped
	}

	var w eventWaiter
	if cb != nil {
		w.callback = cb
	} else {
		cur := CurrentFiber()
		if cur == nil {
			return ErrNoCurrentFiber
		}
		w.fiber = cur
	}

	ctx := r.fds.get(fd, true)
	prev, next := ctx.addEvent(ev, w)

	// A one-shot trigger clears the in-memory mask but leaves the
	// epoll registration in place, so a re-arm may find the fd already
	// registered; fall back to a modify, which also re-checks current
	// readiness under edge triggering.
	var err error
	if prev == 0 {
		err = r.poller.Add(fd, next)
		if err == unix.EEXIST {
			err = r.poller.Modify(fd, next)
		}
	} else {
		err = r.poller.Modify(fd, next)
		if err == unix.ENOENT {
			err = r.poller.Add(fd, next)
		}
	}
	if err != nil {
		ctx.delEvent(ev)
		logger().Err().
			Str(`reactor`, r.name).
			Int(`fd`, fd).
			Str(`event`, ev.String()).
			Err(err).
			Log(`poller update failed, waiter rolled back`)
		return err
	}
	return nil
}

// DelEvent deregisters one direction of fd without waking its waiter.
func (r *Reactor) DelEvent(fd int, ev IOEvents) error {
	if fd < 0 || (ev != EventRead && ev != EventWrite) {
		return ErrInvalidArgument
	}
	ctx := r.fds.get(fd, false)
	if ctx == nil {
		return nil
	}
	return r.syncPoller(fd, ctx.delEvent(ev))
}

// CancelEvent wakes the waiter for one direction of fd (fiber
// re-queued, callback run) and then deregisters it.
func (r *Reactor) CancelEvent(fd int, ev IOEvents) error {
	if fd < 0 || (ev != EventRead && ev != EventWrite) {
		return ErrInvalidArgument
	}
	ctx := r.fds.get(fd, false)
	if ctx == nil {
		return nil
	}
	return r.syncPoller(fd, ctx.cancelEvent(ev))
}

// CancelAll cancels both directions of fd.
func (r *Reactor) CancelAll(fd int) error {
	if fd < 0 {
		return ErrInvalidArgument
	}
	ctx := r.fds.get(fd, false)
	if ctx == nil {
		return nil
	}
	ctx.cancelAll()
	return r.syncPoller(fd, 0)
}

// syncPoller reconciles the poller registration with the remaining
// event mask.
func (r *Reactor) syncPoller(fd int, remaining IOEvents) error {
	var err error
	if remaining == 0 {
		err = r.poller.Remove(fd)
		if err == unix.ENOENT || err == unix.EBADF {
			err = nil
		}
	} else {
		err = r.poller.Modify(fd, remaining)
	}
	if err != nil {
		logger().Warning().
			Str(`reactor`, r.name).
			Int(`fd`, fd).
			Err(err).
			Log(`poller sync failed`)
	}
	return err
}

// AddTimer schedules cb to run timeoutMS from now on the scheduler;
// recurring timers re-arm at deadline+interval until cancelled.
func (r *Reactor) AddTimer(timeoutMS uint64, cb func(), recurring bool) *Timer {
	t := r.timers.addTimer(timeoutMS, cb, recurring)
	r.WakeUp()
	return t
}

// AddConditionTimer is AddTimer with a liveness condition (see
// WeakWitness); the callback is skipped once the condition reports
// dead. A nil callback is rejected.
func (r *Reactor) AddConditionTimer(timeoutMS uint64, cb func(), alive func() bool, recurring bool) (*Timer, error) {
	t, err := r.timers.addConditionTimer(timeoutMS, cb, alive, recurring)
	if err != nil {
		return nil, err
	}
	r.WakeUp()
	return t, nil
}

// WakeUp nudges the I/O thread out of its poll. Safe from any
// goroutine; write errors on the non-blocking pipe (full or closing)
// are ignored.
func (r *Reactor) WakeUp() {
	_, _ = unix.Write(r.wakeWrite, []byte{'W'})
}

// ioLoop is the reactor's dedicated I/O thread.
func (r *Reactor) ioLoop() {
	defer close(r.ioDone)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for !r.stopping.Load() {
		timeout := r.timers.nextTimeout()
		if timeout < 0 || timeout > maxPollIntervalMS {
			timeout = maxPollIntervalMS
		}

		events, err := r.poller.Wait(timeout)
		if err != nil {
			if err == ErrPollerClosed {
				return
			}
			logger().Err().
				Str(`reactor`, r.name).
				Err(err).
				Log(`poll failed`)
			continue
		}

		for _, pe := range events {
			fd := int(pe.FD)
			if fd == r.wakeRead {
				r.drainWakePipe()
				continue
			}
			ctx := r.fds.get(fd, false)
			if ctx == nil {
				continue
			}
			trig := pe.Events
			if trig&(EventError|EventHangup) != 0 {
				trig |= EventRead | EventWrite
			}
			if trig&EventRead != 0 {
				ctx.triggerEvent(EventRead)
			}
			if trig&EventWrite != 0 {
				ctx.triggerEvent(EventWrite)
			}
		}

		for _, cb := range r.timers.drainExpired(nowMillis()) {
			r.sched.ScheduleFunc(cb)
		}
	}
}

// drainWakePipe empties the self-pipe after a wakeup notification.
func (r *Reactor) drainWakePipe() {
	for {
		n, err := unix.Read(r.wakeRead, r.wakeBuf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

var defaultReactor struct {
	sync.Mutex
	r *Reactor
}

// Default returns the lazily-created process-wide reactor (4 workers),
// starting it on first use. Hosts that want different sizing should
// construct their own reactor before anything triggers the default.
func Default() *Reactor {
	defaultReactor.Lock()
	defer defaultReactor.Unlock()
	if defaultReactor.r == nil {
		r, err := NewReactor()
		if err != nil {
			logger().Err().Err(err).Log(`default reactor creation failed`)
			return nil
		}
		r.Start()
		defaultReactor.r = r
	}
	return defaultReactor.r
}

// peekDefault returns the default reactor only if it already exists.
func peekDefault() *Reactor {
	defaultReactor.Lock()
	defer defaultReactor.Unlock()
	return defaultReactor.r
}

// currentReactor resolves the reactor for hook operations: the calling
// worker's reactor when set, otherwise the process default.
func currentReactor() *Reactor {
	if tc := lookupContext(); tc != nil && tc.reactor != nil {
		return tc.reactor
	}
	return Default()
}
