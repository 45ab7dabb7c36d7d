//go:build linux

package zcoroutine

import "sync"

// eventWaiter is the one-shot binding held per direction in an
// FdContext: what to do when the descriptor becomes ready. Exactly one
// of fiber/callback is set, or neither.
type eventWaiter struct {
	fiber    *Fiber
	callback func()
}

func (w eventWaiter) empty() bool { return w.fiber == nil && w.callback == nil }

// FdContext is the per-descriptor event state machine: the currently
// registered event mask plus one waiter slot per direction. All
// mutation happens under the context's mutex; waiters are fired after
// the lock is dropped.
type FdContext struct {
	mu     sync.Mutex
	fd     int
	events IOEvents
	read   eventWaiter
	write  eventWaiter

	// sched receives fiber waiters when they are woken.
	sched *Scheduler
}

func newFdContext(fd int, sched *Scheduler) *FdContext {
	return &FdContext{fd: fd, sched: sched}
}

// FD returns the descriptor this context tracks.
func (c *FdContext) FD() int { return c.fd }

// Events returns the currently registered event mask.
func (c *FdContext) Events() IOEvents {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

func (c *FdContext) waiter(ev IOEvents) *eventWaiter {
	if ev == EventRead {
		return &c.read
	}
	return &c.write
}

// addEvent installs the waiter for one direction and ORs the event bit
// into the mask, returning (previous mask, new mask). Adding a
// direction that is already present replaces its waiter and leaves the
// mask unchanged (the operation is idempotent with respect to the
// mask).
func (c *FdContext) addEvent(ev IOEvents, w eventWaiter) (IOEvents, IOEvents) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.events
	if prev&ev != 0 {
		logger().Warning().
			Int(`fd`, c.fd).
			Str(`event`, ev.String()).
			Log(`event already registered`)
	}
	*c.waiter(ev) = w
	c.events |= ev
	return prev, c.events
}

// delEvent clears the event bit and its waiter without firing it,
// returning the new mask.
func (c *FdContext) delEvent(ev IOEvents) IOEvents {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events&ev == 0 {
		return c.events
	}
	c.events &^= ev
	*c.waiter(ev) = eventWaiter{}
	return c.events
}

// cancelEvent clears the bit and the waiter slot for one direction
// under the lock, then wakes the removed waiter outside the lock
// (scheduling its fiber or running its callback), returning the new
// mask.
func (c *FdContext) cancelEvent(ev IOEvents) IOEvents {
	c.mu.Lock()
	if c.events&ev == 0 {
		defer c.mu.Unlock()
		return c.events
	}
	w := *c.waiter(ev)
	*c.waiter(ev) = eventWaiter{}
	c.events &^= ev
	remaining := c.events
	c.mu.Unlock()

	c.fire(ev, w)
	return remaining
}

// cancelAll cancels both directions.
func (c *FdContext) cancelAll() {
	c.mu.Lock()
	r, wr := c.read, c.write
	had := c.events
	c.read, c.write = eventWaiter{}, eventWaiter{}
	c.events = 0
	c.mu.Unlock()

	if had&EventRead != 0 {
		c.fire(EventRead, r)
	}
	if had&EventWrite != 0 {
		c.fire(EventWrite, wr)
	}
}

// triggerEvent is called from the reactor when the descriptor is ready
// in one direction: it atomically moves the waiter out of the slot,
// clears the bit, drops the lock, then runs the callback or schedules
// the fiber. Consumption is one-shot; whoever installed the waiter
// re-installs if another notification is wanted.
func (c *FdContext) triggerEvent(ev IOEvents) {
	c.mu.Lock()
	if c.events&ev == 0 {
		c.mu.Unlock()
		return
	}
	w := *c.waiter(ev)
	*c.waiter(ev) = eventWaiter{}
	c.events &^= ev
	c.mu.Unlock()

	c.fire(ev, w)
}

// fire delivers a woken waiter: callbacks run inline, fibers are
// re-queued on the scheduler. Must be called without holding c.mu.
func (c *FdContext) fire(ev IOEvents, w eventWaiter) {
	switch {
	case w.callback != nil:
		w.callback()
	case w.fiber != nil:
		if c.sched != nil {
			c.sched.Schedule(w.fiber)
		} else {
			logger().Warning().
				Int(`fd`, c.fd).
				Str(`event`, ev.String()).
				Log(`no scheduler for woken fiber`)
		}
	}
}

// fdTable maps descriptors to their FdContext, growing geometrically
// (1.5x, floor fd+1) on demand. Reads take the shared lock; creation,
// growth and deletion promote to the exclusive lock.
type fdTable struct {
	mu    sync.RWMutex
	ctxs  []*FdContext
	sched *Scheduler
}

const initialFdTableSize = 64

func newFdTable(sched *Scheduler) *fdTable {
	return &fdTable{
		ctxs:  make([]*FdContext, initialFdTableSize),
		sched: sched,
	}
}

// get returns the context for fd, creating it when autoCreate is set.
// Returns nil for unknown descriptors otherwise.
func (t *fdTable) get(fd int, autoCreate bool) *FdContext {
	if fd < 0 {
		return nil
	}

	t.mu.RLock()
	if fd < len(t.ctxs) {
		if c := t.ctxs[fd]; c != nil || !autoCreate {
			t.mu.RUnlock()
			return c
		}
	} else if !autoCreate {
		t.mu.RUnlock()
		return nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if fd >= len(t.ctxs) {
		want := len(t.ctxs) + len(t.ctxs)/2
		if want < fd+1 {
			want = fd + 1
		}
		grown := make([]*FdContext, want)
		copy(grown, t.ctxs)
		t.ctxs = grown
	}
	if t.ctxs[fd] == nil {
		t.ctxs[fd] = newFdContext(fd, t.sched)
	}
	return t.ctxs[fd]
}

// remove drops the context for fd.
func (t *fdTable) remove(fd int) {
	if fd < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < len(t.ctxs) {
		t.ctxs[fd] = nil
	}
}
