package zcoroutine

import (
	"runtime"
	"sync"
)

// ThreadContext carries the per-worker scheduling state: the worker's
// main fiber (its original execution context), the scheduler fiber
// running the dispatch loop, the fiber currently executing, the owning
// scheduler and reactor, and the hook-enable flag.
//
// Switch hierarchy:
//
//	main fiber <-> scheduler fiber <-> user fiber
//
// A context is shared between the worker goroutine and the goroutines
// backing the fibers it resumes; because at most one of them holds
// control at any instant, the fields need no locking.
type ThreadContext struct {
	mainFiber      *Fiber
	schedulerFiber *Fiber
	currentFiber   *Fiber
	scheduler      *Scheduler
	reactor        *Reactor
	hookEnabled    bool
}

// reset restores the context to its defaults.
func (tc *ThreadContext) reset() {
	tc.mainFiber = nil
	tc.schedulerFiber = nil
	tc.currentFiber = nil
	tc.scheduler = nil
	tc.reactor = nil
	tc.hookEnabled = false
}

// switchTarget determines where control goes when cur yields or
// terminates: the scheduler fiber, unless cur is the scheduler fiber or
// none is installed, in which case the main fiber.
func (tc *ThreadContext) switchTarget(cur *Fiber) *Fiber {
	if tc.schedulerFiber != nil && cur != tc.schedulerFiber {
		return tc.schedulerFiber
	}
	return tc.mainFiber
}

// ensureMainFiber returns the context's main fiber, creating an
// implicit placeholder when the goroutine is not a scheduler worker
// (standalone Resume from tests or host code).
func (tc *ThreadContext) ensureMainFiber() *Fiber {
	if tc.mainFiber == nil {
		tc.mainFiber = newMainFiber()
		if tc.currentFiber == nil {
			tc.currentFiber = tc.mainFiber
		}
	}
	return tc.mainFiber
}

var contextRegistry struct {
	sync.RWMutex
	m map[uint64]*ThreadContext
}

func init() {
	contextRegistry.m = make(map[uint64]*ThreadContext)
}

// currentContext returns the ThreadContext bound to the calling
// goroutine, allocating and binding one on first use.
func currentContext() *ThreadContext {
	id := getGoroutineID()
	contextRegistry.RLock()
	tc := contextRegistry.m[id]
	contextRegistry.RUnlock()
	if tc != nil {
		return tc
	}
	tc = &ThreadContext{}
	contextRegistry.Lock()
	contextRegistry.m[id] = tc
	contextRegistry.Unlock()
	return tc
}

// lookupContext returns the bound context, or nil without allocating.
func lookupContext() *ThreadContext {
	id := getGoroutineID()
	contextRegistry.RLock()
	tc := contextRegistry.m[id]
	contextRegistry.RUnlock()
	return tc
}

// adoptContext binds the calling goroutine to an existing context.
// Fiber goroutines adopt their resumer's context each time they wake,
// so that Yield and the syscall hooks resolve the correct worker state.
func adoptContext(tc *ThreadContext) {
	id := getGoroutineID()
	contextRegistry.Lock()
	contextRegistry.m[id] = tc
	contextRegistry.Unlock()
}

// dropContext removes the calling goroutine's binding.
func dropContext() {
	id := getGoroutineID()
	contextRegistry.Lock()
	delete(contextRegistry.m, id)
	contextRegistry.Unlock()
}

// CurrentFiber returns the fiber executing on the calling goroutine's
// context, or nil when none is running. The main-fiber placeholder is
// not reported as a current fiber.
func CurrentFiber() *Fiber {
	tc := lookupContext()
	if tc == nil || tc.currentFiber == nil || tc.currentFiber == tc.mainFiber {
		return nil
	}
	return tc.currentFiber
}

// SetHookEnable sets the hook-enable flag for the calling worker. It is
// intended to be called at the start of a scheduled task; the flag is
// shared by every fiber that runs on the same worker.
func SetHookEnable(enable bool) {
	currentContext().hookEnabled = enable
}

// HookEnabled reports whether syscall hooking is enabled for the
// calling worker.
func HookEnabled() bool {
	tc := lookupContext()
	return tc != nil && tc.hookEnabled
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
