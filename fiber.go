package zcoroutine

import (
	"runtime/debug"
	"strconv"
	"sync/atomic"
)

// FiberState is the lifecycle state of a fiber.
type FiberState int32

const (
	// StateReady indicates the fiber is ready to be resumed.
	StateReady FiberState = iota
	// StateRunning indicates the fiber is currently executing.
	StateRunning
	// StateSuspended indicates the fiber yielded and awaits resumption.
	StateSuspended
	// StateTerminated indicates the entry function returned or panicked.
	StateTerminated
)

// String returns a human-readable representation of the state.
func (s FiberState) String() string {
	switch s {
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StateSuspended:
		return "Suspended"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

var fiberIDCounter atomic.Uint64

// Fiber is a stackful cooperatively-scheduled execution context. Each
// fiber is backed by a goroutine that parks between activations; its
// data stack is either an owned buffer (independent mode) or a slot
// borrowed from a [StackArena] (shared mode).
//
// A fiber is resumable exactly when its state is Ready or Suspended.
// Yield is legal only from inside a running fiber. Resuming a
// Terminated fiber fails until Reset gives it a new entry function.
type Fiber struct {
	id    uint64
	name  string
	state atomic.Int32

	mc      machineContext
	entry   func()
	started bool

	// panicErr holds a captured unwind from the entry function,
	// re-raised by the next Resume.
	panicErr *PanicError

	// tc is the context of the worker that last resumed this fiber.
	tc *ThreadContext

	// Data stack. Exactly one of stack/sharedMem is set for user
	// fibers; both are nil for main-fiber placeholders.
	stack     []byte
	arena     *StackArena
	sharedMem *StackMem
	saveArea  []byte
	stackUsed int
}

// NewFiber creates a fiber in the Ready state with an owned data stack
// of stackSize bytes (the default when non-positive). The entry
// function is consumed on first resume. An empty name is synthesized
// from the fiber id.
func NewFiber(entry func(), stackSize int, name string) *Fiber {
	return newFiber(entry, stackSize, name, nil)
}

// NewFiber creates a shared-stack fiber borrowing one of the arena's
// buffers.
func (a *StackArena) NewFiber(entry func(), name string) *Fiber {
	return newFiber(entry, a.stackSize, name, a)
}

func newFiber(entry func(), stackSize int, name string, arena *StackArena) *Fiber {
	f := &Fiber{
		id:    fiberIDCounter.Add(1),
		entry: entry,
		mc:    newMachineContext(),
		arena: arena,
	}
	if name == "" {
		f.name = "fiber_" + strconv.FormatUint(f.id, 10)
	} else {
		f.name = name + "_" + strconv.FormatUint(f.id, 10)
	}
	if arena != nil {
		f.sharedMem = arena.allocStack()
	} else {
		f.stack = allocStack(stackSize)
	}
	f.state.Store(int32(StateReady))
	logger().Debug().
		Str(`name`, f.name).
		Uint64(`id`, f.id).
		Bool(`shared`, arena != nil).
		Log(`fiber created`)
	return f
}

// newMainFiber builds the placeholder capturing a worker's (or a
// standalone resumer's) original execution context.
func newMainFiber() *Fiber {
	f := &Fiber{
		name:    "main_fiber",
		mc:      newMachineContext(),
		started: true,
	}
	f.state.Store(int32(StateRunning))
	return f
}

// Name returns the fiber's display name.
func (f *Fiber) Name() string { return f.name }

// ID returns the fiber's unique id.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the fiber's lifecycle state.
func (f *Fiber) State() FiberState { return FiberState(f.state.Load()) }

// IsSharedStack reports whether the fiber borrows an arena buffer.
func (f *Fiber) IsSharedStack() bool { return f.sharedMem != nil }

func (f *Fiber) setState(s FiberState) { f.state.Store(int32(s)) }

// Resume transfers control from the caller to the fiber. Control
// returns to the caller when the fiber next suspends or terminates. If
// the fiber terminated with a captured unwind, Resume re-raises it (as
// a *PanicError panic) after control returns.
func (f *Fiber) Resume() error {
	switch f.State() {
	case StateReady, StateSuspended:
	default:
		return ErrIllegalState
	}

	tc := currentContext()
	tc.ensureMainFiber()
	prev := tc.currentFiber
	if prev == nil {
		prev = tc.mainFiber
	}

	f.tc = tc
	tc.currentFiber = f
	f.setState(StateRunning)

	if f.arena != nil {
		f.arena.restore(f)
	}
	if !f.started {
		f.started = true
		go f.fiberMain()
	}

	swapContext(&prev.mc, &f.mc)

	// Control is back on the resumer; the switch-out path restored
	// currentFiber. Re-raise a captured unwind, if any.
	if f.State() == StateTerminated && f.panicErr != nil {
		panic(f.panicErr)
	}
	return nil
}

// Yield suspends the current fiber and transfers control to its switch
// target: the worker's scheduler fiber, or the main fiber when no
// scheduler fiber is installed (or the current fiber is the scheduler
// fiber itself). It returns once the fiber is resumed.
func Yield() error {
	tc := lookupContext()
	if tc == nil || tc.currentFiber == nil || tc.currentFiber == tc.mainFiber {
		logger().Warning().Log(`yield with no current fiber`)
		return ErrNoCurrentFiber
	}
	cur := tc.currentFiber
	cur.setState(StateSuspended)
	if cur.arena != nil {
		cur.arena.save(cur)
	}
	target := tc.switchTarget(cur)
	tc.currentFiber = target
	swapContext(&cur.mc, &target.mc)
	// The resumer may belong to a different worker; rebind this
	// goroutine to whatever context resumed us.
	adoptContext(cur.tc)
	return nil
}

// Reset returns a Terminated fiber to Ready with a new entry function
// and a cleared unwind slot, for reuse by the fiber pool.
func (f *Fiber) Reset(entry func()) error {
	if f.State() != StateTerminated {
		return ErrIllegalState
	}
	f.entry = entry
	f.panicErr = nil
	f.started = false
	f.stackUsed = 0
	f.saveArea = f.saveArea[:0]
	f.setState(StateReady)
	logger().Debug().
		Str(`name`, f.name).
		Uint64(`id`, f.id).
		Log(`fiber reset`)
	return nil
}

// StackBytes claims n bytes from the top of the fiber's data stack and
// returns the region. In shared mode the region aliases the arena
// buffer and is only valid while the fiber is running; its contents are
// preserved across yields via the fiber's save area. Claims are
// released by Reset.
func (f *Fiber) StackBytes(n int) ([]byte, error) {
	if n <= 0 {
		return nil, ErrInvalidArgument
	}
	buf := f.stack
	if f.sharedMem != nil {
		buf = f.sharedMem.buf
	}
	if buf == nil || f.stackUsed+n > len(buf) {
		return nil, ErrStackExhausted
	}
	f.stackUsed += n
	lo := len(buf) - f.stackUsed
	return buf[lo : lo+n], nil
}

// fiberMain is the body of the goroutine backing a fiber activation.
// It waits for the first resume, runs the guarded entry, and hands
// control to the switch target on termination. After Reset, the next
// Resume spawns a fresh goroutine for the new activation.
func (f *Fiber) fiberMain() {
	<-f.mc.park
	adoptContext(f.tc)

	f.invokeEntry()

	if f.arena != nil {
		f.arena.release(f)
	}

	tc := f.tc
	target := tc.switchTarget(f)
	tc.currentFiber = target
	dropContext()
	enterContext(&target.mc)
}

// invokeEntry runs the entry function inside the mandatory guard: any
// unwind is captured on the fiber and the state becomes Terminated.
func (f *Fiber) invokeEntry() {
	defer func() {
		if r := recover(); r != nil {
			f.panicErr = &PanicError{Value: r, Stack: debug.Stack()}
			logger().Err().
				Str(`name`, f.name).
				Uint64(`id`, f.id).
				Interface(`panic`, r).
				Log(`fiber terminated with panic`)
		}
		f.entry = nil
		f.setState(StateTerminated)
	}()
	if entry := f.entry; entry != nil {
		entry()
	}
}
