package zcoroutine

import (
	"sync"
	"sync/atomic"
)

// DefaultFiberPoolSize is the default capacity of a fiber pool.
const DefaultFiberPoolSize = 1024

// PoolStatistics is a snapshot of a fiber pool's reuse counters.
type PoolStatistics struct {
	TotalCreated uint64
	TotalReused  uint64
	IdleCount    int
}

// FiberPool recycles terminated fibers so that lifting callables to
// fibers does not allocate a stack per task.
type FiberPool struct {
	mu      sync.Mutex
	idle    []*Fiber
	maxSize int

	totalCreated atomic.Uint64
	totalReused  atomic.Uint64
}

// NewFiberPool creates a pool holding at most maxSize idle fibers (the
// default capacity when non-positive).
func NewFiberPool(maxSize int) *FiberPool {
	if maxSize <= 0 {
		maxSize = DefaultFiberPoolSize
	}
	return &FiberPool{maxSize: maxSize}
}

// Acquire returns an idle fiber reset with entry, or a newly created
// fiber when the pool is empty.
func (p *FiberPool) Acquire(entry func()) *Fiber {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		f := p.idle[0]
		p.idle[0] = nil
		p.idle = p.idle[1:]
		p.mu.Unlock()
		if err := f.Reset(entry); err != nil {
			// A non-terminated fiber can only land here through
			// a misuse of Release; fall through to a fresh one.
			logger().Warning().
				Uint64(`id`, f.id).
				Str(`state`, f.State().String()).
				Log(`pooled fiber not resettable`)
		} else {
			p.totalReused.Add(1)
			return f
		}
	} else {
		p.mu.Unlock()
	}
	p.totalCreated.Add(1)
	return NewFiber(entry, DefaultStackSize, "")
}

// Release returns a terminated fiber to the pool. Releasing a fiber in
// any other state is a no-op; releasing into a full pool drops the
// fiber.
func (p *FiberPool) Release(f *Fiber) {
	if f == nil {
		logger().Warning().Log(`release of nil fiber`)
		return
	}
	if f.State() != StateTerminated {
		logger().Warning().
			Uint64(`id`, f.id).
			Str(`state`, f.State().String()).
			Log(`release of non-terminated fiber ignored`)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) >= p.maxSize {
		return
	}
	p.idle = append(p.idle, f)
}

// Resize changes the pool capacity, trimming idle fibers beyond it.
func (p *FiberPool) Resize(n int) {
	if n < 0 {
		n = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxSize = n
	for len(p.idle) > n {
		p.idle[len(p.idle)-1] = nil
		p.idle = p.idle[:len(p.idle)-1]
	}
}

// Clear drops all idle fibers and zeroes the counters.
func (p *FiberPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idle = nil
	p.totalCreated.Store(0)
	p.totalReused.Store(0)
}

// IdleCount returns the number of idle fibers held.
func (p *FiberPool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Statistics returns a snapshot of the pool counters.
func (p *FiberPool) Statistics() PoolStatistics {
	p.mu.Lock()
	idle := len(p.idle)
	p.mu.Unlock()
	return PoolStatistics{
		TotalCreated: p.totalCreated.Load(),
		TotalReused:  p.totalReused.Load(),
		IdleCount:    idle,
	}
}
