package zcoroutine

import "sync"

// semWaiter is a fiber parked on a semaphore, together with the
// scheduler that will re-queue it.
type semWaiter struct {
	fiber *Fiber
	sched *Scheduler
}

// Semaphore is a counting semaphore that is fiber-aware: a Wait from
// inside a scheduled fiber suspends the fiber rather than blocking its
// worker thread, and Notify re-queues the longest-parked waiter.
// Outside a fiber, Wait degrades to blocking the calling goroutine.
type Semaphore struct {
	mu      sync.Mutex
	cond    *sync.Cond
	count   uint
	waiters []semWaiter
}

// NewSemaphore creates a semaphore with the given initial count.
func NewSemaphore(count uint) *Semaphore {
	s := &Semaphore{count: count}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Wait decrements the semaphore, suspending until the count is
// positive.
func (s *Semaphore) Wait() {
	s.mu.Lock()
	if s.count > 0 {
		s.count--
		s.mu.Unlock()
		return
	}

	cur := CurrentFiber()
	var sched *Scheduler
	if tc := lookupContext(); tc != nil {
		sched = tc.scheduler
	}
	if cur == nil || sched == nil {
		for s.count == 0 {
			s.cond.Wait()
		}
		s.count--
		s.mu.Unlock()
		return
	}

	s.waiters = append(s.waiters, semWaiter{fiber: cur, sched: sched})
	s.mu.Unlock()
	_ = Yield()
}

// Notify increments the semaphore, handing the permit directly to the
// oldest parked fiber when one exists.
func (s *Semaphore) Notify() {
	s.mu.Lock()
	if len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters[0] = semWaiter{}
		s.waiters = s.waiters[1:]
		s.mu.Unlock()
		w.sched.Schedule(w.fiber)
		return
	}
	s.count++
	s.mu.Unlock()
	s.cond.Signal()
}

// NotifyN releases n permits.
func (s *Semaphore) NotifyN(n int) {
	for i := 0; i < n; i++ {
		s.Notify()
	}
}
