package zcoroutine

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Scheduler drains a shared task queue with a pool of worker threads.
// Each worker owns a three-level fiber hierarchy: its main fiber (the
// worker's original context), a scheduler fiber running the dispatch
// loop, and the user fibers the dispatch loop resumes.
type Scheduler struct {
	name        string
	workerCount int
	queue       *TaskQueue
	pool        *FiberPool

	// reactor is the owning reactor, when the scheduler is embedded in
	// one; workers publish it to their thread context so the syscall
	// hooks resolve it without the process-wide default.
	reactor *Reactor

	// hookEnabled is the initial hook flag for each worker.
	hookEnabled bool

	wg       sync.WaitGroup
	started  atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
}

// NewScheduler creates a scheduler with workerCount worker threads
// (minimum one) and the given name.
func NewScheduler(workerCount int, name string) *Scheduler {
	if workerCount <= 0 {
		workerCount = 1
	}
	if name == "" {
		name = "scheduler"
	}
	s := &Scheduler{
		name:        name,
		workerCount: workerCount,
		queue:       NewTaskQueue(),
		pool:        NewFiberPool(DefaultFiberPoolSize),
	}
	logger().Info().
		Str(`scheduler`, name).
		Int(`workers`, workerCount).
		Log(`scheduler created`)
	return s
}

// Name returns the scheduler's name.
func (s *Scheduler) Name() string { return s.name }

// Pool returns the scheduler's fiber pool.
func (s *Scheduler) Pool() *FiberPool { return s.pool }

// Start launches the worker threads. Starting twice is a no-op.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		logger().Warning().Str(`scheduler`, s.name).Log(`scheduler already started`)
		return
	}
	s.wg.Add(s.workerCount)
	for i := 0; i < s.workerCount; i++ {
		go s.worker(i)
	}
	logger().Info().
		Str(`scheduler`, s.name).
		Int(`workers`, s.workerCount).
		Log(`scheduler started`)
}

// Stop stops the task queue, wakes every worker and joins them.
// Idempotent. Tasks still queued when Stop is called are not executed.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		logger().Info().
			Str(`scheduler`, s.name).
			Int(`pending`, s.queue.Len()).
			Log(`scheduler stopping`)
		s.queue.Stop()
		s.wg.Wait()
		logger().Info().Str(`scheduler`, s.name).Log(`scheduler stopped`)
	})
}

// Schedule enqueues a fiber for resumption and wakes a worker. Valid
// from any goroutine, including inside a fiber.
func (s *Scheduler) Schedule(f *Fiber) {
	if f == nil {
		logger().Warning().Str(`scheduler`, s.name).Log(`schedule of nil fiber`)
		return
	}
	s.queue.Push(Task{Fiber: f})
}

// ScheduleFunc enqueues a bare callable; the dispatch loop lifts it to
// a pool-acquired fiber.
func (s *Scheduler) ScheduleFunc(fn func()) {
	if fn == nil {
		logger().Warning().Str(`scheduler`, s.name).Log(`schedule of nil callback`)
		return
	}
	s.queue.Push(Task{Callback: fn})
}

// worker is one scheduler thread: it publishes the thread context,
// builds the main-fiber placeholder and the scheduler fiber, resumes
// the latter, and tears the context down when the dispatch loop
// returns.
func (s *Scheduler) worker(idx int) {
	defer s.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	tc := currentContext()
	defer dropContext()
	tc.scheduler = s
	tc.reactor = s.reactor
	tc.hookEnabled = s.hookEnabled

	main := newMainFiber()
	tc.mainFiber = main
	tc.currentFiber = main

	sched := newFiber(s.dispatchLoop, DefaultStackSize, "scheduler", nil)
	tc.schedulerFiber = sched

	logger().Debug().
		Str(`scheduler`, s.name).
		Int(`worker`, idx).
		Log(`worker started`)

	func() {
		defer func() {
			if r := recover(); r != nil {
				logger().Err().
					Str(`scheduler`, s.name).
					Int(`worker`, idx).
					Interface(`panic`, r).
					Log(`scheduler fiber panicked`)
			}
		}()
		if err := sched.Resume(); err != nil {
			logger().Err().
				Str(`scheduler`, s.name).
				Int(`worker`, idx).
				Err(err).
				Log(`scheduler fiber resume failed`)
		}
	}()

	tc.reset()
	logger().Debug().
		Str(`scheduler`, s.name).
		Int(`worker`, idx).
		Log(`worker exited`)
}

// dispatchLoop runs inside each worker's scheduler fiber.
func (s *Scheduler) dispatchLoop() {
	for !s.stopping.Load() {
		task, ok := s.queue.Pop()
		if !ok {
			return
		}
		if !task.Valid() {
			continue
		}
		f := task.Fiber
		if f == nil {
			f = s.pool.Acquire(task.Callback)
		}
		s.runFiber(f)
	}
}

// runFiber resumes one fiber, recovering (and logging) any re-raised
// unwind so the dispatch loop never dies, and releases the fiber to
// the pool once it terminates.
func (s *Scheduler) runFiber(f *Fiber) {
	switch f.State() {
	case StateRunning:
		// The fiber was made runnable (e.g. by an I/O readiness
		// trigger) before it finished suspending; requeue and let it
		// reach its suspension point.
		s.queue.Push(Task{Fiber: f})
		runtime.Gosched()
		return
	case StateTerminated:
		logger().Warning().
			Uint64(`id`, f.id).
			Str(`name`, f.name).
			Log(`dropping task for terminated fiber`)
		return
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				logger().Err().
					Str(`scheduler`, s.name).
					Uint64(`id`, f.id).
					Str(`name`, f.name).
					Interface(`panic`, r).
					Log(`fiber execution panicked`)
			}
		}()
		if err := f.Resume(); err != nil {
			logger().Warning().
				Uint64(`id`, f.id).
				Str(`name`, f.name).
				Err(err).
				Log(`fiber resume failed`)
		}
	}()

	if f.State() == StateTerminated {
		s.pool.Release(f)
	}
}
