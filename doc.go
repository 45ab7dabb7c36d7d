// Package zcoroutine is a user-space cooperative fiber runtime for
// Linux: many lightweight, cooperatively-scheduled fibers multiplexed
// over a fixed pool of worker threads, with blocking-style I/O driven
// to completion through a single edge-triggered readiness poller.
//
// # Architecture
//
// A [Scheduler] drains a FIFO [TaskQueue] with worker threads. Each
// worker runs a three-level fiber hierarchy: its main fiber (the
// worker's original context), a scheduler fiber running the dispatch
// loop, and the user [Fiber] values the loop resumes. User fibers
// never switch to one another directly; yields always return through
// the scheduler fiber.
//
// A [Reactor] couples the scheduler with an epoll-backed [Poller], a
// timer heap, and a per-descriptor event table. Fibers register
// one-shot readiness waiters or timers and yield; the reactor's I/O
// thread wakes them by re-queuing them on the scheduler.
//
// # Syscall hooks
//
// The hook layer ([Read], [Write], [Recv], [Send], [Accept],
// [Connect], [Sleep], ...) wraps the blocking-syscall subset over raw
// descriptors. With hooking enabled on a worker ([SetHookEnable]) and
// a hooked socket, an operation that would block suspends the current
// fiber until the descriptor is ready, a per-direction timeout
// (SO_RCVTIMEO / SO_SNDTIMEO via [SetsockoptTimeval]) fires, or an
// error occurs. Timeouts surface as ETIMEDOUT. With the flag clear,
// every wrapper is a bit-exact passthrough.
//
// Sockets created through the hooks are always non-blocking at the
// kernel level; [Fcntl] and [Ioctl] preserve the user-visible
// O_NONBLOCK semantics by shadowing the flag in the descriptor
// metadata.
//
// # Stacks
//
// Fibers are backed by goroutines, so their control state needs no
// manual stack management; each fiber additionally owns a data stack
// for fiber-local storage ([Fiber.StackBytes]). In shared-stack mode a
// [StackArena] lends a fixed set of buffers to a larger set of fibers,
// saving and restoring each fiber's live bytes as it switches out and
// in.
//
// # Usage
//
//	r, err := zcoroutine.NewReactor(zcoroutine.WithWorkers(4))
//	if err != nil {
//		log.Fatal(err)
//	}
//	r.Start()
//	defer r.Stop()
//
//	r.ScheduleFunc(func() {
//		zcoroutine.SetHookEnable(true)
//		fd, _ := zcoroutine.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
//		defer zcoroutine.Close(fd)
//		// Blocking-style calls suspend the fiber instead of the thread.
//	})
package zcoroutine
