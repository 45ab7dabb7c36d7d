//go:build linux

package zcoroutine

import (
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"golang.org/x/sys/unix"
)

// The hook layer wraps the blocking-syscall subset with cooperative
// versions: with hooking enabled and a hooked socket, an operation
// that would block suspends the current fiber until the reactor
// reports readiness (or a per-direction timeout fires), then retries.
// With the hook flag clear, or for descriptors without metadata, every
// wrapper is a bit-exact passthrough to the raw entry point.
//
// The raw entry points are captured once at process start as package
// function variables, the role the dlsym(RTLD_NEXT) table plays in a
// preload-based interposer; tests may substitute them.
var (
	rawSocket   = unix.Socket
	rawConnect  = unix.Connect
	rawAccept   = unix.Accept
	rawRead     = unix.Read
	rawWrite    = unix.Write
	rawReadv    = unix.Readv
	rawWritev   = unix.Writev
	rawRecvfrom = unix.Recvfrom
	rawRecvmsg  = unix.Recvmsg
	rawSendmsg  = unix.SendmsgN
	rawClose    = unix.Close

	rawFcntl = func(fd, cmd, arg int) (int, error) {
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}
	rawIoctl = func(fd int, req uint, arg *int) error {
		return unix.IoctlSetPointerInt(fd, req, *arg)
	}
	rawSetsockoptTimeval = unix.SetsockoptTimeval
	rawSetsockoptInt     = unix.SetsockoptInt
	rawGetsockoptInt     = unix.GetsockoptInt
)

// connectTimeoutMS is the process-wide default connect timeout; 0
// means wait indefinitely.
var connectTimeoutMS atomic.Uint64

// SetConnectTimeout sets the default timeout applied by Connect on
// hooked sockets; 0 restores waiting indefinitely.
func SetConnectTimeout(ms uint64) { connectTimeoutMS.Store(ms) }

// ioWait tracks cancellation of one blocked hook operation. The
// timeout timer holds it weakly, so an abandoned wait does not pin the
// state.
type ioWait struct {
	mu        sync.Mutex
	cancelled unix.Errno
}

func (w *ioWait) cancel(reason unix.Errno) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelled != 0 {
		return false
	}
	w.cancelled = reason
	return true
}

func (w *ioWait) reason() unix.Errno {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelled
}

// doIOHook is the shared template for the generic I/O wrappers: retry
// the raw operation through EINTR; on EAGAIN arm the direction's
// timeout timer (if configured), install a one-shot waiter for the
// current fiber, yield, and loop to retry once woken. Timeout expiry
// surfaces as ETIMEDOUT.
func doIOHook(fd int, ev IOEvents, timeoutKind int, op func() (int, error)) (int, error) {
	if !HookEnabled() {
		return op()
	}
	meta := fdMetas.get(fd, false)
	if meta == nil {
		return op()
	}
	if meta.Closed() {
		return -1, unix.EBADF
	}
	if !meta.IsSocket() || meta.UserNonblock() {
		return op()
	}

	timeout := meta.Timeout(timeoutKind)
	w := &ioWait{}

	for {
		n, err := op()
		for err == unix.EINTR {
			n, err = op()
		}
		if err != unix.EAGAIN {
			return n, err
		}

		r := currentReactor()
		if r == nil || CurrentFiber() == nil {
			return n, err
		}

		var timer *Timer
		if timeout > 0 {
			wp := weak.Make(w)
			timer, _ = r.AddConditionTimer(timeout, func() {
				s := wp.Value()
				if s == nil || !s.cancel(unix.ETIMEDOUT) {
					return
				}
				_ = r.CancelEvent(fd, ev)
			}, func() bool { return wp.Value() != nil }, false)
		}

		if aerr := r.AddEvent(fd, ev, nil); aerr != nil {
			if timer != nil {
				timer.Cancel()
			}
			logger().Warning().
				Int(`fd`, fd).
				Str(`event`, ev.String()).
				Err(aerr).
				Log(`hook add event failed`)
			return -1, aerr
		}

		_ = Yield()

		if timer != nil {
			timer.Cancel()
		}
		if reason := w.reason(); reason != 0 {
			return -1, reason
		}
	}
}

// hookSleep suspends the current fiber for ms milliseconds via a
// reactor timer. Returns false when the cooperative path is
// unavailable (hook disabled, no fiber, or no reactor).
func hookSleep(ms uint64) bool {
	if !HookEnabled() {
		return false
	}
	cur := CurrentFiber()
	if cur == nil {
		return false
	}
	r := currentReactor()
	if r == nil {
		return false
	}
	sched := r.sched
	r.AddTimer(ms, func() { sched.Schedule(cur) }, false)
	_ = Yield()
	return true
}

// Sleep suspends for the given number of seconds. Inside a hooked
// fiber the sleep is cooperative; otherwise the calling thread blocks.
// Always returns 0, matching the libc contract for an uninterrupted
// sleep.
func Sleep(seconds uint) uint {
	if !hookSleep(uint64(seconds) * 1000) {
		time.Sleep(time.Duration(seconds) * time.Second)
	}
	return 0
}

// Usleep suspends for usec microseconds, cooperatively when possible.
func Usleep(usec uint64) error {
	if !hookSleep(usec / 1000) {
		time.Sleep(time.Duration(usec) * time.Microsecond)
	}
	return nil
}

// Nanosleep suspends for the duration in req, cooperatively when
// possible. rem is accepted for signature parity and never written:
// the cooperative sleep is not interruptible by signals.
func Nanosleep(req *unix.Timespec, rem *unix.Timespec) error {
	if req == nil {
		return unix.EINVAL
	}
	_ = rem
	ms := uint64(req.Sec)*1000 + uint64(req.Nsec)/1000000
	if !hookSleep(ms) {
		time.Sleep(time.Duration(req.Nano()))
	}
	return nil
}

// Socket creates a socket. With hooking enabled the descriptor gets a
// metadata entry and is force-set non-blocking at the kernel level;
// the user-visible blocking flag starts cleared.
func Socket(domain, typ, proto int) (int, error) {
	fd, err := rawSocket(domain, typ, proto)
	if err != nil || !HookEnabled() {
		return fd, err
	}
	fdMetas.get(fd, true)
	logger().Debug().Int(`fd`, fd).Log(`hooked socket created`)
	return fd, nil
}

// Connect connects fd to sa. On a hooked socket the connect is issued
// non-blocking; EINPROGRESS registers a write-wait (bounded by the
// process connect timeout, if set) and suspends until the connection
// resolves, then reports SO_ERROR.
func Connect(fd int, sa unix.Sockaddr) error {
	return connectWithTimeout(fd, sa, connectTimeoutMS.Load())
}

func connectWithTimeout(fd int, sa unix.Sockaddr, timeoutMS uint64) error {
	if !HookEnabled() {
		return rawConnect(fd, sa)
	}
	meta := fdMetas.get(fd, false)
	if meta == nil {
		return rawConnect(fd, sa)
	}
	if meta.Closed() {
		return unix.EBADF
	}
	if !meta.IsSocket() || meta.UserNonblock() {
		return rawConnect(fd, sa)
	}

	err := rawConnect(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return err
	}

	r := currentReactor()
	if r == nil || CurrentFiber() == nil {
		return err
	}

	w := &ioWait{}
	var timer *Timer
	if timeoutMS > 0 {
		wp := weak.Make(w)
		timer, _ = r.AddConditionTimer(timeoutMS, func() {
			s := wp.Value()
			if s == nil || !s.cancel(unix.ETIMEDOUT) {
				return
			}
			_ = r.CancelEvent(fd, EventWrite)
		}, func() bool { return wp.Value() != nil }, false)
	}

	if aerr := r.AddEvent(fd, EventWrite, nil); aerr != nil {
		if timer != nil {
			timer.Cancel()
		}
		logger().Warning().Int(`fd`, fd).Err(aerr).Log(`connect add event failed`)
		return aerr
	}

	_ = Yield()

	if timer != nil {
		timer.Cancel()
	}
	if reason := w.reason(); reason != 0 {
		return reason
	}

	soerr, gerr := rawGetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return gerr
	}
	if soerr != 0 {
		return unix.Errno(soerr)
	}
	return nil
}

// Accept accepts a connection, waiting cooperatively on the listening
// socket. With hooking enabled, the returned descriptor is force-set
// non-blocking and gets its own metadata entry.
func Accept(fd int) (int, unix.Sockaddr, error) {
	var sa unix.Sockaddr
	nfd, err := doIOHook(fd, EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		n, a, e := rawAccept(fd)
		if e == nil {
			sa = a
		}
		return n, e
	})
	if err == nil && nfd >= 0 && HookEnabled() {
		fdMetas.get(nfd, true)
	}
	return nfd, sa, err
}

// Read reads from fd, waiting cooperatively when the socket has no
// data.
func Read(fd int, p []byte) (int, error) {
	return doIOHook(fd, EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		return rawRead(fd, p)
	})
}

// Readv is the vectored variant of Read.
func Readv(fd int, iovs [][]byte) (int, error) {
	return doIOHook(fd, EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		return rawReadv(fd, iovs)
	})
}

// Recv receives from a connected socket.
func Recv(fd int, p []byte, flags int) (int, error) {
	return doIOHook(fd, EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		n, _, err := rawRecvfrom(fd, p, flags)
		return n, err
	})
}

// Recvfrom receives from fd, reporting the source address.
func Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	var from unix.Sockaddr
	n, err := doIOHook(fd, EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		n, a, e := rawRecvfrom(fd, p, flags)
		if e == nil {
			from = a
		}
		return n, e
	})
	return n, from, err
}

// Recvmsg receives a message with ancillary data.
func Recvmsg(fd int, p, oob []byte, flags int) (int, int, int, unix.Sockaddr, error) {
	var (
		oobn, recvflags int
		from            unix.Sockaddr
	)
	n, err := doIOHook(fd, EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		n, on, rf, a, e := rawRecvmsg(fd, p, oob, flags)
		if e == nil {
			oobn, recvflags, from = on, rf, a
		}
		return n, e
	})
	return n, oobn, recvflags, from, err
}

// Write writes to fd, waiting cooperatively when the socket buffer is
// full.
func Write(fd int, p []byte) (int, error) {
	return doIOHook(fd, EventWrite, unix.SO_SNDTIMEO, func() (int, error) {
		return rawWrite(fd, p)
	})
}

// Writev is the vectored variant of Write.
func Writev(fd int, iovs [][]byte) (int, error) {
	return doIOHook(fd, EventWrite, unix.SO_SNDTIMEO, func() (int, error) {
		return rawWritev(fd, iovs)
	})
}

// Send sends to a connected socket.
func Send(fd int, p []byte, flags int) (int, error) {
	return doIOHook(fd, EventWrite, unix.SO_SNDTIMEO, func() (int, error) {
		return rawSendmsg(fd, p, nil, nil, flags)
	})
}

// Sendto sends to the given address.
func Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return doIOHook(fd, EventWrite, unix.SO_SNDTIMEO, func() (int, error) {
		return rawSendmsg(fd, p, nil, to, flags)
	})
}

// Sendmsg sends a message with ancillary data.
func Sendmsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return doIOHook(fd, EventWrite, unix.SO_SNDTIMEO, func() (int, error) {
		return rawSendmsg(fd, p, oob, to, flags)
	})
}

// Close deregisters fd's events and metadata, then closes it.
func Close(fd int) error {
	if !HookEnabled() {
		return rawClose(fd)
	}
	if meta := fdMetas.get(fd, false); meta != nil {
		var r *Reactor
		if tc := lookupContext(); tc != nil && tc.reactor != nil {
			r = tc.reactor
		} else {
			r = peekDefault()
		}
		if r != nil {
			_ = r.DelEvent(fd, EventRead)
			_ = r.DelEvent(fd, EventWrite)
		}
		meta.setClosed()
		fdMetas.del(fd)
		logger().Debug().Int(`fd`, fd).Log(`hooked fd closed`)
	}
	return rawClose(fd)
}

// Fcntl mediates the non-blocking flag on hooked sockets: F_SETFL
// records the user's O_NONBLOCK and forwards the flag matching the
// kernel-level setting; F_GETFL reports the user's value regardless of
// the actual kernel flag. Other commands pass through.
func Fcntl(fd, cmd, arg int) (int, error) {
	if !HookEnabled() {
		return rawFcntl(fd, cmd, arg)
	}
	switch cmd {
	case unix.F_SETFL:
		meta := fdMetas.get(fd, false)
		if meta == nil || meta.Closed() || !meta.IsSocket() {
			return rawFcntl(fd, cmd, arg)
		}
		meta.SetUserNonblock(arg&unix.O_NONBLOCK != 0)
		if meta.SysNonblock() {
			arg |= unix.O_NONBLOCK
		} else {
			arg &^= unix.O_NONBLOCK
		}
		return rawFcntl(fd, cmd, arg)

	case unix.F_GETFL:
		flags, err := rawFcntl(fd, cmd, 0)
		if err != nil {
			return flags, err
		}
		meta := fdMetas.get(fd, false)
		if meta == nil || meta.Closed() || !meta.IsSocket() {
			return flags, nil
		}
		if meta.UserNonblock() {
			return flags | unix.O_NONBLOCK, nil
		}
		return flags &^ unix.O_NONBLOCK, nil

	default:
		return rawFcntl(fd, cmd, arg)
	}
}

// Ioctl handles FIONBIO on hooked sockets by recording the user's
// non-blocking request without touching the kernel descriptor, which
// must stay non-blocking. Other requests pass through.
func Ioctl(fd int, req uint, arg *int) error {
	if req == unix.FIONBIO && arg != nil && HookEnabled() {
		meta := fdMetas.get(fd, false)
		if meta != nil && !meta.Closed() && meta.IsSocket() {
			meta.SetUserNonblock(*arg != 0)
			return nil
		}
	}
	return rawIoctl(fd, req, arg)
}

// SetsockoptTimeval records SO_RCVTIMEO / SO_SNDTIMEO in the
// descriptor metadata (they govern the hook's per-operation timeouts)
// and forwards to the kernel.
func SetsockoptTimeval(fd, level, opt int, tv *unix.Timeval) error {
	if HookEnabled() && level == unix.SOL_SOCKET &&
		(opt == unix.SO_RCVTIMEO || opt == unix.SO_SNDTIMEO) && tv != nil {
		if meta := fdMetas.get(fd, false); meta != nil {
			meta.SetTimeout(opt, uint64(tv.Sec)*1000+uint64(tv.Usec)/1000)
		}
	}
	return rawSetsockoptTimeval(fd, level, opt, tv)
}

// SetsockoptInt passes through.
func SetsockoptInt(fd, level, opt, value int) error {
	return rawSetsockoptInt(fd, level, opt, value)
}

// GetsockoptInt passes through.
func GetsockoptInt(fd, level, opt int) (int, error) {
	return rawGetsockoptInt(fd, level, opt)
}
