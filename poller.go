//go:build linux

package zcoroutine

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// IOEvents represents the I/O readiness events of a descriptor.
type IOEvents uint32

const (
	// EventRead indicates the descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the descriptor.
	EventError
	// EventHangup indicates the peer closed its end.
	EventHangup
)

// String returns a compact representation of the event set.
func (e IOEvents) String() string {
	s := ""
	if e&EventRead != 0 {
		s += "R"
	}
	if e&EventWrite != 0 {
		s += "W"
	}
	if e&EventError != 0 {
		s += "E"
	}
	if e&EventHangup != 0 {
		s += "H"
	}
	if s == "" {
		return "-"
	}
	return s
}

// PollEvent is one readiness notification returned by Poller.Wait.
type PollEvent struct {
	FD     int32
	Events IOEvents
}

// defaultMaxPollEvents is the poll batch size.
const defaultMaxPollEvents = 256

// Poller wraps an edge-triggered epoll instance. Registrations are
// keyed by descriptor; readiness is reported only on the transition to
// ready, so consumers must drain until the underlying operation would
// block before re-arming.
type Poller struct {
	epfd     int
	eventBuf []unix.EpollEvent
	results  []PollEvent
	closed   atomic.Bool
}

// newPoller creates an epoll instance with the given wait batch size.
func newPoller(maxEvents int) (*Poller, error) {
	if maxEvents <= 0 {
		maxEvents = defaultMaxPollEvents
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Poller{
		epfd:     epfd,
		eventBuf: make([]unix.EpollEvent, maxEvents),
		results:  make([]PollEvent, 0, maxEvents),
	}, nil
}

// Add registers fd for the given events.
func (p *Poller) Add(fd int, events IOEvents) error {
	if fd < 0 {
		return ErrInvalidArgument
	}
	if p.closed.Load() {
		return ErrPollerClosed
	}
	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev)
}

// Modify changes fd's registered event mask.
func (p *Poller) Modify(fd int, events IOEvents) error {
	if fd < 0 {
		return ErrInvalidArgument
	}
	if p.closed.Load() {
		return ErrPollerClosed
	}
	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

// Remove unregisters fd.
func (p *Poller) Remove(fd int) error {
	if fd < 0 {
		return ErrInvalidArgument
	}
	if p.closed.Load() {
		return ErrPollerClosed
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks for at most timeoutMs (-1 waits indefinitely) and
// returns the ready events. EINTR is retried internally. The returned
// slice is reused by the next Wait call.
func (p *Poller) Wait(timeoutMs int) ([]PollEvent, error) {
	if p.closed.Load() {
		return nil, ErrPollerClosed
	}
	var n int
	for {
		var err error
		n, err = unix.EpollWait(p.epfd, p.eventBuf, timeoutMs)
		if err == nil {
			break
		}
		if err == unix.EINTR {
			continue
		}
		return nil, err
	}
	p.results = p.results[:0]
	for i := 0; i < n; i++ {
		p.results = append(p.results, PollEvent{
			FD:     p.eventBuf[i].Fd,
			Events: epollToEvents(p.eventBuf[i].Events),
		})
	}
	return p.results, nil
}

// Close releases the epoll descriptor.
func (p *Poller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(p.epfd)
}

// eventsToEpoll converts IOEvents to edge-triggered epoll flags.
func eventsToEpoll(events IOEvents) uint32 {
	epollEvents := uint32(unix.EPOLLET)
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

// epollToEvents converts epoll flags to IOEvents.
func epollToEvents(epollEvents uint32) IOEvents {
	var events IOEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
