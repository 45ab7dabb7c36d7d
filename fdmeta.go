//go:build linux

package zcoroutine

import (
	"sync"

	"golang.org/x/sys/unix"
)

// FdMeta is the per-descriptor metadata consulted by the syscall
// hooks: whether the descriptor is a socket, the non-blocking flag the
// kernel actually has versus the one the user asked for, and the
// per-direction timeouts. Sockets are force-set to non-blocking when
// the metadata is initialized; the user's requested blocking flag is
// tracked separately so the hooks can behave as if the call blocked.
type FdMeta struct {
	fd int

	mu           sync.Mutex
	initialized  bool
	isSocket     bool
	sysNonblock  bool
	userNonblock bool
	closed       bool
	recvTimeout  uint64 // ms, 0 = infinite
	sendTimeout  uint64 // ms, 0 = infinite
}

func newFdMeta(fd int) *FdMeta {
	m := &FdMeta{fd: fd}
	m.init()
	return m
}

// init probes the descriptor and, for sockets, forces O_NONBLOCK at
// the kernel level.
func (m *FdMeta) init() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return true
	}
	var st unix.Stat_t
	if err := unix.Fstat(m.fd, &st); err != nil {
		return false
	}
	m.initialized = true
	m.isSocket = st.Mode&unix.S_IFMT == unix.S_IFSOCK
	if m.isSocket {
		flags, err := rawFcntl(m.fd, unix.F_GETFL, 0)
		if err == nil {
			if flags&unix.O_NONBLOCK == 0 {
				_, _ = rawFcntl(m.fd, unix.F_SETFL, flags|unix.O_NONBLOCK)
			}
			m.sysNonblock = true
		}
	}
	return true
}

// IsSocket reports whether the descriptor is a socket.
func (m *FdMeta) IsSocket() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isSocket
}

// SysNonblock reports whether the kernel descriptor is non-blocking.
func (m *FdMeta) SysNonblock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sysNonblock
}

// UserNonblock reports the blocking flag the user last requested.
func (m *FdMeta) UserNonblock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userNonblock
}

// SetUserNonblock records the user-visible non-blocking flag.
func (m *FdMeta) SetUserNonblock(v bool) {
	m.mu.Lock()
	m.userNonblock = v
	m.mu.Unlock()
}

// Closed reports whether the descriptor was closed through the hook.
func (m *FdMeta) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *FdMeta) setClosed() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// SetTimeout records the per-direction timeout in milliseconds; kind
// is unix.SO_RCVTIMEO or unix.SO_SNDTIMEO.
func (m *FdMeta) SetTimeout(kind int, ms uint64) {
	m.mu.Lock()
	if kind == unix.SO_RCVTIMEO {
		m.recvTimeout = ms
	} else {
		m.sendTimeout = ms
	}
	m.mu.Unlock()
}

// Timeout returns the per-direction timeout in milliseconds; 0 means
// infinite.
func (m *FdMeta) Timeout(kind int) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if kind == unix.SO_RCVTIMEO {
		return m.recvTimeout
	}
	return m.sendTimeout
}

// fdMetaTable is the process-wide descriptor metadata table.
type fdMetaTable struct {
	mu    sync.RWMutex
	metas []*FdMeta
}

var fdMetas = &fdMetaTable{metas: make([]*FdMeta, initialFdTableSize)}

// get returns the metadata for fd, creating (and initializing) it when
// autoCreate is set.
func (t *fdMetaTable) get(fd int, autoCreate bool) *FdMeta {
	if fd < 0 {
		return nil
	}

	t.mu.RLock()
	if fd < len(t.metas) {
		if m := t.metas[fd]; m != nil || !autoCreate {
			t.mu.RUnlock()
			return m
		}
	} else if !autoCreate {
		t.mu.RUnlock()
		return nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if fd >= len(t.metas) {
		want := len(t.metas) + len(t.metas)/2
		if want < fd+1 {
			want = fd + 1
		}
		grown := make([]*FdMeta, want)
		copy(grown, t.metas)
		t.metas = grown
	}
	if t.metas[fd] == nil {
		t.metas[fd] = newFdMeta(fd)
	}
	return t.metas[fd]
}

// del drops the metadata for fd.
func (t *fdMetaTable) del(fd int) {
	if fd < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < len(t.metas) {
		t.metas[fd] = nil
	}
}
