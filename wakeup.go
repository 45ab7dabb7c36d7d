//go:build linux

package zcoroutine

import "golang.org/x/sys/unix"

// createWakePipe creates the reactor's self-pipe: an unnamed pipe with
// both ends non-blocking, returned as (read end, write end).
func createWakePipe() (int, int, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}
