//go:build !windows

package state

import "golang.org/x/sys/unix"

func flockLock(fd uintptr) error {
	return unix.Flock(int(fd), unix.LOCK_EX)
}

func flockUnlock(fd uintptr) error {
	return unix.Flock(int(fd), unix.LOCK_UN)
}
