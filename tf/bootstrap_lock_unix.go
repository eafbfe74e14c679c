//go:build !windows

package tf

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// tryLockCache takes a non-blocking exclusive flock on the cache lock file.
func tryLockCache(file *os.File) error {
	return unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func unlockCache(file *os.File) error {
	return unix.Flock(int(file.Fd()), unix.LOCK_UN)
}

// isCacheLockHeld reports whether err means another process owns the lock.
func isCacheLockHeld(err error) bool {
	return errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN)
}
