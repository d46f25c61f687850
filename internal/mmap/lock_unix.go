//go:build !windows

// lock_unix.go implements exclusive file locking on Unix systems.
//
// The lock is advisory and taken on the database file itself: a second
// process opening the same environment fails fast instead of corrupting the
// shared map.
package mmap

import (
	"os"

	"golang.org/x/sys/unix"
)

// Lock acquires an exclusive, non-blocking advisory lock on f.
// It returns an error if another process holds the lock.
func Lock(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return os.NewSyscallError("flock", err)
	}
	return nil
}

// Unlock releases a lock acquired by Lock.
func Unlock(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		return os.NewSyscallError("flock", err)
	}
	return nil
}
