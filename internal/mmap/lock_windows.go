//go:build windows

// lock_windows.go implements exclusive file locking on Windows.
package mmap

import (
	"os"

	"golang.org/x/sys/windows"
)

// Lock acquires an exclusive, non-blocking lock on f.
// It returns an error if another process holds the lock.
func Lock(f *os.File) error {
	ol := new(windows.Overlapped)
	err := windows.LockFileEx(windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0, 1, 0, ol)
	if err != nil {
		return os.NewSyscallError("LockFileEx", err)
	}
	return nil
}

// Unlock releases a lock acquired by Lock.
func Unlock(f *os.File) error {
	ol := new(windows.Overlapped)
	if err := windows.UnlockFileEx(windows.Handle(f.Fd()), 0, 1, 0, ol); err != nil {
		return os.NewSyscallError("UnlockFileEx", err)
	}
	return nil
}
