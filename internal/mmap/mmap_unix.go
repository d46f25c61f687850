//go:build !windows

// Package mmap provides the platform memory-mapping and file-locking
// primitives used by the page store.
//
// The mapping is read-only and shared: page writes go through the file
// descriptor and become visible through the map via the unified page cache.
// Mapping more than the current file length is deliberate: the region is
// sized to the environment's configured maximum up front so that growing the
// file never remaps or invalidates views held by in-flight transactions.
package mmap

import (
	"os"

	"golang.org/x/sys/unix"
)

// Map maps size bytes of f read-only and shared.
func Map(f *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, os.NewSyscallError("mmap", err)
	}
	return data, nil
}

// Unmap releases a mapping created by Map.
func Unmap(data []byte) error {
	if data == nil {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return os.NewSyscallError("munmap", err)
	}
	return nil
}

// Advise hints the kernel that access to the mapping will be random.
func Advise(data []byte) error {
	if err := unix.Madvise(data, unix.MADV_RANDOM); err != nil {
		return os.NewSyscallError("madvise", err)
	}
	return nil
}
