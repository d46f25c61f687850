//go:build windows

package mmap

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Map maps size bytes of f read-only and shared.
//
// On Windows a file mapping larger than the file extends the file, so the
// environment truncates the file to the full map size before calling Map.
func Map(f *os.File, size int) ([]byte, error) {
	sizeHi := uint32(uint64(size) >> 32)
	sizeLo := uint32(uint64(size) & 0xFFFFFFFF)

	h, err := windows.CreateFileMapping(windows.Handle(f.Fd()), nil, windows.PAGE_READONLY, sizeHi, sizeLo, nil)
	if err != nil {
		return nil, os.NewSyscallError("CreateFileMapping", err)
	}

	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_READ, 0, 0, uintptr(size))
	// The mapping handle can be closed once the view exists.
	_ = windows.CloseHandle(h)
	if err != nil {
		return nil, os.NewSyscallError("MapViewOfFile", err)
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

// Unmap releases a mapping created by Map.
func Unmap(data []byte) error {
	if data == nil {
		return nil
	}
	addr := uintptr(unsafe.Pointer(&data[0]))
	if err := windows.UnmapViewOfFile(addr); err != nil {
		return os.NewSyscallError("UnmapViewOfFile", err)
	}
	return nil
}

// Advise is a no-op on Windows.
func Advise(data []byte) error {
	return nil
}
