// Package shm contains platform-specific helpers for shared memory buffer implementation.
package shm

import (
	"errors"
	"unsafe"

	"github.com/srediag/shmchan/internal/logging"
)

var logger = logging.New("internal/shm")

const pageSize = 4096

var (
	// ErrRegionSize is returned when an existing file does not have the expected size.
	ErrRegionSize = errors.New("shared region size mismatch")
	// ErrUnsupported is returned on platforms without file-backed shared mappings.
	ErrUnsupported = errors.New("shared memory mapping not supported on this platform")
)

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Addr []byte
	Path string
	// Created is true when this mapping created (or re-initialized) the file.
	Created bool
	// New is true when the file did not exist before this mapping.
	New bool

	fd int
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	Path   string
	Size   int
	Create bool
}

// Function implementations are provided in platform-specific files (platform_unix.go, platform_windows.go).

// AllocAligned returns a zeroed heap region of n bytes whose first byte is 8-byte aligned,
// so that the 32 and 64 bit words of a channel can be accessed atomically.
func AllocAligned(n int) []byte {
	if n <= 0 {
		return nil
	}
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}

// IsAligned reports whether the first byte of b sits on an n-byte boundary.
func IsAligned(b []byte, n uintptr) bool {
	if len(b) == 0 {
		return false
	}
	return uintptr(unsafe.Pointer(&b[0]))%n == 0
}
