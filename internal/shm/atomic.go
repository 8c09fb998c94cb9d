package shm

import (
	"sync/atomic"
	"unsafe"
)

// The helpers below address 32 and 64 bit words at byte offsets of a region. Offsets must be
// aligned to the word size and the region itself must be 8-byte aligned (see AllocAligned);
// mmap'd regions are page aligned. Go atomics are sequentially consistent, which covers the
// acquire loads and release stores the ring protocol requires.
//
// Bounds are checked by slicing, which reads no memory; an indexed check would be a plain
// byte load racing with atomics on the same word.

func int32At(b []byte, off int) *int32 {
	_ = b[off : off+4]
	return (*int32)(unsafe.Pointer(&b[off]))
}

func uint64At(b []byte, off int) *uint64 {
	_ = b[off : off+8]
	return (*uint64)(unsafe.Pointer(&b[off]))
}

// LoadInt32 loads a int32 from shared memory atomically.
func LoadInt32(b []byte, off int) int32 {
	return atomic.LoadInt32(int32At(b, off))
}

// StoreInt32 stores a int32 to shared memory atomically.
func StoreInt32(b []byte, off int, v int32) {
	atomic.StoreInt32(int32At(b, off), v)
}

// CompareAndSwapInt32 atomically compares and swaps a int32 in shared memory.
func CompareAndSwapInt32(b []byte, off int, old, new int32) bool {
	return atomic.CompareAndSwapInt32(int32At(b, off), old, new)
}

// GetInt32 is a plain load; visibility must come from a later acquire load.
func GetInt32(b []byte, off int) int32 {
	return *int32At(b, off)
}

// PutInt32 is a plain store; visibility must come from a later release store.
func PutInt32(b []byte, off int, v int32) {
	*int32At(b, off) = v
}

// AtomicLoadUint64 loads a uint64 from shared memory atomically.
func AtomicLoadUint64(b []byte, off int) uint64 {
	return atomic.LoadUint64(uint64At(b, off))
}

// AtomicStoreUint64 stores a uint64 to shared memory atomically.
func AtomicStoreUint64(b []byte, off int, v uint64) {
	atomic.StoreUint64(uint64At(b, off), v)
}

// AtomicCompareAndSwapUint64 atomically compares and swaps a uint64 in shared memory.
func AtomicCompareAndSwapUint64(b []byte, off int, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(uint64At(b, off), old, new)
}
