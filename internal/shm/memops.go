package shm

import (
	"os"
	"unsafe"
)

const envNoFastPath = "SHMCHAN_NO_FAST_PATH"

// ByteOps copies and clears bytes of a region that may live in mmap'd memory.
// Neither operation orders memory: callers publish visibility separately.
type ByteOps interface {
	CopyBytes(src []byte, srcIndex int, dst []byte, dstIndex, length int)
	Zero(buf []byte, index, length int)
	Name() string
}

var ops = selectByteOps()

// CopyBytes copies length bytes of src starting at srcIndex into dst at dstIndex.
func CopyBytes(src []byte, srcIndex int, dst []byte, dstIndex, length int) {
	ops.CopyBytes(src, srcIndex, dst, dstIndex, length)
}

// Zero clears length bytes of buf starting at index.
func Zero(buf []byte, index, length int) {
	ops.Zero(buf, index, length)
}

// ActiveByteOps returns the name of the implementation selected at startup.
func ActiveByteOps() string {
	return ops.Name()
}

// fastOps relies on the runtime memmove and memclr.
type fastOps struct{}

func (fastOps) CopyBytes(src []byte, srcIndex int, dst []byte, dstIndex, length int) {
	copy(dst[dstIndex:dstIndex+length], src[srcIndex:srcIndex+length])
}

func (fastOps) Zero(buf []byte, index, length int) {
	clear(buf[index : index+length])
}

func (fastOps) Name() string { return "fast" }

// portableOps touches memory one byte (or one aligned word) at a time.
type portableOps struct{}

func (portableOps) CopyBytes(src []byte, srcIndex int, dst []byte, dstIndex, length int) {
	s := src[srcIndex : srcIndex+length]
	d := dst[dstIndex : dstIndex+length]
	for i := range s {
		d[i] = s[i]
	}
}

func (portableOps) Zero(buf []byte, index, length int) {
	b := buf[index : index+length]
	if len(b) == 0 {
		return
	}
	pre := int((8 - uintptr(unsafe.Pointer(&b[0]))%8) % 8)
	if pre > len(b) {
		pre = len(b)
	}
	i := 0
	for ; i < pre; i++ {
		b[i] = 0
	}
	for ; i+8 <= len(b); i += 8 {
		*(*uint64)(unsafe.Pointer(&b[i])) = 0
	}
	for ; i < len(b); i++ {
		b[i] = 0
	}
}

func (portableOps) Name() string { return "portable" }

func selectByteOps() ByteOps {
	if os.Getenv(envNoFastPath) != "" {
		return portableOps{}
	}
	if !probe(fastOps{}) {
		return portableOps{}
	}
	return fastOps{}
}

// probe exercises ops against an anonymous shared mapping and reports whether the results
// are correct. A panic or a platform without anonymous mappings disables the fast path.
func probe(o ByteOps) (ok bool) {
	mem, unmap, err := mapAnonymous(pageSize)
	if err != nil {
		return false
	}
	defer func() {
		_ = unmap()
		if r := recover(); r != nil {
			ok = false
		}
	}()
	src := make([]byte, 256)
	for i := range src {
		src[i] = byte(i + 1)
	}
	o.CopyBytes(src, 3, mem, 5, 200)
	for i := 0; i < 200; i++ {
		if mem[5+i] != src[3+i] {
			return false
		}
	}
	o.Zero(mem, 7, 100)
	for i := 7; i < 107; i++ {
		if mem[i] != 0 {
			return false
		}
	}
	return mem[6] == src[4] && mem[107] == src[105]
}
