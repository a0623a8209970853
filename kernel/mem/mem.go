package mem

import (
	"reflect"
	"unsafe"
)

// Memset sets size bytes at the given address to the supplied value. The
// implementation is based on bytes.Repeat; instead of using a for loop, this
// function uses log2(size) copy calls which gives a speed boost since page
// addresses are always aligned.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: addr,
	}))

	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies size bytes from src to dst.
func Memcopy(src, dst uintptr, size uintptr) {
	if size == 0 {
		return
	}

	srcSlice := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: src,
	}))
	dstSlice := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: dst,
	}))

	copy(dstSlice, srcSlice)
}

// ProcessId is a 24-bit opaque identifier for the owner of a physical frame
// or virtual address space.
type ProcessId uint32

const (
	// KernelProcess is the reserved ProcessId that owns the kernel map
	// and all frames allocated before the first user process exists.
	KernelProcess ProcessId = 0

	// InvalidProcess marks a frame or map as having no owner.
	InvalidProcess ProcessId = 0xFFFFFF
)

// Valid returns true if pid is neither reserved as invalid nor out of the
// 24-bit range that the wire format allows.
func (pid ProcessId) Valid() bool {
	return pid != InvalidProcess && pid <= 0xFFFFFF
}
