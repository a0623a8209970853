package vmm

import (
	"axon/kernel"
	"axon/kernel/mem"
)

// earlyReserveNext tracks the next address EarlyReserveRegion will hand out;
// it decreases after every call, mirroring the teacher's
// earlyReserveLastUsed bump pointer (src/gopheros kernel/mem/vmm/addr_space.go).
var earlyReserveNext = mem.GoRuntimeBase

var errEarlyReserveNoSpace = &kernel.Error{Module: "vmm", Message: "remaining virtual address space not large enough to satisfy reservation request"}

// EarlyReserveRegion reserves a page-aligned contiguous range of virtual
// address space of the requested size and returns its start address. It
// hands out unmapped addresses only - callers are responsible for mapping
// frames into the returned range via MemoryMap.Add. Intended for the small
// number of early-boot callers (kernel/goruntime) that need raw VA space
// before any other allocator exists.
func EarlyReserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) &^ (mem.PageSize - 1)

	if uintptr(size) > earlyReserveNext {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveNext -= uintptr(size)
	return earlyReserveNext, nil
}
