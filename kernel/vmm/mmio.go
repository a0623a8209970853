package vmm

import (
	"axon/kernel"
	"axon/kernel/mem"
	"axon/kernel/pmm"
	"axon/kernel/sync"
)

var (
	mmioLock sync.Spinlock
	mmioNext = mem.KernelSharedMMIOBase
)

var errMMIOExhausted = &kernel.Error{Module: "vmm", Message: "shared MMIO window exhausted"}

// ReserveSharedMMIO hands out pageCount pages of virtual address space from
// the shared MMIO window (§3: KernelSharedMMIOBase) and maps them, one
// physical page per virtual page starting at physBase, with NoCache set
// (§4.5: the LAPIC/IOAPIC register windows this backs are never cached).
// physBase need not be page-aligned; the returned virtual address carries
// the same sub-page offset.
func ReserveSharedMMIO(physBase uintptr, pageCount int) (uintptr, *kernel.Error) {
	mmioLock.Acquire()
	defer mmioLock.Release()

	size := uintptr(pageCount) * uintptr(mem.PageSize)
	if size > 0 && uintptr(0)-mmioNext < size {
		return 0, errMMIOExhausted
	}

	virt := mmioNext
	mmioNext += size

	alignedPhys := physBase &^ uintptr(mem.PageSize-1)
	offset := physBase - alignedPhys

	for i := 0; i < pageCount; i++ {
		frame := pmm.FrameFromAddress(alignedPhys + uintptr(i)*uintptr(mem.PageSize))
		if err := KernelMap.Add(virt+uintptr(i)*uintptr(mem.PageSize), frame, NoCache, nil); err != nil {
			return 0, err
		}
	}

	return virt + offset, nil
}
