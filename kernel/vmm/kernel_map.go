package vmm

import (
	"axon/kernel"
	"axon/kernel/boot"
	"axon/kernel/kfmt"
	"axon/kernel/mem"
	"axon/kernel/pmm"
	"unsafe"
)

var errDoubleInit = &kernel.Error{Module: "vmm", Message: "kernel map already initialized"}

var kernelMapInitialized bool

// unsafePointerFromFrame returns a pointer to frame's contents through the
// physical aperture. Before InitKernelMap has run, apertureBase is zero and
// this relies on the loader-established identity mapping of low physical
// memory that the bootstrap page tables (built before Go runs) provide.
func unsafePointerFromFrame(f pmm.Frame) unsafe.Pointer {
	return unsafe.Pointer(apertureBase + f.Address())
}

// InitKernelMap builds the singleton kernel map (§4.3): every physical frame
// actually present in the memory map (plus the framebuffer) is mapped with
// 2 MiB huge pages into the fixed physical aperture window
// (mem.KernelApertureBase). Page tables for the mapping are allocated via
// the page allocator and owned by mem.KernelProcess. After the aperture is
// built, the low half of the root table — the UEFI/bootloader identity
// mappings — is cleared; every component that cached a low-half pointer
// must have re-pointed itself into the aperture before this call returns,
// since such pointers become invalid immediately afterward.
func InitKernelMap(payload *boot.Payload) *kernel.Error {
	if kernelMapInitialized {
		kernel.Panic(errDoubleInit)
	}

	frames, err := allocator.Acquire(1, pmm.Clear, mem.KernelProcess, pmm.PageTable)
	if err != nil {
		return err
	}
	KernelMap = MemoryMap{owner: mem.KernelProcess, root: frames[0]}

	var highestByte uint64
	boot.VisitMemRegions(payload, func(e *boot.MemoryMapEntry) bool {
		end := e.Base + e.Pages*uint64(mem.PageSize)
		if end > highestByte {
			highestByte = end
		}
		return true
	})
	if fbEnd := payload.Framebuffer.Phys + payload.Framebuffer.Size; fbEnd > highestByte {
		highestByte = fbEnd
	}

	hugePageBytes := uint64(mem.HugePageSize)
	for phys := uint64(0); phys < highestByte; phys += hugePageBytes {
		if err := mapAperturePage(phys); err != nil {
			return err
		}
	}

	apertureBase = mem.KernelApertureBase
	allocator.SetPhysicalAperture(apertureBase)

	clearLowHalf()

	kernelMapInitialized = true
	kfmt.Printf("vmm: kernel aperture covers %d MiB\n", highestByte/(1024*1024))
	return nil
}

// mapAperturePage installs a single 2 MiB huge-page leaf mapping physical
// address phys into the kernel aperture, creating PML4/PDPT levels as
// needed but never descending to the PT level (huge pages are PDT leaves).
func mapAperturePage(phys uint64) *kernel.Error {
	vaddr := mem.KernelApertureBase + uintptr(phys)

	cur := tableAt(KernelMap.root)

	next, err := KernelMap.descend(cur, pml4Index(vaddr))
	if err != nil {
		return err
	}
	cur = next

	next, err = KernelMap.descend(cur, pdptIndex(vaddr))
	if err != nil {
		return err
	}

	entry := &next[pdtIndex(vaddr)]
	*entry = 0
	entry.setFrame(pmm.FrameFromAddress(uintptr(phys)))
	entry.setFlags(KernelOnly.toArch() | entryHuge | entryGlobal)
	return nil
}

// clearLowHalf zeroes PML4 entries 0..255 (the canonical-low half),
// destroying any identity mapping the bootloader established.
func clearLowHalf() {
	root := tableAt(KernelMap.root)
	for i := 0; i < entriesPerTable/2; i++ {
		root[i] = 0
	}
}
