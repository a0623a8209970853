// +build amd64

package mem

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = 3

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)

	// HugePageShift is equal to log2(HugePageSize); huge page leaves only
	// ever appear at the PDT level of the 4-level tree.
	HugePageShift = 21

	// HugePageSize is the size of a 2 MiB huge page leaf.
	HugePageSize = Size(1 << HugePageShift)

	// KernelApertureBase is the start of the kernel-half window that
	// identity-maps all physical memory using huge pages.
	KernelApertureBase = uintptr(0xFFFF800000000000)

	// KernelHeapBase is the start of the kernel heap's virtual address
	// window.
	KernelHeapBase = uintptr(0xFFFFC00000000000)

	// KernelSharedMMIOBase is the start of the window used for mapping
	// shared, process-global MMIO regions such as the LAPIC and IOAPIC
	// register windows.
	KernelSharedMMIOBase = uintptr(0xFFFFE00000000000)

	// GoRuntimeBase is the top of the downward-growing window that
	// vmm.EarlyReserveRegion hands out from; it backs the Go runtime's own
	// sysReserve/sysAlloc hooks (kernel/goruntime) and is kept separate
	// from KernelHeapBase so the two allocators never contend for the
	// same virtual range.
	GoRuntimeBase = uintptr(0xFFFFF00000000000)

	// KernelImageBase is the virtual address at which the kernel image
	// itself is linked and loaded.
	KernelImageBase = uintptr(0xFFFFFFFF80000000)
)
