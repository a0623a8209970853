// Package boot exposes the fixed payload handoff structure the bootloader
// constructs before calling into the kernel, together with the x86-64 ACPI
// extension that carries the RSDP pointer. Unlike the tag-walking multiboot2
// format it replaces, the payload is a single fixed-layout structure; no
// scanning is required.
package boot

import "unsafe"

// Magic is the value the payload's Magic field must hold.
const Magic uint64 = 0x4C4946544F464621

// archMagic identifies the x86-64 ACPI extension payload.
const archMagic uint32 = 0x80000000

// MemRegionType classifies a MemoryMapEntry.
type MemRegionType uint32

const (
	// MemReserved marks memory that must never be handed to the page
	// allocator.
	MemReserved MemRegionType = iota
	// MemAvailable marks general-purpose RAM.
	MemAvailable
	// MemACPI marks ACPI reclaimable memory.
	MemACPI
	// MemBootloader marks memory used by the bootloader or its payload
	// that can be reclaimed once the kernel is done consuming it.
	MemBootloader
	// MemMappedIO marks memory-mapped I/O ranges; never handed out.
	MemMappedIO
)

// String implements fmt.Stringer-shaped formatting for kfmt's %s verb.
func (t MemRegionType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemACPI:
		return "ACPI"
	case MemBootloader:
		return "bootloader"
	case MemMappedIO:
		return "mapped-io"
	default:
		return "reserved"
	}
}

// MemoryMapEntry describes a single physical memory region reported by the
// bootloader, expressed as a base address and a page count (not a byte
// length) so the page allocator can consume it directly.
type MemoryMapEntry struct {
	Base  uint64
	Pages uint64
	Type  MemRegionType
}

// FramebufferInfo describes the framebuffer the bootloader initialized, if
// any. Rendering into it is an out-of-scope external collaborator; the core
// only needs the physical range so it can exclude it from the page
// allocator and map it when a console driver asks for it.
type FramebufferInfo struct {
	Phys       uint64
	Size       uint64
	Resolution Resolution
}

// Resolution describes a display mode the bootloader can offer.
type Resolution struct {
	Width, Height, Bpp uint32
}

// Payload is the structure the bootloader constructs and passes to the
// kernel entrypoint. OnSuccess/OnError are called back by the kernel: all
// pointers in the payload remain identity-mapped until OnSuccess returns.
type Payload struct {
	Magic uint64

	OnSuccess func()
	OnError   func(reason string)

	Framebuffer FramebufferInfo

	MemoryMap []MemoryMapEntry

	AvailableResolutions []Resolution
}

// ArchACPI is the x86-64 extension payload carrying the RSDP pointer. It is
// placed immediately after the base Payload and identified by its Magic and
// ArchCode fields.
type ArchACPI struct {
	Magic      uint64
	ArchCode   uint32
	RSDPPhys   uintptr
	NewVersion bool
}

// Valid reports whether p carries the expected magic value.
func (p *Payload) Valid() bool {
	return p != nil && p.Magic == Magic
}

// Valid reports whether a carries the expected magic and arch code.
func (a *ArchACPI) Valid() bool {
	return a != nil && a.Magic == Magic && a.ArchCode == archMagic
}

// ParseArchACPI reinterprets the memory immediately following a Payload as
// an ArchACPI extension. The bootloader contract guarantees the extension is
// placed there when building for x86-64.
func ParseArchACPI(p *Payload) *ArchACPI {
	ext := (*ArchACPI)(unsafe.Pointer(uintptr(unsafe.Pointer(p)) + unsafe.Sizeof(*p)))
	if !ext.Valid() {
		return nil
	}
	return ext
}

// VisitMemRegions invokes visitor for each memory map entry in p, in the
// order the bootloader reported them. The visitor returns false to stop the
// scan early.
func VisitMemRegions(p *Payload, visitor func(*MemoryMapEntry) bool) {
	for i := range p.MemoryMap {
		if !visitor(&p.MemoryMap[i]) {
			return
		}
	}
}
