// Package vmm implements the virtual memory map manager (§4.3): a single
// kernel map built once at boot over a huge-page physical aperture, and
// per-process maps created and destroyed on demand. Unlike the teacher's
// vmm (gopher-os-gopher-os src/gopheros/kernel/mem/vmm), the four page-table
// levels are walked explicitly rather than through a recursively-mapped
// PML4 entry, and there is no copy-on-write flag or lazy zero-frame path
// (see SPEC_FULL.md §10.3 for why that mechanism was dropped).
package vmm

import (
	"axon/kernel"
	"axon/kernel/mem"
	"axon/kernel/pmm"
)

// ErrInvalidMapping is returned when translating a virtual address that is
// not currently mapped.
var ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

// Flags describes the public, architecture-independent mapping attributes
// from §3. There is deliberately no CopyOnWrite flag (§10.3).
type Flags uint8

const (
	// ReadOnly forbids writes to the mapping.
	ReadOnly Flags = 1 << iota
	// NoExec forbids instruction fetches from the mapping.
	NoExec
	// Global marks the mapping as present in every address space (not
	// flushed on a CR3 switch).
	Global
	// NoCache disables caching for the mapping (used for MMIO windows).
	NoCache
	// KernelOnly restricts the mapping to supervisor (ring 0) accesses.
	KernelOnly
)

// archBit describes the raw x86-64 page-table entry bit layout.
type archBit uintptr

const (
	entryPresent  archBit = 1 << 0
	entryWritable archBit = 1 << 1
	entryUser     archBit = 1 << 2
	entryPWT      archBit = 1 << 3
	entryPCD      archBit = 1 << 4
	entryAccessed archBit = 1 << 5
	entryDirty    archBit = 1 << 6
	entryHuge     archBit = 1 << 7
	entryGlobal   archBit = 1 << 8
	entryNX       archBit = 1 << 63
)

const ptePhysPageMask = uintptr(0x000FFFFFFFFFF000)

// pte is a single page-table entry at any of the four levels.
type pte uintptr

func (p pte) hasFlags(bits archBit) bool { return uintptr(p)&uintptr(bits) == uintptr(bits) }
func (p *pte) setFlags(bits archBit)     { *p = pte(uintptr(*p) | uintptr(bits)) }
func (p *pte) clearFlags(bits archBit)   { *p = pte(uintptr(*p) &^ uintptr(bits)) }

// frame returns the physical frame this entry points to, using an address
// mask rather than any Present-derived value (§9 Open Question: the
// `axk_memory_map_destroy` bug this specification must not replicate).
func (p pte) frame() pmm.Frame {
	return pmm.FrameFromAddress(uintptr(p) & ptePhysPageMask)
}

func (p *pte) setFrame(f pmm.Frame) {
	*p = pte((uintptr(*p) &^ ptePhysPageMask) | f.Address())
}

// toArch translates the public Flags into the raw entry bits for a leaf
// entry, always setting Present.
func (f Flags) toArch() archBit {
	bits := entryPresent | entryWritable
	if f&ReadOnly != 0 {
		bits &^= entryWritable
	}
	if f&NoExec != 0 {
		bits |= entryNX
	}
	if f&Global != 0 {
		bits |= entryGlobal
	}
	if f&NoCache != 0 {
		bits |= entryPCD
	}
	if f&KernelOnly == 0 {
		bits |= entryUser
	}
	return bits
}

// fromArch reconstructs the public Flags from a leaf entry's raw bits.
func fromArch(bits archBit) Flags {
	var f Flags
	if bits&entryWritable == 0 {
		f |= ReadOnly
	}
	if bits&entryNX != 0 {
		f |= NoExec
	}
	if bits&entryGlobal != 0 {
		f |= Global
	}
	if bits&entryPCD != 0 {
		f |= NoCache
	}
	if bits&entryUser == 0 {
		f |= KernelOnly
	}
	return f
}

// intermediateBits is the bit set used for non-leaf (PageTable-typed)
// entries: present, writable, user-accessible so any leaf flag combination
// underneath can still apply its own restriction.
const intermediateBits = entryPresent | entryWritable | entryUser

const entriesPerTable = mem.PageSize / 8

// table is one level of the page-table tree: 512 64-bit entries filling
// exactly one physical frame.
type table [entriesPerTable]pte

func pml4Index(vaddr uintptr) uintptr { return (vaddr >> 39) & 0x1FF }
func pdptIndex(vaddr uintptr) uintptr { return (vaddr >> 30) & 0x1FF }
func pdtIndex(vaddr uintptr) uintptr  { return (vaddr >> 21) & 0x1FF }
func ptIndex(vaddr uintptr) uintptr   { return (vaddr >> 12) & 0x1FF }
