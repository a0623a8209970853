package vmm

import (
	"axon/kernel"
	"axon/kernel/cpu"
	"axon/kernel/mem"
	"axon/kernel/pmm"
	"axon/kernel/sync"
)

var (
	errUnaligned       = &kernel.Error{Module: "vmm", Message: "virtual address is not page-aligned"}
	errAlreadyMapped   = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped"}
	errDestroyKernel   = &kernel.Error{Module: "vmm", Message: "refusing to destroy the kernel map"}
	errAlreadyPresent  = &kernel.Error{Module: "vmm", Message: "destination virtual address is already mapped"}
)

// apertureBase is the virtual base at which all physical memory is
// identity-offset mapped once InitKernelMap has run; table frames are
// accessed through it rather than through a recursive PML4 mapping.
var apertureBase uintptr

// PhysToVirt translates a physical address into the corresponding address in
// the kernel aperture. Callers that need to read physical structures placed
// by firmware or the bootloader (ACPI tables, MMIO windows discovered from
// them) go through this rather than mapping their own window.
func PhysToVirt(phys uintptr) uintptr { return apertureBase + phys }

// allocator is the physical page allocator backing every MemoryMap's
// intermediate tables and the Clear-flagged leaf frames; set once during
// early boot, wired here to avoid vmm<->pmm import cycles via the pmm
// singleton itself.
var allocator = &pmm.Default

// tablePtrFn resolves a frame to the table it holds. It is a package-level
// variable (rather than a direct call) so tests can redirect it to
// ordinary Go-heap-backed tables instead of raw physical memory, the same
// indirection the teacher's vmm uses for its walk function (src/gopheros
// kernel/mem/vmm/walk.go's ptePtrFn).
var tablePtrFn = func(f pmm.Frame) *table {
	return (*table)(unsafePointerFromFrame(f))
}

func tableAt(f pmm.Frame) *table {
	return tablePtrFn(f)
}

// MemoryMap owns one root page-table tree (§3). The kernel map is a
// singleton; per-process maps are created and destroyed as needed.
type MemoryMap struct {
	lock  sync.Spinlock
	owner mem.ProcessId
	root  pmm.Frame
}

// KernelMap is the singleton kernel address space, built once by
// InitKernelMap.
var KernelMap MemoryMap

// New allocates a fresh, empty MemoryMap owned by owner.
func New(owner mem.ProcessId) (*MemoryMap, *kernel.Error) {
	frames, err := allocator.Acquire(1, pmm.Clear, owner, pmm.PageTable)
	if err != nil {
		return nil, err
	}
	return &MemoryMap{owner: owner, root: frames[0]}, nil
}

// Owner returns the process id that owns m.
func (m *MemoryMap) Owner() mem.ProcessId { return m.owner }

// walkCreate walks the tree down to the PT level for vaddr, allocating any
// missing intermediate PageTable-typed frame owned by m. It returns the
// final-level table and the index of vaddr's entry within it.
func (m *MemoryMap) walkCreate(vaddr uintptr) (*table, uintptr, *kernel.Error) {
	cur := tableAt(m.root)

	idx := pml4Index(vaddr)
	next, err := m.descend(cur, idx)
	if err != nil {
		return nil, 0, err
	}
	cur = next

	idx = pdptIndex(vaddr)
	next, err = m.descend(cur, idx)
	if err != nil {
		return nil, 0, err
	}
	cur = next

	idx = pdtIndex(vaddr)
	next, err = m.descend(cur, idx)
	if err != nil {
		return nil, 0, err
	}

	return next, ptIndex(vaddr), nil
}

// descend returns the child table for entry idx of t, allocating a fresh
// PageTable-typed frame for it if the entry is not yet present.
func (m *MemoryMap) descend(t *table, idx uintptr) (*table, *kernel.Error) {
	entry := &t[idx]
	if !entry.hasFlags(entryPresent) {
		frames, err := allocator.Acquire(1, pmm.Clear, m.owner, pmm.PageTable)
		if err != nil {
			return nil, err
		}
		entry.setFrame(frames[0])
		entry.setFlags(intermediateBits)
	}
	return tableAt(entry.frame()), nil
}

// walkPresent walks down to the PT level for vaddr without creating
// anything, returning ok=false as soon as an intermediate entry is missing.
func (m *MemoryMap) walkPresent(vaddr uintptr) (t *table, idx uintptr, ok bool) {
	cur := tableAt(m.root)
	for _, i := range []uintptr{pml4Index(vaddr), pdptIndex(vaddr), pdtIndex(vaddr)} {
		entry := &cur[i]
		if !entry.hasFlags(entryPresent) {
			return nil, 0, false
		}
		cur = tableAt(entry.frame())
	}
	return cur, ptIndex(vaddr), true
}

// Add maps vaddr to frame with the given flags (§4.3). If the leaf is
// already present: when overwriteOut is nil, Add fails; otherwise the
// previous frame id is written there and the mapping is replaced.
func (m *MemoryMap) Add(vaddr uintptr, frame pmm.Frame, flags Flags, overwriteOut *pmm.Frame) *kernel.Error {
	if vaddr%uintptr(mem.PageSize) != 0 {
		return errUnaligned
	}

	m.lock.Acquire()
	defer m.lock.Release()

	t, idx, err := m.walkCreate(vaddr)
	if err != nil {
		return err
	}

	entry := &t[idx]
	if entry.hasFlags(entryPresent) {
		if overwriteOut == nil {
			return errAlreadyMapped
		}
		*overwriteOut = entry.frame()
	}

	*entry = 0
	entry.setFrame(frame)
	entry.setFlags(flags.toArch())

	cpu.FlushTLBEntry(vaddr)
	return nil
}

// Remove clears vaddr's mapping, releases the backing frame via strict
// release keyed on m's owner, and frees any intermediate table level left
// wholly empty (§4.3 "map tree compaction").
func (m *MemoryMap) Remove(vaddr uintptr) (pmm.Frame, *kernel.Error) {
	m.lock.Acquire()
	defer m.lock.Release()

	t, idx, ok := m.walkPresent(vaddr)
	if !ok || !t[idx].hasFlags(entryPresent) {
		return pmm.InvalidFrame, ErrInvalidMapping
	}

	f := t[idx].frame()
	t[idx] = 0
	cpu.FlushTLBEntry(vaddr)

	if err := allocator.ReleaseStrict([]pmm.Frame{f}, m.owner, 0); err != nil {
		return pmm.InvalidFrame, err
	}

	m.compact(vaddr)
	return f, nil
}

// compact walks back up from the PT level, freeing any intermediate table
// whose entries are now all empty.
func (m *MemoryMap) compact(vaddr uintptr) {
	type level struct {
		parent *table
		idx    uintptr
		t      *table
	}

	pml4 := tableAt(m.root)
	pdpt := tableAt(pml4[pml4Index(vaddr)].frame())
	pdt := tableAt(pdpt[pdptIndex(vaddr)].frame())

	levels := []level{
		{pdt, pdtIndex(vaddr), tableAt(pdt[pdtIndex(vaddr)].frame())},
		{pdpt, pdptIndex(vaddr), pdt},
		{pml4, pml4Index(vaddr), pdpt},
	}

	for _, lvl := range levels {
		if !lvl.parent[lvl.idx].hasFlags(entryPresent) {
			continue
		}
		if !tableEmpty(lvl.t) {
			break
		}
		freeFrame := lvl.parent[lvl.idx].frame()
		lvl.parent[lvl.idx] = 0
		allocator.ReleaseStrict([]pmm.Frame{freeFrame}, m.owner, 0)
	}
}

func tableEmpty(t *table) bool {
	for _, e := range t {
		if e.hasFlags(entryPresent) {
			return false
		}
	}
	return true
}

// Translate returns the physical address and flags mapped at vaddr,
// honoring huge-page leaves at the PDT level.
func (m *MemoryMap) Translate(vaddr uintptr) (uintptr, Flags, *kernel.Error) {
	m.lock.Acquire()
	defer m.lock.Release()

	cur := tableAt(m.root)

	entry := &cur[pml4Index(vaddr)]
	if !entry.hasFlags(entryPresent) {
		return 0, 0, ErrInvalidMapping
	}
	cur = tableAt(entry.frame())

	entry = &cur[pdptIndex(vaddr)]
	if !entry.hasFlags(entryPresent) {
		return 0, 0, ErrInvalidMapping
	}
	cur = tableAt(entry.frame())

	entry = &cur[pdtIndex(vaddr)]
	if !entry.hasFlags(entryPresent) {
		return 0, 0, ErrInvalidMapping
	}
	if entry.hasFlags(entryHuge) {
		paddr := entry.frame().Address() + (vaddr & uintptr(mem.HugePageSize-1))
		return paddr, fromArch(archBit(*entry) &^ entryHuge), nil
	}
	cur = tableAt(entry.frame())

	entry = &cur[ptIndex(vaddr)]
	if !entry.hasFlags(entryPresent) {
		return 0, 0, ErrInvalidMapping
	}
	return entry.frame().Address(), fromArch(archBit(*entry)), nil
}

// Search performs a linear scan of the four-level tree looking for a leaf
// mapping frame, skipping huge-page leaves (§4.3).
func (m *MemoryMap) Search(frame pmm.Frame) (uintptr, Flags, bool) {
	m.lock.Acquire()
	defer m.lock.Release()

	pml4 := tableAt(m.root)
	for i4, e4 := range pml4 {
		if !e4.hasFlags(entryPresent) {
			continue
		}
		pdpt := tableAt(e4.frame())
		for i3, e3 := range pdpt {
			if !e3.hasFlags(entryPresent) {
				continue
			}
			pdt := tableAt(e3.frame())
			for i2, e2 := range pdt {
				if !e2.hasFlags(entryPresent) || e2.hasFlags(entryHuge) {
					continue
				}
				pt := tableAt(e2.frame())
				for i1, e1 := range pt {
					if e1.hasFlags(entryPresent) && e1.frame() == frame {
						vaddr := (uintptr(i4) << 39) | (uintptr(i3) << 30) | (uintptr(i2) << 21) | (uintptr(i1) << 12)
						return vaddr, fromArch(archBit(e1)), true
					}
				}
			}
		}
	}
	return 0, 0, false
}

// Copy copies a single leaf mapping (frame and flags) from src at
// srcVaddr into dst at dstVaddr. It fails if dst already has a mapping
// there.
func Copy(src, dst *MemoryMap, srcVaddr, dstVaddr uintptr) *kernel.Error {
	first, second := lockOrder(src, dst)
	first.lock.Acquire()
	defer first.lock.Release()
	if second != first {
		second.lock.Acquire()
		defer second.lock.Release()
	}

	t, idx, ok := src.walkPresent(srcVaddr)
	if !ok || !t[idx].hasFlags(entryPresent) {
		return ErrInvalidMapping
	}
	frame := t[idx].frame()
	flags := fromArch(archBit(t[idx]) &^ entryHuge)

	dt, didx, err := dst.walkCreate(dstVaddr)
	if err != nil {
		return err
	}
	if dt[didx].hasFlags(entryPresent) {
		return errAlreadyPresent
	}
	dt[didx].setFrame(frame)
	dt[didx].setFlags(flags.toArch())
	return nil
}

// CopyRange is the bulk form of Copy over [begin, end); it is atomic
// relative to any intermediate tables it creates in dst (unwinding and
// releasing them on partial failure).
func CopyRange(src, dst *MemoryMap, begin, end uintptr, flags Flags) *kernel.Error {
	var copied []uintptr
	for vaddr := begin; vaddr < end; vaddr += uintptr(mem.PageSize) {
		t, idx, ok := src.walkPresent(vaddr)
		if !ok || !t[idx].hasFlags(entryPresent) {
			continue
		}
		if err := dst.Add(vaddr, t[idx].frame(), flags, nil); err != nil {
			// The copied leaves still belong to src, so only dst's entries
			// and the tables left empty by clearing them are released.
			dst.lock.Acquire()
			for _, v := range copied {
				if dt, didx, ok := dst.walkPresent(v); ok {
					dt[didx] = 0
					cpu.FlushTLBEntry(v)
					dst.compact(v)
				}
			}
			dst.lock.Release()
			return err
		}
		copied = append(copied, vaddr)
	}
	return nil
}

// Destroy frees every frame reachable from m's root table, then the root
// itself. It refuses to act on the kernel map.
func Destroy(m *MemoryMap) *kernel.Error {
	if m == &KernelMap {
		return errDestroyKernel
	}

	m.lock.Acquire()
	defer m.lock.Release()

	pml4 := tableAt(m.root)
	for i4 := range pml4 {
		e4 := &pml4[i4]
		if !e4.hasFlags(entryPresent) {
			continue
		}
		pdpt := tableAt(e4.frame())
		for i3 := range pdpt {
			e3 := &pdpt[i3]
			if !e3.hasFlags(entryPresent) {
				continue
			}
			pdt := tableAt(e3.frame())
			for i2 := range pdt {
				e2 := &pdt[i2]
				if !e2.hasFlags(entryPresent) || e2.hasFlags(entryHuge) {
					continue
				}
				pt := tableAt(e2.frame())
				for i1 := range pt {
					e1 := &pt[i1]
					if e1.hasFlags(entryPresent) {
						// Leaf frames are not necessarily
						// owned by m (e.g. a shared or
						// Copy'd mapping), so release
						// them without the strict
						// ownership check that applies
						// to the map's own PageTable
						// frames below.
						allocator.Release([]pmm.Frame{e1.frame()}, pmm.KernelRel)
					}
				}
				// Release using the address mask, never a
				// Present-derived value (§9 Open Question).
				allocator.ReleaseStrict([]pmm.Frame{pmm.FrameFromAddress(uintptr(*e2) & ptePhysPageMask)}, m.owner, 0)
			}
			allocator.ReleaseStrict([]pmm.Frame{pmm.FrameFromAddress(uintptr(*e3) & ptePhysPageMask)}, m.owner, 0)
		}
		allocator.ReleaseStrict([]pmm.Frame{pmm.FrameFromAddress(uintptr(*e4) & ptePhysPageMask)}, m.owner, 0)
	}

	return allocator.ReleaseStrict([]pmm.Frame{m.root}, m.owner, 0)
}

// Activate programs the CPU's root page table register to m.
func Activate(m *MemoryMap) {
	cpu.SwitchPDT(m.root.Address())
}

func lockOrder(a, b *MemoryMap) (*MemoryMap, *MemoryMap) {
	if uintptr(a.root) <= uintptr(b.root) {
		return a, b
	}
	return b, a
}
