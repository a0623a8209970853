package vmm

import (
	"axon/kernel/boot"
	"axon/kernel/mem"
	"axon/kernel/pmm"
	"testing"
)

// setupTestAllocator wires a fresh pmm.Allocator and redirects tablePtrFn so
// that page-table frames resolve to ordinary Go-heap-backed tables rather
// than raw physical memory (grounded on the teacher's ptePtrFn indirection,
// src/gopheros kernel/mem/vmm/walk_test.go).
func setupTestAllocator(t *testing.T) {
	t.Helper()
	payload := &boot.Payload{
		Magic: boot.Magic,
		MemoryMap: []boot.MemoryMapEntry{
			{Base: 0, Pages: 4096, Type: boot.MemAvailable},
		},
	}
	*allocator = pmm.Allocator{}
	allocator.SetPhysicalAperture(0)
	if err := allocator.Init(payload, 0, 0, 0, 0); err != nil {
		t.Fatalf("pmm Init: %v", err)
	}
	apertureBase = 0

	backing := make(map[pmm.Frame]*table)
	origFn := tablePtrFn
	tablePtrFn = func(f pmm.Frame) *table {
		if tbl, ok := backing[f]; ok {
			return tbl
		}
		tbl := &table{}
		backing[f] = tbl
		return tbl
	}
	t.Cleanup(func() { tablePtrFn = origFn })
}

func TestMapAddTranslateRemoveRoundTrip(t *testing.T) {
	setupTestAllocator(t)

	m, err := New(mem.ProcessId(1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	frames, err := allocator.Acquire(1, 0, mem.ProcessId(1), pmm.Other)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	leaf := frames[0]

	const vaddr = uintptr(0x400000)

	if err := m.Add(vaddr, leaf, ReadOnly, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}

	paddr, flags, err := m.Translate(vaddr)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if paddr != leaf.Address() {
		t.Errorf("Translate paddr = %x; want %x", paddr, leaf.Address())
	}
	if flags&ReadOnly == 0 {
		t.Error("expected ReadOnly flag to survive round-trip")
	}

	got, err := m.Remove(vaddr)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got != leaf {
		t.Errorf("Remove returned %v; want %v", got, leaf)
	}

	if _, _, err := m.Translate(vaddr); err != ErrInvalidMapping {
		t.Errorf("expected ErrInvalidMapping after Remove, got %v", err)
	}
}

func TestMapTreeCompaction(t *testing.T) {
	setupTestAllocator(t)

	m, err := New(mem.ProcessId(1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	frames, err := allocator.Acquire(1, 0, mem.ProcessId(1), pmm.Other)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	const vaddr = uintptr(0x600000)
	if err := m.Add(vaddr, frames[0], 0, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}

	before := countPageTableFrames(t, m)
	if before == 0 {
		t.Fatal("expected at least one intermediate table after Add")
	}

	if _, err := m.Remove(vaddr); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	after := countPageTableFrames(t, m)
	if after != 0 {
		t.Errorf("expected all intermediate tables freed after Remove, got %d left", after)
	}
}

func countPageTableFrames(t *testing.T, m *MemoryMap) int {
	t.Helper()
	count := 0
	pml4 := tableAt(m.root)
	for _, e4 := range pml4 {
		if e4.hasFlags(entryPresent) {
			count++
		}
	}
	return count
}

func TestSearchFindsLeafMapping(t *testing.T) {
	setupTestAllocator(t)

	m, err := New(mem.ProcessId(1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	frames, err := allocator.Acquire(1, 0, mem.ProcessId(1), pmm.Other)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	const vaddr = uintptr(0x800000)
	if err := m.Add(vaddr, frames[0], 0, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}

	found, _, ok := m.Search(frames[0])
	if !ok || found != vaddr {
		t.Errorf("Search = (%x, %v); want (%x, true)", found, ok, vaddr)
	}
}
