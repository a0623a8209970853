package heap

import (
	"axon/kernel"
	"axon/kernel/boot"
	"axon/kernel/mem"
	"axon/kernel/pmm"
	"axon/kernel/vmm"
	"testing"
	"unsafe"
)

// fakeMapper stands in for *vmm.MemoryMap: it tracks which virtual pages are
// "mapped" without walking any page-table tree, letting these tests exercise
// the tag-list allocator in isolation (same rationale as kernel/vmm's own
// tablePtrFn substitution in map_test.go).
type fakeMapper struct {
	mapped map[uintptr]pmm.Frame
}

func newFakeMapper() *fakeMapper { return &fakeMapper{mapped: map[uintptr]pmm.Frame{}} }

func (f *fakeMapper) Add(vaddr uintptr, frame pmm.Frame, flags vmm.Flags, overwriteOut *pmm.Frame) *kernel.Error {
	f.mapped[vaddr] = frame
	return nil
}

func (f *fakeMapper) Remove(vaddr uintptr) (pmm.Frame, *kernel.Error) {
	frame, ok := f.mapped[vaddr]
	if !ok {
		return 0, &kernel.Error{Module: "heap-test", Message: "remove of unmapped page"}
	}
	delete(f.mapped, vaddr)
	return frame, nil
}

// setupHeap resets every package-level var heap.go depends on and installs
// a synthetic tag backing store, the same indirection pattern kernel/vmm
// uses for page tables: addresses are opaque keys into a map of ordinary
// Go-heap-allocated HeapTag values rather than real identity-mapped memory.
func setupHeap(t *testing.T) *fakeMapper {
	t.Helper()

	pmm.Default = pmm.Allocator{}
	pmm.Default.SetPhysicalAperture(0)
	payload := &boot.Payload{
		Magic: boot.Magic,
		MemoryMap: []boot.MemoryMapEntry{
			{Base: 0, Pages: 4096, Type: boot.MemAvailable},
		},
	}
	if err := pmm.Default.Init(payload, 0, 0, 0, 0); err != nil {
		t.Fatalf("pmm Init: %v", err)
	}

	backing := map[uintptr]*HeapTag{}
	origAt, origAddr := tagAtFn, tagAddrFn
	tagAtFn = func(addr uintptr) *HeapTag {
		if tg, ok := backing[addr]; ok {
			return tg
		}
		tg := &HeapTag{}
		backing[addr] = tg
		return tg
	}
	tagAddrFn = func(tg *HeapTag) uintptr {
		for addr, candidate := range backing {
			if candidate == tg {
				return addr
			}
		}
		t.Fatal("tagAddrFn: unknown tag")
		return 0
	}
	t.Cleanup(func() { tagAtFn, tagAddrFn = origAt, origAddr })

	mapper := newFakeMapper()
	base = 0x1000
	limit = 0x100000
	lowestTag, highestTag, pageCount, initialized = 0, 0, 0, false

	if err := Init(mapper); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return mapper
}

func TestInitReservesOnePage(t *testing.T) {
	m := setupHeap(t)
	if PageCount() != 1 {
		t.Fatalf("PageCount = %d; want 1", PageCount())
	}
	if len(m.mapped) != 1 {
		t.Fatalf("expected one mapped page, got %d", len(m.mapped))
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	setupHeap(t)

	ptr, err := Alloc(64, true)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if ptr == 0 {
		t.Fatal("Alloc returned nil pointer")
	}

	if err := Free(ptr); err != nil {
		t.Fatalf("Free: %v", err)
	}

	// idempotence is not expected of Free (a double free is a corruption
	// bug by design, §4.4), but allocating the same size again must
	// succeed and reuse the coalesced run rather than growing the heap.
	before := PageCount()
	ptr2, err := Alloc(64, false)
	if err != nil {
		t.Fatalf("second Alloc: %v", err)
	}
	if ptr2 == 0 {
		t.Fatal("second Alloc returned nil pointer")
	}
	if PageCount() != before {
		t.Errorf("PageCount changed on reuse: %d != %d", PageCount(), before)
	}
}

func TestAllocSplitsFreeRun(t *testing.T) {
	setupHeap(t)

	small, err := Alloc(64, false)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := Free(small); err != nil {
		t.Fatalf("Free: %v", err)
	}

	a, err := Alloc(32, false)
	if err != nil {
		t.Fatalf("Alloc a: %v", err)
	}
	b, err := Alloc(32, false)
	if err != nil {
		t.Fatalf("Alloc b: %v", err)
	}
	if a == b {
		t.Fatal("two live allocations returned the same address")
	}

	if err := Free(a); err != nil {
		t.Fatalf("Free a: %v", err)
	}
	if err := Free(b); err != nil {
		t.Fatalf("Free b: %v", err)
	}
}

func TestAllocGrowsHeapAcrossPages(t *testing.T) {
	setupHeap(t)
	before := PageCount()

	ptr, err := Alloc(uint64(mem.PageSize)*2, true)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if ptr == 0 {
		t.Fatal("Alloc returned nil pointer")
	}
	if PageCount() <= before {
		t.Fatalf("expected heap to grow past %d pages, got %d", before, PageCount())
	}
}

func TestReallocZeroSizeFrees(t *testing.T) {
	setupHeap(t)

	ptr, err := Alloc(48, false)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	ret, err := Realloc(ptr, 0, false)
	if err != nil {
		t.Fatalf("Realloc: %v", err)
	}
	if ret != 0 {
		t.Errorf("Realloc(ptr, 0, _) = %x; want 0", ret)
	}
}

func TestReallocPreservesContents(t *testing.T) {
	setupHeap(t)

	ptr, err := Alloc(32, false)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	pattern := []byte("0123456789abcdef0123456789abcdef")[:32]
	mem.Memcopy(uintptr(unsafe.Pointer(&pattern[0])), ptr, 32)

	grown, err := Realloc(ptr, 96, false)
	if err != nil {
		t.Fatalf("Realloc: %v", err)
	}
	if grown == 0 {
		t.Fatal("Realloc returned nil pointer")
	}

	got := make([]byte, 32)
	mem.Memcopy(grown, uintptr(unsafe.Pointer(&got[0])), 32)
	if string(got) != string(pattern) {
		t.Fatalf("Realloc did not preserve contents: got %q, want %q", got, pattern)
	}
}
