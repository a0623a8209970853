package pmm

import (
	"axon/kernel/boot"
	"axon/kernel/mem"
	"testing"
)

func testPayload() *boot.Payload {
	return &boot.Payload{
		Magic: boot.Magic,
		MemoryMap: []boot.MemoryMapEntry{
			{Base: 0, Pages: 16, Type: boot.MemAvailable},
			{Base: 16 * uint64(mem.PageSize), Pages: 8, Type: boot.MemReserved},
			{Base: 24 * uint64(mem.PageSize), Pages: 200, Type: boot.MemAvailable},
		},
	}
}

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()

	orig := newRecordsFn
	backing := map[uintptr][]record{}
	newRecordsFn = func(base uintptr, count uint64) []record {
		if r, ok := backing[base]; ok {
			return r
		}
		r := make([]record, count)
		backing[base] = r
		return r
	}
	t.Cleanup(func() { newRecordsFn = orig })

	a := &Allocator{}
	a.SetPhysicalAperture(0)
	if err := a.Init(testPayload(), 0, 0, 0, 0); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return a
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	a := newTestAllocator(t)

	before := a.AvailableFrames()

	frames, err := a.Acquire(4, Consecutive, mem.ProcessId(1), Other)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if len(frames) != 4 {
		t.Fatalf("expected 4 frames, got %d", len(frames))
	}
	for i := 1; i < len(frames); i++ {
		if frames[i] != frames[i-1]+1 {
			t.Fatalf("expected consecutive frames, got %v", frames)
		}
	}

	if err := a.Release(frames, 0); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if got := a.AvailableFrames(); got != before {
		t.Errorf("available frames after round-trip = %d; want %d", got, before)
	}

	// idempotence of release (Testable Property 1)
	if err := a.Release(frames, 0); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if got := a.AvailableFrames(); got != before {
		t.Errorf("available frames after second release = %d; want %d", got, before)
	}
}

func TestAcquireNeverReturnsFrameZero(t *testing.T) {
	a := newTestAllocator(t)

	frames, err := a.Acquire(int(a.AvailableFrames()), 0, mem.ProcessId(1), Other)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	for _, f := range frames {
		if f == 0 {
			t.Fatal("allocator handed out frame 0")
		}
	}
}

func TestReleaseStrictRejectsWrongOwner(t *testing.T) {
	a := newTestAllocator(t)

	frames, err := a.Acquire(1, 0, mem.ProcessId(1), Other)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if err := a.ReleaseStrict(frames, mem.ProcessId(2), 0); err == nil {
		t.Fatal("expected ReleaseStrict to reject a non-owning process")
	}

	if err := a.ReleaseStrict(frames, mem.ProcessId(1), 0); err != nil {
		t.Fatalf("ReleaseStrict: %v", err)
	}
}

func TestFreeproc(t *testing.T) {
	a := newTestAllocator(t)
	before := a.AvailableFrames()

	frames, err := a.Acquire(5, 0, mem.ProcessId(7), Other)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	_ = frames

	a.Freeproc(mem.ProcessId(7))

	if got := a.AvailableFrames(); got != before {
		t.Errorf("available frames after Freeproc = %d; want %d", got, before)
	}
}

func TestReclaimIsIdempotent(t *testing.T) {
	a := newTestAllocator(t)

	// Mark a frame ACPI-owned to exercise reclaim, then reclaim twice.
	a.records[20] = record{state: ACPI}
	a.Reclaim(ACPI)
	if a.records[20].state != Available {
		t.Fatalf("expected frame reclaimed to Available, got %v", a.records[20].state)
	}
	before := a.AvailableFrames()
	a.Reclaim(ACPI)
	if got := a.AvailableFrames(); got != before {
		t.Errorf("reclaim is not idempotent: %d != %d", got, before)
	}
}

func TestOutOfMemory(t *testing.T) {
	a := newTestAllocator(t)

	_, err := a.Acquire(int(a.AvailableFrames())+1, Consecutive, mem.ProcessId(1), Other)
	if err == nil {
		t.Fatal("expected OutOfMemory error")
	}
}
