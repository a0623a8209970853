package smp

import (
	"testing"
	"unsafe"

	"axon/kernel"
	"axon/kernel/acpi"
	"axon/kernel/irq"
)

func uintptrOf(b *Block) uintptr { return uintptr(unsafe.Pointer(b)) }

// fakeDriver is a minimal irq.Driver stand-in that records every SendIPI
// call and lets a test script when the AP "boots" (bumps apCounter).
type fakeDriver struct {
	ipis        []fakeIPI
	clearErrors int
	auxInits    int
	onSendIPI   func(call int)
	callCount   int
}

type fakeIPI struct {
	targetCPU uint32
	vector    uint8
	mode      irq.DeliveryMode
}

func (f *fakeDriver) Init() *kernel.Error { return nil }
func (f *fakeDriver) AuxInit() *kernel.Error {
	f.auxInits++
	return nil
}
func (f *fakeDriver) SignalEOI()                         {}
func (f *fakeDriver) GetError() uint32                    { return 0 }
func (f *fakeDriver) ClearError()                         { f.clearErrors++ }
func (f *fakeDriver) GetExtInt(bus, irqNum uint8) uint32  { return uint32(irqNum) }
func (f *fakeDriver) RoutableLines() int                  { return 0 }
func (f *fakeDriver) SetExternalRouting(global uint32, r irq.ExternalRouting) *kernel.Error {
	return nil
}
func (f *fakeDriver) GetExternalRouting(global uint32) (irq.ExternalRouting, *kernel.Error) {
	return irq.ExternalRouting{}, nil
}

func (f *fakeDriver) SendIPI(targetCPU uint32, vector uint8, mode irq.DeliveryMode, deassert, waitForReceipt bool) *kernel.Error {
	f.callCount++
	f.ipis = append(f.ipis, fakeIPI{targetCPU, vector, mode})
	if f.onSendIPI != nil {
		f.onSendIPI(f.callCount)
	}
	return nil
}

var _ irq.Driver = (*fakeDriver)(nil)

// resetState clears every package-level var the tests below depend on and
// installs a synthetic GS-base "register" and instant delay/TSC so tests
// never busy-wait on real time.
func resetState(t *testing.T) *uintptr {
	t.Helper()

	started = 0
	blocks = nil
	apCount = 1
	apCounter = 1
	osIDCounter = 1
	releaseFlag = 0
	apStackTop = 0

	origDelay, origWriteGS, origReadGS, origTSC := delayFn, writeGSBaseFn, readGSBaseFn, readTSCFn
	t.Cleanup(func() {
		delayFn, writeGSBaseFn, readGSBaseFn, readTSCFn = origDelay, origWriteGS, origReadGS, origTSC
	})

	var gsBase uintptr
	delayFn = func(nanos uint64) {}
	writeGSBaseFn = func(base uintptr) { gsBase = base }
	readGSBaseFn = func() uintptr { return gsBase }
	readTSCFn = func() uint64 { return 0 }

	return &gsBase
}

func TestStartOneSucceedsOnFirstSIPI(t *testing.T) {
	resetState(t)
	apCounter = 5

	d := &fakeDriver{onSendIPI: func(call int) {
		if call == 2 {
			apCounter++
		}
	}}

	if err := startOne(d, 3); err != nil {
		t.Fatalf("startOne: %v", err)
	}

	if len(d.ipis) != 2 {
		t.Fatalf("expected 2 IPIs (INIT, StartUp), got %d", len(d.ipis))
	}
	if d.ipis[0].mode != irq.DeliveryInit || d.ipis[0].targetCPU != 3 {
		t.Errorf("first IPI should be INIT targeting cpu 3, got %+v", d.ipis[0])
	}
	if d.ipis[1].mode != irq.DeliveryStartup || d.ipis[1].vector != sipiVector {
		t.Errorf("second IPI should be StartUp with vector %d, got %+v", sipiVector, d.ipis[1])
	}
	if d.clearErrors != 2 {
		t.Errorf("expected ClearError before each IPI, got %d calls", d.clearErrors)
	}
}

func TestStartOneRetriesThenSucceeds(t *testing.T) {
	resetState(t)
	apCounter = 1

	d := &fakeDriver{onSendIPI: func(call int) {
		// INIT (1), first SIPI (2) - no bump, retry SIPI (3) - bump.
		if call == 3 {
			apCounter++
		}
	}}

	if err := startOne(d, 1); err != nil {
		t.Fatalf("startOne: %v", err)
	}
	if len(d.ipis) != 3 {
		t.Fatalf("expected INIT + 2 StartUp IPIs, got %d", len(d.ipis))
	}
}

func TestStartOneFailsAfterRetryBudget(t *testing.T) {
	resetState(t)
	apCounter = 1

	d := &fakeDriver{}
	err := startOne(d, 1)
	if err == nil {
		t.Fatal("expected startOne to fail when the AP never increments apCounter")
	}
}

func TestStartSingleCPUSkipsTrampoline(t *testing.T) {
	resetState(t)
	platform := &acpi.Platform{
		BSPAPICID: 0,
		CPUs:      []acpi.CPUEntry{{APICID: 0}},
	}
	d := &fakeDriver{}

	if err := Start(platform, d); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if Count() != 1 {
		t.Errorf("expected Count()==1 for a single-CPU platform, got %d", Count())
	}
	if len(d.ipis) != 0 {
		t.Errorf("expected no IPIs sent for a single-CPU platform, got %d", len(d.ipis))
	}
}

func TestStartRejectsDoubleCall(t *testing.T) {
	resetState(t)
	platform := &acpi.Platform{CPUs: []acpi.CPUEntry{{APICID: 0}}}
	d := &fakeDriver{}

	if err := Start(platform, d); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := Start(platform, d); err == nil {
		t.Fatal("expected second Start call to fail")
	}
}

func TestStartRejectsNilPlatform(t *testing.T) {
	resetState(t)
	if err := Start(nil, &fakeDriver{}); err == nil {
		t.Fatal("expected Start(nil, ...) to fail")
	}
}

func TestEnterAssignsDenseOSID(t *testing.T) {
	gsBase := resetState(t)
	blocks = make([]Block, 3)

	d := &fakeDriver{}
	releaseFlag = 1 // don't block the test on the release wait.

	Enter(d, nil)

	if blocks[1].OSID != 1 {
		t.Errorf("expected first Enter to claim OSID 1 (BSP already holds 0), got %d", blocks[1].OSID)
	}
	if blocks[1].Self != &blocks[1] {
		t.Error("expected Self to point back at its own block")
	}
	if *gsBase != uintptrOf(&blocks[1]) {
		t.Error("expected GS base to be programmed to the new block's address")
	}
	if d.auxInits != 1 {
		t.Errorf("expected AuxInit to be called once, got %d", d.auxInits)
	}

	Enter(d, nil)
	if blocks[2].OSID != 2 {
		t.Errorf("expected second Enter to claim OSID 2, got %d", blocks[2].OSID)
	}
}

func TestSelfReadsBackInstalledBlock(t *testing.T) {
	resetState(t)
	blocks = make([]Block, 1)
	blocks[0] = Block{OSID: 0, ArchID: 7}
	blocks[0].Self = &blocks[0]
	writeGSBaseFn(uintptrOf(&blocks[0]))

	got := Self()
	if got == nil || got.ArchID != 7 {
		t.Fatalf("expected Self() to read back the installed block, got %+v", got)
	}
}

func TestStopOthersSkipsSelfAndNMIsRest(t *testing.T) {
	resetState(t)
	blocks = make([]Block, 3)
	for i := range blocks {
		blocks[i] = Block{OSID: uint32(i)}
		blocks[i].Self = &blocks[i]
	}
	apCount = 3
	writeGSBaseFn(uintptrOf(&blocks[1]))

	d := &fakeDriver{}
	stopOthers(d)

	if len(d.ipis) != 2 {
		t.Fatalf("expected 2 NMIs (skipping self), got %d", len(d.ipis))
	}
	for _, ipi := range d.ipis {
		if ipi.targetCPU == 1 {
			t.Error("stopOthers should not target its own OSID")
		}
		if ipi.mode != irq.DeliveryNMI {
			t.Error("stopOthers should use the NMI delivery mode")
		}
	}
}
