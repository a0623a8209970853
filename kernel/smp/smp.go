// Package smp brings up the application processors (APs) the BSP discovers
// through ACPI (§4.7): it copies a trampoline blob into the reserved AP-init
// frame, walks the MADT-derived CPU list sending INIT/StartUp IPI pairs, and
// waits for each AP to bump a shared counter before moving on to the next
// one. Every AP, once it reaches long mode, calls Enter to claim its
// OS-assigned id, install its per-CPU block and synchronize with the rest
// of the system.
//
// Grounded on original_source/axon/source/arch_x86/boot.c's
// axk_start_aux_processors and entry.c's ax_c_main_ap: the INIT-delay-SIPI
// sequencing and per-CPU local-storage handoff follow that implementation,
// adapted to the driver/manager split kernel/irq and kernel/irq/apic
// already establish.
package smp

import (
	"sync/atomic"
	"unsafe"

	"axon/kernel"
	"axon/kernel/acpi"
	"axon/kernel/cpu"
	"axon/kernel/heap"
	"axon/kernel/irq"
	"axon/kernel/kfmt"
	"axon/kernel/mem"
	"axon/kernel/pmm"
	"axon/kernel/vmm"
)

// kernelStackSize is the size of the heap-backed stack allocated for each
// AP before it is released from its INIT/SIPI sequence.
const kernelStackSize = 64 * 1024

// sipiVector carries the AP-init frame's page number, per the StartUp IPI
// encoding (§4.7: "vector = AP-code-page-number").
var sipiVector = uint8(pmm.APBootstrapFrame())

// Block is the per-CPU local-storage record every core's CPU-local base
// register (GS base) points at (§4.7: "{this_ptr, os_id, arch_id}").
type Block struct {
	Self   *Block
	OSID   uint32
	ArchID uint32
}

var (
	errAlreadyStarted = &kernel.Error{Module: "smp", Message: "aux processors already started"}
	errNoPlatform     = &kernel.Error{Module: "smp", Message: "nil platform passed to smp.Start"}
	errTooLarge       = &kernel.Error{Module: "smp", Message: "AP trampoline blob does not fit in one page"}
	errStartFailed    = &kernel.Error{Module: "smp", Message: "AP failed to signal startup within the retry budget"}

	started uint32
	blocks  []Block
	apCount uint32 = 1

	// delayFn busy-waits for approximately the given number of
	// nanoseconds. It defaults to a raw TSC estimate (assumes ~1 GHz)
	// since Start must be usable before the timer manager has
	// calibrated anything; once kernel/timer has a counter role picked,
	// the boot sequence installs its delay via SetDelayFunc so the
	// retry windows in startOne match real wall-clock time (§4.7, §4.9).
	delayFn = busyDelayNanosTSC

	// writeGSBaseFn, readGSBaseFn and readTSCFn indirect the cpu package's
	// asm-backed primitives so tests can substitute synthetic per-CPU
	// storage, the same mocking idiom kernel/cpu uses for cpuidFn.
	writeGSBaseFn = cpu.WriteGSBase
	readGSBaseFn  = cpu.ReadGSBase
	readTSCFn     = cpu.ReadTSC
)

// apCounter is incremented by each AP immediately after it claims its
// OS-assigned id (§4.7); the BSP polls it to detect a successful SIPI.
var apCounter uint32 = 1

// osIDCounter hands out dense OS-assigned ids to arriving APs; the BSP
// always takes id 0 directly in Start, so the first AP to call Enter gets
// 1 (§4.7, mirrors entry.c's separate g_cpu_id counter from axk_ap_counter).
var osIDCounter uint32 = 1

// apStackTop is published by the BSP immediately before each SIPI so the
// trampoline's real-mode stub can set up a stack before jumping into long
// mode.
var apStackTop uint64

// releaseFlag gates every AP past its final wait once the BSP has finished
// bringing up the whole set (§4.7's "waits on a release flag set by the
// BSP").
var releaseFlag uint32

// apTrampolineBegin and apTrampolineSize are provided by the companion
// real-mode entry stub (ap_trampoline_amd64.s): 16-bit code that switches
// through protected mode into long mode, loads the stack top published in
// apStackTop and jumps to apEntry.
func apTrampolineBegin() uintptr
func apTrampolineSize() uintptr

// apEntry is the long-mode Go-callable target the trampoline jumps to once
// paging and the GDT/IDT are restored; exported via ap_trampoline_amd64.s so
// the assembly stub can call directly into Go. It takes no arguments (the
// trampoline cannot construct a Go interface value), so it reads apDriver
// and apSyncFn, both published by Start before the first SIPI goes out, and
// forwards them to Enter.
func apEntry() {
	Enter(apDriver, apSyncFn)
}

// apDriver and apSyncFn are published by Start/SetAPSync before any AP is
// released; apEntry reads them back since the asm trampoline calling it
// cannot pass Go arguments.
var (
	apDriver irq.Driver
	apSyncFn func()
)

// SetAPSync installs the rendezvous callback each AP runs from Enter once
// its driver-level per-CPU init finishes (§4.9's BSP/AP TSC sync barrier).
// kmain calls this once the timer manager's role assignment is known,
// before Start.
func SetAPSync(fn func()) {
	apSyncFn = fn
}

// SetDelayFunc installs the busy-wait delay startOne uses for its INIT/SIPI
// timing windows. kmain calls this with timer.Default.Delay once the timer
// manager has its counter role, replacing the uncalibrated TSC estimate
// Start otherwise falls back to.
func SetDelayFunc(fn func(nanos uint64)) {
	delayFn = fn
}

// Start brings up every AP described by platform's CPU list (§4.7). driver
// is the already-initialized LAPIC/IOAPIC driver the BSP used for its own
// irq.Default.Init call; each AP calls driver.AuxInit() once it reaches
// Enter. Start must run after kernel/heap and kernel/irq are both
// initialized and returns once every AP has been released to run freely.
func Start(platform *acpi.Platform, driver irq.Driver) *kernel.Error {
	if platform == nil {
		return errNoPlatform
	}
	if !atomic.CompareAndSwapUint32(&started, 0, 1) {
		return errAlreadyStarted
	}

	apDriver = driver

	blocks = make([]Block, len(platform.CPUs))
	blocks[0] = Block{OSID: 0, ArchID: platform.BSPAPICID}
	blocks[0].Self = &blocks[0]
	writeGSBaseFn(uintptr(unsafe.Pointer(&blocks[0])))

	kernel.SetStopOthersFn(func() { stopOthers(driver) })
	kernel.SetSelfIDFn(func() uint32 {
		if self := Self(); self != nil {
			return self.OSID
		}
		return 0
	})

	if len(platform.CPUs) <= 1 {
		atomic.StoreUint32(&apCount, 1)
		atomic.StoreUint32(&releaseFlag, 1)
		return nil
	}

	size := apTrampolineSize()
	if size > uintptr(mem.PageSize) {
		kernel.Panic(errTooLarge)
	}

	frameAddr := pmm.APBootstrapFrame().Address()
	dest := vmm.PhysToVirt(frameAddr)
	mem.Memcopy(apTrampolineBegin(), dest, size)

	atomic.StoreUint32(&releaseFlag, 0)
	atomic.StoreUint32(&apCounter, 1)

	count := uint32(1)
	for i, entry := range platform.CPUs {
		if entry.APICID == platform.BSPAPICID {
			continue
		}

		// A failed AP is reported but does not abort the boot; every
		// remaining CPU in the MADT list is still attempted (§7 policy 4).
		if err := startOne(driver, uint32(i)); err != nil {
			kfmt.Printf("smp: AP (APIC id %d) failed to start: %s\n", entry.APICID, err.Message)
			continue
		}
		count++
	}

	atomic.StoreUint32(&apCount, count)
	kfmt.Printf("smp: %d processor(s) online\n", count)

	atomic.StoreUint32(&releaseFlag, 1)
	return nil
}

// startOne runs the INIT-delay-SIPI sequence for a single AP, retrying the
// SIPI once before giving up (§4.7 steps 1-5). targetCPU is the AP's index
// in the platform's CPU list, which the driver's SendIPI resolves to its
// LAPIC id.
func startOne(driver irq.Driver, targetCPU uint32) *kernel.Error {
	driver.ClearError()
	if err := driver.SendIPI(targetCPU, 0, irq.DeliveryInit, false, true); err != nil {
		return err
	}
	delayFn(10_000_000)

	stack, err := heap.Alloc(kernelStackSize, false)
	if err != nil {
		return err
	}
	atomic.StoreUint64(&apStackTop, uint64(stack+kernelStackSize))

	prev := atomic.LoadUint32(&apCounter)

	driver.ClearError()
	if err := driver.SendIPI(targetCPU, sipiVector, irq.DeliveryStartup, false, true); err != nil {
		heap.Free(stack)
		return err
	}
	delayFn(2_000_000)

	if atomic.LoadUint32(&apCounter) == prev {
		driver.ClearError()
		if err := driver.SendIPI(targetCPU, sipiVector, irq.DeliveryStartup, false, true); err != nil {
			heap.Free(stack)
			return err
		}
		delayFn(1_000_000_000)

		if atomic.LoadUint32(&apCounter) == prev {
			heap.Free(stack)
			return errStartFailed
		}
	}

	return nil
}

// Enter runs on every AP once the trampoline reaches long mode: it claims a
// dense OS-assigned id, installs its per-CPU block, runs the driver's
// per-CPU init, takes part in the TSC sync barrier via apSync (§4.9) and
// finally waits for the BSP's release flag (§4.7).
func Enter(driver irq.Driver, apSync func()) {
	// Signals a successful SIPI to the BSP's busy-poll in startOne; the real
	// asm trampoline would bump this before ever reaching Go code, but
	// since Enter is this port's earliest Go-reachable point it takes over
	// that signal too (§4.7's "shared started counter").
	atomic.AddUint32(&apCounter, 1)

	osID := atomic.AddUint32(&osIDCounter, 1) - 1

	blocks[osID] = Block{OSID: osID, ArchID: cpu.InitialAPICID()}
	blocks[osID].Self = &blocks[osID]
	writeGSBaseFn(uintptr(unsafe.Pointer(&blocks[osID])))

	if err := driver.AuxInit(); err != nil {
		kernel.Panic(err)
	}

	if apSync != nil {
		apSync()
	}

	for atomic.LoadUint32(&releaseFlag) == 0 {
		cpu.Pause()
	}
}

// Self returns the calling CPU's per-CPU block, read back through the GS
// base register Start/Enter programmed.
func Self() *Block {
	return (*Block)(unsafe.Pointer(readGSBaseFn()))
}

// Count returns the number of processors Start brought online (1 until
// Start completes on a single-CPU system).
func Count() uint32 {
	return atomic.LoadUint32(&apCount)
}

// stopOthers is installed as the kernel-wide panic hook: it asks the LAPIC
// driver to NMI every other CPU online so a panic on one core halts the
// whole system (entry.c has no equivalent - the C original never
// implemented a clean cross-core panic path - this extends the teacher's
// stopOthersFn hook to SMP).
func stopOthers(driver irq.Driver) {
	self := Self()
	if self == nil {
		return
	}
	for i := uint32(0); i < atomic.LoadUint32(&apCount); i++ {
		if i == self.OSID {
			continue
		}
		driver.SendIPI(i, 0, irq.DeliveryNMI, false, false)
	}
}

// busyDelayNanosTSC is the uncalibrated fallback delay used before any
// timer driver has measured the TSC frequency; it assumes roughly 1 tick
// per nanosecond, which is conservative on any CPU released since the
// original TSC-deadline generation.
func busyDelayNanosTSC(nanos uint64) {
	target := readTSCFn() + nanos
	for readTSCFn() < target {
		cpu.Pause()
	}
}
