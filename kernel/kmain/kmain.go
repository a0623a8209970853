// Package kmain wires together every subsystem the BSP brings up during
// boot (§4): it is the one place that knows the true initialization order,
// since several of the packages it calls are deliberately unaware of each
// other to avoid import cycles (kernel/timer never imports kernel/acpi or
// the driver packages; kernel/smp never imports kernel/timer).
//
// Grounded on the teacher's kernel/kmain/kmain.go shape (Kmain as the only
// symbol the rt0 stub calls, kernel.Panic on any stage failure) and
// original_source/axon's source/arch_x86/entry.c's ax_c_main. The order
// this package follows is: physical memory and the kernel map, the Go
// runtime, ACPI, the heap, interrupts, timers, SMP, interlink.
package kmain

import (
	"axon/kernel"
	"axon/kernel/acpi"
	"axon/kernel/boot"
	"axon/kernel/cpu"
	"axon/kernel/gate"
	"axon/kernel/goruntime"
	"axon/kernel/heap"
	"axon/kernel/interlink"
	"axon/kernel/irq"
	"axon/kernel/irq/apic"
	"axon/kernel/kfmt"
	"axon/kernel/mem"
	"axon/kernel/pmm"
	"axon/kernel/smp"
	"axon/kernel/timer"
	"axon/kernel/timer/hpet"
	"axon/kernel/timer/lapictimer"
	"axon/kernel/timer/pit"
	"axon/kernel/timer/tsc"
	"axon/kernel/vmm"
)

var (
	errKmainReturned  = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errInvalidPayload = &kernel.Error{Module: "kmain", Message: "bootloader payload failed validation"}
)

// Kmain is the only Go symbol the root entrypoint calls. It is not expected
// to return; every failure along the way is routed to kernel.Panic rather
// than returned, since there is no caller left to hand an error to once the
// payload has been validated.
//
//go:noinline
func Kmain(payload *boot.Payload, kernelStart, kernelEnd uintptr) {
	if !payload.Valid() {
		kernel.Panic(errInvalidPayload)
	}

	// C3: physical frame allocator. Must run before InitKernelMap so the
	// aperture builder can ask it which frames are already spoken for.
	kernelFrames := uint64(kernelEnd-kernelStart+uintptr(mem.PageSize)-1) / uint64(mem.PageSize)
	var fbBase uintptr
	var fbFrames uint64
	if payload.Framebuffer.Size > 0 {
		fbBase = uintptr(payload.Framebuffer.Phys)
		fbFrames = (payload.Framebuffer.Size + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)
	}
	if err := pmm.Default.Init(payload, kernelStart, kernelFrames, fbBase, fbFrames); err != nil {
		kernel.Panic(err)
	}

	// C4: the kernel aperture and the BSP's own address space. Runs before
	// ACPI parsing (see DESIGN.md's Open Question 5) precisely so the
	// aperture already covers every physical region ACPI needs to read,
	// including ACPI-reclaimable memory, before the old bootloader
	// identity map is torn down.
	if err := vmm.InitKernelMap(payload); err != nil {
		kernel.Panic(err)
	}

	// The Go runtime's own allocator comes up only once PhysToVirt and the
	// kernel address space both work; nothing past this point may use
	// make/append/a map literal until this call returns.
	if err := goruntime.Init(); err != nil {
		kernel.Panic(err)
	}

	kfmt.Printf("axon: kernel aperture and runtime online\n")

	// C2: ACPI. Now that the aperture and Go heap exist, Parse can use
	// append/make freely while walking RSDT/XSDT/MADT.
	platform, err := acpi.Parse(payload)
	if err != nil {
		kernel.Panic(err)
	}
	kfmt.Printf("axon: %d CPU(s), BSP APIC id %d\n", len(platform.CPUs), platform.BSPAPICID)

	// C5: kernel heap, layered on the BSP's own address space.
	if err := heap.Init(&vmm.KernelMap); err != nil {
		kernel.Panic(err)
	}

	// C6: interrupt infrastructure. gate.Init loads the IDT before any
	// handler is installed; irq.Default.Init then seeds the handler table
	// and external-line table from the selected LAPIC/IOAPIC driver.
	gate.Init()
	driver := apic.New(platform)
	if err := driver.Init(); err != nil {
		kernel.Panic(err)
	}
	if err := irq.Default.Init(driver); err != nil {
		kernel.Panic(err)
	}
	installExceptionHandlers()
	installDispatchTrampoline()

	// C10: timer discovery and role assignment happen here, one layer
	// above kernel/timer, so that package never has to import acpi or any
	// driver package (see its doc comment). Local is always the LAPIC
	// timer; external prefers HPET, then PIT (no ACPI-PM driver exists in
	// this tree, so that candidate is skipped - see DESIGN.md); counter
	// prefers an invariant TSC, falling back to HPET.
	local, external, counter, all := discoverTimers(platform, driver)
	if err := timer.Default.Init(local, external, counter, all); err != nil {
		kernel.Panic(err)
	}
	smp.SetDelayFunc(timer.Default.Delay)
	kfmt.Printf("axon: timers: local=%s external=%s counter=%s\n",
		local.GetID(), external.GetID(), counter.GetID())

	// C9: bring up every AP the MADT described. A failed AP is logged but
	// does not abort the boot (§7 policy 4).
	smp.SetAPSync(apSync)
	if err := smp.Start(platform, driver); err != nil {
		kernel.Panic(err)
	}
	timer.Default.BSPSync(smp.Count())

	// C11: interlink, once every CPU that will ever send or receive a
	// message is known to be online.
	if err := interlink.Init(smp.Count()); err != nil {
		kernel.Panic(err)
	}

	cpu.EnableInterrupts()
	kfmt.Printf("axon: boot complete, %d processor(s) online\n", smp.Count())

	kernel.Panic(errKmainReturned)
}

// apSync is the rendezvous callback every AP runs from smp.Enter once its
// driver-level per-CPU init has finished; it takes part in the TSC sync
// barrier the same way the BSP's BSPSync call does.
func apSync() {
	timer.Default.APSync()
}

// discoverTimers constructs and initializes every timer driver the platform
// can support and assigns the three roles C10 defines (§4.9). Drivers that
// fail to initialize are skipped rather than treated as fatal; only a
// missing local, external or counter role is fatal, and that failure is
// caught by timer.Default.Init's own nil checks.
func discoverTimers(platform *acpi.Platform, irqDriver irq.Driver) (local, external, counter timer.Driver, all []timer.Driver) {
	timerRegs, _ := irqDriver.(apic.TimerRegs)
	if timerRegs != nil {
		lt := lapictimer.New(timerRegs)
		if err := lt.Init(); err == nil {
			local = lt
			all = append(all, lt)
		}
	}

	var hpetDriver *hpet.Driver
	if platform.HPET != nil {
		hpetDriver = hpet.New(platform.HPET)
		if err := hpetDriver.Init(); err == nil {
			all = append(all, hpetDriver)
			external = hpetDriver
		} else {
			hpetDriver = nil
		}
	}
	if external == nil {
		pitDriver := pit.New()
		if err := pitDriver.Init(); err == nil {
			all = append(all, pitDriver)
			external = pitDriver
		}
	}

	tscDriver := tsc.New()
	_ = tscDriver.Init()
	reference := external
	if reference == nil {
		reference = local
	}
	if reference != nil && tscDriver.Calibrate(reference) == nil && tscDriver.QueryFeatures(timer.FeatureInvariant) {
		counter = tscDriver
		all = append(all, tscDriver)
	} else if hpetDriver != nil {
		counter = hpetDriver
	}

	if local != nil {
		if lt, ok := local.(*lapictimer.Driver); ok && reference != nil {
			lt.Calibrate(reference)
		}
	}

	return local, external, counter, all
}

// installExceptionHandlers specializes the one CPU exception vector that
// needs more than gate.Init's default handling: PageFaultException also
// reports the faulting address from CR2 (§4.6, testable property S6). Every
// other reserved vector keeps the register-dump-then-panic default gate.Init
// already installed.
func installExceptionHandlers() {
	gate.HandleInterrupt(gate.PageFaultException, 0, func(regs *gate.Registers) {
		kfmt.Printf("page fault at %x (error code %x)\n", cpu.ReadCR2(), regs.Info)
		kernel.Panic(&kernel.Error{Module: "gate", Message: "unhandled page fault"})
	})
}

// installDispatchTrampoline bridges every allocatable vector (and the fixed
// vectors the timer and interlink packages claim) from gate's per-exception
// registration model into irq.Default.Invoke, which does the actual
// callback lookup and EOI bookkeeping (§4.6).
func installDispatchTrampoline() {
	for v := irq.FirstVector; v <= 0xFF; v++ {
		vector := uint8(v)
		gate.HandleInterrupt(gate.InterruptNumber(vector), 0, func(regs *gate.Registers) {
			irq.Default.Invoke(vector)
		})
	}
}
