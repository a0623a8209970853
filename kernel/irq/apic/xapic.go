package apic

import (
	"unsafe"

	"axon/kernel"
	"axon/kernel/acpi"
	"axon/kernel/cpu"
	"axon/kernel/irq"
	"axon/kernel/vmm"
)

// XAPICDriver drives the LAPIC through its legacy MMIO register window; the
// IOAPIC side is always MMIO and lives in the embedded ioapicController
// (§4.5).
type XAPICDriver struct {
	ioapicController

	lapicVirt uintptr
	platform  *acpi.Platform
}

var _ irq.Driver = (*XAPICDriver)(nil)

func (d *XAPICDriver) readLAPIC(reg uint32) uint32 {
	return *(*uint32)(unsafe.Pointer(d.lapicVirt + uintptr(reg)))
}

func (d *XAPICDriver) writeLAPIC(reg uint32, val uint32) {
	*(*uint32)(unsafe.Pointer(d.lapicVirt + uintptr(reg))) = val
}

// Init maps the LAPIC and every IOAPIC's MMIO window, disables the legacy
// 8259 PICs when present, programs the LAPIC's LVT entries and routes any
// IOAPIC NMIs the MADT describes (§4.5, xapic_driver.c's xapic_driver_init).
func (d *XAPICDriver) Init() *kernel.Error {
	p := d.platform

	virt, err := vmm.ReserveSharedMMIO(uintptr(p.LAPICAddress), 1)
	if err != nil {
		return errMapFailed
	}
	d.lapicVirt = virt

	if err := d.initFromPlatform(p); err != nil {
		return err
	}

	if p.LegacyPIC {
		disablePIC()
	}

	localID := uint8(d.readLAPIC(lapicRegID) >> 24)
	initLAPIC(d, p.LocalAPICNMIs, localID)
	d.routeNMIs(p)

	return nil
}

// AuxInit runs on every AP after the BSP has already programmed the shared
// IOAPIC state; only the per-CPU LVT programming needs to run again.
func (d *XAPICDriver) AuxInit() *kernel.Error {
	localID := uint8(d.readLAPIC(lapicRegID) >> 24)
	initLAPIC(d, d.platform.LocalAPICNMIs, localID)
	return nil
}

// SignalEOI writes the LAPIC's end-of-interrupt register.
func (d *XAPICDriver) SignalEOI() {
	d.writeLAPIC(lapicRegEOI, 0)
}

// SendIPI programs the LAPIC's legacy two-register IPI command sequence and
// optionally polls the delivery-status bit until it clears (§4.5,
// xapic_driver_send_ipi).
func (d *XAPICDriver) SendIPI(targetCPU uint32, vector uint8, mode irq.DeliveryMode, deassert, waitForReceipt bool) *kernel.Error {
	targetLAPIC, ok := lapicIDFor(d.platform, targetCPU)
	if !ok {
		return errBadTarget
	}

	var params uint32
	switch mode {
	case irq.DeliveryInit:
		params = ipiDeliveryInitBits
	case irq.DeliveryStartup:
		params = ipiDeliveryStartupBits | uint32(vector)
	case irq.DeliveryNMI:
		params = ipiDeliveryNMIBits
	default:
		params = uint32(vector)
	}
	if !deassert {
		params |= ipiAssertBit
	}

	wasEnabled := cpu.InterruptsEnabled()
	cpu.DisableInterrupts()

	d.writeLAPIC(lapicRegIPIDestination, uint32(targetLAPIC)<<24)
	d.writeLAPIC(lapicRegIPIParameters, params)

	if waitForReceipt {
		for d.readLAPIC(lapicRegIPIParameters)&ipiPendingBit != 0 {
			cpu.Pause()
		}
	}

	if wasEnabled {
		cpu.EnableInterrupts()
	}
	return nil
}

// GetError reads and returns the LAPIC's error-status register.
func (d *XAPICDriver) GetError() uint32 {
	wasEnabled := cpu.InterruptsEnabled()
	cpu.DisableInterrupts()
	v := d.readLAPIC(lapicRegErrorStatus)
	if wasEnabled {
		cpu.EnableInterrupts()
	}
	return v
}

// ClearError clears the LAPIC's error-status register.
func (d *XAPICDriver) ClearError() {
	wasEnabled := cpu.InterruptsEnabled()
	cpu.DisableInterrupts()
	d.writeLAPIC(lapicRegErrorStatus, 0)
	if wasEnabled {
		cpu.EnableInterrupts()
	}
}

// ReadLVTTimer reads the LVT timer entry.
func (d *XAPICDriver) ReadLVTTimer() uint32 { return d.readLAPIC(lapicRegLVTTimer) }

// WriteLVTTimer writes the LVT timer entry.
func (d *XAPICDriver) WriteLVTTimer(v uint32) { d.writeLAPIC(lapicRegLVTTimer, v) }

// WriteInitialCount writes the timer's initial-count register, arming a
// one-shot or periodic countdown.
func (d *XAPICDriver) WriteInitialCount(v uint32) { d.writeLAPIC(lapicRegTimerInitialCount, v) }

// ReadCurrentCount reads the timer's current-count register.
func (d *XAPICDriver) ReadCurrentCount() uint32 { return d.readLAPIC(lapicRegTimerCurrentCount) }

// WriteDivideConfig writes the timer's divide-configuration register.
func (d *XAPICDriver) WriteDivideConfig(v uint32) { d.writeLAPIC(lapicRegTimerDivideConfig, v) }

// disablePIC issues the legacy 8259 remap-and-mask sequence (§4.5,
// xapic_driver.c's axk_x86_xapic_disable_pic).
func disablePIC() {
	cpu.OutB(pic1Command, icw1Init|icw1ICW4)
	cpu.OutB(pic2Command, icw1Init|icw1ICW4)
	cpu.OutB(pic1Data, 0x20)
	cpu.OutB(pic2Data, 0x28)
	cpu.OutB(pic1Data, 0x04)
	cpu.OutB(pic2Data, 0x02)
	cpu.OutB(pic1Data, icw4_8086)
	cpu.OutB(pic2Data, icw4_8086)
	cpu.OutB(pic2Data, 0xFF)
	cpu.OutB(pic1Data, 0xFF)
}

// lapicIDFor resolves the physical LAPIC id owned by the given OS-visible
// processor index by cross-referencing the platform's CPU list.
func lapicIDFor(p *acpi.Platform, targetCPU uint32) (uint32, bool) {
	if int(targetCPU) >= len(p.CPUs) {
		return 0, false
	}
	return p.CPUs[targetCPU].APICID, true
}
