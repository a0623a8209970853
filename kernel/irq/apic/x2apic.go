package apic

import (
	"axon/kernel"
	"axon/kernel/acpi"
	"axon/kernel/cpu"
	"axon/kernel/irq"
)

// x2apicMSRBase is the model-specific-register base x2APIC mode exposes the
// LAPIC register file through; register reg is read/written at msr =
// x2apicMSRBase + reg>>4 (Intel SDM Table 10-6).
const x2apicMSRBase = 0x800

// x2apicICR is the single 64-bit Interrupt Command Register MSR x2APIC mode
// uses in place of the xAPIC's separate destination/parameters registers.
const x2apicICR = 0x830

// X2APICDriver drives the LAPIC through its MSR interface; the IOAPIC side
// is always MMIO and lives in the embedded ioapicController (§4.5).
type X2APICDriver struct {
	ioapicController

	platform *acpi.Platform
}

var _ irq.Driver = (*X2APICDriver)(nil)

func (d *X2APICDriver) readLAPIC(reg uint32) uint32 {
	return uint32(cpu.ReadMSR(x2apicMSRBase + reg>>4))
}

func (d *X2APICDriver) writeLAPIC(reg uint32, val uint32) {
	cpu.WriteMSR(x2apicMSRBase+reg>>4, uint64(val))
}

// Init enables x2APIC mode, maps every IOAPIC's MMIO window, disables the
// legacy 8259 PICs when present, programs the LAPIC's LVT entries and
// routes any IOAPIC NMIs the MADT describes (§4.5).
func (d *X2APICDriver) Init() *kernel.Error {
	p := d.platform

	apicMSR := cpu.ReadMSR(0x1B)
	cpu.WriteMSR(0x1B, apicMSR|(1<<10)|(1<<11))

	if err := d.initFromPlatform(p); err != nil {
		return err
	}

	if p.LegacyPIC {
		disablePIC()
	}

	localID := d.readLAPIC(lapicRegID)
	initLAPIC(d, p.LocalAPICNMIs, uint8(localID))
	d.routeNMIs(p)

	return nil
}

// AuxInit enables x2APIC mode on an AP and reprograms its per-CPU LVT
// entries.
func (d *X2APICDriver) AuxInit() *kernel.Error {
	apicMSR := cpu.ReadMSR(0x1B)
	cpu.WriteMSR(0x1B, apicMSR|(1<<10)|(1<<11))

	localID := d.readLAPIC(lapicRegID)
	initLAPIC(d, d.platform.LocalAPICNMIs, uint8(localID))
	return nil
}

// SignalEOI writes the LAPIC's end-of-interrupt register.
func (d *X2APICDriver) SignalEOI() {
	d.writeLAPIC(lapicRegEOI, 0)
}

// SendIPI programs the x2APIC's single 64-bit ICR MSR. Unlike the xAPIC
// variant this write is atomic, so there is no delivery-pending bit to
// poll; waitForReceipt is honored by re-reading the ICR once, mirroring the
// teacher's xAPIC path for API symmetry even though the write already
// completed.
func (d *X2APICDriver) SendIPI(targetCPU uint32, vector uint8, mode irq.DeliveryMode, deassert, waitForReceipt bool) *kernel.Error {
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

	icrValue := uint64(params) | uint64(targetLAPIC)<<32

	wasEnabled := cpu.InterruptsEnabled()
	cpu.DisableInterrupts()

	cpu.WriteMSR(x2apicICR, icrValue)

	if waitForReceipt {
		for cpu.ReadMSR(x2apicICR)&ipiPendingBit != 0 {
			cpu.Pause()
		}
	}

	if wasEnabled {
		cpu.EnableInterrupts()
	}
	return nil
}

// GetError reads and returns the LAPIC's error-status register.
func (d *X2APICDriver) GetError() uint32 {
	return d.readLAPIC(lapicRegErrorStatus)
}

// ClearError clears the LAPIC's error-status register.
func (d *X2APICDriver) ClearError() {
	d.writeLAPIC(lapicRegErrorStatus, 0)
}

// ReadLVTTimer reads the LVT timer entry.
func (d *X2APICDriver) ReadLVTTimer() uint32 { return d.readLAPIC(lapicRegLVTTimer) }

// WriteLVTTimer writes the LVT timer entry.
func (d *X2APICDriver) WriteLVTTimer(v uint32) { d.writeLAPIC(lapicRegLVTTimer, v) }

// WriteInitialCount writes the timer's initial-count register, arming a
// one-shot or periodic countdown.
func (d *X2APICDriver) WriteInitialCount(v uint32) { d.writeLAPIC(lapicRegTimerInitialCount, v) }

// ReadCurrentCount reads the timer's current-count register.
func (d *X2APICDriver) ReadCurrentCount() uint32 { return d.readLAPIC(lapicRegTimerCurrentCount) }

// WriteDivideConfig writes the timer's divide-configuration register.
func (d *X2APICDriver) WriteDivideConfig(v uint32) { d.writeLAPIC(lapicRegTimerDivideConfig, v) }
