// Package apic implements the C6 LAPIC/IOAPIC interrupt driver (§4.5): an
// xAPIC variant (MMIO register access) and an x2APIC variant (MSR-based
// LAPIC access, MMIO IOAPIC access), both satisfying kernel/irq.Driver so
// the interrupt manager built in kernel/irq never has to know which one is
// in use. Grounded on original_source/axon's
// source/arch_x86/xapic_driver.c: register offsets, the LINT/CMCI/error/
// timer/spurious-vector LVT programming sequence and the legacy 8259 PIC
// disable sequence are ported from there into the teacher's Go driver idiom
// (kernel/cpu for port I/O and MSR access, kernel/vmm for MMIO mapping).
package apic

// LAPIC register offsets, relative to the LAPIC's MMIO base (xAPIC) or
// shifted into an MSR index (x2APIC: msr = 0x800 + reg>>4).
const (
	lapicRegID              = 0x20
	lapicRegVersion          = 0x30
	lapicRegTaskPriority      = 0x80
	lapicRegEOI              = 0xB0
	lapicRegSpuriousVector    = 0xF0
	lapicRegErrorStatus       = 0x280
	lapicRegLVTCMCI          = 0x2F0
	lapicRegIPIParameters     = 0x300
	lapicRegIPIDestination    = 0x310
	lapicRegLVTTimer         = 0x320
	lapicRegLVTInt0          = 0x350
	lapicRegLVTInt1          = 0x360
	lapicRegLVTError         = 0x370

	lapicRegTimerInitialCount = 0x380
	lapicRegTimerCurrentCount = 0x390
	lapicRegTimerDivideConfig = 0x3E0
)

// IOAPIC register indices, selected through the IOAPIC's index/data window.
const (
	ioapicRegVersion           = 0x01
	ioapicRegRedirectionTable0 = 0x10
)

// Fixed LAPIC vector assignments (mirrors kernel/irq's reserved vectors).
const (
	vectorNMI   = 0x02
	vectorCMCI  = 0x2F
	vectorError = 0x30
	vectorTimer = 0x31
)

// legacy 8259 PIC ports and initialization command words, used to disable
// the chips once the IOAPIC takes over external interrupt routing.
const (
	pic1Command = 0x20
	pic1Data    = 0x21
	pic2Command = 0xA0
	pic2Data    = 0xA1

	icw1Init = 0x10
	icw1ICW4 = 0x01
	icw4_8086 = 0x01
)

// IPI command-register bit layout (§4.5, xapic_driver.c's ipi_parameters
// construction).
const (
	ipiDeliveryInitBits    = 0b01000000000
	ipiDeliveryStartupBits = 0b11000000000
	ipiDeliveryNMIBits     = 0b10000000000
	ipiAssertBit           = 1 << 14
	ipiPendingBit          = 1 << 12
)

// IOAPIC redirection-entry bit layout.
const (
	redirLowPriorityBit    = 1 << 8
	redirActiveLowBit      = 1 << 13
	redirLevelTriggeredBit = 1 << 15
	redirMaskedBit         = 1 << 16
)
