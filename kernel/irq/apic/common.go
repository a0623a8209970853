package apic

import "axon/kernel/acpi/table"

// lapicRegs is the minimal read/write surface initLAPIC needs; xAPIC
// implements it over MMIO, x2APIC over MSRs (§4.5).
type lapicRegs interface {
	readLAPIC(reg uint32) uint32
	writeLAPIC(reg uint32, val uint32)
}

// TimerRegs is the narrow LAPIC-timer register surface
// kernel/timer/lapictimer needs; both driver variants satisfy it over
// whichever register access mode they already implement (§4.8).
type TimerRegs interface {
	ReadLVTTimer() uint32
	WriteLVTTimer(v uint32)
	WriteInitialCount(v uint32)
	ReadCurrentCount() uint32
	WriteDivideConfig(v uint32)
}

// initLAPIC programs the LVT entries every LAPIC needs regardless of access
// mode: default LINT0/LINT1 settings, any NMI overrides the MADT assigns to
// this CPU (or to all CPUs via the 0xFF wildcard), CMCI, the error vector,
// the timer vector's initial (masked) state and the spurious-interrupt
// vector that finally enables the LAPIC (§4.5, xapic_driver.c's
// axk_x86_xapic_init_lapic).
func initLAPIC(l lapicRegs, nmis []*table.MADTEntryLocalAPICNMI, localID uint8) {
	l.writeLAPIC(lapicRegLVTInt0, 0x720)
	l.writeLAPIC(lapicRegLVTInt1, 0x402)

	for _, n := range nmis {
		if n.Processor != 0xFF && n.Processor != localID {
			continue
		}

		activeLow := n.Flags&0x0002 != 0
		levelTriggered := n.Flags&0x0008 != 0

		var val uint32 = 0x402
		if activeLow {
			val |= 1 << 13
		}
		if levelTriggered {
			val |= 1 << 15
		}

		if n.LINT == 0 {
			l.writeLAPIC(lapicRegLVTInt0, val)
		} else {
			l.writeLAPIC(lapicRegLVTInt1, val)
		}
	}

	l.writeLAPIC(lapicRegLVTCMCI, vectorCMCI)
	l.writeLAPIC(lapicRegLVTError, vectorError)
	l.writeLAPIC(lapicRegLVTTimer, vectorTimer|1<<16)

	l.writeLAPIC(lapicRegSpuriousVector, 0x1FF)
	l.writeLAPIC(lapicRegTaskPriority, 0)
	l.writeLAPIC(lapicRegEOI, 0)
}
