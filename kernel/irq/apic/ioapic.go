package apic

import (
	"unsafe"

	"axon/kernel"
	"axon/kernel/acpi"
	"axon/kernel/irq"
	"axon/kernel/sync"
	"axon/kernel/vmm"
)

var (
	errNoIOAPIC    = &kernel.Error{Module: "apic", Message: "no IOAPIC owns the requested global interrupt number"}
	errBadTarget   = &kernel.Error{Module: "apic", Message: "external routing target processor does not fit in the IOAPIC's 4-bit field"}
	errMapFailed   = &kernel.Error{Module: "apic", Message: "failed to map IOAPIC or LAPIC MMIO window"}
)

// ioapicEntry is one IOAPIC chip discovered in the MADT, with its register
// window mapped into the shared MMIO window (§4.5).
type ioapicEntry struct {
	id    uint8
	virt  uintptr
	base  uint32
	count int
}

// override mirrors a MADT interrupt-source-override entry, kept in the
// compact form GetExtInt needs.
type override struct {
	bus, irq uint8
	global   uint32
}

// ioapicController owns every IOAPIC chip in the system plus the bus/IRQ
// source-override table; it is embedded by both the xAPIC and x2APIC
// drivers since IOAPIC access is always MMIO regardless of LAPIC mode
// (§4.5).
type ioapicController struct {
	lock      sync.Spinlock
	ioapics   []ioapicEntry
	overrides []override
}

// initFromPlatform maps every IOAPIC chip's 32-byte register window (one
// 4 KiB page, §4.5 supplemented feature: "one page per LAPIC/IOAPIC") and
// reads back its redirection-entry count.
func (c *ioapicController) initFromPlatform(p *acpi.Platform) *kernel.Error {
	c.ioapics = make([]ioapicEntry, 0, len(p.IOAPICs))
	for _, e := range p.IOAPICs {
		virt, err := vmm.ReserveSharedMMIO(uintptr(e.Address), 1)
		if err != nil {
			return errMapFailed
		}
		entry := ioapicEntry{id: e.APICID, virt: virt, base: e.SysInterruptBase}
		entry.count = int((c.readReg(entry, ioapicRegVersion) >> 16) & 0xFF) + 1
		c.ioapics = append(c.ioapics, entry)
	}

	c.overrides = make([]override, 0, len(p.IntSrcOverrides))
	for _, o := range p.IntSrcOverrides {
		c.overrides = append(c.overrides, override{bus: o.BusSrc, irq: o.IRQSrc, global: o.GlobalInterrupt})
	}
	return nil
}

func (c *ioapicController) writeReg(e ioapicEntry, reg uint8, val uint32) {
	regPtr := (*uint32)(unsafe.Pointer(e.virt))
	dataPtr := (*uint32)(unsafe.Pointer(e.virt + 0x10))
	*regPtr = uint32(reg)
	*dataPtr = val
}

func (c *ioapicController) readReg(e ioapicEntry, reg uint8) uint32 {
	regPtr := (*uint32)(unsafe.Pointer(e.virt))
	dataPtr := (*uint32)(unsafe.Pointer(e.virt + 0x10))
	*regPtr = uint32(reg)
	return *dataPtr
}

func (c *ioapicController) findFor(global uint32) (ioapicEntry, bool) {
	for _, e := range c.ioapics {
		if global >= e.base && global < e.base+uint32(e.count) {
			return e, true
		}
	}
	return ioapicEntry{}, false
}

// RoutableLines reports the total number of global interrupt numbers spread
// across every discovered IOAPIC chip.
func (c *ioapicController) RoutableLines() int {
	total := 0
	for _, e := range c.ioapics {
		total += e.count
	}
	return total
}

// SetExternalRouting programs the redirection-table entry pair for
// routing.GlobalNumber (§4.5).
func (c *ioapicController) SetExternalRouting(global uint32, routing irq.ExternalRouting) *kernel.Error {
	if routing.TargetCPU > 0b1111 {
		return errBadTarget
	}
	entry, ok := c.findFor(global)
	if !ok {
		return errNoIOAPIC
	}

	regBase := uint8((global-entry.base)*2) + ioapicRegRedirectionTable0
	low := uint32(routing.LocalVector)
	high := routing.TargetCPU << 24

	if routing.LowPriority {
		low |= redirLowPriorityBit
	}
	if routing.ActiveLow {
		low |= redirActiveLowBit
	}
	if routing.LevelTriggered {
		low |= redirLevelTriggeredBit
	}
	if routing.Masked {
		low |= redirMaskedBit
	}

	c.lock.Acquire()
	c.writeReg(entry, regBase, low)
	c.writeReg(entry, regBase+1, high)
	c.lock.Release()
	return nil
}

// GetExternalRouting reads back the redirection-table entry pair installed
// for global.
func (c *ioapicController) GetExternalRouting(global uint32) (irq.ExternalRouting, *kernel.Error) {
	entry, ok := c.findFor(global)
	if !ok {
		return irq.ExternalRouting{}, errNoIOAPIC
	}

	regBase := uint8((global-entry.base)*2) + ioapicRegRedirectionTable0

	c.lock.Acquire()
	low := c.readReg(entry, regBase)
	high := c.readReg(entry, regBase+1)
	c.lock.Release()

	return irq.ExternalRouting{
		GlobalNumber:   global,
		LocalVector:    uint8(low & 0xFF),
		TargetCPU:      (high >> 24) & 0xFF,
		LowPriority:    low&0b111_0000_0000 == redirLowPriorityBit,
		ActiveLow:      low&redirActiveLowBit != 0,
		LevelTriggered: low&redirLevelTriggeredBit != 0,
		Masked:         low&redirMaskedBit != 0,
	}, nil
}

// GetExtInt resolves a legacy bus/IRQ pair through the MADT source-override
// table, falling back to the identity mapping when no override exists.
func (c *ioapicController) GetExtInt(bus, irqNum uint8) uint32 {
	for _, o := range c.overrides {
		if o.bus == bus && o.irq == irqNum {
			return o.global
		}
	}
	return uint32(irqNum)
}

// routeNMIs applies the IOAPIC NMI entries from the MADT (§4.5,
// xapic_driver.c's axk_x86_xapic_init_ioapic).
func (c *ioapicController) routeNMIs(p *acpi.Platform) {
	for _, n := range p.IOAPICNMIs {
		routing := irq.ExternalRouting{
			LocalVector:    vectorNMI,
			ActiveLow:      n.Flags&0x0002 != 0,
			LevelTriggered: n.Flags&0x0008 != 0,
		}
		if err := c.SetExternalRouting(n.GlobalInterrupt, routing); err != nil {
			kernel.Panic(err)
		}
	}
}
