// Package acpi implements the boot-time platform discovery parser (§4.1):
// it walks RSDP -> (R|X)SDT -> {MADT, FADT, HPET, SRAT, SSDT} and exposes
// the topology and APIC/HPET descriptors the rest of the core consumes.
// Grounded on the teacher's device/acpi package (gopher-os-gopher-os
// src/gopheros/device/acpi/acpi.go): the RSDP checksum/signature logic and
// the generic "map table, verify checksum" pattern are carried over, but the
// discovery driver has no RSDP memory scan of its own (boot.ArchACPI already
// carries the bootloader-located RSDP physical address) and walks the
// MADT/SRAT arrays the spec names instead of handing them to an AML
// interpreter.
package acpi

import (
	"unsafe"

	"axon/kernel"
	"axon/kernel/acpi/table"
	"axon/kernel/boot"
	"axon/kernel/cpu"
	"axon/kernel/kfmt"
	"axon/kernel/vmm"
)

const (
	acpiRev1     uint8 = 0
	acpiRev2Plus uint8 = 2
)

var (
	// ErrBadChecksum is returned when an ACPI table (RSDP or SDT) fails
	// its checksum validation.
	ErrBadChecksum = &kernel.Error{Module: "acpi", Message: "ACPI table checksum mismatch"}
	// ErrMissingTable is returned when a mandatory table (MADT, FADT) is
	// absent from the RSDT/XSDT.
	ErrMissingTable = &kernel.Error{Module: "acpi", Message: "required ACPI table missing"}
	// ErrNoCPU is returned when the MADT contains zero LocalAPIC entries.
	ErrNoCPU = &kernel.Error{Module: "acpi", Message: "MADT describes zero processors"}

	fadtSignature = "FACP"
	madtSignature = "APIC"
	hpetSignature = "HPET"
	sratSignature = "SRAT"
	ssdtSignature = "SSDT"

	physToVirtFn = vmm.PhysToVirt
)

// CPUEntry is one enabled processor discovered in the MADT, annotated with
// the NUMA proximity domain SRAT assigns it (§4.1's "xAPIC and x2APIC
// entries merged by LAPIC id").
type CPUEntry struct {
	APICID          uint32
	ProximityDomain uint32
	HasDomain       bool
}

// Platform is the parsed view of the system's ACPI tables: everything the
// rest of the core (C6-C11) needs to discover interrupt routing, timers and
// CPU topology without re-walking firmware tables itself.
type Platform struct {
	FADT *table.FADT
	HPET *table.HPETDescriptor

	LAPICAddress uint32
	LegacyPIC    bool

	CPUs              []CPUEntry
	IOAPICs           []*table.MADTEntryIOAPIC
	IntSrcOverrides   []*table.MADTEntryInterruptSrcOverride
	IOAPICNMIs        []*table.MADTEntryIOAPICNMI
	LocalAPICNMIs     []*table.MADTEntryLocalAPICNMI
	LAPICAddrOverride *table.MADTEntryLocalAPICAddrOverride

	MemoryAffinity []*table.SRATEntryMemory

	// BSPAPICID is the APIC id of the bootstrap processor, resolved via
	// CPUID topology and cross-checked against the MADT LocalAPIC list
	// (§4.1). It defaults to 0 when the topology result matches no MADT
	// entry.
	BSPAPICID uint32
}

// Parse walks the ACPI table set starting from the RSDP physical address
// boot supplied and returns the platform view described above.
func Parse(payload *boot.Payload) (*Platform, *kernel.Error) {
	archACPI := boot.ParseArchACPI(payload)
	if archACPI == nil || !archACPI.Valid() {
		return nil, ErrMissingTable
	}

	rootPtr, use64, err := parseRSDP(archACPI.RSDPPhys)
	if err != nil {
		return nil, err
	}

	headers, err := walkRootTable(rootPtr, use64)
	if err != nil {
		return nil, err
	}

	p := &Platform{}
	var madt *table.MADT
	var srat *table.SRAT

	for _, h := range headers {
		switch string(h.Signature[:]) {
		case madtSignature:
			madt = (*table.MADT)(unsafe.Pointer(h))
		case fadtSignature:
			p.FADT = (*table.FADT)(unsafe.Pointer(h))
		case hpetSignature:
			p.HPET = (*table.HPETDescriptor)(unsafe.Pointer(h))
		case sratSignature:
			srat = (*table.SRAT)(unsafe.Pointer(h))
		case ssdtSignature:
			// Acknowledged, not interpreted (§4.1): no AML interpreter.
		}
	}

	if madt == nil || p.FADT == nil {
		return nil, ErrMissingTable
	}
	parseMADT(madt, p)

	if len(p.CPUs) == 0 {
		return nil, ErrNoCPU
	}
	if srat != nil {
		parseSRAT(srat, p)
	}

	resolveBSP(p)
	mergeProximityDomains(p)

	return p, nil
}

// parseRSDP validates the RSDP at phys and returns the RSDT/XSDT physical
// pointer (and whether it is the 64-bit XSDT form). The v1 checksum covers
// the first 20 bytes; for a v2+ RSDP the extended region's checksum must
// also sum to zero (§4.1).
func parseRSDP(phys uintptr) (uintptr, bool, *kernel.Error) {
	base := physToVirtFn(phys)
	rsdp := (*table.RSDPDescriptor)(unsafe.Pointer(base))

	if !checksumZero(base, uint32(unsafe.Sizeof(*rsdp))) {
		return 0, false, ErrBadChecksum
	}

	if rsdp.Revision < acpiRev2Plus {
		return uintptr(rsdp.RSDTAddr), false, nil
	}

	rsdp2 := (*table.ExtRSDPDescriptor)(unsafe.Pointer(base))
	if !checksumZero(base, rsdp2.Length) {
		return 0, false, ErrBadChecksum
	}
	return uintptr(rsdp2.XSDTAddr), true, nil
}

// walkRootTable maps and validates the RSDT/XSDT, then maps and validates
// every child table it lists. use64 selects 8-byte (XSDT) vs 4-byte (RSDT)
// pointers uniformly for this table (§9 Open Question: the pointer width
// must never be mixed within a single walk).
func walkRootTable(phys uintptr, use64 bool) ([]*table.SDTHeader, *kernel.Error) {
	root, err := mapTable(phys)
	if err != nil {
		return nil, err
	}

	headerSize := unsafe.Sizeof(table.SDTHeader{})
	payloadLen := uintptr(root.Length) - headerSize
	entriesBase := physToVirtFn(phys) + headerSize

	var headers []*table.SDTHeader
	if use64 {
		count := payloadLen / 8
		for i := uintptr(0); i < count; i++ {
			childPhys := uintptr(*(*uint64)(unsafe.Pointer(entriesBase + i*8)))
			if h, err := mapTable(childPhys); err == nil {
				headers = append(headers, h)
			}
		}
	} else {
		count := payloadLen / 4
		for i := uintptr(0); i < count; i++ {
			childPhys := uintptr(*(*uint32)(unsafe.Pointer(entriesBase + i*4)))
			if h, err := mapTable(childPhys); err == nil {
				headers = append(headers, h)
			}
		}
	}
	return headers, nil
}

// mapTable resolves the SDTHeader at the given physical address and
// verifies the whole-table checksum. Address translation goes through
// physToVirtFn (vmm.PhysToVirt by default); kmain calls Parse only after
// C4 has built the kernel aperture, which covers the ACPI-reclaimable
// memory the firmware tables live in, so no separate identity window is
// set up.
func mapTable(phys uintptr) (*table.SDTHeader, *kernel.Error) {
	virt := physToVirtFn(phys)
	h := (*table.SDTHeader)(unsafe.Pointer(virt))
	if !checksumZero(virt, h.Length) {
		kfmt.Printf("acpi: %s at 0x%x fails checksum, skipping\n", string(h.Signature[:]), phys)
		return nil, ErrBadChecksum
	}
	return h, nil
}

func checksumZero(base uintptr, length uint32) bool {
	var sum uint8
	for i := uint32(0); i < length; i++ {
		sum += *(*uint8)(unsafe.Pointer(base + uintptr(i)))
	}
	return sum == 0
}

// parseMADT performs the two-pass count-then-fill walk §4.1 describes:
// a first pass counts the LocalAPIC entries to size p.CPUs, then a fill
// pass stores every recognized entry. Only p.CPUs is pre-sized; the IOAPIC,
// override and NMI lists (and any x2APIC CPUs) grow by append.
func parseMADT(madt *table.MADT, p *Platform) {
	p.LAPICAddress = madt.LocalControllerAddress
	p.LegacyPIC = madt.Flags&1 != 0

	base := uintptr(unsafe.Pointer(madt)) + unsafe.Sizeof(table.MADT{})
	end := uintptr(unsafe.Pointer(madt)) + uintptr(madt.Length)

	var cpuCount int
	for pos := base; pos < end; {
		e := (*table.MADTEntry)(unsafe.Pointer(pos))
		if e.Type == table.MADTEntryTypeLocalAPIC {
			cpuCount++
		}
		pos += uintptr(e.Length)
	}
	p.CPUs = make([]CPUEntry, 0, cpuCount)

	for pos := base; pos < end; {
		e := (*table.MADTEntry)(unsafe.Pointer(pos))
		switch e.Type {
		case table.MADTEntryTypeLocalAPIC:
			lapic := (*table.MADTEntryLocalAPIC)(unsafe.Pointer(pos))
			if lapic.Enabled() {
				p.CPUs = append(p.CPUs, CPUEntry{APICID: uint32(lapic.APICID)})
			}
		case table.MADTEntryTypeIOAPIC:
			p.IOAPICs = append(p.IOAPICs, (*table.MADTEntryIOAPIC)(unsafe.Pointer(pos)))
		case table.MADTEntryTypeIntSrcOverride:
			p.IntSrcOverrides = append(p.IntSrcOverrides, (*table.MADTEntryInterruptSrcOverride)(unsafe.Pointer(pos)))
		case table.MADTEntryTypeIOAPICNMI:
			p.IOAPICNMIs = append(p.IOAPICNMIs, (*table.MADTEntryIOAPICNMI)(unsafe.Pointer(pos)))
		case table.MADTEntryTypeLocalAPICNMI:
			p.LocalAPICNMIs = append(p.LocalAPICNMIs, (*table.MADTEntryLocalAPICNMI)(unsafe.Pointer(pos)))
		case table.MADTEntryTypeLocalAPICAddrOvr:
			p.LAPICAddrOverride = (*table.MADTEntryLocalAPICAddrOverride)(unsafe.Pointer(pos))
		case table.MADTEntryTypeLocalX2APIC:
			if x2 := (*table.MADTEntryLocalX2APIC)(unsafe.Pointer(pos)); x2.Flags&1 != 0 {
				p.CPUs = append(p.CPUs, CPUEntry{APICID: x2.X2APICID})
			}
		}
		pos += uintptr(e.Length)
	}
}

// parseSRAT walks the SRAT's variable-length entries, advancing by each
// entry's own Length field (§9 Open Question: the stuck-loop bug this
// parser must not replicate). Disabled entries are skipped.
func parseSRAT(srat *table.SRAT, p *Platform) {
	base := uintptr(unsafe.Pointer(srat)) + unsafe.Sizeof(table.SRAT{})
	end := uintptr(unsafe.Pointer(srat)) + uintptr(srat.Length)

	for pos := base; pos < end; {
		e := (*table.SRATEntry)(unsafe.Pointer(pos))
		if e.Length == 0 {
			break
		}

		switch e.Type {
		case table.SRATEntryTypeProcessor:
			pe := (*table.SRATEntryProcessor)(unsafe.Pointer(pos))
			if pe.Enabled() {
				p.CPUs = append(p.CPUs, CPUEntry{
					APICID:          uint32(pe.APICID),
					ProximityDomain: pe.ProximityDomain(),
					HasDomain:       true,
				})
			}
		case table.SRATEntryTypeX2APIC:
			xe := (*table.SRATEntryX2APIC)(unsafe.Pointer(pos))
			if xe.Enabled() {
				p.CPUs = append(p.CPUs, CPUEntry{
					APICID:          xe.X2APICID,
					ProximityDomain: xe.ProximityDomain,
					HasDomain:       true,
				})
			}
		case table.SRATEntryTypeMemory:
			me := (*table.SRATEntryMemory)(unsafe.Pointer(pos))
			if me.Enabled() {
				p.MemoryAffinity = append(p.MemoryAffinity, me)
			}
		}

		pos += uintptr(e.Length)
	}
}

// mergeProximityDomains folds the SRAT-sourced CPUEntry records (appended
// separately by parseSRAT, keyed by APICID) into the MADT-sourced ones so
// each processor has at most one entry (§4.1: "merged by LAPIC id").
func mergeProximityDomains(p *Platform) {
	domains := make(map[uint32]uint32, len(p.CPUs))
	for _, c := range p.CPUs {
		if c.HasDomain {
			domains[c.APICID] = c.ProximityDomain
		}
	}

	merged := p.CPUs[:0]
	seen := make(map[uint32]bool, len(p.CPUs))
	for _, c := range p.CPUs {
		if seen[c.APICID] {
			continue
		}
		seen[c.APICID] = true
		if dom, ok := domains[c.APICID]; ok {
			c.ProximityDomain, c.HasDomain = dom, true
		}
		merged = append(merged, c)
	}
	p.CPUs = merged
}

// resolveBSP identifies the bootstrap processor via CPUID topology (leaf
// 0x0B preferred, leaf 1 EBX[31:24] fallback) and cross-checks it against
// the MADT's LocalAPIC list. If no entry matches, it logs a warning and
// defaults to APIC id 0 (§4.1).
func resolveBSP(p *Platform) {
	apicID, ok := cpu.TopologyLeafID()
	if !ok {
		apicID = cpu.InitialAPICID()
	}

	for _, c := range p.CPUs {
		if c.APICID == apicID {
			p.BSPAPICID = apicID
			return
		}
	}

	kfmt.Printf("acpi: BSP APIC id %d from CPUID not found in MADT, defaulting to 0\n", apicID)
	p.BSPAPICID = 0
}
