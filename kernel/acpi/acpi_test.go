package acpi

import (
	"testing"
	"unsafe"

	"axon/kernel/acpi/table"
	"axon/kernel/boot"
)

// fakePhysMem backs a flat byte buffer addressed as if phys offset 0 were
// the start of "physical memory": physToVirtFn is redirected to resolve a
// physical offset into this buffer instead of walking the real kernel
// aperture, the same substitution kernel/vmm's tests use for page tables.
type fakePhysMem struct {
	buf []byte
}

func newFakePhysMem(size int) *fakePhysMem { return &fakePhysMem{buf: make([]byte, size)} }

func (f *fakePhysMem) base() uintptr { return uintptr(unsafe.Pointer(&f.buf[0])) }

func (f *fakePhysMem) at(phys uintptr) unsafe.Pointer {
	return unsafe.Pointer(f.base() + phys)
}

func checksum(base uintptr, length uint32) uint8 {
	var sum uint8
	for i := uint32(0); i < length; i++ {
		sum += *(*uint8)(unsafe.Pointer(base + uintptr(i)))
	}
	return sum
}

// fixChecksum sets b's Checksum byte so the whole [phys, phys+length) range
// sums to zero, matching every ACPI table's validation rule.
func fixChecksum(mem *fakePhysMem, phys uintptr, length uint32, checksumOffset uintptr) {
	*(*uint8)(unsafe.Pointer(mem.base() + phys + checksumOffset)) = 0
	sum := checksum(mem.base()+phys, length)
	*(*uint8)(unsafe.Pointer(mem.base() + phys + checksumOffset)) = uint8(0x100 - int(sum))
}

const (
	physRSDP = 0x000
	physXSDT = 0x100
	physFADT = 0x200
	physMADT = 0x300
	physHPET = 0x400
	physSRAT = 0x500
)

func buildSDTHeader(mem *fakePhysMem, phys uintptr, signature string, length uint32) {
	h := (*table.SDTHeader)(mem.at(phys))
	copy(h.Signature[:], signature)
	h.Length = length
}

func setupPlatform(t *testing.T) *fakePhysMem {
	t.Helper()
	mem := newFakePhysMem(0x1000)

	origPhysToVirt := physToVirtFn
	physToVirtFn = func(phys uintptr) uintptr { return mem.base() + phys }
	t.Cleanup(func() { physToVirtFn = origPhysToVirt })

	// RSDP (v2, extended): validates over its own Length, checksum at
	// RSDPDescriptor.Checksum for the first 20 bytes and ExtendedChecksum
	// over the full extended structure (§4.1).
	rsdp := (*table.ExtRSDPDescriptor)(mem.at(physRSDP))
	copy(rsdp.Signature[:], "RSD PTR ")
	rsdp.Revision = 2
	rsdp.Length = uint32(unsafe.Sizeof(table.ExtRSDPDescriptor{}))
	rsdp.XSDTAddr = uint64(physXSDT)
	fixChecksum(mem, physRSDP, 20, unsafe.Offsetof(rsdp.Checksum))
	fixChecksum(mem, physRSDP, rsdp.Length, unsafe.Offsetof(rsdp.ExtendedChecksum))

	// FADT: only Century and the SDTHeader/checksum matter here.
	fadtLen := uint32(unsafe.Sizeof(table.FADT{}))
	buildSDTHeader(mem, physFADT, "FACP", fadtLen)
	fadt := (*table.FADT)(mem.at(physFADT))
	fadt.Century = 0x32
	fixChecksum(mem, physFADT, fadtLen, unsafe.Offsetof(fadt.Checksum))

	// MADT: local APIC base + one enabled LocalAPIC entry, one IOAPIC entry.
	lapicEntryOff := unsafe.Sizeof(table.MADT{})
	ioapicEntryOff := lapicEntryOff + unsafe.Sizeof(table.MADTEntryLocalAPIC{})
	madtLen := uint32(ioapicEntryOff + unsafe.Sizeof(table.MADTEntryIOAPIC{}))
	buildSDTHeader(mem, physMADT, "APIC", madtLen)
	madt := (*table.MADT)(mem.at(physMADT))
	madt.LocalControllerAddress = 0xFEE00000
	madt.Flags = 1

	lapic := (*table.MADTEntryLocalAPIC)(mem.at(physMADT + lapicEntryOff))
	lapic.Type = table.MADTEntryTypeLocalAPIC
	lapic.Length = uint8(unsafe.Sizeof(table.MADTEntryLocalAPIC{}))
	lapic.ProcessorID = 0
	lapic.APICID = 0
	lapic.Flags = 1

	ioapic := (*table.MADTEntryIOAPIC)(mem.at(physMADT + ioapicEntryOff))
	ioapic.Type = table.MADTEntryTypeIOAPIC
	ioapic.Length = uint8(unsafe.Sizeof(table.MADTEntryIOAPIC{}))
	ioapic.APICID = 1
	ioapic.Address = 0xFEC00000

	fixChecksum(mem, physMADT, madtLen, unsafe.Offsetof(madt.Checksum))

	// HPET
	hpetLen := uint32(unsafe.Sizeof(table.HPETDescriptor{}))
	buildSDTHeader(mem, physHPET, "HPET", hpetLen)
	hpet := (*table.HPETDescriptor)(mem.at(physHPET))
	hpet.EventTimerBlockID = (1 << 13) | (1 << 15) | (2 << 8)
	fixChecksum(mem, physHPET, hpetLen, unsafe.Offsetof(hpet.Checksum))

	// SRAT: one processor entry for APIC id 0, proximity domain 3.
	procEntryOff := unsafe.Sizeof(table.SRAT{})
	sratLen := uint32(procEntryOff + unsafe.Sizeof(table.SRATEntryProcessor{}))
	buildSDTHeader(mem, physSRAT, "SRAT", sratLen)
	srat := (*table.SRAT)(mem.at(physSRAT))
	proc := (*table.SRATEntryProcessor)(mem.at(physSRAT + procEntryOff))
	proc.Type = table.SRATEntryTypeProcessor
	proc.Length = uint8(unsafe.Sizeof(table.SRATEntryProcessor{}))
	proc.APICID = 0
	proc.Flags = 1
	proc.ProximityDomainLo = 3
	fixChecksum(mem, physSRAT, sratLen, unsafe.Offsetof(srat.Checksum))

	// XSDT: 8-byte pointers to FADT, MADT, HPET, SRAT.
	xsdtHeaderLen := unsafe.Sizeof(table.SDTHeader{})
	children := []uint64{physFADT, physMADT, physHPET, physSRAT}
	xsdtLen := uint32(xsdtHeaderLen) + uint32(len(children))*8
	buildSDTHeader(mem, physXSDT, "XSDT", xsdtLen)
	for i, c := range children {
		*(*uint64)(mem.at(physXSDT + xsdtHeaderLen + uintptr(i)*8)) = c
	}
	xsdt := (*table.SDTHeader)(mem.at(physXSDT))
	fixChecksum(mem, physXSDT, xsdtLen, unsafe.Offsetof(xsdt.Checksum))

	return mem
}

// archACPICode mirrors boot's unexported archMagic constant (ACPI extension
// discriminator for the x86-64 payload); boot.go documents it as 0x80000000.
const archACPICode uint32 = 0x80000000

// payloadWithACPI lays out a boot.Payload immediately followed by a
// boot.ArchACPI extension, matching the bootloader's contiguous handoff
// layout boot.ParseArchACPI expects.
type payloadWithACPI struct {
	boot.Payload
	ext boot.ArchACPI
}

func buildPayload(rsdpPhys uintptr) *boot.Payload {
	c := &payloadWithACPI{}
	c.Payload.Magic = boot.Magic
	c.ext.Magic = boot.Magic
	c.ext.ArchCode = archACPICode
	c.ext.RSDPPhys = rsdpPhys
	c.ext.NewVersion = true
	return &c.Payload
}

func TestParseDiscoversFADTAndMADT(t *testing.T) {
	setupPlatform(t)

	payload := buildPayload(physRSDP)
	p, err := Parse(payload)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.FADT == nil {
		t.Fatal("FADT not found")
	}
	if p.FADT.Century != 0x32 {
		t.Errorf("Century = %#x; want 0x32", p.FADT.Century)
	}
	if p.LAPICAddress != 0xFEE00000 {
		t.Errorf("LAPICAddress = %#x; want 0xFEE00000", p.LAPICAddress)
	}
	if !p.LegacyPIC {
		t.Error("LegacyPIC flag lost")
	}
	if len(p.CPUs) != 1 {
		t.Fatalf("len(CPUs) = %d; want 1", len(p.CPUs))
	}
	if p.CPUs[0].APICID != 0 {
		t.Errorf("CPUs[0].APICID = %d; want 0", p.CPUs[0].APICID)
	}
	if !p.CPUs[0].HasDomain || p.CPUs[0].ProximityDomain != 3 {
		t.Errorf("CPUs[0] proximity domain = %+v; want domain 3", p.CPUs[0])
	}
	if len(p.IOAPICs) != 1 || p.IOAPICs[0].Address != 0xFEC00000 {
		t.Fatalf("IOAPICs = %+v", p.IOAPICs)
	}
	if p.HPET == nil {
		t.Fatal("HPET not found")
	}
	if p.HPET.CounterWidth() != 64 {
		t.Errorf("HPET.CounterWidth() = %d; want 64", p.HPET.CounterWidth())
	}
	if !p.HPET.LegacyReplacement() {
		t.Error("HPET.LegacyReplacement() = false; want true")
	}
	if p.HPET.ComparatorCount() != 3 {
		t.Errorf("HPET.ComparatorCount() = %d; want 3", p.HPET.ComparatorCount())
	}
}

func TestParseFailsMissingMADT(t *testing.T) {
	mem := setupPlatform(t)

	// Truncate the XSDT's entry list to drop the MADT pointer, leaving
	// FADT as the sole child table.
	xsdtHeaderLen := unsafe.Sizeof(table.SDTHeader{})
	newLen := uint32(xsdtHeaderLen) + 8
	h := (*table.SDTHeader)(mem.at(physXSDT))
	h.Length = newLen
	fixChecksum(mem, physXSDT, newLen, unsafe.Offsetof(h.Checksum))

	_, err := Parse(buildPayload(physRSDP))
	if err != ErrMissingTable {
		t.Fatalf("Parse error = %v; want ErrMissingTable", err)
	}
}

func TestParseFailsBadChecksum(t *testing.T) {
	mem := setupPlatform(t)

	// Corrupt the RSDP's checksum byte directly.
	rsdp := (*table.ExtRSDPDescriptor)(mem.at(physRSDP))
	rsdp.Checksum ^= 0xFF

	_, err := Parse(buildPayload(physRSDP))
	if err != ErrBadChecksum {
		t.Fatalf("Parse error = %v; want ErrBadChecksum", err)
	}
}
