package boot

import "testing"

func TestPayloadValid(t *testing.T) {
	specs := []struct {
		p    Payload
		want bool
	}{
		{Payload{Magic: Magic}, true},
		{Payload{Magic: 0}, false},
	}

	for _, spec := range specs {
		if got := spec.p.Valid(); got != spec.want {
			t.Errorf("Valid() = %v; want %v", got, spec.want)
		}
	}
}

func TestArchACPIValid(t *testing.T) {
	a := ArchACPI{Magic: Magic, ArchCode: archMagic}
	if !a.Valid() {
		t.Error("expected valid ArchACPI")
	}

	a.ArchCode = 0
	if a.Valid() {
		t.Error("expected invalid ArchACPI when arch code mismatches")
	}
}

func TestVisitMemRegions(t *testing.T) {
	p := Payload{
		Magic: Magic,
		MemoryMap: []MemoryMapEntry{
			{Base: 0, Pages: 1, Type: MemReserved},
			{Base: 0x1000, Pages: 10, Type: MemAvailable},
			{Base: 0xB000, Pages: 2, Type: MemACPI},
		},
	}

	var seen []MemRegionType
	VisitMemRegions(&p, func(e *MemoryMapEntry) bool {
		seen = append(seen, e.Type)
		return true
	})

	if len(seen) != 3 {
		t.Fatalf("expected 3 regions visited, got %d", len(seen))
	}

	var stopped int
	VisitMemRegions(&p, func(e *MemoryMapEntry) bool {
		stopped++
		return false
	})
	if stopped != 1 {
		t.Errorf("expected visitor to stop after first entry, got %d calls", stopped)
	}
}

func TestMemRegionTypeString(t *testing.T) {
	if MemAvailable.String() != "available" {
		t.Errorf("unexpected string for MemAvailable: %s", MemAvailable.String())
	}
	if MemRegionType(99).String() != "reserved" {
		t.Errorf("unexpected default string: %s", MemRegionType(99).String())
	}
}
