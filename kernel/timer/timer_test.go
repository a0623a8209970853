package timer

import (
	"testing"

	"axon/kernel"
)

// fakeDriver is a minimal Driver stand-in whose counter advances by a fixed
// step every time GetCounter is read, letting tests drive Delay/BSPSync/
// APSync without any real hardware.
type fakeDriver struct {
	id        ID
	freq      uint64
	maxValue  uint64
	counter   uint64
	step      uint64
}

func (f *fakeDriver) Init() *kernel.Error                 { return nil }
func (f *fakeDriver) QueryFeatures(feats Features) bool   { return true }
func (f *fakeDriver) GetID() ID                           { return f.id }
func (f *fakeDriver) GetFrequency() uint64                { return f.freq }
func (f *fakeDriver) Stop() *kernel.Error                 { return nil }
func (f *fakeDriver) IsRunning() bool                     { return false }
func (f *fakeDriver) GetMaxValue() uint64                 { return f.maxValue }
func (f *fakeDriver) Invoke(vector uint8) bool             { return false }
func (f *fakeDriver) Start(mode Mode, delay uint64, inTicks bool, cpuID uint32, vector uint8) *kernel.Error {
	return nil
}
func (f *fakeDriver) GetCounter() uint64 {
	v := f.counter
	f.counter += f.step
	return v
}

var _ Driver = (*fakeDriver)(nil)

func resetManager(m *Manager) {
	*m = Manager{}
}

func TestInitRequiresEveryRole(t *testing.T) {
	local := &fakeDriver{id: IDLAPIC}
	external := &fakeDriver{id: IDHPET}
	counter := &fakeDriver{id: IDTSC}

	specs := []struct {
		name              string
		local, ext, count Driver
		expectErr         *kernel.Error
	}{
		{"missing local", nil, external, counter, ErrNoLocal},
		{"missing external", local, nil, counter, ErrNoExternal},
		{"missing counter", local, external, nil, ErrNoCounter},
	}

	for _, spec := range specs {
		var m Manager
		if err := m.Init(spec.local, spec.ext, spec.count, nil); err != spec.expectErr {
			t.Errorf("%s: expected %v, got %v", spec.name, spec.expectErr, err)
		}
	}

	var m Manager
	if err := m.Init(local, external, counter, []Driver{local, external, counter}); err != nil {
		t.Fatalf("expected a clean init, got %v", err)
	}
	if m.Local() != local || m.External() != external || m.Counter() != counter {
		t.Fatalf("role assignment did not stick")
	}
}

func TestDelayAdvancesByComputedTicks(t *testing.T) {
	var m Manager
	counter := &fakeDriver{id: IDTSC, freq: 1_000_000_000, maxValue: ^uint64(0), step: 1}
	if err := m.Init(&fakeDriver{id: IDLAPIC}, &fakeDriver{id: IDHPET}, counter, nil); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	// At 1 GHz, 100ns should need roughly 100 ticks; since the fake counter
	// advances by 1 per read, Delay must read GetCounter at least 100 times
	// before returning, and counter.counter ends up at least that far ahead.
	before := counter.counter
	m.Delay(100)
	if counter.counter-before < 100 {
		t.Errorf("expected counter to advance by at least 100 ticks, advanced by %d", counter.counter-before)
	}
}

func TestDelayZeroIsNoop(t *testing.T) {
	var m Manager
	counter := &fakeDriver{id: IDTSC, freq: 1_000_000_000, maxValue: ^uint64(0), step: 1}
	if err := m.Init(&fakeDriver{id: IDLAPIC}, &fakeDriver{id: IDHPET}, counter, nil); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	before := counter.counter
	m.Delay(0)
	if counter.counter != before {
		t.Errorf("expected Delay(0) not to touch the counter, moved from %d to %d", before, counter.counter)
	}
}

func TestBSPSyncSingleCPUIsNoop(t *testing.T) {
	var m Manager
	counter := &fakeDriver{id: IDTSC, freq: 1, maxValue: ^uint64(0)}
	if err := m.Init(&fakeDriver{id: IDLAPIC}, &fakeDriver{id: IDHPET}, counter, nil); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	m.BSPSync(1)
	if m.tscSyncPoint3.Load() != 1 {
		t.Errorf("expected the single-CPU barrier to self-resolve immediately")
	}
}

func TestBSPSyncNonTSCCounterSkipsBarrier(t *testing.T) {
	var m Manager
	counter := &fakeDriver{id: IDHPET, freq: 1, maxValue: ^uint64(0)}
	if err := m.Init(&fakeDriver{id: IDLAPIC}, &fakeDriver{id: IDHPET}, counter, nil); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	m.BSPSync(4)
	if m.tscSyncPoint3.Load() != 1 {
		t.Errorf("expected a non-TSC counter role to bypass the barrier entirely")
	}
}

func TestBSPAndAPSyncRendezvous(t *testing.T) {
	var m Manager
	counter := &fakeDriver{id: IDTSC, freq: 1, maxValue: ^uint64(0)}
	if err := m.Init(&fakeDriver{id: IDLAPIC}, &fakeDriver{id: IDHPET}, counter, nil); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	const ncpu = 3
	done := make(chan struct{}, ncpu-1)
	for i := 0; i < ncpu-1; i++ {
		go func() {
			m.APSync()
			done <- struct{}{}
		}()
	}

	m.BSPSync(ncpu)
	for i := 0; i < ncpu-1; i++ {
		<-done
	}

	if len(m.tscSyncTable) != ncpu {
		t.Fatalf("expected a %d-entry sync table, got %d", ncpu, len(m.tscSyncTable))
	}
}
