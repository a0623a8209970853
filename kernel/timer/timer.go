// Package timer defines the C9/C10 timer capability interface and the
// manager that holds the drivers kmain has discovered, calibrated and
// assigned to the local/external/counter roles (§4.8, §4.9).
//
// The manager itself never constructs a concrete driver - that would create
// an import cycle, since every driver package (kernel/timer/hpet,
// kernel/timer/pit, kernel/timer/lapictimer, kernel/timer/tsc) imports this
// package for the Driver interface and the Features/Mode/ID vocabulary.
// Discovery and role selection therefore happen one layer up, in
// kernel/kmain, which imports both this package and the driver packages and
// feeds the already-initialized instances to Init - the same split
// kernel/irq/apic/select.go uses for the LAPIC/IOAPIC driver choice.
//
// Grounded on original_source/axon's public/axon/system/timers.h (the
// capability vtable and enums) and source_old/arch_x86/timers_x86.c (the
// discovery order, role assignment and the BSP/AP TSC sync barrier -
// axk_timers_bsp_sync / axk_timers_ap_sync / axk_delay; the newer
// source/arch_x86/timers_x86.c describes the same discovery order without
// the sync barrier or delay implementation).
package timer

import (
	"math/bits"
	"sync/atomic"

	"axon/kernel"
	"axon/kernel/cpu"
	"axon/kernel/kfmt"
)

// Features is a bitmask describing what a timer driver is capable of (§4.8).
type Features uint16

const (
	FeatureOneShot Features = 1 << iota
	FeaturePeriodic
	FeatureDeadline
	FeatureCounter
	FeatureInvariant
	FeatureLocal
	FeatureExternal
	FeatureDivisor
)

// Mode selects how Start programs a timer.
type Mode uint8

const (
	ModeOneShot Mode = iota
	ModePeriodic
	ModeDeadline
	ModeDivisor
)

// ID names a timer driver's underlying hardware source.
type ID uint32

const (
	IDNone ID = iota
	IDHPET
	IDPIT
	IDLAPIC
	IDTSC
	IDACPIPM
)

func (id ID) String() string {
	switch id {
	case IDHPET:
		return "HPET"
	case IDPIT:
		return "PIT"
	case IDLAPIC:
		return "LAPIC"
	case IDTSC:
		return "TSC"
	case IDACPIPM:
		return "ACPI-PM"
	default:
		return "none"
	}
}

var (
	// ErrInvalidMode is returned when Start is asked for a mode the driver
	// does not support (§4.8; also how a counter-only driver such as the
	// invariant TSC rejects every Start call).
	ErrInvalidMode = &kernel.Error{Module: "timer", Message: "timer does not support the requested start mode"}
	// ErrAlreadyRunning is returned when Start is called on a driver that is
	// already counting down or ticking.
	ErrAlreadyRunning = &kernel.Error{Module: "timer", Message: "timer is already running"}
	// ErrInvalidParams is returned for a zero delay or a delay that overflows
	// the driver's divisor/comparator width.
	ErrInvalidParams = &kernel.Error{Module: "timer", Message: "invalid timer start parameters"}
	// ErrNoCounter is returned by Init when no driver offers a free-running
	// counter (§4.9: "fails if neither TSC nor HPET is available").
	ErrNoCounter = &kernel.Error{Module: "timer", Message: "no high-precision counter source is available"}
	// ErrNoLocal is returned by Init when no local (per-CPU) timer was found.
	ErrNoLocal = &kernel.Error{Module: "timer", Message: "no local timer source is available"}
	// ErrNoExternal is returned by Init when no external timer was found.
	ErrNoExternal = &kernel.Error{Module: "timer", Message: "no external timer source is available"}

	errDoubleInit = &kernel.Error{Module: "timer", Message: "timer manager already initialized"}
)

// Driver is the capability interface every timer source (HPET, PIT, LAPIC
// timer, invariant TSC) implements (§3, §4.8).
type Driver interface {
	Init() *kernel.Error
	QueryFeatures(feats Features) bool
	GetID() ID
	GetFrequency() uint64
	Start(mode Mode, delay uint64, inTicks bool, cpuID uint32, vector uint8) *kernel.Error
	Stop() *kernel.Error
	IsRunning() bool
	GetCounter() uint64
	GetMaxValue() uint64
	Invoke(vector uint8) bool
}

// Manager holds the role assignment C10 computes once at boot: one local
// timer (always the LAPIC timer, §4.9), one external timer (HPET if it
// initializes, otherwise PIT; there is no ACPI-PM driver) and one
// free-running counter (TSC if invariant, HPET otherwise).
type Manager struct {
	drivers                        []Driver
	local, external, counter       Driver
	initialized                    bool

	// tscSyncTable, tscSyncPoint, tscSyncPoint2 and tscSyncPoint3 implement
	// the three-phase rendezvous BSPSync/APSync run across every CPU when
	// the counter role is the TSC (source_old/arch_x86/timers_x86.c's
	// axk_timers_bsp_sync/axk_timers_ap_sync).
	tscSyncTable  []atomic.Uint64
	tscSyncPoint  atomic.Uint32
	tscSyncPoint2 atomic.Bool
	tscSyncPoint3 atomic.Uint32
}

// Default is the one timer manager the rest of the core uses.
var Default Manager

// Init records the already-initialized drivers kmain's discovery pass
// selected for each role (§4.9). all is the full set of drivers that
// initialized successfully, used only for QueryFeatures-style introspection.
func (m *Manager) Init(local, external, counter Driver, all []Driver) *kernel.Error {
	if m.initialized {
		kernel.Panic(errDoubleInit)
	}
	if local == nil {
		return ErrNoLocal
	}
	if external == nil {
		return ErrNoExternal
	}
	if counter == nil {
		return ErrNoCounter
	}

	m.local, m.external, m.counter = local, external, counter
	m.drivers = all
	m.initialized = true

	kfmt.Printf("timer: local=%s external=%s counter=%s (%d driver(s) online)\n",
		m.local.GetID(), m.external.GetID(), m.counter.GetID(), len(m.drivers))
	return nil
}

// Local returns the per-CPU timer driver (always the LAPIC timer, §4.9).
func (m *Manager) Local() Driver { return m.local }

// External returns the system-wide external timer driver.
func (m *Manager) External() Driver { return m.external }

// Counter returns the free-running high-precision counter driver.
func (m *Manager) Counter() Driver { return m.counter }

// Drivers returns every driver that initialized successfully, regardless of
// role assignment.
func (m *Manager) Drivers() []Driver { return m.drivers }

// Delay busy-waits for approximately nanos nanoseconds, reading the counter
// role's driver. Grounded on source_old/arch_x86/timers_x86.c's axk_delay:
// the tick count is computed with a 128-bit intermediate (frequency * nanos)
// to avoid overflowing a 64-bit multiply before dividing by 1e9, and counter
// wraparound past GetMaxValue is handled by waiting out the wrap in two
// legs.
func (m *Manager) Delay(nanos uint64) {
	if !m.initialized || nanos == 0 {
		return
	}
	counter := m.counter

	start := counter.GetCounter()
	freq := counter.GetFrequency()
	max := counter.GetMaxValue()

	var ticks uint64
	if hi, lo := bits.Mul64(freq, nanos); hi != 0 {
		ticks, _ = bits.Div64(hi, lo, 1_000_000_000)
	} else {
		ticks = lo / 1_000_000_000
	}

	if max != 0 && ticks > max-start {
		wrapTarget := ticks - (max - start)
		for counter.GetCounter() >= start {
			cpu.Pause()
		}
		for counter.GetCounter() < wrapTarget {
			cpu.Pause()
		}
		return
	}

	target := start + ticks
	for counter.GetCounter() < target {
		cpu.Pause()
	}
}

// BSPSync runs on the BSP once every AP has been released by smp.Start
// (§4.9's TSC synchronization barrier): when the counter role is the TSC it
// gathers every CPU's TSC reading into tscSyncTable, computes the spread
// between the minimum and maximum reading and falls back to the HPET if the
// spread exceeds 0.01% of the average - a clock skew too large to trust.
// When the counter role is not the TSC, BSPSync is a no-op.
func (m *Manager) BSPSync(ncpu uint32) {
	if m.counter.GetID() != IDTSC || ncpu <= 1 {
		m.tscSyncPoint3.Store(1)
		return
	}

	m.tscSyncTable = make([]atomic.Uint64, ncpu)

	for m.tscSyncPoint.Load() < ncpu-1 {
		cpu.Pause()
	}

	m.tscSyncTable[0].Store(cpu.ReadTSC())
	m.tscSyncPoint2.Store(true)

	for m.tscSyncPoint3.Load() < ncpu-1 {
		cpu.Pause()
	}

	var sum, min, max uint64
	min = ^uint64(0)
	for i := range m.tscSyncTable {
		v := m.tscSyncTable[i].Load()
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	avg := sum / uint64(len(m.tscSyncTable))

	var spread uint64
	if max > min {
		spread = max - min
	}
	if avg != 0 && spread*10000 > avg {
		kfmt.Printf("timer: TSC sync spread exceeds 0.01%% of the average reading, falling back to HPET as the counter role\n")
		if m.external != nil && m.external.GetID() == IDHPET {
			m.counter = m.external
		}
	}

	m.tscSyncPoint3.Store(1)
}

// APSync runs on every application processor once its per-CPU
// initialization is done (§4.9), taking part in the same barrier BSPSync
// drives on the BSP.
func (m *Manager) APSync() {
	if m.counter.GetID() != IDTSC {
		return
	}

	idx := int(m.tscSyncPoint.Add(1))

	for !m.tscSyncPoint2.Load() {
		cpu.Pause()
	}

	if idx >= 0 && idx < len(m.tscSyncTable) {
		m.tscSyncTable[idx].Store(cpu.ReadTSC())
	}

	m.tscSyncPoint3.Add(1)
}
