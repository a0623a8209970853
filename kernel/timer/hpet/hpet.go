// Package hpet implements the HPET timer driver (§4.8): a single comparator
// is claimed for one-shot and periodic external ticks, and the main counter
// doubles as the free-running counter role when the invariant TSC is not
// available.
//
// Grounded on original_source/axon's public/axon/drivers/hpet_driver.h for
// the register layout constants and source/arch_x86/drivers/hpet_driver.c
// for the struct shape; that C driver never grew past a near-stub
// (init/query_features do almost nothing), so the comparator programming
// below follows the ACPI/HPET hardware specification directly rather than a
// complete original implementation - noted in DESIGN.md.
package hpet

import (
	"unsafe"

	"axon/kernel"
	"axon/kernel/acpi/table"
	"axon/kernel/irq"
	"axon/kernel/mem"
	"axon/kernel/sync"
	"axon/kernel/timer"
	"axon/kernel/vmm"
)

// Register offsets, relative to the HPET's MMIO base.
const (
	regCapabilities = 0x000
	regConfig       = 0x010
	regMainCounter  = 0x0F0

	timerBlockBase = 0x100
	timerStride    = 0x20
	timerConfigOff = 0x00
	timerCompareOff = 0x08
)

const (
	capPeriodShift = 32

	cfgEnable            = 1 << 0
	cfgLegacyReplacement = 1 << 1

	tcfgIntTypeLevel  = 1 << 1
	tcfgIntEnable     = 1 << 2
	tcfgPeriodic      = 1 << 3
	tcfgPeriodicCap   = 1 << 4
	tcfgSetVal        = 1 << 6
	tcfgFSBEnable     = 1 << 14
	tcfgIntRouteShift = 9
)

// femtosecondsPerNano converts the capabilities register's femtosecond tick
// period into ticks-per-nanosecond arithmetic.
const femtosecondsPerNano = 1_000_000

var (
	errNoDescriptor = &kernel.Error{Module: "hpet", Message: "no HPET descriptor available"}
	errMapFailed    = &kernel.Error{Module: "hpet", Message: "failed to map the HPET MMIO window"}
	errNoComparator = &kernel.Error{Module: "hpet", Message: "HPET exposes no usable comparator"}
)

// Driver drives one HPET block's main counter and a single claimed
// comparator (comparator 0).
type Driver struct {
	desc *table.HPETDescriptor

	virt   uintptr
	lock   sync.Spinlock
	period uint64 // femtoseconds per main-counter tick

	globalInterrupt uint32
	running         bool
}

var _ timer.Driver = (*Driver)(nil)

// New returns an un-initialized HPET driver for the platform's sole HPET
// descriptor. desc must be non-nil; callers should skip constructing this
// driver entirely when the platform has none (§4.1).
func New(desc *table.HPETDescriptor) *Driver {
	return &Driver{desc: desc}
}

func (d *Driver) readReg(off uint32) uint64 {
	return *(*uint64)(unsafe.Pointer(d.virt + uintptr(off)))
}

func (d *Driver) writeReg(off uint32, v uint64) {
	*(*uint64)(unsafe.Pointer(d.virt + uintptr(off))) = v
}

func (d *Driver) timerReg(off uint32) uint32 {
	return timerBlockBase + 0*timerStride + off
}

// Init maps the HPET's one-page MMIO window (§10.4's supplemented detail:
// one page, matching every other MMIO window this core reserves), disables
// the whole block, zeroes the main counter, masks comparator 0 and
// re-enables counting.
func (d *Driver) Init() *kernel.Error {
	if d.desc == nil {
		return errNoDescriptor
	}
	if d.desc.ComparatorCount() < 1 {
		return errNoComparator
	}

	virt, err := vmm.ReserveSharedMMIO(uintptr(d.desc.Address.Address), 1)
	if err != nil {
		return errMapFailed
	}
	d.virt = virt

	cap := d.readReg(regCapabilities)
	d.period = cap >> capPeriodShift

	d.writeReg(regConfig, 0)
	d.writeReg(regMainCounter, 0)
	d.writeReg(d.timerReg(timerConfigOff), 0)

	cfg := uint64(cfgEnable)
	if d.desc.LegacyReplacement() {
		cfg |= cfgLegacyReplacement
	}
	d.writeReg(regConfig, cfg)
	return nil
}

func (d *Driver) QueryFeatures(feats timer.Features) bool {
	supported := timer.FeatureExternal | timer.FeatureCounter | timer.FeatureOneShot | timer.FeaturePeriodic
	if d.desc.CounterWidth() == 64 {
		supported |= timer.FeatureInvariant
	}
	return feats != 0 && feats&supported == feats
}

func (d *Driver) GetID() timer.ID { return timer.IDHPET }

// GetFrequency returns the main counter's tick rate in Hz, derived from the
// capabilities register's femtosecond period.
func (d *Driver) GetFrequency() uint64 {
	if d.period == 0 {
		return 0
	}
	return 1_000_000_000_000_000 / d.period
}

// Start programs comparator 0 for a one-shot or periodic external tick
// (§4.8). The interrupt is routed through the shared external-interrupt
// table (kernel/irq) exactly like the PIT driver's IOAPIC line.
func (d *Driver) Start(mode timer.Mode, delay uint64, inTicks bool, cpuID uint32, vector uint8) *kernel.Error {
	if delay == 0 {
		return timer.ErrInvalidParams
	}
	if mode != timer.ModeOneShot && mode != timer.ModePeriodic {
		return timer.ErrInvalidMode
	}

	d.lock.Acquire()
	defer d.lock.Release()
	if d.running {
		return timer.ErrAlreadyRunning
	}

	ticks := delay
	if !inTicks {
		ticks = d.nanosToTicks(delay)
	}
	if ticks == 0 {
		return timer.ErrInvalidParams
	}

	if d.globalInterrupt == 0 {
		d.globalInterrupt = irq.Default.GetExtInt(0, 0)
	}
	if err := irq.Default.LockExternal(mem.KernelProcess, irq.ExternalRouting{
		GlobalNumber: d.globalInterrupt,
		LocalVector:  vector,
		TargetCPU:    cpuID,
	}, true); err != nil {
		return err
	}

	now := d.readReg(regMainCounter)
	cfg := uint64(tcfgIntEnable) | (uint64(vector) << tcfgIntRouteShift)
	if mode == timer.ModePeriodic {
		cfg |= tcfgPeriodic | tcfgSetVal
	}

	d.writeReg(d.timerReg(timerConfigOff), cfg)
	d.writeReg(d.timerReg(timerCompareOff), now+ticks)
	if mode == timer.ModePeriodic {
		// HPET's periodic-mode protocol requires writing the period value a
		// second time immediately after the initial comparator value.
		d.writeReg(d.timerReg(timerCompareOff), ticks)
	}

	d.running = true
	return nil
}

func (d *Driver) Stop() *kernel.Error {
	d.lock.Acquire()
	defer d.lock.Release()
	d.writeReg(d.timerReg(timerConfigOff), 0)
	d.running = false
	return nil
}

func (d *Driver) IsRunning() bool {
	d.lock.Acquire()
	defer d.lock.Release()
	return d.running
}

func (d *Driver) GetCounter() uint64 { return d.readReg(regMainCounter) }

func (d *Driver) GetMaxValue() uint64 {
	if d.desc.CounterWidth() == 64 {
		return ^uint64(0)
	}
	return 0xFFFFFFFF
}

// Invoke clears the one-shot running flag; periodic comparators stay armed.
func (d *Driver) Invoke(vector uint8) bool {
	d.lock.Acquire()
	cfg := d.readReg(d.timerReg(timerConfigOff))
	if cfg&tcfgPeriodic == 0 {
		d.running = false
	}
	d.lock.Release()
	return false
}

func (d *Driver) nanosToTicks(nanos uint64) uint64 {
	if d.period == 0 {
		return 0
	}
	return nanos * femtosecondsPerNano / d.period
}
