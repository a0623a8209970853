// Package lapictimer implements the local (per-CPU) timer driver over the
// LAPIC's own timer registers (§4.8): every CPU gets its own instance,
// wrapping the apic.TimerRegs surface the already-initialized LAPIC driver
// exposes.
//
// Grounded on original_source/axon's
// source/arch_x86/drivers/lapic_timer_driver.c and public/axon/drivers
// header for the LVT-timer bit layout and divide-by-16 configuration; the
// calibration body that file leaves as a literal TODO is written here using
// the same "count down across a known reference interval" technique
// source_old/arch_x86/timers_x86.c's axk_delay uses for counter timing.
package lapictimer

import (
	"axon/kernel"
	"axon/kernel/cpu"
	"axon/kernel/irq/apic"
	"axon/kernel/sync"
	"axon/kernel/timer"
)

const (
	lvtMaskBit      = 1 << 16
	lvtModeShift    = 17
	lvtModeMask     = 0b11 << lvtModeShift
	lvtModeOneShot  = 0b00 << lvtModeShift
	lvtModePeriodic = 0b01 << lvtModeShift
	lvtModeDeadline = 0b10 << lvtModeShift

	// divideBy16 is the LAPIC timer's divide-configuration-register encoding
	// for a /16 prescaler (Intel SDM Table 10-9); chosen so the initial
	// count fits comfortably in the 32-bit counter at any plausible bus
	// clock.
	divideBy16 = 0b0011

	calibrationMillis = 10
)

var errNoCounter = &kernel.Error{Module: "lapictimer", Message: "calibration reference offers no usable counter"}

// Driver drives one CPU's LAPIC timer. Each CPU constructs its own instance
// over the same irq.Driver (which satisfies apic.TimerRegs).
type Driver struct {
	regs apic.TimerRegs
	lock sync.Spinlock

	frequency       uint64
	deadlineCapable bool
	running         bool
}

var _ timer.Driver = (*Driver)(nil)

// New returns an un-initialized LAPIC timer driver bound to regs, the
// already-constructed LAPIC driver for this CPU.
func New(regs apic.TimerRegs) *Driver {
	return &Driver{regs: regs}
}

// Init masks the timer and programs the /16 divider; the frequency is
// filled in by a later Calibrate call.
func (d *Driver) Init() *kernel.Error {
	d.deadlineCapable = cpu.HasTSCDeadline()
	d.regs.WriteDivideConfig(divideBy16)
	d.regs.WriteLVTTimer(lvtMaskBit)
	return nil
}

func (d *Driver) QueryFeatures(feats timer.Features) bool {
	supported := timer.FeatureLocal | timer.FeatureOneShot | timer.FeaturePeriodic
	if d.deadlineCapable {
		supported |= timer.FeatureDeadline
	}
	return feats != 0 && feats&supported == feats
}

func (d *Driver) GetID() timer.ID      { return timer.IDLAPIC }
func (d *Driver) GetFrequency() uint64 { return d.frequency }

// Calibrate measures the LAPIC timer's post-divider tick rate against
// reference, an already-running external or counter timer driver (§4.8).
func (d *Driver) Calibrate(reference timer.Driver) *kernel.Error {
	refFreq := reference.GetFrequency()
	if refFreq == 0 {
		return errNoCounter
	}

	d.regs.WriteDivideConfig(divideBy16)
	d.regs.WriteLVTTimer(lvtMaskBit)
	d.regs.WriteInitialCount(0xFFFFFFFF)

	start := reference.GetCounter()
	max := reference.GetMaxValue()
	target := start + refFreq*calibrationMillis/1000
	if max != 0 && target > max {
		target -= max
		for reference.GetCounter() >= start {
			cpu.Pause()
		}
	}
	for reference.GetCounter() < target {
		cpu.Pause()
	}

	elapsed := uint64(0xFFFFFFFF) - uint64(d.regs.ReadCurrentCount())
	d.frequency = elapsed * 1000 / calibrationMillis

	d.regs.WriteInitialCount(0)
	return nil
}

// Start programs the LVT timer entry and arms the initial-count register
// (§4.8). The LAPIC timer is inherently local to the calling CPU, so cpuID
// is accepted only for interface symmetry with the other drivers and is
// otherwise unused.
func (d *Driver) Start(mode timer.Mode, delay uint64, inTicks bool, cpuID uint32, vector uint8) *kernel.Error {
	if delay == 0 {
		return timer.ErrInvalidParams
	}
	if mode != timer.ModeOneShot && mode != timer.ModePeriodic &&
		!(mode == timer.ModeDeadline && d.deadlineCapable) {
		return timer.ErrInvalidMode
	}

	d.lock.Acquire()
	defer d.lock.Release()
	if d.running {
		return timer.ErrAlreadyRunning
	}

	ticks := delay
	if !inTicks && mode != timer.ModeDeadline {
		if d.frequency == 0 {
			return timer.ErrInvalidParams
		}
		ticks = delay * d.frequency / 1_000_000_000
	}
	if mode != timer.ModeDeadline && (ticks == 0 || ticks > 0xFFFFFFFF) {
		return timer.ErrInvalidParams
	}

	lvt := uint32(vector)
	switch mode {
	case timer.ModePeriodic:
		lvt |= lvtModePeriodic
	case timer.ModeDeadline:
		lvt |= lvtModeDeadline
	default:
		lvt |= lvtModeOneShot
	}

	d.regs.WriteLVTTimer(lvt)
	if mode != timer.ModeDeadline {
		d.regs.WriteInitialCount(uint32(ticks))
	} else {
		cpu.WriteMSR(0x6E0, ticks)
	}

	d.running = true
	return nil
}

func (d *Driver) Stop() *kernel.Error {
	d.lock.Acquire()
	defer d.lock.Release()
	d.regs.WriteLVTTimer(d.regs.ReadLVTTimer() | lvtMaskBit)
	d.regs.WriteInitialCount(0)
	d.running = false
	return nil
}

func (d *Driver) IsRunning() bool {
	d.lock.Acquire()
	defer d.lock.Release()
	return d.running
}

func (d *Driver) GetCounter() uint64  { return uint64(d.regs.ReadCurrentCount()) }
func (d *Driver) GetMaxValue() uint64 { return 0xFFFFFFFF }

// Invoke clears the running flag for a one-shot or TSC-deadline fire;
// periodic mode keeps ticking until Stop is called.
func (d *Driver) Invoke(vector uint8) bool {
	d.lock.Acquire()
	if d.regs.ReadLVTTimer()&lvtModeMask != lvtModePeriodic {
		d.running = false
	}
	d.lock.Release()
	return false
}
