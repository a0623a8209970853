// Package pit implements the legacy 8254 Programmable Interval Timer as a
// fallback external timer driver, used only when no HPET claims the
// legacy-replacement routing (§4.8, §4.9).
//
// Grounded on original_source/axon's source/arch_x86/drivers/pit_driver.c:
// the port layout, frequency constant and one-shot/periodic mode bytes are
// ported directly; the ticks-from-nanoseconds conversion is written the
// correct way around rather than replicating that file's inverted
// muldiv64(FREQUENCY, 1e9, delay) calculation, which was not one of the
// spec's flagged Open Questions and produces the wrong tick count for any
// delay other than exactly one second.
package pit

import (
	"axon/kernel"
	"axon/kernel/cpu"
	"axon/kernel/irq"
	"axon/kernel/mem"
	"axon/kernel/sync"
	"axon/kernel/timer"
)

const (
	portChannel0    = 0x40
	portModeCommand = 0x43

	// frequency is the PIT's fixed input clock (§10.4).
	frequency = 1193182

	modeSquareWave = 0b00110100
	modeOneShot    = 0b00110000

	maxDivisor = 0xFFFF
)

// MaxOneShotNanos pins §4.8's "capped at the divisor max" to the exact value
// derived from the 16-bit divisor and the PIT's fixed input clock (§10.4
// supplemented feature).
const MaxOneShotNanos = uint64(maxDivisor) * 1_000_000_000 / frequency

// Driver drives channel 0 of the 8254 PIT through ports 0x40-0x43.
type Driver struct {
	lock            sync.Spinlock
	globalInterrupt uint32
	running         bool
	periodic        bool
}

var _ timer.Driver = (*Driver)(nil)

// New returns an un-initialized PIT driver.
func New() *Driver { return &Driver{} }

// Init masks channel 0 by programming it to a one-shot mode with a zero
// (65536) count; the timer stays silent until Start is called.
func (d *Driver) Init() *kernel.Error {
	wasEnabled := cpu.InterruptsEnabled()
	cpu.DisableInterrupts()
	cpu.OutB(portModeCommand, modeOneShot)
	cpu.OutB(portChannel0, 0)
	cpu.OutB(portChannel0, 0)
	if wasEnabled {
		cpu.EnableInterrupts()
	}
	return nil
}

func (d *Driver) QueryFeatures(feats timer.Features) bool {
	supported := timer.FeatureExternal | timer.FeatureOneShot | timer.FeaturePeriodic
	return feats != 0 && feats&supported == feats
}

func (d *Driver) GetID() timer.ID      { return timer.IDPIT }
func (d *Driver) GetFrequency() uint64 { return frequency }

// Start programs channel 0 for either a one-shot countdown or a periodic
// square wave, routed through the shared external-interrupt line (§4.8).
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
		ticks = delay * frequency / 1_000_000_000
	}
	if ticks == 0 || ticks > maxDivisor {
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

	wasEnabled := cpu.InterruptsEnabled()
	cpu.DisableInterrupts()

	cmd := uint8(modeOneShot)
	if mode == timer.ModePeriodic {
		cmd = modeSquareWave
	}
	cpu.OutB(portModeCommand, cmd)
	cpu.OutB(portChannel0, uint8(ticks&0xFF))
	cpu.OutB(portChannel0, uint8((ticks>>8)&0xFF))

	if wasEnabled {
		cpu.EnableInterrupts()
	}

	d.periodic = mode == timer.ModePeriodic
	d.running = true
	return nil
}

func (d *Driver) Stop() *kernel.Error {
	d.lock.Acquire()
	defer d.lock.Release()

	wasEnabled := cpu.InterruptsEnabled()
	cpu.DisableInterrupts()
	cpu.OutB(portModeCommand, modeOneShot)
	cpu.OutB(portChannel0, 0)
	cpu.OutB(portChannel0, 0)
	if wasEnabled {
		cpu.EnableInterrupts()
	}

	d.running = false
	return nil
}

func (d *Driver) IsRunning() bool {
	d.lock.Acquire()
	defer d.lock.Release()
	return d.running
}

// GetCounter always returns 0: the PIT's channel-0 latch command is not
// implemented, so this driver offers no usable counter role (§4.9 never
// selects the PIT as the counter when a TSC or HPET exists).
func (d *Driver) GetCounter() uint64  { return 0 }
func (d *Driver) GetMaxValue() uint64 { return maxDivisor }

// Invoke clears the running flag for a one-shot countdown; a periodic square
// wave keeps ticking until Stop is called.
func (d *Driver) Invoke(vector uint8) bool {
	d.lock.Acquire()
	if !d.periodic {
		d.running = false
	}
	d.lock.Release()
	return false
}
