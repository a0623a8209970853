// Package tsc implements the invariant-TSC counter-only timer driver
// (§4.8): it never starts a countdown, it only offers a free-running
// counter whose frequency is calibrated once at boot.
//
// Grounded on original_source/axon's source/arch_x86/timers_x86.c (the
// CPUID 0x80000007 invariant-TSC gate, already ported to
// kernel/cpu.HasInvariantTSC) and source/arch_x86/topology.c's CPUID leaf
// 0x15 frequency lookup (kernel/cpu.TSCFrequencyFromCPUID); the
// cross-check-against-an-observed-interval step follows
// source_old/arch_x86/timers_x86.c's calibration fallback.
package tsc

import (
	"axon/kernel"
	"axon/kernel/cpu"
	"axon/kernel/kfmt"
	"axon/kernel/timer"
)

// Driver is a counter-only wrapper around the CPU's time-stamp counter.
type Driver struct {
	frequency uint64
}

var _ timer.Driver = (*Driver)(nil)

// New returns an un-initialized TSC driver. Callers should only construct
// this when cpu.HasInvariantTSC reports true (§4.9: a non-invariant TSC
// cannot serve as a system-wide counter).
func New() *Driver { return &Driver{} }

func (d *Driver) Init() *kernel.Error { return nil }

func (d *Driver) QueryFeatures(feats timer.Features) bool {
	supported := timer.FeatureCounter | timer.FeatureInvariant
	return feats != 0 && feats&supported == feats
}

func (d *Driver) GetID() timer.ID      { return timer.IDTSC }
func (d *Driver) GetFrequency() uint64 { return d.frequency }

// Calibrate reads CPUID leaf 0x15 for a declared frequency and cross-checks
// it against an observed interval measured through reference (an
// already-running HPET or PIT); if the two disagree by more than 1% the
// observed value wins (§4.8).
func (d *Driver) Calibrate(reference timer.Driver) *kernel.Error {
	cpuidHz, ok := cpu.TSCFrequencyFromCPUID()
	observedHz := measure(reference)

	switch {
	case ok && observedHz != 0:
		diff := cpuidHz - observedHz
		if observedHz > cpuidHz {
			diff = observedHz - cpuidHz
		}
		base := cpuidHz
		if base == 0 {
			base = 1
		}
		if diff*100 > base {
			kfmt.Printf("tsc: CPUID-declared frequency disagrees with the observed reference interval by more than 1%%, using the observed value\n")
			d.frequency = observedHz
		} else {
			d.frequency = cpuidHz
		}
	case observedHz != 0:
		d.frequency = observedHz
	default:
		d.frequency = cpuidHz
	}
	return nil
}

func measure(reference timer.Driver) uint64 {
	const calibrationMillis = 10

	if reference == nil {
		return 0
	}
	refFreq := reference.GetFrequency()
	if refFreq == 0 {
		return 0
	}

	start := reference.GetCounter()
	target := start + refFreq*calibrationMillis/1000
	tscStart := cpu.ReadTSC()
	for reference.GetCounter() < target {
		cpu.Pause()
	}
	tscEnd := cpu.ReadTSC()

	return (tscEnd - tscStart) * 1000 / calibrationMillis
}

// Start always fails: a counter-only driver supports no start mode (§4.8's
// "CounterOnly" classification, mapped onto the fixed §3 error taxonomy -
// see DESIGN.md).
func (d *Driver) Start(mode timer.Mode, delay uint64, inTicks bool, cpuID uint32, vector uint8) *kernel.Error {
	return timer.ErrInvalidMode
}

func (d *Driver) Stop() *kernel.Error   { return nil }
func (d *Driver) IsRunning() bool       { return false }
func (d *Driver) GetCounter() uint64    { return cpu.ReadTSC() }
func (d *Driver) GetMaxValue() uint64   { return ^uint64(0) }
func (d *Driver) Invoke(vector uint8) bool { return false }
