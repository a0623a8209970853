package pit

import (
	"testing"

	"axon/kernel/timer"
)

// These tests exercise only the guard clauses that run before Start/Stop
// reach any real port I/O: PIT channel-0 access uses privileged IN/OUT
// instructions with no mock seam, the same reason kernel/irq/apic has no
// direct hardware-path tests either.

func TestStartRejectsZeroDelay(t *testing.T) {
	d := New()
	if err := d.Start(timer.ModeOneShot, 0, true, 0, 0x40); err != timer.ErrInvalidParams {
		t.Errorf("expected ErrInvalidParams, got %v", err)
	}
}

func TestStartRejectsUnsupportedMode(t *testing.T) {
	d := New()
	if err := d.Start(timer.ModeDivisor, 100, true, 0, 0x40); err != timer.ErrInvalidMode {
		t.Errorf("expected ErrInvalidMode, got %v", err)
	}
	if err := d.Start(timer.ModeDeadline, 100, true, 0, 0x40); err != timer.ErrInvalidMode {
		t.Errorf("expected ErrInvalidMode, got %v", err)
	}
}

func TestStartRejectsOverflowingDivisor(t *testing.T) {
	d := New()
	if err := d.Start(timer.ModeOneShot, maxDivisor+1, true, 0, 0x40); err != timer.ErrInvalidParams {
		t.Errorf("expected ErrInvalidParams for a divisor past 0xFFFF, got %v", err)
	}
}

func TestMaxOneShotNanos(t *testing.T) {
	// 65535 ticks at 1193182 Hz is just under 55ms.
	if MaxOneShotNanos < 54_000_000 || MaxOneShotNanos > 55_000_000 {
		t.Errorf("MaxOneShotNanos = %d, expected roughly 54.9ms", MaxOneShotNanos)
	}
}

func TestStaticDescriptors(t *testing.T) {
	d := New()
	if d.GetID() != timer.IDPIT {
		t.Errorf("GetID() = %v, want IDPIT", d.GetID())
	}
	if d.GetFrequency() != frequency {
		t.Errorf("GetFrequency() = %d, want %d", d.GetFrequency(), frequency)
	}
	if d.GetMaxValue() != maxDivisor {
		t.Errorf("GetMaxValue() = %d, want %d", d.GetMaxValue(), maxDivisor)
	}
	if d.GetCounter() != 0 {
		t.Errorf("GetCounter() = %d, want 0 (no channel-0 latch support)", d.GetCounter())
	}
	if !d.QueryFeatures(timer.FeatureOneShot | timer.FeaturePeriodic) {
		t.Errorf("expected PIT to advertise OneShot|Periodic")
	}
	if d.QueryFeatures(timer.FeatureDeadline) {
		t.Errorf("PIT must never advertise FeatureDeadline")
	}
}

func TestInvokeClearsRunning(t *testing.T) {
	d := New()
	d.running = true
	if d.Invoke(0x40) {
		t.Errorf("Invoke must always report false (it never self-EOIs)")
	}
	if d.IsRunning() {
		t.Errorf("expected Invoke to clear the running flag")
	}
}
