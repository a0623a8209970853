// Package sync provides the synchronization primitives used throughout the
// core. Every shared mutable structure described by the platform core is
// guarded by a Spinlock: an interrupt-disabling lock that records the
// pre-acquire interrupt-enable state and restores it on release. A CPU that
// holds any core spinlock therefore always has interrupts disabled, so an
// ISR can never deadlock against a lock it would otherwise need.
package sync

import (
	"axon/kernel/cpu"
	"sync/atomic"
)

var (
	// TODO: replace with a real yield function once a scheduler exists.
	yieldFn func()
)

// Spinlock implements an interrupt-disabling lock where each caller trying
// to acquire it busy-waits until the lock becomes available. Acquire
// disables interrupts on the calling CPU and Release restores whatever
// interrupt-enable state was in effect immediately before the matching
// Acquire call; this makes the lock safe to nest with other core locks
// acquired on the same CPU.
//
// Any attempt to re-acquire a lock already held by the current CPU deadlocks
// - the same behavior as a plain busy-wait spinlock.
type Spinlock struct {
	state     uint32
	savedFlag uint32
}

// Acquire disables interrupts and blocks until the lock can be acquired by
// the calling CPU.
func (l *Spinlock) Acquire() {
	wasEnabled := cpu.InterruptsEnabled()
	cpu.DisableInterrupts()

	archAcquireSpinlock(&l.state, 1)

	if wasEnabled {
		atomic.StoreUint32(&l.savedFlag, 1)
	} else {
		atomic.StoreUint32(&l.savedFlag, 0)
	}
}

// TryToAcquire attempts to acquire the lock without blocking. It returns true
// and disables interrupts if the lock was free, or false (leaving the
// interrupt-enable state untouched) if the lock was already held.
func (l *Spinlock) TryToAcquire() bool {
	wasEnabled := cpu.InterruptsEnabled()
	cpu.DisableInterrupts()

	if atomic.SwapUint32(&l.state, 1) != 0 {
		if wasEnabled {
			cpu.EnableInterrupts()
		}
		return false
	}

	if wasEnabled {
		atomic.StoreUint32(&l.savedFlag, 1)
	} else {
		atomic.StoreUint32(&l.savedFlag, 0)
	}
	return true
}

// Release relinquishes a held lock, restoring the interrupt-enable state that
// was in effect before the matching Acquire/TryToAcquire call. Calling
// Release while the lock is free has no effect on lock state but will still
// restore interrupts, so callers must pair every Acquire with exactly one
// Release.
func (l *Spinlock) Release() {
	restore := atomic.LoadUint32(&l.savedFlag) != 0
	atomic.StoreUint32(&l.state, 0)
	if restore {
		cpu.EnableInterrupts()
	}
}

// archAcquireSpinlock is an arch-specific implementation for acquiring the
// lock; it busy-waits on the cache line, optionally yielding after
// attemptsBeforeYielding failed attempts.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32)
