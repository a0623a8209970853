// Package irq implements the interrupt manager (§4.6): a fixed-size vector
// handler table (224 allocatable entries, 0x20-0xFF) plus an auxiliary
// per-global-line external-interrupt ownership table, both guarded by one
// spinlock, with lock-free handler dispatch for the ISR path. The actual
// LAPIC/IOAPIC programming lives behind the Driver interface (C6,
// implemented by kernel/irq/apic) so this package stays driver-neutral.
//
// Grounded on the teacher's handler_amd64.go/interrupt_amd64.go shape
// (exception numbers and register-dump types now live in kernel/gate - see
// DESIGN.md) and original_source/axon's source/system/interrupts.c for the
// acquire/lock/release-handler and external-line bookkeeping this package
// reimplements against the spec's data model.
package irq

import (
	"sync/atomic"

	"axon/kernel"
	"axon/kernel/mem"
	"axon/kernel/sync"
)

// FirstVector and VectorCount describe the allocatable vector range (§3):
// 224 entries covering 0x20-0xFF, after the fixed CPU exception vectors
// kernel/gate installs.
const (
	FirstVector = 0x20
	VectorCount = 0x100 - FirstVector
)

// Fixed vectors (§6): reserved kernel purposes carved out of the
// allocatable range before any caller can acquire them.
const (
	VectorCMCI              = 0x2F
	VectorLAPICError        = 0x30
	VectorLocalTimer        = 0x31
	VectorInterlink         = 0x32
	VectorExternalClockTick = 0x33
)

// Callback is the handler invoked for a vector; it returns true if it
// already issued the EOI itself, false if the manager still owes one.
type Callback func(vector uint8) bool

// DeliveryMode selects the IPI delivery mode written to the APIC command
// register.
type DeliveryMode uint8

const (
	DeliveryNormal DeliveryMode = iota
	DeliveryInit
	DeliveryStartup
	DeliveryNMI
)

// ExternalRouting mirrors §3's ExternalInterruptRouting record.
type ExternalRouting struct {
	GlobalNumber   uint32
	LocalVector    uint8
	TargetCPU      uint32
	ActiveLow      bool
	LevelTriggered bool
	LowPriority    bool
	Masked         bool
}

// Driver is the C6 capability interface a LAPIC/IOAPIC driver variant
// (xAPIC or x2APIC) implements.
type Driver interface {
	Init() *kernel.Error
	AuxInit() *kernel.Error
	SignalEOI()
	SendIPI(targetCPU uint32, vector uint8, mode DeliveryMode, deassert, waitForReceipt bool) *kernel.Error
	SetExternalRouting(globalNumber uint32, routing ExternalRouting) *kernel.Error
	GetExternalRouting(globalNumber uint32) (ExternalRouting, *kernel.Error)
	GetError() uint32
	ClearError()
	GetExtInt(bus, irq uint8) uint32
	RoutableLines() int
}

var (
	errDoubleInit     = &kernel.Error{Module: "irq", Message: "interrupt manager already initialized"}
	errNoFreeVector   = &kernel.Error{Module: "irq", Message: "no free interrupt vector"}
	errVectorTaken    = &kernel.Error{Module: "irq", Message: "requested vector is already owned"}
	errVectorReserved = &kernel.Error{Module: "irq", Message: "vector is reserved for a fixed kernel purpose"}
	errNoFreeLine     = &kernel.Error{Module: "irq", Message: "no free external interrupt line"}
	errLineTaken      = &kernel.Error{Module: "irq", Message: "requested external line is already owned"}
	errLineOutOfRange = &kernel.Error{Module: "irq", Message: "external line out of the driver's routable range"}
)

type handlerSlot struct {
	owner    mem.ProcessId
	reserved bool
	cb       atomic.Pointer[Callback]
}

type extLine struct {
	owner mem.ProcessId
	inUse bool
}

// Manager owns the handler table and external-line ownership table
// described in §4.6 and §5 ("Interrupt manager: Handler table and
// external-line table").
type Manager struct {
	lock sync.Spinlock

	handlers [VectorCount]handlerSlot
	extLines []extLine

	driver      Driver
	initialized bool
}

// Default is the singleton interrupt manager.
var Default Manager

// reservedVectors carves the fixed-purpose vectors (§6) out of the
// allocatable handler table before any caller can acquire them.
var reservedVectors = []uint8{
	VectorCMCI, VectorLAPICError, VectorLocalTimer, VectorInterlink, VectorExternalClockTick,
}

// Init installs driver as the backing C6 implementation and seeds the
// external-line ownership table from its RoutableLines count. The fixed
// vectors are marked reserved (owned by mem.KernelProcess, not acquirable).
func (m *Manager) Init(driver Driver) *kernel.Error {
	if m.initialized {
		kernel.Panic(errDoubleInit)
	}
	m.driver = driver
	m.extLines = make([]extLine, driver.RoutableLines())

	for _, v := range reservedVectors {
		slot := &m.handlers[v-FirstVector]
		slot.owner = mem.KernelProcess
		slot.reserved = true
	}

	m.initialized = true
	return nil
}

// AcquireHandler finds the first free slot in the allocatable range,
// installs callback under process's ownership and returns its vector.
func (m *Manager) AcquireHandler(process mem.ProcessId, callback Callback) (uint8, *kernel.Error) {
	m.lock.Acquire()
	defer m.lock.Release()

	for i := range m.handlers {
		slot := &m.handlers[i]
		if !slot.reserved && !slot.owner.Valid() {
			slot.owner = process
			slot.cb.Store(&callback)
			return uint8(FirstVector + i), nil
		}
	}
	return 0, errNoFreeVector
}

// LockHandler installs callback at a specific vector, failing if that slot
// is reserved or already owned.
func (m *Manager) LockHandler(process mem.ProcessId, callback Callback, vector uint8) *kernel.Error {
	if vector < FirstVector {
		return errVectorReserved
	}
	m.lock.Acquire()
	defer m.lock.Release()

	slot := &m.handlers[vector-FirstVector]
	if slot.reserved {
		return errVectorReserved
	}
	if slot.owner.Valid() {
		return errVectorTaken
	}
	slot.owner = process
	slot.cb.Store(&callback)
	return nil
}

// UpdateHandler replaces the callback installed at vector without changing
// ownership. The store itself is the sequentially-consistent atomic
// publication ISRs rely on (§5, §9): Invoke never takes m.lock.
func (m *Manager) UpdateHandler(vector uint8, callback Callback) *kernel.Error {
	if vector < FirstVector {
		return errVectorReserved
	}
	m.lock.Acquire()
	defer m.lock.Release()

	slot := &m.handlers[vector-FirstVector]
	if slot.reserved || !slot.owner.Valid() {
		return errVectorTaken
	}
	slot.cb.Store(&callback)
	return nil
}

// SetReservedHandler installs callback at one of the fixed-purpose vectors
// Init carved out of the allocatable range (§6): AcquireHandler and
// LockHandler never hand these out, but each still needs exactly one
// kernel-owned callback wired in (the LAPIC timer ISR, the interlink
// dispatch, the external clock tick, the error and CMCI handlers).
func (m *Manager) SetReservedHandler(vector uint8, callback Callback) *kernel.Error {
	if vector < FirstVector {
		return errVectorReserved
	}
	m.lock.Acquire()
	defer m.lock.Release()

	slot := &m.handlers[vector-FirstVector]
	if !slot.reserved {
		return errVectorReserved
	}
	slot.cb.Store(&callback)
	return nil
}

// ReleaseHandler frees vector, clearing both owner and callback.
func (m *Manager) ReleaseHandler(vector uint8) *kernel.Error {
	if vector < FirstVector {
		return errVectorReserved
	}
	m.lock.Acquire()
	defer m.lock.Release()

	slot := &m.handlers[vector-FirstVector]
	if slot.reserved {
		return errVectorReserved
	}
	slot.owner = mem.InvalidProcess
	slot.cb.Store(nil)
	return nil
}

// AcquireExternal finds a free global interrupt line, records process as its
// owner and pushes routing into the driver. A driver refusal is a fatal
// corruption condition (§4.6: "driver invariants force this").
func (m *Manager) AcquireExternal(process mem.ProcessId, routing *ExternalRouting) *kernel.Error {
	return m.acquireExternalIn(process, routing, nil)
}

// AcquireExternalClamped is AcquireExternal restricted to the lines in
// allowed.
func (m *Manager) AcquireExternalClamped(process mem.ProcessId, allowed []uint32, routing *ExternalRouting) *kernel.Error {
	return m.acquireExternalIn(process, routing, allowed)
}

func (m *Manager) acquireExternalIn(process mem.ProcessId, routing *ExternalRouting, allowed []uint32) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	pick := func(line uint32) bool {
		return int(line) < len(m.extLines) && !m.extLines[line].inUse
	}

	var line uint32
	var found bool
	if allowed != nil {
		for _, l := range allowed {
			if pick(l) {
				line, found = l, true
				break
			}
		}
	} else {
		for l := uint32(0); l < uint32(len(m.extLines)); l++ {
			if pick(l) {
				line, found = l, true
				break
			}
		}
	}
	if !found {
		return errNoFreeLine
	}

	routing.GlobalNumber = line
	if err := m.driver.SetExternalRouting(line, *routing); err != nil {
		kernel.Panic(err)
	}
	m.extLines[line] = extLine{owner: process, inUse: true}
	return nil
}

// LockExternal targets a specific global line. overwrite permits replacing
// an already-owned line's routing (the caller becomes the new owner);
// otherwise an owned line is rejected.
func (m *Manager) LockExternal(process mem.ProcessId, routing ExternalRouting, overwrite bool) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	line := routing.GlobalNumber
	if int(line) >= len(m.extLines) {
		return errLineOutOfRange
	}
	if m.extLines[line].inUse && !overwrite {
		return errLineTaken
	}
	if err := m.driver.SetExternalRouting(line, routing); err != nil {
		kernel.Panic(err)
	}
	m.extLines[line] = extLine{owner: process, inUse: true}
	return nil
}

// ReleaseExternal frees a single global line, regardless of owner.
func (m *Manager) ReleaseExternal(line uint32) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()
	if int(line) >= len(m.extLines) {
		return errLineOutOfRange
	}
	m.extLines[line] = extLine{}
	return nil
}

// ReleaseProcessResources frees every handler and every external line owned
// by process (§4.6).
func (m *Manager) ReleaseProcessResources(process mem.ProcessId) {
	m.lock.Acquire()
	defer m.lock.Release()

	for i := range m.handlers {
		slot := &m.handlers[i]
		if !slot.reserved && slot.owner == process {
			slot.owner = mem.InvalidProcess
			slot.cb.Store(nil)
		}
	}
	for i := range m.extLines {
		if m.extLines[i].inUse && m.extLines[i].owner == process {
			m.extLines[i] = extLine{}
		}
	}
}

// Invoke is called from the low-level trap stub for every vector in the
// allocatable range. It reads the callback via an atomic pointer load so it
// never contends with m.lock, then issues EOI itself unless the callback
// reports having already sent one (§4.6, Testable Property 8).
func (m *Manager) Invoke(vector uint8) {
	if vector < FirstVector {
		return
	}
	slot := &m.handlers[vector-FirstVector]
	cb := slot.cb.Load()

	eoiSent := false
	if cb != nil {
		eoiSent = (*cb)(vector)
	}
	if !eoiSent {
		m.driver.SignalEOI()
	}
}

// SendIPI is the manager's façade over the driver's IPI primitive (§4.6:
// "IPI façade").
func (m *Manager) SendIPI(targetCPU uint32, vector uint8, mode DeliveryMode, deassert, waitForReceipt bool) *kernel.Error {
	return m.driver.SendIPI(targetCPU, vector, mode, deassert, waitForReceipt)
}

// GetExternalRouting reads back the routing installed on a line, delegating
// to the driver.
func (m *Manager) GetExternalRouting(line uint32) (ExternalRouting, *kernel.Error) {
	return m.driver.GetExternalRouting(line)
}

// GetExtInt applies MADT source overrides via the driver (§4.5).
func (m *Manager) GetExtInt(bus, irqNum uint8) uint32 {
	return m.driver.GetExtInt(bus, irqNum)
}
