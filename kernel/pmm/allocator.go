package pmm

import (
	"axon/kernel"
	"axon/kernel/boot"
	"axon/kernel/mem"
	"axon/kernel/sync"
	"reflect"
	"unsafe"
)

var (
	errOutOfMemory    = &kernel.Error{Module: "pmm", Message: "out of physical frames"}
	errDoubleInit     = &kernel.Error{Module: "pmm", Message: "allocator already initialized"}
	errUnknownFrame   = &kernel.Error{Module: "pmm", Message: "frame not tracked by the allocator"}
	errNotLocked      = &kernel.Error{Module: "pmm", Message: "frame is not in the Locked state"}
	errWrongOwner     = &kernel.Error{Module: "pmm", Message: "frame is not owned by the calling process"}
	errKernelRequired = &kernel.Error{Module: "pmm", Message: "releasing a kernel-owned frame requires KernelRel"}
)

// AcquireFlags control acquire's search strategy and post-processing.
type AcquireFlags uint8

const (
	// Consecutive requires the returned frames to form a single
	// contiguous run; when absent, acquire falls back to scattered
	// frames if no single run is large enough.
	Consecutive AcquireFlags = 1 << iota
	// PreferHigh searches from the top of RAM downward.
	PreferHigh
	// Clear zero-fills each returned frame through the physical
	// aperture before returning it.
	Clear
)

// ReleaseFlags modify release's ownership checks.
type ReleaseFlags uint8

const (
	// KernelRel is required to release a frame owned by mem.KernelProcess.
	KernelRel ReleaseFlags = 1 << iota
)

// Allocator owns the frame-record array and the lock that serializes all
// mutations to it (§5: "Page-allocator: The whole frame-record array").
type Allocator struct {
	lock sync.Spinlock

	records []record

	totalFrames     uint64
	availableFrames uint64

	apertureBase uintptr
	initialized bool
}

// newRecordsFn builds the live frame-record backing array given its virtual
// base address and element count. The default casts the raw address to a
// Go slice header, the same "resolve a physical location to a Go value
// through a function-variable seam" idiom kernel/vmm's tablePtrFn and
// kernel/heap's tagAtFn use; tests substitute a plain Go-allocated slice so
// they never dereference a raw, unmapped physical address.
var newRecordsFn = func(base uintptr, count uint64) []record {
	hdr := reflect.SliceHeader{Data: base, Len: int(count), Cap: int(count)}
	return *(*[]record)(unsafe.Pointer(&hdr))
}

// Default is the singleton physical page allocator (§9: "singletons with an
// init -> ready lifecycle; double-init is a fatal corruption error").
var Default Allocator

// SetPhysicalAperture installs the virtual base address at which all of
// physical memory is mapped (the kernel aperture built by C4). Until this is
// called the base is 0, so Clear-flagged acquisitions zero-fill frames
// through their physical addresses; vmm.InitKernelMap calls this once its
// huge-page aperture mapping is live.
func (a *Allocator) SetPhysicalAperture(base uintptr) {
	a.apertureBase = base
}

func (a *Allocator) physAddr(f Frame) uintptr {
	return a.apertureBase + f.Address()
}

// Init walks the bootloader's memory map and builds the frame-record array,
// placing it in the first available region large enough to hold it without
// overlapping the statically reserved AP-bootstrap frame (§4.2). kernelBase
// and kernelFrames describe the physical range occupied by the kernel image;
// fbBase/fbFrames describe the framebuffer, if any (0 frames if absent).
func (a *Allocator) Init(payload *boot.Payload, kernelBase uintptr, kernelFrames uint64, fbBase uintptr, fbFrames uint64) *kernel.Error {
	if a.initialized {
		kernel.Panic(errDoubleInit)
	}

	var highestFrame Frame
	boot.VisitMemRegions(payload, func(e *boot.MemoryMapEntry) bool {
		end := Frame((e.Base >> mem.PageShift) + e.Pages)
		if end > highestFrame {
			highestFrame = end
		}
		return true
	})

	a.totalFrames = uint64(highestFrame)
	tableBytes := mem.Size(a.totalFrames * recordSize)
	tableFrames := (uint64(tableBytes) + uint64(mem.PageSize) - 1) >> mem.PageShift

	tableBase, ok := a.findTablePlacement(payload, tableFrames)
	if !ok {
		return errOutOfMemory
	}

	a.records = newRecordsFn(a.apertureBase+tableBase.Address(), a.totalFrames)
	for i := range a.records {
		a.records[i] = record{state: Reserved, typ: Other}
	}

	boot.VisitMemRegions(payload, func(e *boot.MemoryMapEntry) bool {
		st := mapEntryState(e.Type)
		start := Frame(e.Base >> mem.PageShift)
		for i := uint64(0); i < e.Pages; i++ {
			f := start + Frame(i)
			if uint64(f) >= a.totalFrames {
				break
			}
			a.records[f] = record{state: st, typ: Other}
			if st == Available {
				a.availableFrames++
			}
		}
		return true
	})

	a.markReserved(kernelBase, kernelFrames, Image, mem.KernelProcess)
	a.markReserved(tableBase.Address(), tableFrames, Other, mem.InvalidProcess)
	if fbFrames > 0 {
		a.markReserved(fbBase, fbFrames, Other, mem.InvalidProcess)
	}
	if uint64(apBootstrapFrame) < a.totalFrames {
		a.setReserved(apBootstrapFrame)
	}
	a.setReserved(0)

	a.initialized = true
	return nil
}

// findTablePlacement implements the "first sufficiently large available
// region, not overlapping frame 8" search from §4.2, walking memory-map
// entries in order (first-fit, grounded on original_source's
// source/memory/page_allocator.c placement scan — see SPEC_FULL.md §10.4).
func (a *Allocator) findTablePlacement(payload *boot.Payload, neededFrames uint64) (Frame, bool) {
	var (
		found Frame
		ok    bool
	)
	boot.VisitMemRegions(payload, func(e *boot.MemoryMapEntry) bool {
		if e.Type != boot.MemAvailable || e.Pages < neededFrames {
			return true
		}
		start := Frame(e.Base >> mem.PageShift)
		if start <= apBootstrapFrame && apBootstrapFrame < start+Frame(neededFrames) {
			start = apBootstrapFrame + 1
			if uint64(start)+neededFrames > (e.Base>>mem.PageShift)+e.Pages {
				return true
			}
		}
		found, ok = start, true
		return false
	})
	return found, ok
}

func (a *Allocator) markReserved(base uintptr, frames uint64, typ Type, owner mem.ProcessId) {
	start := FrameFromAddress(base)
	for i := uint64(0); i < frames; i++ {
		f := start + Frame(i)
		if uint64(f) >= a.totalFrames {
			return
		}
		if a.records[f].state == Available {
			a.availableFrames--
		}
		a.records[f] = record{state: Reserved, typ: typ}
		a.records[f].setOwner(owner)
	}
}

func (a *Allocator) setReserved(f Frame) {
	if a.records[f].state == Available {
		a.availableFrames--
	}
	a.records[f] = record{state: Reserved, typ: Other}
}

func mapEntryState(t boot.MemRegionType) State {
	switch t {
	case boot.MemAvailable:
		return Available
	case boot.MemACPI:
		return ACPI
	case boot.MemBootloader:
		return Bootloader
	default:
		return Reserved
	}
}

// Acquire reserves count frames for process, returning their ids in
// ascending address order regardless of search direction. The allocator
// never hands out frame 0 (it is permanently Reserved).
func (a *Allocator) Acquire(count int, flags AcquireFlags, process mem.ProcessId, typ Type) ([]Frame, *kernel.Error) {
	a.lock.Acquire()
	defer a.lock.Release()

	if count == 0 {
		return nil, nil
	}

	run, runOK := a.findConsecutive(count, flags&PreferHigh != 0)
	var chosen []Frame
	if runOK {
		chosen = run
	} else if flags&Consecutive != 0 {
		return nil, errOutOfMemory
	} else {
		chosen = append(chosen, run...)
		chosen = append(chosen, a.findScattered(count-len(run), run)...)
		if len(chosen) < count {
			return nil, errOutOfMemory
		}
		for i := 1; i < len(chosen); i++ {
			for j := i; j > 0 && chosen[j] < chosen[j-1]; j-- {
				chosen[j], chosen[j-1] = chosen[j-1], chosen[j]
			}
		}
	}

	for _, f := range chosen {
		a.records[f] = record{state: Locked, typ: typ}
		a.records[f].setOwner(process)
		a.availableFrames--
	}

	if flags&Clear != 0 {
		for _, f := range chosen {
			mem.Memset(a.physAddr(f), 0, uintptr(mem.PageSize))
		}
	}

	return chosen, nil
}

func (a *Allocator) findConsecutive(count int, preferHigh bool) ([]Frame, bool) {
	if preferHigh {
		run := 0
		for f := Frame(a.totalFrames - 1); f >= 1; f-- {
			if a.records[f].state == Available {
				run++
				if run == count {
					out := make([]Frame, count)
					for i := 0; i < count; i++ {
						out[i] = f + Frame(i)
					}
					return out, true
				}
			} else {
				run = 0
			}
		}
		return a.bestRun(preferHigh), false
	}

	run := 0
	for f := Frame(1); uint64(f) < a.totalFrames; f++ {
		if a.records[f].state == Available {
			run++
			if run == count {
				start := f - Frame(count-1)
				out := make([]Frame, count)
				for i := 0; i < count; i++ {
					out[i] = start + Frame(i)
				}
				return out, true
			}
		} else {
			run = 0
		}
	}
	return a.bestRun(preferHigh), false
}

// bestRun returns the single largest consecutive Available run. preferHigh
// scans from the top of RAM down so that, among equal-length runs, the
// highest-address one wins; otherwise the scan is ascending and the
// lowest-address run wins. It is used as the partial contribution when a
// full Consecutive run does not exist and the caller allows scattered
// frames; findScattered is told which frames it already claimed so it never
// hands the same frame out twice.
func (a *Allocator) bestRun(preferHigh bool) []Frame {
	var bestStart, curStart Frame
	var bestLen, curLen int

	if preferHigh {
		for f := Frame(a.totalFrames - 1); f >= 1; f-- {
			if a.records[f].state == Available {
				if curLen == 0 {
					curStart = f
				}
				curLen++
				if curLen > bestLen {
					bestLen, bestStart = curLen, curStart-Frame(curLen-1)
				}
			} else {
				curLen = 0
			}
		}
	} else {
		for f := Frame(1); uint64(f) < a.totalFrames; f++ {
			if a.records[f].state == Available {
				if curLen == 0 {
					curStart = f
				}
				curLen++
				if curLen > bestLen {
					bestLen, bestStart = curLen, curStart
				}
			} else {
				curLen = 0
			}
		}
	}

	out := make([]Frame, bestLen)
	for i := 0; i < bestLen; i++ {
		out[i] = bestStart + Frame(i)
	}
	return out
}

// findScattered collects up to count Available frames not already present
// in exclude (the run bestRun already committed to the caller), so a
// fallback Acquire never returns the same frame twice.
func (a *Allocator) findScattered(count int, exclude []Frame) []Frame {
	excluded := make(map[Frame]struct{}, len(exclude))
	for _, f := range exclude {
		excluded[f] = struct{}{}
	}

	out := make([]Frame, 0, count)
	for f := Frame(1); uint64(f) < a.totalFrames && len(out) < count; f++ {
		if _, skip := excluded[f]; skip {
			continue
		}
		if a.records[f].state == Available {
			out = append(out, f)
		}
	}
	return out
}

// Lock performs an atomic check-then-transition of every frame in frames
// from Available to Locked; it rejects the whole batch if any frame is not
// Available.
func (a *Allocator) Lock(frames []Frame, process mem.ProcessId, typ Type) *kernel.Error {
	a.lock.Acquire()
	defer a.lock.Release()

	for _, f := range frames {
		if uint64(f) >= a.totalFrames || a.records[f].state != Available {
			return errNotLocked
		}
	}
	for _, f := range frames {
		a.records[f] = record{state: Locked, typ: typ}
		a.records[f].setOwner(process)
		a.availableFrames--
	}
	return nil
}

// Release accepts Available (no-op) and Locked frames, validating the whole
// set before mutating any of them.
func (a *Allocator) Release(frames []Frame, flags ReleaseFlags) *kernel.Error {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.releaseLocked(frames, mem.InvalidProcess, false, flags)
}

// ReleaseStrict additionally requires every Locked frame to be owned by
// process.
func (a *Allocator) ReleaseStrict(frames []Frame, process mem.ProcessId, flags ReleaseFlags) *kernel.Error {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.releaseLocked(frames, process, true, flags)
}

func (a *Allocator) releaseLocked(frames []Frame, process mem.ProcessId, strict bool, flags ReleaseFlags) *kernel.Error {
	for _, f := range frames {
		if uint64(f) >= a.totalFrames {
			return errUnknownFrame
		}
		switch a.records[f].state {
		case Available:
			continue
		case Locked:
			owner := a.records[f].ownerID()
			if owner == mem.KernelProcess && flags&KernelRel == 0 {
				return errKernelRequired
			}
			if strict && owner != process {
				return errWrongOwner
			}
		default:
			return errNotLocked
		}
	}

	for _, f := range frames {
		if a.records[f].state == Locked {
			a.records[f] = record{state: Available, typ: Other}
			a.availableFrames++
		}
	}
	return nil
}

// Freeproc releases every Locked frame owned by process. It is fatal
// (corruption) for any frame found to be in a state other than Locked while
// scanning for process's frames, matching §4.2's "panics if any of them has
// state other than Locked" — that invariant is about the frames *owned by
// process*, which by construction can only be Locked or the scan found
// table corruption.
func (a *Allocator) Freeproc(process mem.ProcessId) {
	a.lock.Acquire()
	defer a.lock.Release()

	for f := Frame(1); uint64(f) < a.totalFrames; f++ {
		if a.records[f].ownerID() != process {
			continue
		}
		if a.records[f].state != Locked {
			kernel.Panic(errNotLocked)
		}
		a.records[f] = record{state: Available, typ: Other}
		a.availableFrames++
	}
}

// Reclaim mass-transitions every frame in target (ACPI or Bootloader) to
// Available. Idempotent: frames already Available are left untouched.
func (a *Allocator) Reclaim(target State) {
	a.lock.Acquire()
	defer a.lock.Release()

	for f := Frame(1); uint64(f) < a.totalFrames; f++ {
		if a.records[f].state == target {
			a.records[f] = record{state: Available, typ: Other}
			a.availableFrames++
		}
	}
}

// AvailableFrames returns the current count of frames in the Available
// state.
func (a *Allocator) AvailableFrames() uint64 {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.availableFrames
}
