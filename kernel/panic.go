package kernel

import (
	"axon/kernel/cpu"
	"axon/kernel/kfmt"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	// stopOthersFn requests that every other CPU halt. It is installed by
	// the smp package once APs have been brought up; before that point it
	// is a no-op since there is nothing else running.
	stopOthersFn = func() {}

	// selfIDFn reports the calling CPU's OS-assigned id for the panic
	// banner's [cpu N] tag. The smp package installs the real
	// implementation once Start has assigned per-CPU blocks; before that
	// only the BSP (id 0) can be running.
	selfIDFn = func() uint32 { return 0 }

	errRuntimePanic = &Error{Module: "rt", Message: "unknown cause"}
)

// SetStopOthersFn installs the callback that Panic uses to stop every other
// CPU before halting. The smp package calls this once APs are running.
func SetStopOthersFn(fn func()) {
	stopOthersFn = fn
}

// SetSelfIDFn installs the callback Panic uses to tag its banner with the
// panicking CPU's id. The smp package calls this once Start has assigned
// per-CPU blocks.
func SetSelfIDFn(fn func() uint32) {
	selfIDFn = fn
}

// Panic prints the supplied error (if any) together with a formatted panic
// banner and halts the calling CPU. Calls to Panic never return.
//
// Panic corresponds to policy point 2 in the error handling design: all
// corruption-class errors (HeapTagCorrupt, UnexpectedFrameState, DoubleInit)
// are routed here rather than returned, and Panic itself is the only place
// that stops the other CPUs and emits the panic banner.
func Panic(e interface{}) {
	var err *Error

	switch t := e.(type) {
	case *Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	case nil:
		err = nil
	}

	stopOthersFn()

	cpuID := selfIDFn()
	kfmt.CPUPrintf(cpuID, "\n-----------------------------------\n")
	if err != nil {
		kfmt.CPUPrintf(cpuID, "[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	kfmt.CPUPrintf(cpuID, "*** kernel panic: system halted ***")
	kfmt.CPUPrintf(cpuID, "\n-----------------------------------\n")

	cpuHaltFn()
}
