package main

import (
	"axon/kernel/boot"
	"axon/kernel/kmain"
)

// payload, kernelStart and kernelEnd are populated by the rt0 assembly stub
// before it jumps into Go: payload points at the bootloader's handoff
// structure (with the x86-64 ACPI extension immediately following it in
// memory) and kernelStart/kernelEnd bound the kernel's own image so the
// frame allocator can mark it reserved.
//
// They are declared as package-level globals, rather than passed as
// arguments from an assembly caller, to prevent the compiler from inlining
// main away: with nothing else in the translation unit referencing them,
// an inlined, argument-less main would look dead to the linker.
var (
	payload     *boot.Payload
	kernelStart uintptr
	kernelEnd   uintptr
)

// main is the only Go symbol visible to the rt0 initialization code. It
// trampolines into the real kernel entrypoint, kmain.Kmain, once rt0 has set
// up the GDT and a minimal g0 able to run Go on the small stack rt0
// allocated.
//
// main is not expected to return. If it does, rt0 halts the CPU.
func main() {
	kmain.Kmain(payload, kernelStart, kernelEnd)
}
