// Package kernel contains the types and entrypoints shared by every
// sub-system of the core: the kernel error type, the panic redirector and a
// handful of architecture-agnostic helpers that have no better home.
package kernel

// Error describes a kernel error. All kernel errors are defined as package
// level variables that are pointers to this structure. This requirement
// stems from the fact that the Go allocator is not available to us during
// the early boot stages so we cannot rely on errors.New.
type Error struct {
	// Module is the name of the sub-system that generated the error.
	Module string

	// Message is a short, human readable description of the error.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Fatal classifies the error taxonomy described in the core design: a Fatal
// error indicates corrupted kernel state (a double-init, a torn invariant) and
// must always be routed to Panic instead of being returned up the call stack.
type Fatal struct {
	*Error
}
