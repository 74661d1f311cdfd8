// Package kernel contains the types shared by every memory-management
// subsystem.
package kernel

// Error describes a kernel error. Errors are declared as package-level
// pointers to Error so that error paths never allocate and callers can
// compare them by identity.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Is reports whether target refers to the same kernel error as e. It allows
// errors.Is to look through wrapped *Error values returned by the simulator.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t == e
}
