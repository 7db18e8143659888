package kernel

// Error describes a recoverable kernel error. Errors are declared as
// package-level pointers next to the code that returns them and callers
// compare them by identity. Returning one never allocates, which matters for
// code that runs while the allocators themselves are being set up.
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
