package errs

// ErrorKind identifies a kind of internal error.
// fully support for errors.Is and errors.As.
type ErrorKind string

const (
	// NotFound is returned when a requested item is not found.
	NotFound = ErrorKind("Not Found")

	// InvalidState is returned when an operation is not legal in the current state
	// of its receiver (closed session, illegal phase transition, ...).
	InvalidState = ErrorKind("Invalid State")

	// InvalidArgument is returned when the caller passes an unusable argument.
	InvalidArgument = ErrorKind("Invalid Argument")

	// Unsupported is returned when a feature or configuration is not supported.
	Unsupported = ErrorKind("Unsupported")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}
