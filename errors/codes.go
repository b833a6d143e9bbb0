package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: a subsystem that has not finished restoring, a timed out wait.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: unknown identifiers, malformed ids, conflicting state.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates exhaustion of a bounded resource.
	// Examples: a saturated agent pool.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or I/O failures.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for the registry, the task manager and the event log.
const (
	// Transient errors
	ErrCodeNotReady ErrorCode = "NOT_READY" // Restore has not completed yet
	ErrCodeTimeout  ErrorCode = "TIMEOUT"   // Operation timed out

	// Permanent errors
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"     // Unknown kind/type, version, agent or run
	ErrCodeConflict     ErrorCode = "CONFLICT"      // Already exists, in use, or wrong state
	ErrCodeDependency   ErrorCode = "DEPENDENCY"    // Unknown or cyclic blocker
	ErrCodeFormat       ErrorCode = "FORMAT"        // Malformed identifier or event record
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT" // Invalid parameters
	ErrCodeExhausted    ErrorCode = "EXHAUSTED"     // Retries used up
	ErrCodeCanceled     ErrorCode = "CANCELED"      // Operation was canceled
	ErrCodeClosed       ErrorCode = "CLOSED"        // Component already closed

	// Resource errors
	ErrCodeCapacity ErrorCode = "CAPACITY" // Pool saturated

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
	ErrCodePanic    ErrorCode = "PANIC"    // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeNotReady, ErrCodeTimeout:
		return CategoryTransient

	case ErrCodeNotFound, ErrCodeConflict, ErrCodeDependency, ErrCodeFormat,
		ErrCodeInvalidInput, ErrCodeExhausted, ErrCodeCanceled, ErrCodeClosed:
		return CategoryPermanent

	case ErrCodeCapacity:
		return CategoryResource

	case ErrCodeInternal, ErrCodePanic:
		return CategoryInternal

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeNotReady:     "not restored yet",
	ErrCodeTimeout:      "operation timed out",
	ErrCodeNotFound:     "resource not found",
	ErrCodeConflict:     "conflicting operation",
	ErrCodeDependency:   "dependency violation",
	ErrCodeFormat:       "malformed data",
	ErrCodeInvalidInput: "invalid input provided",
	ErrCodeExhausted:    "retries exhausted",
	ErrCodeCanceled:     "operation canceled",
	ErrCodeClosed:       "already closed",
	ErrCodeCapacity:     "pool at capacity",
	ErrCodeInternal:     "internal error",
	ErrCodePanic:        "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
