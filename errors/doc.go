// Package errors provides the structured error taxonomy shared by the agent
// registry, the task manager and the event log.
//
// # Error Categories
//
//   - Transient: the call may succeed later (NOT_READY, TIMEOUT)
//   - Permanent: retrying the same call will not help (NOT_FOUND, CONFLICT,
//     DEPENDENCY, FORMAT, INVALID_INPUT, EXHAUSTED)
//   - Resource: a bounded resource is saturated (CAPACITY)
//   - Internal: bugs and I/O failures
//
// # Usage
//
//	err := errors.NotFound("agent config operator:coder")
//	if errors.Is(err, errors.ErrCodeNotFound) {
//	    // ...
//	}
//
// Errors serialize to JSON so they can be stored in task run history.
package errors
