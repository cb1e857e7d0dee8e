package downstream

import (
	"fmt"
)

// TransientError marks a downstream failure worth retrying: HTTP 5xx,
// transport errors, and timeouts. The client performs no retries itself;
// the engine's activity retry policy owns that.
type TransientError struct {
	// Operation is the client method that failed, e.g. "create_company_role".
	Operation string

	// Status is the HTTP status code, 0 for transport-level failures.
	Status int

	Message string

	// Cause is the underlying transport error, when there is one.
	Cause error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("downstream %s: transient: status %d: %s", e.Operation, e.Status, e.Message)
	}
	return fmt.Sprintf("downstream %s: transient: %s", e.Operation, e.Message)
}

// Unwrap exposes the transport cause for errors.Is/As chains.
func (e *TransientError) Unwrap() error { return e.Cause }

// PermanentError marks a downstream failure that retrying cannot fix:
// HTTP 4xx responses, including auth rejections. Activity retry policies
// list this type as non-retryable.
type PermanentError struct {
	// Operation is the client method that failed.
	Operation string

	// Status is the HTTP status code.
	Status int

	Message string

	// AuthFailure is set for 401 and 403 responses so callers can
	// distinguish credential problems from input problems.
	AuthFailure bool
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	if e.AuthFailure {
		return fmt.Sprintf("downstream %s: auth rejected: status %d: %s", e.Operation, e.Status, e.Message)
	}
	return fmt.Sprintf("downstream %s: permanent: status %d: %s", e.Operation, e.Status, e.Message)
}
