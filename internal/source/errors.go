package source

import "fmt"

// TransientError is a transient fetch failure that exhausted its retry
// budget: rate limiting, server overload, gateway errors, or network
// timeouts. The range is safely retryable on the next run.
type TransientError struct {
	StatusCode int
	Attempts   int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient fetch failure after %d attempts (status %d): %v",
			e.Attempts, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient fetch failure after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a non-retryable source rejection: bad request,
// authentication failure, not found. The fetch for the entity aborts
// immediately.
type PermanentError struct {
	StatusCode int
	Body       string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent source error (status %d): %s", e.StatusCode, e.Body)
}

// ParseError is a malformed response body. Not retryable: the same
// page would fail the same way.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse source response: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
