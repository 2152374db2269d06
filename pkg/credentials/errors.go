package credentials

import "fmt"

// RetrievalError indicates a retriever failed to produce a credential
// snapshot. The constructor returns one when the initial fetch fails; after
// that the scheduler absorbs retrieval failures by backing off and retrying,
// so they never surface to readers.
type RetrievalError struct {
	// Source identifies the retriever, e.g. "sts-assume-role". May be empty
	// for retrievers that don't label their errors.
	Source string
	Cause  error
}

func (e *RetrievalError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("retrieving credentials from %s: %v", e.Source, e.Cause)
	}
	return fmt.Sprintf("retrieving credentials: %v", e.Cause)
}

func (e *RetrievalError) Unwrap() error { return e.Cause }

// ShutdownError indicates the retriever failed to release its resources
// during provider teardown. Shutdown returns it and every waiter blocked in
// WaitUntilStopped observes it; it is not retried.
type ShutdownError struct {
	Cause error
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("shutting down credentials retriever: %v", e.Cause)
}

func (e *ShutdownError) Unwrap() error { return e.Cause }
