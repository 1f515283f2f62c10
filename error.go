package offline

import "errors"

// SentinelError is an error.
type SentinelError string

const (
	// ErrNotFound indicates missing store key or cache entry.
	ErrNotFound = SentinelError("not found")

	// ErrCorrupted indicates a persisted value that can not be decoded.
	ErrCorrupted = SentinelError("corrupted entry")

	// ErrOffline indicates an operation that needs connectivity while offline.
	ErrOffline = SentinelError("offline")

	// ErrUnknownResource indicates a resource type that was not registered.
	ErrUnknownResource = SentinelError("unknown resource")

	// ErrUnknownKey indicates a cache key that was never fetched with a build function.
	ErrUnknownKey = SentinelError("unknown cache key")

	// ErrMissingID indicates update or delete payload without record id.
	ErrMissingID = SentinelError("missing record id")

	// ErrNothingToInvalidate indicates no callbacks were added to Invalidator.
	ErrNothingToInvalidate = SentinelError("nothing to invalidate")

	// ErrAlreadyInvalidated indicates recent invalidation.
	ErrAlreadyInvalidated = SentinelError("already invalidated")
)

// Error implements error.
func (e SentinelError) Error() string {
	return string(e)
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string {
	return "permanent: " + e.err.Error()
}

func (e permanentError) Unwrap() error {
	return e.err
}

// Permanent marks backend error as a rejection that will not succeed on retry,
// for example a validation failure.
//
// Reconciler still keeps such items queued, the mark only changes how the failure is reported.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return permanentError{err: err}
}

// IsPermanent reports whether error was marked with Permanent.
func IsPermanent(err error) bool {
	var pe permanentError

	return errors.As(err, &pe)
}
