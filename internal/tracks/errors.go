package tracks

import (
	"errors"
	"fmt"
)

var (
	// ErrInput marks an unreadable or malformed input list. Run-fatal.
	ErrInput = errors.New("input error")
	// ErrProviderAuth marks a collaborator that could not be constructed. Run-fatal.
	ErrProviderAuth = errors.New("provider auth error")
	// ErrFetchFailed marks a failed fetch of a single item.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrSizeExceeded marks a candidate declined by the size or duration cap.
	ErrSizeExceeded = fmt.Errorf("%w: size exceeded", ErrFetchFailed)
	// ErrCancelled is the cooperative cancellation signal.
	ErrCancelled = errors.New("cancelled")
	// ErrNoCandidate is returned by search providers with nothing to offer.
	ErrNoCandidate = errors.New("no candidate")
	// ErrNotFound is returned for unknown runs or records.
	ErrNotFound = errors.New("not found")
)

// IsRunFatal reports whether err should fail the whole run.
func IsRunFatal(err error) bool {
	return errors.Is(err, ErrInput) || errors.Is(err, ErrProviderAuth)
}
