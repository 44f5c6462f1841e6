package instances

import (
	"go.f110.dev/xerrors"
)

var (
	ErrExtractionFailed = xerrors.New("instances: failed to extract instance info")
	ErrNotYetAvailable  = xerrors.New("instances: instance info is not available yet")
	ErrTimeout          = xerrors.New("instances: timed out waiting for the first update")
	ErrInvalidConfig    = xerrors.New("instances: invalid configuration")
)

// CycleError is returned by a failed update cycle.
type CycleError struct {
	Kind error
	Err  error
}

func (e *CycleError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Err.Error()
}

func (e *CycleError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func extractionFailed(err error) error {
	return xerrors.WithStack(&CycleError{Kind: ErrExtractionFailed, Err: err})
}
