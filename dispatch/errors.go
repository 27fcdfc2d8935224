package dispatch

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownIntegration    = errors.New("dispatch: unknown integration")
	ErrDuplicateIntegration  = errors.New("dispatch: integration already registered")
	ErrUndeclaredIdempotency = errors.New("dispatch: handler does not declare idempotency")
	ErrRegistrySealed        = errors.New("dispatch: registry is sealed")
	ErrInvalidConfig         = errors.New("dispatch: invalid step config")

	// ErrInvalidRequest marks a handler failure that redelivery cannot fix,
	// such as a missing recipient. The router dead-letters instead of
	// retrying.
	ErrInvalidRequest = errors.New("dispatch: request cannot be executed")
)

// Invalid builds an error that matches ErrInvalidRequest
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// StepError reports a step that failed validation
type StepError struct {
	WorkflowID  string
	Index       int
	Integration string
	Err         error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("workflow %s step %d (%s): %v", e.WorkflowID, e.Index, e.Integration, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
