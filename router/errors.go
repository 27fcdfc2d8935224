package router

import (
	"errors"

	"github.com/glimte/stagerelay/contracts"
	"github.com/glimte/stagerelay/dispatch"
	"github.com/glimte/stagerelay/internal/runstate"
	"github.com/glimte/stagerelay/internal/store"
)

// Outcomes recorded per message
const (
	OutcomeAdvanced     = "advanced"
	OutcomePaused       = "paused"
	OutcomeResumed      = "resumed"
	OutcomeSkipped      = "skipped"
	OutcomeDropped      = "dropped"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeRetry        = "retry"
)

// IsDataIntegrity reports whether err describes a message that can never be
// processed: redelivering it would fail the same way
func IsDataIntegrity(err error) bool {
	return errors.Is(err, contracts.ErrMalformedEnvelope) ||
		errors.Is(err, store.ErrRunNotFound) ||
		errors.Is(err, store.ErrStepNotFound) ||
		errors.Is(err, runstate.ErrPredecessorIncomplete)
}

// IsUnexecutable reports whether the integration refused the stage for good
func IsUnexecutable(err error) bool {
	return errors.Is(err, dispatch.ErrInvalidRequest) || errors.Is(err, runstate.ErrMissingCorrelation)
}

// IsConflict reports whether err came from a concurrent update of the same
// stage record, which an immediate retry resolves
func IsConflict(err error) bool {
	return errors.Is(err, runstate.ErrStageConflict)
}
