package runstate

import (
	"errors"
	"fmt"

	"github.com/glimte/stagerelay/internal/store"
)

var (
	// ErrStageConflict is returned when a record changed status under us
	ErrStageConflict = errors.New("runstate: stage record changed concurrently")

	// ErrPredecessorIncomplete is returned when the previous stage of a run
	// has not completed, so the requested stage must not run yet
	ErrPredecessorIncomplete = errors.New("runstate: previous stage has not completed")

	// ErrMissingCorrelation is returned when a wait is requested without
	// anything to correlate the reply with
	ErrMissingCorrelation = errors.New("runstate: wait requires a participant")
)

// TransitionError reports a transition the state machine does not allow
type TransitionError struct {
	RecordID string
	From     store.StageStatus
	To       store.StageStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("runstate: invalid transition %s -> %s for stage record %s", e.From, e.To, e.RecordID)
}
