package runstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/stagerelay/internal/store"
)

// Correlation ties a waiting stage to the reply that will resolve it
type Correlation struct {
	ExternalMessageID string
	Participant       string
}

// Machine applies stage and reply transitions
type Machine struct {
	logger *slog.Logger
}

// MachineOption configures the Machine
type MachineOption func(*Machine)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) MachineOption {
	return func(m *Machine) {
		m.logger = logger
	}
}

// NewMachine creates a state machine
func NewMachine(options ...MachineOption) *Machine {
	m := &Machine{logger: slog.Default()}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// CheckPredecessor verifies that the stage before index has reached a status
// that allows the run to advance. Stage 0 has no predecessor.
func (m *Machine) CheckPredecessor(ctx context.Context, q *store.Queries, runID string, index int) error {
	if index == 0 {
		return nil
	}
	prev, err := q.GetStageRecord(ctx, runID, index-1)
	if errors.Is(err, store.ErrStageRecordNotFound) {
		return fmt.Errorf("%w: stage %d has no record", ErrPredecessorIncomplete, index-1)
	}
	if err != nil {
		return err
	}
	if !Advanceable(prev.Status) {
		return fmt.Errorf("%w: stage %d is %s", ErrPredecessorIncomplete, index-1, prev.Status)
	}
	return nil
}

// Complete marks a synchronously finished stage SUCCESS
func (m *Machine) Complete(ctx context.Context, q *store.Queries, rec *store.StageRecord) error {
	return m.transition(ctx, q, rec, "", store.StageSuccess, "")
}

// Await moves a stage to NEXTSTAGE and registers the reply it waits for.
// Calling it again for the same record is a no-op.
func (m *Machine) Await(ctx context.Context, q *store.Queries, rec *store.StageRecord, corr Correlation) (*store.AwaitedReply, error) {
	if corr.Participant == "" {
		return nil, ErrMissingCorrelation
	}
	if err := q.SetStageCorrelation(ctx, rec.ID, corr.ExternalMessageID, corr.Participant); err != nil {
		return nil, err
	}
	if err := m.transition(ctx, q, rec, store.StageDone, store.StageNextStage, ""); err != nil {
		return nil, err
	}

	ar := &store.AwaitedReply{
		RunID:             rec.RunID,
		StageIndex:        rec.StageIndex,
		StageRecordID:     rec.ID,
		ExternalMessageID: corr.ExternalMessageID,
		Participant:       corr.Participant,
		Status:            store.ReplyCreated,
	}
	created, err := q.InsertAwaitedReply(ctx, ar)
	if err != nil {
		return nil, err
	}
	if !created {
		return q.GetAwaitedReplyByStageRecord(ctx, rec.ID)
	}

	m.logger.Info("stage waiting for reply",
		"runId", rec.RunID,
		"stage", rec.StageIndex,
		"participant", corr.Participant,
		"externalMessageId", corr.ExternalMessageID,
	)
	return ar, nil
}

// Resolve resolves an awaited reply exactly once: the reply moves to SUCCESS,
// the snapshot is captured and the waiting stage moves NEXTSTAGE -> DONE.
// It returns false without changing anything when the reply was already
// resolved.
func (m *Machine) Resolve(ctx context.Context, q *store.Queries, ar *store.AwaitedReply, template map[string]any) (bool, error) {
	resolved, err := q.ResolveAwaitedReply(ctx, ar.ID)
	if err != nil {
		return false, err
	}
	if !resolved {
		m.logger.Debug("awaited reply already resolved", "awaitedReplyId", ar.ID, "runId", ar.RunID)
		return false, nil
	}

	if _, err := q.InsertCapturedReply(ctx, &store.CapturedReply{
		AwaitedReplyID: ar.ID,
		RunID:          ar.RunID,
		Participant:    ar.Participant,
		Template:       template,
	}); err != nil {
		return false, err
	}

	rec, err := q.GetStageRecordByID(ctx, ar.StageRecordID)
	if err != nil {
		return false, err
	}
	if err := m.transition(ctx, q, rec, "", store.StageDone, ""); err != nil {
		return false, err
	}

	m.logger.Info("awaited reply resolved",
		"awaitedReplyId", ar.ID,
		"runId", ar.RunID,
		"stage", ar.StageIndex,
	)
	return true, nil
}

// Fail marks a non-terminal stage FAILED with a reason
func (m *Machine) Fail(ctx context.Context, q *store.Queries, rec *store.StageRecord, reason string) error {
	return m.transition(ctx, q, rec, "", store.StageFailed, reason)
}

// transition applies rec.Status -> to. When the stored record is already in
// to, or in the optional alreadyPast status, the call is a no-op so
// redelivered messages converge on the same state.
func (m *Machine) transition(ctx context.Context, q *store.Queries, rec *store.StageRecord, alreadyPast, to store.StageStatus, reason string) error {
	if rec.Status == to || (alreadyPast != "" && rec.Status == alreadyPast) {
		return nil
	}
	if !CanTransitionStage(rec.Status, to) {
		return &TransitionError{RecordID: rec.ID, From: rec.Status, To: to}
	}

	ok, err := q.TransitionStage(ctx, rec.ID, rec.Status, to, reason)
	if err != nil {
		return err
	}
	if !ok {
		current, err := q.GetStageRecordByID(ctx, rec.ID)
		if err != nil {
			return err
		}
		if current.Status == to {
			rec.Status = to
			return nil
		}
		return fmt.Errorf("%w: %s is %s, expected %s", ErrStageConflict, rec.ID, current.Status, rec.Status)
	}

	m.logger.Debug("stage transition",
		"runId", rec.RunID,
		"stage", rec.StageIndex,
		"from", rec.Status,
		"to", to,
	)
	rec.Status = to
	rec.LastError = reason
	return nil
}
