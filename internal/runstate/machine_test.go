package runstate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/glimte/stagerelay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.DialectSQLite, filepath.Join(t.TempDir(), "runstate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTransitionTables(t *testing.T) {
	tests := []struct {
		from, to store.StageStatus
		want     bool
	}{
		{store.StagePending, store.StageSuccess, true},
		{store.StagePending, store.StageNextStage, true},
		{store.StagePending, store.StageFailed, true},
		{store.StageNextStage, store.StageDone, true},
		{store.StagePending, store.StageDone, false},
		{store.StageSuccess, store.StagePending, false},
		{store.StageDone, store.StageNextStage, false},
		{store.StageFailed, store.StageSuccess, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransitionStage(tt.from, tt.to))
		})
	}

	assert.True(t, CanTransitionReply(store.ReplyCreated, store.ReplySuccess))
	assert.True(t, CanTransitionReply(store.ReplyPending, store.ReplySuccess))
	assert.False(t, CanTransitionReply(store.ReplySuccess, store.ReplyCreated))
}

func TestCompleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := NewMachine()

	rec, _, err := s.BeginStage(ctx, "run-1", 0, "gmail")
	require.NoError(t, err)

	require.NoError(t, m.Complete(ctx, s.Queries, rec))
	assert.Equal(t, store.StageSuccess, rec.Status)

	stale := *rec
	stale.Status = store.StagePending
	require.NoError(t, m.Complete(ctx, s.Queries, &stale))
	assert.Equal(t, store.StageSuccess, stale.Status)
}

func TestCompleteRejectsInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := NewMachine()

	rec, _, err := s.BeginStage(ctx, "run-1", 0, "gmail")
	require.NoError(t, err)
	require.NoError(t, m.Fail(ctx, s.Queries, rec, "boom"))

	err = m.Complete(ctx, s.Queries, rec)
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, store.StageFailed, terr.From)

	loaded, err := s.GetStageRecordByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "boom", loaded.LastError)
}

func TestCompleteDetectsConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := NewMachine()

	rec, _, err := s.BeginStage(ctx, "run-1", 0, "receive_email")
	require.NoError(t, err)
	_, err = m.Await(ctx, s.Queries, rec, Correlation{Participant: "a@b.c"})
	require.NoError(t, err)

	stale := *rec
	stale.Status = store.StagePending
	err = m.Complete(ctx, s.Queries, &stale)
	assert.ErrorIs(t, err, ErrStageConflict)
}

func TestCheckPredecessor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := NewMachine()

	require.NoError(t, m.CheckPredecessor(ctx, s.Queries, "run-1", 0))

	err := m.CheckPredecessor(ctx, s.Queries, "run-1", 1)
	assert.ErrorIs(t, err, ErrPredecessorIncomplete)

	rec, _, err := s.BeginStage(ctx, "run-1", 0, "gmail")
	require.NoError(t, err)
	assert.ErrorIs(t, m.CheckPredecessor(ctx, s.Queries, "run-1", 1), ErrPredecessorIncomplete)

	require.NoError(t, m.Complete(ctx, s.Queries, rec))
	assert.NoError(t, m.CheckPredecessor(ctx, s.Queries, "run-1", 1))
}

func TestAwaitAndResolve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := NewMachine()

	rec, _, err := s.BeginStage(ctx, "run-1", 1, "receive_email")
	require.NoError(t, err)

	_, err = m.Await(ctx, s.Queries, rec, Correlation{})
	assert.ErrorIs(t, err, ErrMissingCorrelation)

	var ar *store.AwaitedReply
	require.NoError(t, s.WithTx(ctx, func(q *store.Queries) error {
		var err error
		ar, err = m.Await(ctx, q, rec, Correlation{ExternalMessageID: "msg-1", Participant: "a@b.c"})
		return err
	}))
	assert.Equal(t, store.StageNextStage, rec.Status)
	assert.Equal(t, store.ReplyCreated, ar.Status)

	// a second wait on the same record converges
	_, err = m.Await(ctx, s.Queries, rec, Correlation{ExternalMessageID: "msg-1", Participant: "a@b.c"})
	require.NoError(t, err)

	var first, second bool
	require.NoError(t, s.WithTx(ctx, func(q *store.Queries) error {
		var err error
		first, err = m.Resolve(ctx, q, ar, map[string]any{"text": "hello"})
		return err
	}))
	require.NoError(t, s.WithTx(ctx, func(q *store.Queries) error {
		var err error
		second, err = m.Resolve(ctx, q, ar, map[string]any{"text": "again"})
		return err
	}))
	assert.True(t, first)
	assert.False(t, second)

	loaded, err := s.GetStageRecordByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StageDone, loaded.Status)
	assert.Equal(t, "msg-1", loaded.ExternalMessageID)

	captured, err := s.GetCapturedReply(ctx, ar.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", captured.Template["text"])
}

func TestAwaitReturnsExistingReply(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := NewMachine()

	rec, _, err := s.BeginStage(ctx, "run-1", 1, "receive_email")
	require.NoError(t, err)

	first, err := m.Await(ctx, s.Queries, rec, Correlation{Participant: "a@b.c"})
	require.NoError(t, err)
	second, err := m.Await(ctx, s.Queries, rec, Correlation{Participant: "a@b.c"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}
