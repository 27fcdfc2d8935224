package store

import (
	"context"
	"testing"

	"github.com/glimte/stagerelay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore(t *testing.T) {
	dsn := testutil.PostgresDSN(t)
	ctx := context.Background()

	s, err := Open(ctx, DialectPostgres, dsn)
	require.NoError(t, err)
	defer s.Close()

	wf := &Workflow{Name: "pg", Steps: []Step{
		{Index: 0, Integration: "gmail"},
		{Index: 1, Integration: "telegram"},
	}}
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	run := &Run{WorkflowID: wf.ID, Meta: map[string]any{"email": "a@b.c"}}
	require.NoError(t, s.StartRun(ctx, run))

	rec, created, err := s.BeginStage(ctx, run.ID, 0, "gmail")
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, s.SetStageCorrelation(ctx, rec.ID, "msg-1", "a@b.c"))

	ok, err := s.TransitionStage(ctx, rec.ID, StagePending, StageSuccess, "")
	require.NoError(t, err)
	assert.True(t, ok)

	ar := &AwaitedReply{RunID: run.ID, StageIndex: 1, StageRecordID: rec.ID, ExternalMessageID: "msg-1", Participant: "a@b.c"}
	_, err = s.InsertAwaitedReply(ctx, ar)
	require.NoError(t, err)

	found, err := s.FindAwaitedReply(ctx, "a@b.c", "msg-1")
	require.NoError(t, err)
	assert.Equal(t, ar.ID, found.ID)

	// rows locked by the first transaction are skipped by the second
	err = s.WithTx(ctx, func(q *Queries) error {
		locked, err := q.ListOutbox(ctx, 5)
		require.NoError(t, err)
		require.NotEmpty(t, locked)

		return s.WithTx(ctx, func(q2 *Queries) error {
			others, err := q2.ListOutbox(ctx, 5)
			require.NoError(t, err)
			for _, e := range others {
				assert.NotEqual(t, locked[0].ID, e.ID)
			}
			return nil
		})
	})
	require.NoError(t, err)
}
