package sweeper

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/stagerelay/internal/store"
)

func seedStages(t *testing.T, at time.Time) *store.Store {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.DialectSQLite, filepath.Join(t.TempDir(), "sweeper.db"),
		store.WithClock(func() time.Time { return at }))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	wf := &store.Workflow{Name: "sweep", Steps: []store.Step{
		{Index: 0, Integration: "gmail"},
		{Index: 1, Integration: "receive_email"},
	}}
	require.NoError(t, st.CreateWorkflow(ctx, wf))

	stuck := &store.Run{WorkflowID: wf.ID}
	require.NoError(t, st.InsertRun(ctx, stuck))
	_, _, err = st.BeginStage(ctx, stuck.ID, 0, "gmail")
	require.NoError(t, err)

	waiting := &store.Run{WorkflowID: wf.ID}
	require.NoError(t, st.InsertRun(ctx, waiting))
	rec, _, err := st.BeginStage(ctx, waiting.ID, 0, "gmail")
	require.NoError(t, err)
	ok, err := st.TransitionStage(ctx, rec.ID, store.StagePending, store.StageNextStage, "")
	require.NoError(t, err)
	require.True(t, ok)

	return st
}

func TestSweeper_Sweep(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := seedStages(t, base)

	tests := []struct {
		name        string
		elapsed     time.Duration
		options     []Option
		wantPending int
		wantWaiting int
	}{
		{name: "nothing stale yet", elapsed: time.Minute},
		{name: "pending stage stalled", elapsed: 20 * time.Minute, wantPending: 1},
		{name: "reply overdue", elapsed: 73 * time.Hour, wantPending: 1, wantWaiting: 1},
		{name: "waiting check disabled", elapsed: 73 * time.Hour, options: []Option{WithWaitingAfter(0)}, wantPending: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := base.Add(tt.elapsed)
			options := append([]Option{WithClock(func() time.Time { return now })}, tt.options...)

			report, err := New(st, options...).Sweep(context.Background())
			require.NoError(t, err)
			assert.Len(t, report.Pending, tt.wantPending)
			assert.Len(t, report.Waiting, tt.wantWaiting)
			assert.Equal(t, tt.wantPending+tt.wantWaiting, report.Total())
		})
	}
}

type failingLister struct{}

func (failingLister) ListStaleStages(context.Context, []store.StageStatus, time.Time, int) ([]store.StageRecord, error) {
	return nil, errors.New("database is locked")
}

func TestSweeper_SweepError(t *testing.T) {
	_, err := New(failingLister{}).Sweep(context.Background())
	assert.EqualError(t, err, "database is locked")
}

func TestSweeper_Run(t *testing.T) {
	t.Run("rejects invalid schedule", func(t *testing.T) {
		err := New(failingLister{}, WithSchedule("every now and then")).Run(context.Background())
		assert.Error(t, err)
	})

	t.Run("stops when cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- New(failingLister{}, WithSchedule("@every 1h")).Run(ctx) }()
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("sweeper did not stop")
		}
	})
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule("@every 5m"))
	assert.NoError(t, ValidateSchedule("*/10 * * * *"))
	assert.Error(t, ValidateSchedule("61 * * * *"))
}
