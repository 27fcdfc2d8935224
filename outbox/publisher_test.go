package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/stagerelay/contracts"
	"github.com/glimte/stagerelay/internal/store"
	"github.com/glimte/stagerelay/messaging"
	"github.com/glimte/stagerelay/transports/memory"
)

const topic = "stages"

type fixture struct {
	store *store.Store
	bus   *memory.Bus
	pub   *Publisher
}

func newFixture(t *testing.T, options ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, store.DialectSQLite, filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := memory.New(memory.WithPartitions(1))
	t.Cleanup(func() { bus.Close() })

	bp := messaging.NewPublisher(bus.Producer(), topic, messaging.WithRetryPolicy(nil))
	return &fixture{store: st, bus: bus, pub: NewPublisher(st, bp, options...)}
}

func (f *fixture) enqueue(t *testing.T, runID string, stages ...int) {
	t.Helper()
	for _, stage := range stages {
		require.NoError(t, f.store.EnqueueAdvance(context.Background(), runID, stage, ""))
	}
}

func (f *fixture) pending(t *testing.T) []store.OutboxEntry {
	t.Helper()
	entries, err := f.store.ListOutbox(context.Background(), 100)
	require.NoError(t, err)
	return entries
}

func stagesOf(t *testing.T, msgs []messaging.Message) []int {
	t.Helper()
	var stages []int
	for _, m := range msgs {
		env, err := contracts.Decode(m.Value)
		require.NoError(t, err)
		stage, err := env.StageIndex()
		require.NoError(t, err)
		stages = append(stages, stage)
	}
	return stages
}

func TestPublishBatch_PublishesAndDeletes(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "run-1", 0, 1, 2, 3, 4, 5, 6)

	n, err := f.pub.PublishBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Len(t, f.pending(t), 2)

	msgs := f.bus.Messages(topic)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, stagesOf(t, msgs))
	assert.Equal(t, "run-1", msgs[0].Key)
	assert.NotEmpty(t, msgs[0].Headers[messaging.HeaderMessageID])
	assert.Equal(t, "ADVANCE", msgs[0].Headers[messaging.HeaderMessageType])

	n, err = f.pub.PublishBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, f.pending(t))
}

func TestPublishBatch_StopsAtFirstFailure(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "run-1", 0, 1, 2, 3, 4)

	var calls atomic.Int32
	f.bus.SetPublishHook(func(string, messaging.Message) error {
		if calls.Add(1) == 3 {
			return errors.New("broker unavailable")
		}
		return nil
	})

	n, err := f.pub.PublishBatch(context.Background())
	require.NoError(t, err, "bus failures are not fatal")
	assert.Equal(t, 2, n)

	left := f.pending(t)
	require.Len(t, left, 3)
	assert.Equal(t, []int{2, 3, 4}, []int{left[0].StageIndex, left[1].StageIndex, left[2].StageIndex})
	assert.Equal(t, []int{0, 1}, stagesOf(t, f.bus.Messages(topic)))

	f.bus.SetPublishHook(nil)
	n, err = f.pub.PublishBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Empty(t, f.pending(t))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, stagesOf(t, f.bus.Messages(topic)))
}

func TestPublishBatch_NothingPending(t *testing.T) {
	f := newFixture(t)
	n, err := f.pub.PublishBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.bus.Messages(topic))
}

func TestPublishBatch_CorruptEntryIsPublishedRaw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.InsertOutbox(ctx, &store.OutboxEntry{RunID: "run-9", Payload: []byte("not json")}))

	n, err := f.pub.PublishBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs := f.bus.Messages(topic)
	require.Len(t, msgs, 1)
	assert.Equal(t, "run-9", msgs[0].Key)
	assert.Equal(t, "not json", string(msgs[0].Value))
}

func TestPublishBatch_StoreFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Close())

	_, err := f.pub.PublishBatch(context.Background())
	assert.ErrorIs(t, err, ErrStore)

	err = f.pub.Run(context.Background())
	assert.ErrorIs(t, err, ErrStore)
}

func TestRun_PublishesUntilCancelled(t *testing.T) {
	f := newFixture(t, WithInterval(10*time.Millisecond), WithBatchSize(2))
	f.enqueue(t, "run-1", 0, 1, 2, 3, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pub.Run(ctx) }()

	require.Eventually(t, func() bool {
		entries, err := f.store.ListOutbox(context.Background(), 100)
		return err == nil && len(entries) == 0 && len(f.bus.Messages(topic)) == 5
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("publisher did not stop")
	}
}
