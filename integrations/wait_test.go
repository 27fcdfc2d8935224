package integrations

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/stagerelay/contracts"
	"github.com/glimte/stagerelay/dispatch"
	"github.com/glimte/stagerelay/internal/store"
)

type mockReplyFetcher struct {
	mock.Mock
}

func (m *mockReplyFetcher) FetchReply(ctx context.Context, secret string, reply contracts.Reply) (contracts.Reply, error) {
	args := m.Called(ctx, secret, reply)
	return args.Get(0).(contracts.Reply), args.Error(1)
}

func TestWaitHandler_Invoke(t *testing.T) {
	ctx := context.Background()
	h := NewWaitHandler()

	tests := []struct {
		name    string
		req     *dispatch.Request
		want    dispatch.Result
		wantErr error
	}{
		{
			name: "correlates on the previous send",
			req: &dispatch.Request{
				Run:      &store.Run{ID: "run-1", Meta: map[string]any{"email": "other@example.com"}},
				Previous: &store.StageRecord{ExternalMessageID: "msg-1", Participant: "Jane@Example.com"},
			},
			want: dispatch.Result{CorrelationID: "msg-1", Participant: "jane@example.com"},
		},
		{
			name: "falls back to the run email",
			req: &dispatch.Request{
				Run: &store.Run{ID: "run-1", Meta: map[string]any{"email": "jane@example.com"}},
			},
			want: dispatch.Result{Participant: "jane@example.com"},
		},
		{
			name:    "nothing to correlate on",
			req:     &dispatch.Request{Run: &store.Run{ID: "run-1"}},
			wantErr: dispatch.ErrInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.Invoke(ctx, tt.req)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, res)
		})
	}

	assert.True(t, h.Capabilities().Pauses)
	assert.Equal(t, dispatch.IdempotentNaturally, h.Capabilities().Idempotency)
}

func TestWaitHandler_Enrich(t *testing.T) {
	ctx := context.Background()
	reply := contracts.Reply{From: "jane@example.com", EmailID: "em-1", Subject: "Re: hi"}

	t.Run("without fetcher returns the payload", func(t *testing.T) {
		assert.Equal(t, reply, NewWaitHandler().Enrich(ctx, "s", reply))
	})

	t.Run("uses fetched content", func(t *testing.T) {
		full := reply
		full.Text = "yes"
		f := &mockReplyFetcher{}
		f.On("FetchReply", mock.Anything, "s", reply).Return(full, nil)

		got := NewWaitHandler(WithReplyFetcher(f)).Enrich(ctx, "s", reply)
		assert.Equal(t, "yes", got.Text)
	})

	t.Run("fetch failure keeps the payload", func(t *testing.T) {
		f := &mockReplyFetcher{}
		f.On("FetchReply", mock.Anything, "s", reply).Return(contracts.Reply{}, errors.New("boom"))

		assert.Equal(t, reply, NewWaitHandler(WithReplyFetcher(f)).Enrich(ctx, "s", reply))
	})

	t.Run("skips replies without an email id", func(t *testing.T) {
		f := &mockReplyFetcher{}
		bare := contracts.Reply{From: "jane@example.com"}
		assert.Equal(t, bare, NewWaitHandler(WithReplyFetcher(f)).Enrich(ctx, "s", bare))
		f.AssertNotCalled(t, "FetchReply", mock.Anything, mock.Anything, mock.Anything)
	})
}
