package reliability

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishRaw(ctx context.Context, key string, payload []byte) error {
	args := m.Called(ctx, key, payload)
	return args.Error(0)
}

func TestDeadLetterHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes record keyed by message key", func(t *testing.T) {
		pub := &mockPublisher{}
		var published []byte
		pub.On("PublishRaw", ctx, "run-1", mock.Anything).
			Run(func(args mock.Arguments) { published = args.Get(2).([]byte) }).
			Return(nil)

		h := NewDeadLetterHandler(WithDeadLetterPublisher(pub))
		require.True(t, h.Enabled())

		err := h.Send(ctx, DeadLetter{
			MessageID: "m-1",
			Key:       "run-1",
			Reason:    "max attempts reached",
			Error:     "smtp down",
			Attempts:  5,
			Payload:   json.RawMessage(`{"id":"m-1"}`),
		})
		require.NoError(t, err)
		pub.AssertExpectations(t)

		var dl DeadLetter
		require.NoError(t, json.Unmarshal(published, &dl))
		assert.NotEmpty(t, dl.ID)
		assert.Equal(t, "m-1", dl.MessageID)
		assert.Equal(t, 5, dl.Attempts)
		assert.False(t, dl.FailedAt.IsZero())
		assert.JSONEq(t, `{"id":"m-1"}`, string(dl.Payload))
	})

	t.Run("quotes non JSON payloads", func(t *testing.T) {
		pub := &mockPublisher{}
		var published []byte
		pub.On("PublishRaw", ctx, "k", mock.Anything).
			Run(func(args mock.Arguments) { published = args.Get(2).([]byte) }).
			Return(nil)

		h := NewDeadLetterHandler(WithDeadLetterPublisher(pub))
		require.NoError(t, h.Send(ctx, DeadLetter{MessageID: "m", Key: "k", Payload: []byte("not json")}))

		var dl DeadLetter
		require.NoError(t, json.Unmarshal(published, &dl))
		assert.JSONEq(t, `"not json"`, string(dl.Payload))
	})

	t.Run("wraps publish errors", func(t *testing.T) {
		pub := &mockPublisher{}
		cause := errors.New("broker down")
		pub.On("PublishRaw", ctx, "k", mock.Anything).Return(cause)

		h := NewDeadLetterHandler(WithDeadLetterPublisher(pub))
		err := h.Send(ctx, DeadLetter{MessageID: "m", Key: "k"})

		var dlErr *DeadLetterError
		require.ErrorAs(t, err, &dlErr)
		assert.Equal(t, "m", dlErr.MessageID)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("requires message id", func(t *testing.T) {
		h := NewDeadLetterHandler()
		assert.ErrorIs(t, h.Send(ctx, DeadLetter{Key: "k"}), ErrInvalidDeadLetter)
	})

	t.Run("logs only without publisher", func(t *testing.T) {
		h := NewDeadLetterHandler()
		assert.False(t, h.Enabled())
		assert.NoError(t, h.Send(ctx, DeadLetter{MessageID: "m"}))
	})
}
