package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/stagerelay/contracts"
	"github.com/glimte/stagerelay/internal/reliability"
)

type mockProducer struct {
	mock.Mock
}

func (m *mockProducer) Publish(ctx context.Context, topic string, msg Message) error {
	args := m.Called(ctx, topic, msg)
	return args.Error(0)
}

func (m *mockProducer) Close() error {
	return m.Called().Error(0)
}

func TestPublisher_PublishEnvelope(t *testing.T) {
	t.Run("keys advance envelopes by run id", func(t *testing.T) {
		producer := &mockProducer{}
		env, err := contracts.NewAdvance(contracts.RunRef{ID: "run-42"}, 1)
		require.NoError(t, err)

		producer.On("Publish", mock.Anything, "stages", mock.MatchedBy(func(msg Message) bool {
			return msg.Key == "run-42" &&
				msg.Headers[HeaderMessageID] == env.ID &&
				msg.Headers[HeaderMessageType] == "ADVANCE" &&
				msg.Headers[HeaderPublishedAt] != ""
		})).Return(nil).Once()

		p := NewPublisher(producer, "stages")
		require.NoError(t, p.PublishEnvelope(context.Background(), env))
		producer.AssertExpectations(t)
	})

	t.Run("rejects nil envelope", func(t *testing.T) {
		p := NewPublisher(&mockProducer{}, "stages")
		assert.Error(t, p.PublishEnvelope(context.Background(), nil))
	})
}

func TestPublisher_PublishRaw(t *testing.T) {
	t.Run("retries transient failures", func(t *testing.T) {
		producer := &mockProducer{}
		producer.On("Publish", mock.Anything, "stages", mock.Anything).Return(errors.New("leader not available")).Once()
		producer.On("Publish", mock.Anything, "stages", mock.Anything).Return(nil).Once()

		p := NewPublisher(producer, "stages",
			WithRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 3)),
		)
		require.NoError(t, p.PublishRaw(context.Background(), "run-1", []byte(`{}`)))
		producer.AssertNumberOfCalls(t, "Publish", 2)
	})

	t.Run("returns error when retries are exhausted", func(t *testing.T) {
		producer := &mockProducer{}
		cause := errors.New("broker down")
		producer.On("Publish", mock.Anything, "stages", mock.Anything).Return(cause)

		p := NewPublisher(producer, "stages",
			WithRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 1)),
		)
		err := p.PublishRaw(context.Background(), "run-1", []byte(`{}`))
		assert.ErrorIs(t, err, cause)
		producer.AssertNumberOfCalls(t, "Publish", 2)
	})

	t.Run("open circuit stops publishing", func(t *testing.T) {
		producer := &mockProducer{}
		producer.On("Publish", mock.Anything, "stages", mock.Anything).Return(errors.New("broker down"))

		cb := reliability.NewCircuitBreaker(reliability.WithFailureThreshold(1), reliability.WithTimeout(time.Hour))
		p := NewPublisher(producer, "stages",
			WithCircuitBreaker(cb),
			WithRetryPolicy(nil),
		)

		assert.Error(t, p.PublishRaw(context.Background(), "k", []byte(`{}`)))
		err := p.PublishRaw(context.Background(), "k", []byte(`{}`))
		assert.ErrorIs(t, err, reliability.ErrCircuitOpen)
		producer.AssertNumberOfCalls(t, "Publish", 1)
	})

	t.Run("honors publish timeout", func(t *testing.T) {
		producer := &mockProducer{}
		producer.On("Publish", mock.Anything, "stages", mock.Anything).
			Run(func(args mock.Arguments) {
				<-args.Get(0).(context.Context).Done()
			}).
			Return(context.DeadlineExceeded)

		p := NewPublisher(producer, "stages",
			WithRetryPolicy(nil),
			WithPublishTimeout(20*time.Millisecond),
		)
		err := p.PublishRaw(context.Background(), "k", []byte(`{}`))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("requires topic", func(t *testing.T) {
		p := NewPublisher(&mockProducer{}, "")
		assert.ErrorIs(t, p.PublishRaw(context.Background(), "k", nil), ErrEmptyTopic)
	})
}
