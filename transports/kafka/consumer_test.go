package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/stagerelay/internal/reliability"
	"github.com/glimte/stagerelay/messaging"
)

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
	commitErr error
	closed    bool
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.pending) > 0 {
		m := f.pending[0]
		f.pending = f.pending[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeReader) Committed() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed...)
}

func newTestConsumer(reader messageReader) *Consumer {
	return &Consumer{
		reader:     reader,
		topic:      "stages",
		group:      "router",
		redelivery: reliability.NewFixedDelay(time.Millisecond, -1),
		logger:     slog.Default(),
	}
}

func TestConsumer_CommitsAfterHandler(t *testing.T) {
	reader := &fakeReader{pending: []kafka.Message{
		{Topic: "stages", Partition: 0, Offset: 7, Key: []byte("run-1"), Value: []byte("a"),
			Headers: []kafka.Header{{Key: messaging.HeaderMessageID, Value: []byte("m-1")}}},
		{Topic: "stages", Partition: 0, Offset: 8, Key: []byte("run-1"), Value: []byte("b")},
	}}
	c := newTestConsumer(reader)

	ctx, cancel := context.WithCancel(context.Background())
	var deliveries []*messaging.Delivery
	done := make(chan error, 1)
	go func() {
		done <- c.Consume(ctx, func(_ context.Context, d *messaging.Delivery) error {
			deliveries = append(deliveries, d)
			return nil
		})
	}()

	require.Eventually(t, func() bool { return len(reader.Committed()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{7, 8}, reader.Committed())
	require.Len(t, deliveries, 2)
	assert.Equal(t, "stages/0/7", deliveries[0].ID)
	assert.Equal(t, "run-1", deliveries[0].Key)
	assert.Equal(t, "m-1", deliveries[0].Header(messaging.HeaderMessageID))
}

func TestConsumer_RedeliversInPlace(t *testing.T) {
	reader := &fakeReader{pending: []kafka.Message{
		{Topic: "stages", Offset: 1, Value: []byte("a")},
		{Topic: "stages", Offset: 2, Value: []byte("b")},
	}}
	c := newTestConsumer(reader)

	ctx, cancel := context.WithCancel(context.Background())
	var seen []string
	done := make(chan error, 1)
	go func() {
		done <- c.Consume(ctx, func(_ context.Context, d *messaging.Delivery) error {
			seen = append(seen, string(d.Value))
			if string(d.Value) == "a" && d.Attempt < 3 {
				return errors.New("smtp down")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return len(reader.Committed()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"a", "a", "a", "b"}, seen)
	assert.Equal(t, []int64{1, 2}, reader.Committed())
}

func TestConsumer_ShutdownDuringFailuresDoesNotCommit(t *testing.T) {
	reader := &fakeReader{pending: []kafka.Message{{Topic: "stages", Offset: 1}}}
	c := newTestConsumer(reader)

	ctx, cancel := context.WithCancel(context.Background())
	calls := make(chan struct{}, 100)
	done := make(chan error, 1)
	go func() {
		done <- c.Consume(ctx, func(context.Context, *messaging.Delivery) error {
			calls <- struct{}{}
			return errors.New("still failing")
		})
	}()

	<-calls
	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, reader.Committed())
}

func TestConsumer_CommitFailureIsFatal(t *testing.T) {
	reader := &fakeReader{
		pending:   []kafka.Message{{Topic: "stages", Offset: 1}},
		commitErr: errors.New("coordinator moved"),
	}
	c := newTestConsumer(reader)

	err := c.Consume(context.Background(), func(context.Context, *messaging.Delivery) error { return nil })
	assert.ErrorContains(t, err, "coordinator moved")
}

func TestToKafkaMessage(t *testing.T) {
	km := toKafkaMessage("stages", messaging.Message{
		Key:     "run-1",
		Value:   []byte(`{}`),
		Headers: map[string]string{messaging.HeaderMessageType: "ADVANCE"},
	})
	assert.Equal(t, "stages", km.Topic)
	assert.Equal(t, []byte("run-1"), km.Key)
	require.Len(t, km.Headers, 1)
	assert.Equal(t, "ADVANCE", string(km.Headers[0].Value))

	assert.Nil(t, toKafkaMessage("stages", messaging.Message{}).Key)
}

func TestNew(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	tr, err := New(Config{Brokers: []string{"localhost:9092"}})
	require.NoError(t, err)
	assert.Equal(t, "kafka", tr.Name())

	_, err = tr.Consumer("", "router")
	assert.ErrorIs(t, err, messaging.ErrEmptyTopic)

	cfg := readerConfig(tr.cfg, "stages", "router")
	assert.Equal(t, "router", cfg.GroupID)
	assert.Equal(t, kafka.FirstOffset, cfg.StartOffset)
	assert.Zero(t, cfg.CommitInterval)
}
