package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/stagerelay/contracts"
	"github.com/glimte/stagerelay/internal/reliability"
)

// Publisher publishes stage envelopes and raw payloads to a single topic
type Publisher struct {
	producer       Producer
	topic          string
	circuitBreaker *reliability.CircuitBreaker
	retryPolicy    reliability.RetryPolicy
	timeout        time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the Publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithCircuitBreaker sets the circuit breaker
func WithCircuitBreaker(cb *reliability.CircuitBreaker) PublisherOption {
	return func(p *Publisher) {
		p.circuitBreaker = cb
	}
}

// WithRetryPolicy sets the retry policy
func WithRetryPolicy(policy reliability.RetryPolicy) PublisherOption {
	return func(p *Publisher) {
		p.retryPolicy = policy
	}
}

// WithPublishTimeout bounds a whole publish call, retries included
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.timeout = timeout
	}
}

// NewPublisher creates a publisher for topic
func NewPublisher(producer Producer, topic string, options ...PublisherOption) *Publisher {
	p := &Publisher{
		producer:    producer,
		topic:       topic,
		retryPolicy: reliability.NewExponentialBackoff(200*time.Millisecond, 2*time.Second, 2.0, 2),
		timeout:     10 * time.Second,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Topic returns the topic the publisher writes to
func (p *Publisher) Topic() string {
	return p.topic
}

// PublishEnvelope serializes env and publishes it under its partition key
func (p *Publisher) PublishEnvelope(ctx context.Context, env *contracts.Envelope) error {
	if env == nil {
		return fmt.Errorf("envelope cannot be nil")
	}
	body, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("failed to serialize envelope: %w", err)
	}
	return p.publish(ctx, Message{
		Key:   env.PartitionKey(),
		Value: body,
		Headers: map[string]string{
			HeaderMessageID:   env.ID,
			HeaderMessageType: string(env.Type),
		},
	})
}

// PublishRaw publishes an already serialized payload
func (p *Publisher) PublishRaw(ctx context.Context, key string, payload []byte) error {
	return p.publish(ctx, Message{Key: key, Value: payload})
}

func (p *Publisher) publish(ctx context.Context, msg Message) error {
	if p.topic == "" {
		return ErrEmptyTopic
	}
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	msg.Headers[HeaderPublishedAt] = time.Now().UTC().Format(time.RFC3339Nano)

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	publishFunc := func() error {
		return p.producer.Publish(ctx, p.topic, msg)
	}

	if p.circuitBreaker != nil {
		publishFunc = func() error {
			return p.circuitBreaker.Execute(ctx, func() error {
				return p.producer.Publish(ctx, p.topic, msg)
			})
		}
	}

	var err error
	if p.retryPolicy != nil {
		err = reliability.Retry(ctx, p.retryPolicy, publishFunc)
	} else {
		err = publishFunc()
	}
	if err != nil {
		p.logger.Error("failed to publish message",
			"topic", p.topic,
			"key", msg.Key,
			"messageId", msg.Headers[HeaderMessageID],
			"error", err,
		)
		return fmt.Errorf("failed to publish to %s: %w", p.topic, err)
	}

	p.logger.Debug("message published",
		"topic", p.topic,
		"key", msg.Key,
		"messageId", msg.Headers[HeaderMessageID],
	)
	return nil
}

var _ reliability.MessagePublisher = (*Publisher)(nil)
