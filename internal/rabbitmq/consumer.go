package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes one delivery; a nil return acks it
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer consumes a queue with manual acknowledgment
type Consumer struct {
	pool            *ChannelPool
	prefetchCount   int
	consumerTag     string
	handlerTimeout  time.Duration
	redeliveryDelay time.Duration
	logger          *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithHandlerTimeout bounds a single handler call
func WithHandlerTimeout(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = d
	}
}

// WithRedeliveryDelay sets the pause before a failed delivery is requeued
func WithRedeliveryDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.redeliveryDelay = d
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:            pool,
		prefetchCount:   1,
		redeliveryDelay: time.Second,
		logger:          slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Consume blocks delivering messages from queue to handler until ctx is
// cancelled. Successful deliveries are acked; failed ones are nacked with
// requeue after the redelivery delay.
func (c *Consumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	ch, err := c.pool.Get(ctx)
	if err != nil {
		return &ConsumerError{Queue: queue, ConsumerTag: c.consumerTag, Op: "consume", Err: err, Timestamp: time.Now()}
	}
	// consumer channels carry a QoS setting and a consumer; never pool them
	defer func() {
		ch.Close()
		c.pool.Put(ch)
	}()

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		return &ConsumerError{Queue: queue, ConsumerTag: c.consumerTag, Op: "qos", Err: err, Timestamp: time.Now()}
	}

	tag := c.consumerTag
	if tag == "" {
		tag = ch.ID()
	}
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	c.logger.Info("consuming queue", "queue", queue, "consumerTag", tag, "prefetchCount", c.prefetchCount)

	for {
		select {
		case <-ctx.Done():
			if err := ch.Cancel(tag, false); err != nil {
				c.logger.Warn("failed to cancel consumer", "queue", queue, "error", err)
			}
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "receive", Err: ErrDeliveriesClosed, Timestamp: time.Now()}
			}
			c.handle(ctx, queue, delivery, handler)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, queue string, delivery amqp.Delivery, handler MessageHandler) {
	hctx := context.WithoutCancel(ctx)
	if c.handlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, c.handlerTimeout)
		defer cancel()
	}

	err := handler(hctx, delivery)
	if err == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", "queue", queue, "messageId", delivery.MessageId, "error", ackErr)
		}
		return
	}

	c.logger.Warn("message handler failed, requeueing",
		"queue", queue,
		"messageId", delivery.MessageId,
		"redelivered", delivery.Redelivered,
		"error", err,
	)

	// Shutdown skips the delay; the requeued message goes to the next consumer
	select {
	case <-time.After(c.redeliveryDelay):
	case <-ctx.Done():
	}
	if nackErr := delivery.Nack(false, true); nackErr != nil {
		c.logger.Error("failed to nack message", "queue", queue, "messageId", delivery.MessageId, "error", nackErr)
	}
}
