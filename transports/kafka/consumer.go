package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/glimte/stagerelay/internal/reliability"
	"github.com/glimte/stagerelay/messaging"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads one topic as a member of a consumer group
type Consumer struct {
	reader         messageReader
	topic          string
	group          string
	handlerTimeout time.Duration
	redelivery     reliability.RetryPolicy
	logger         *slog.Logger
}

// Consume implements messaging.Consumer. A failed message is delivered again
// in place with backoff; Kafka commits are cumulative per partition, so a
// later offset must not be committed past it.
func (c *Consumer) Consume(ctx context.Context, handler messaging.Handler) error {
	if handler == nil {
		return messaging.ErrNilHandler
	}
	policy := c.redelivery
	if policy == nil {
		policy = reliability.NewExponentialBackoff(100*time.Millisecond, 30*time.Second, 2.0, -1)
	}

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("kafka: fetch from %s: %w", c.topic, err)
		}

		d := toDelivery(m)
		committed, err := c.process(ctx, handler, policy, m, d)
		if err != nil {
			return err
		}
		if !committed {
			// shutdown while the message was still failing
			return nil
		}
	}
}

func (c *Consumer) process(ctx context.Context, handler messaging.Handler, policy reliability.RetryPolicy, m kafka.Message, d *messaging.Delivery) (bool, error) {
	for attempt := 1; ; attempt++ {
		d.Attempt = attempt
		err := c.invoke(ctx, handler, d)
		if err == nil {
			if err := c.reader.CommitMessages(context.WithoutCancel(ctx), m); err != nil {
				return false, fmt.Errorf("kafka: commit %s: %w", d.ID, err)
			}
			return true, nil
		}

		delay := policy.NextDelay(attempt - 1)
		c.logger.Warn("message handler failed, redelivering",
			"deliveryId", d.ID,
			"key", d.Key,
			"attempt", attempt,
			"retryIn", delay,
			"error", err,
		)
		if err := reliability.Sleep(ctx, delay); err != nil {
			return false, nil
		}
	}
}

func (c *Consumer) invoke(ctx context.Context, handler messaging.Handler, d *messaging.Delivery) error {
	hctx := context.WithoutCancel(ctx)
	if c.handlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, c.handlerTimeout)
		defer cancel()
	}
	return handler(hctx, d)
}

// Close implements messaging.Consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}

var _ messaging.Consumer = (*Consumer)(nil)
