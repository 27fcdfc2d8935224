package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages and waits for the broker's confirm
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	mandatory      bool
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for a broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithMandatory makes unroutable messages fail instead of being dropped by
// the broker
func WithMandatory(mandatory bool) PublisherOption {
	return func(p *Publisher) {
		p.mandatory = mandatory
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		mandatory:      true,
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish publishes msg and returns once the broker confirmed it. Retrying is
// left to the caller.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}
	defer p.pool.Put(ch)

	if !ch.confirming {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: fmt.Errorf("enable confirms: %w", err), Timestamp: time.Now()}
		}
		ch.confirming = true
		ch.returns = ch.NotifyReturn(make(chan amqp.Return, 8))
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, p.mandatory, false, msg)
	if err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	acked, err := confirm.WaitContext(waitCtx)
	if err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}
	if !acked {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrPublishNacked, Timestamp: time.Now()}
	}

	// A returned message is delivered before its confirm
	select {
	case ret, ok := <-ch.returns:
		if ok && p.mandatory {
			return &PublishError{
				Exchange:   exchange,
				RoutingKey: routingKey,
				Err:        fmt.Errorf("%w: %s", ErrPublishReturned, ret.ReplyText),
				Timestamp:  time.Now(),
			}
		}
	default:
	}
	return nil
}
