// Package rabbitmq implements messaging.Transport on RabbitMQ. Topics map to
// routing keys on one durable direct exchange; each consumer group reads its
// own queue bound to that routing key.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/stagerelay/internal/rabbitmq"
	"github.com/glimte/stagerelay/messaging"
)

// HeaderKey carries the message key; AMQP has no native key field
const HeaderKey = "x-key"

// Config holds the transport settings
type Config struct {
	URL      string
	Exchange string
	// SingleActiveConsumer keeps per-key order when several router replicas
	// share a queue
	SingleActiveConsumer bool
	Prefetch             int
	HandlerTimeout       time.Duration
	RedeliveryDelay      time.Duration
	MaxChannels          int
}

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	cfg       Config
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	topology  *rabbitmq.TopologyManager
	logger    *slog.Logger

	mu       sync.Mutex
	declared map[string]bool
}

// Option configures the transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// New connects to the broker
func New(ctx context.Context, cfg Config, options ...Option) (*Transport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: url is required", rabbitmq.ErrInvalidConfiguration)
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "stagerelay"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = time.Second
	}
	if cfg.MaxChannels <= 0 {
		cfg.MaxChannels = 10
	}

	t := &Transport{
		cfg:      cfg,
		logger:   slog.Default(),
		declared: make(map[string]bool),
	}
	for _, opt := range options {
		opt(t)
	}

	t.manager = rabbitmq.NewConnectionManager(cfg.URL, rabbitmq.WithLogger(t.logger))
	if err := t.manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(t.manager, rabbitmq.WithMaxSize(cfg.MaxChannels))
	if err != nil {
		t.manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}
	t.pool = pool
	t.publisher = rabbitmq.NewPublisher(pool)
	t.topology = rabbitmq.NewTopologyManager(pool)

	if err := t.topology.Declare(ctx, rabbitmq.Topology{
		Exchanges: []rabbitmq.ExchangeDeclaration{{Name: cfg.Exchange, Type: amqp.ExchangeDirect, Durable: true}},
	}); err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return t, nil
}

// Name implements messaging.Transport
func (t *Transport) Name() string {
	return "rabbitmq"
}

// Producer implements messaging.Transport
func (t *Transport) Producer() messaging.Producer {
	return &producer{t: t}
}

// Consumer implements messaging.Transport. The group's queue is declared on
// first use.
func (t *Transport) Consumer(topic, group string) (messaging.Consumer, error) {
	if topic == "" {
		return nil, messaging.ErrEmptyTopic
	}
	if group == "" {
		return nil, fmt.Errorf("rabbitmq: consumer group is required")
	}
	return &consumer{
		t:     t,
		topic: topic,
		group: group,
		inner: rabbitmq.NewConsumer(t.pool,
			rabbitmq.WithPrefetchCount(t.cfg.Prefetch),
			rabbitmq.WithHandlerTimeout(t.cfg.HandlerTimeout),
			rabbitmq.WithRedeliveryDelay(t.cfg.RedeliveryDelay),
			rabbitmq.WithConsumerLogger(t.logger),
		),
	}, nil
}

// EnsureQueue declares the queue group reads topic from. Publishing to a
// topic before any group declared its queue drops the message at the broker,
// so publishers call this for the groups they feed.
func (t *Transport) EnsureQueue(ctx context.Context, topic, group string) error {
	queue := rabbitmq.QueueName(topic, group)

	t.mu.Lock()
	done := t.declared[queue]
	t.mu.Unlock()
	if done {
		return nil
	}

	if err := t.topology.Declare(ctx, rabbitmq.StageTopology(t.cfg.Exchange, topic, group, t.cfg.SingleActiveConsumer)); err != nil {
		return err
	}

	t.mu.Lock()
	t.declared[queue] = true
	t.mu.Unlock()
	return nil
}

// QueueDepth returns the ready messages waiting for group on topic
func (t *Transport) QueueDepth(ctx context.Context, topic, group string) (int, error) {
	return t.topology.QueueDepth(ctx, rabbitmq.QueueName(topic, group))
}

// Ping implements messaging.Transport
func (t *Transport) Ping(context.Context) error {
	_, err := t.manager.GetConnection()
	return err
}

// Close implements messaging.Transport
func (t *Transport) Close() error {
	var errs []error
	if t.pool != nil {
		errs = append(errs, t.pool.Close())
	}
	errs = append(errs, t.manager.Close())
	return errors.Join(errs...)
}

type producer struct {
	t *Transport
}

func (p *producer) Publish(ctx context.Context, topic string, msg messaging.Message) error {
	if topic == "" {
		return messaging.ErrEmptyTopic
	}
	return p.t.publisher.Publish(ctx, p.t.cfg.Exchange, topic, toPublishing(msg))
}

func (p *producer) Close() error {
	return nil
}

type consumer struct {
	t     *Transport
	topic string
	group string
	inner *rabbitmq.Consumer
}

func (c *consumer) Consume(ctx context.Context, handler messaging.Handler) error {
	if handler == nil {
		return messaging.ErrNilHandler
	}
	if err := c.t.EnsureQueue(ctx, c.topic, c.group); err != nil {
		return err
	}
	return c.inner.Consume(ctx, rabbitmq.QueueName(c.topic, c.group), func(ctx context.Context, d amqp.Delivery) error {
		return handler(ctx, toDelivery(c.topic, d))
	})
}

func (c *consumer) Close() error {
	return nil
}

func toPublishing(msg messaging.Message) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	if msg.Key != "" {
		headers[HeaderKey] = msg.Key
	}
	return amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.Headers[messaging.HeaderMessageID],
		Timestamp:    time.Now(),
		Body:         msg.Value,
	}
}

func toDelivery(topic string, d amqp.Delivery) *messaging.Delivery {
	out := &messaging.Delivery{
		ID:         d.MessageId,
		Topic:      topic,
		Value:      d.Body,
		Offset:     int64(d.DeliveryTag),
		Attempt:    1,
		ReceivedAt: d.Timestamp,
	}
	if d.Redelivered {
		out.Attempt = 2
	}
	if len(d.Headers) > 0 {
		out.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			if s, ok := v.(string); ok {
				out.Headers[k] = s
			}
		}
		out.Key = out.Headers[HeaderKey]
	}
	if out.ID == "" {
		out.ID = fmt.Sprintf("%s/%d", topic, d.DeliveryTag)
	}
	return out
}

var _ messaging.Transport = (*Transport)(nil)
