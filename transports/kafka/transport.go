// Package kafka implements messaging.Transport on Apache Kafka. Messages are
// keyed by run id through the hash balancer so every stage of a run lands on
// the same partition, and offsets are committed explicitly after the handler
// returns.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/glimte/stagerelay/messaging"
)

// Config holds the connection settings
type Config struct {
	Brokers        []string
	ClientID       string
	BatchTimeout   time.Duration
	DialTimeout    time.Duration
	HandlerTimeout time.Duration
	// AutoCreateTopics lets the writer create missing topics
	AutoCreateTopics bool
}

// Transport is a Kafka backed messaging.Transport
type Transport struct {
	cfg    Config
	writer *kafka.Writer
	logger *slog.Logger

	mu        sync.Mutex
	consumers []*Consumer
	closed    bool
}

// Option configures the Transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// New creates a transport. No connection is made until the first publish or
// fetch; use Ping to verify the brokers at startup.
func New(cfg Config, options ...Option) (*Transport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "stagerelay"
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	t := &Transport{cfg: cfg, logger: slog.Default()}
	for _, opt := range options {
		opt(t)
	}

	t.writer = &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           cfg.BatchTimeout,
		AllowAutoTopicCreation: cfg.AutoCreateTopics,
		Transport: &kafka.Transport{
			ClientID:    cfg.ClientID,
			DialTimeout: cfg.DialTimeout,
		},
	}
	return t, nil
}

// Name implements messaging.Transport
func (t *Transport) Name() string {
	return "kafka"
}

// Producer implements messaging.Transport
func (t *Transport) Producer() messaging.Producer {
	return &producer{t: t}
}

// Consumer implements messaging.Transport
func (t *Transport) Consumer(topic, group string) (messaging.Consumer, error) {
	if topic == "" {
		return nil, messaging.ErrEmptyTopic
	}
	if group == "" {
		return nil, fmt.Errorf("kafka: consumer group is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, messaging.ErrTransportClosed
	}

	reader := kafka.NewReader(readerConfig(t.cfg, topic, group))
	c := &Consumer{
		reader:         reader,
		topic:          topic,
		group:          group,
		handlerTimeout: t.cfg.HandlerTimeout,
		logger:         t.logger.With("topic", topic, "group", group),
	}
	t.consumers = append(t.consumers, c)
	return c, nil
}

// Ping dials the first reachable broker
func (t *Transport) Ping(ctx context.Context) error {
	dialer := &kafka.Dialer{Timeout: t.cfg.DialTimeout, ClientID: t.cfg.ClientID}
	var errs []error
	for _, broker := range t.cfg.Brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		_, err = conn.Brokers()
		conn.Close()
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return fmt.Errorf("kafka: no broker reachable: %w", errors.Join(errs...))
}

// Close closes the writer and every consumer created by the transport
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	var errs []error
	for _, c := range t.consumers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func readerConfig(cfg Config, topic, group string) kafka.ReaderConfig {
	return kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     group,
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
		// zero commits synchronously on CommitMessages
		CommitInterval: 0,
		Dialer:         &kafka.Dialer{Timeout: cfg.DialTimeout, ClientID: cfg.ClientID},
	}
}

type producer struct {
	t *Transport
}

func (p *producer) Publish(ctx context.Context, topic string, msg messaging.Message) error {
	if topic == "" {
		return messaging.ErrEmptyTopic
	}
	if err := p.t.writer.WriteMessages(ctx, toKafkaMessage(topic, msg)); err != nil {
		return fmt.Errorf("kafka: write to %s: %w", topic, err)
	}
	return nil
}

// Close is a no-op; the writer is shared and closed by the transport
func (p *producer) Close() error {
	return nil
}

func toKafkaMessage(topic string, msg messaging.Message) kafka.Message {
	km := kafka.Message{
		Topic: topic,
		Value: msg.Value,
	}
	if msg.Key != "" {
		km.Key = []byte(msg.Key)
	}
	for k, v := range msg.Headers {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return km
}

func toDelivery(m kafka.Message) *messaging.Delivery {
	d := &messaging.Delivery{
		ID:         deliveryID(m),
		Topic:      m.Topic,
		Key:        string(m.Key),
		Value:      m.Value,
		Partition:  m.Partition,
		Offset:     m.Offset,
		ReceivedAt: m.Time,
	}
	if len(m.Headers) > 0 {
		d.Headers = make(map[string]string, len(m.Headers))
		for _, h := range m.Headers {
			d.Headers[h.Key] = string(h.Value)
		}
	}
	return d
}

func deliveryID(m kafka.Message) string {
	return strings.Join([]string{m.Topic, fmt.Sprint(m.Partition), fmt.Sprint(m.Offset)}, "/")
}

var _ messaging.Transport = (*Transport)(nil)
