// Package memory implements an in-process partitioned bus. It is used by the
// pipeline tests and by single-process deployments that run every component
// in one binary.
package memory

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/stagerelay/messaging"
)

type record struct {
	msg        messaging.Message
	receivedAt time.Time
}

type partition struct {
	index    int
	log      []record
	offsets  map[string]int64 // committed offset per group
	owners   map[string]*Consumer
	notifyCh chan struct{}
}

type topic struct {
	partitions []*partition
}

// Bus is an in-memory messaging.Transport
type Bus struct {
	mu              sync.Mutex
	topics          map[string]*topic
	partitions      int
	redeliveryDelay time.Duration
	handlerTimeout  time.Duration
	publishHook     func(topic string, msg messaging.Message) error
	closed          bool
	done            chan struct{}
	logger          *slog.Logger
}

// Option configures the Bus
type Option func(*Bus)

// WithPartitions sets the partition count of newly created topics
func WithPartitions(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.partitions = n
		}
	}
}

// WithRedeliveryDelay sets the pause before a failed message is delivered again
func WithRedeliveryDelay(d time.Duration) Option {
	return func(b *Bus) {
		b.redeliveryDelay = d
	}
}

// WithHandlerTimeout bounds a single handler call
func WithHandlerTimeout(d time.Duration) Option {
	return func(b *Bus) {
		b.handlerTimeout = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// New creates an empty bus
func New(options ...Option) *Bus {
	b := &Bus{
		topics:          make(map[string]*topic),
		partitions:      4,
		redeliveryDelay: 100 * time.Millisecond,
		done:            make(chan struct{}),
		logger:          slog.Default(),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Name implements messaging.Transport
func (b *Bus) Name() string {
	return "memory"
}

// Producer implements messaging.Transport
func (b *Bus) Producer() messaging.Producer {
	return &producer{bus: b}
}

// Consumer implements messaging.Transport
func (b *Bus) Consumer(topicName, group string) (messaging.Consumer, error) {
	if topicName == "" {
		return nil, messaging.ErrEmptyTopic
	}
	if group == "" {
		return nil, fmt.Errorf("memory: consumer group is required")
	}
	return &Consumer{bus: b, topic: topicName, group: group}, nil
}

// Ping implements messaging.Transport
func (b *Bus) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return messaging.ErrTransportClosed
	}
	return nil
}

// Close implements messaging.Transport. Running consumers return.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}

// SetPublishHook installs fn to run before every publish; a non-nil error
// rejects the publish. Pass nil to remove it.
func (b *Bus) SetPublishHook(fn func(topic string, msg messaging.Message) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishHook = fn
}

// FailPublishes rejects the next n publishes with err
func (b *Bus) FailPublishes(n int, err error) {
	var mu sync.Mutex
	remaining := n
	b.SetPublishHook(func(string, messaging.Message) error {
		mu.Lock()
		defer mu.Unlock()
		if remaining <= 0 {
			return nil
		}
		remaining--
		return err
	})
}

// Messages returns every message ever published to topicName in partition
// order
func (b *Bus) Messages(topicName string) []messaging.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topicName]
	if !ok {
		return nil
	}
	var out []messaging.Message
	for _, p := range t.partitions {
		for _, r := range p.log {
			out = append(out, r.msg)
		}
	}
	return out
}

// Committed returns how many messages group has committed on topicName
func (b *Bus) Committed(topicName, group string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topicName]
	if !ok {
		return 0
	}
	var n int64
	for _, p := range t.partitions {
		n += p.offsets[group]
	}
	return int(n)
}

// Lag returns how many messages group has not committed yet on topicName
func (b *Bus) Lag(topicName, group string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topicName]
	if !ok {
		return 0
	}
	var n int64
	for _, p := range t.partitions {
		n += int64(len(p.log)) - p.offsets[group]
	}
	return int(n)
}

// topicLocked must be called with mu held
func (b *Bus) topicLocked(name string) *topic {
	t, ok := b.topics[name]
	if ok {
		return t
	}
	t = &topic{partitions: make([]*partition, b.partitions)}
	for i := range t.partitions {
		t.partitions[i] = &partition{
			index:    i,
			offsets:  make(map[string]int64),
			owners:   make(map[string]*Consumer),
			notifyCh: make(chan struct{}),
		}
	}
	b.topics[name] = t
	return t
}

func (b *Bus) publish(ctx context.Context, topicName string, msg messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if topicName == "" {
		return messaging.ErrEmptyTopic
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return messaging.ErrTransportClosed
	}
	if b.publishHook != nil {
		if err := b.publishHook(topicName, msg); err != nil {
			return err
		}
	}

	t := b.topicLocked(topicName)
	p := t.partitions[partitionFor(msg.Key, len(t.partitions))]
	p.log = append(p.log, record{msg: cloneMessage(msg), receivedAt: time.Now()})

	close(p.notifyCh)
	p.notifyCh = make(chan struct{})
	return nil
}

func partitionFor(key string, n int) int {
	if key == "" || n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func cloneMessage(msg messaging.Message) messaging.Message {
	out := messaging.Message{Key: msg.Key, Value: append([]byte(nil), msg.Value...)}
	if msg.Headers != nil {
		out.Headers = make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

type producer struct {
	bus *Bus
}

func (p *producer) Publish(ctx context.Context, topicName string, msg messaging.Message) error {
	return p.bus.publish(ctx, topicName, msg)
}

func (p *producer) Close() error {
	return nil
}

var errClosed = errors.New("memory: consumer closed")

var _ messaging.Transport = (*Bus)(nil)
