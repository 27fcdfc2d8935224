package messaging

import (
	"context"
	"time"
)

// Message is a keyed payload. Messages sharing a key keep their order.
type Message struct {
	Key     string
	Value   []byte
	Headers map[string]string
}

// Delivery is a message handed to a consumer Handler
type Delivery struct {
	// ID identifies this copy of the message on the bus; redeliveries of
	// the same message keep the same ID
	ID         string
	Topic      string
	Key        string
	Value      []byte
	Headers    map[string]string
	Partition  int
	Offset     int64
	Attempt    int
	ReceivedAt time.Time
}

// Header returns the header value or ""
func (d *Delivery) Header(name string) string {
	if d.Headers == nil {
		return ""
	}
	return d.Headers[name]
}

// Handler processes one delivery. Returning nil commits the delivery;
// returning an error makes the transport deliver it again.
type Handler func(ctx context.Context, d *Delivery) error

// Producer publishes messages and returns once the bus accepted them
type Producer interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Close() error
}

// Consumer reads one topic as a member of a consumer group
type Consumer interface {
	// Consume blocks delivering messages to handler until ctx is cancelled
	// or the consumer fails. A cancelled ctx stops fetching; the in-flight
	// handler call completes and is committed before Consume returns nil.
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

// Transport owns the bus connections
type Transport interface {
	Name() string
	Producer() Producer
	Consumer(topic, group string) (Consumer, error)
	Ping(ctx context.Context) error
	Close() error
}

// Standard header names
const (
	HeaderMessageID   = "x-message-id"
	HeaderMessageType = "x-message-type"
	HeaderPublishedAt = "x-published-at"
)
