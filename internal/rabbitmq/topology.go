package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is a set of exchanges, queues and bindings declared together
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// TopologyManager declares topology through the channel pool
type TopologyManager struct {
	pool *ChannelPool
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{pool: pool}
}

// Declare declares every exchange, then every queue, then every binding.
// Declarations are idempotent as long as the arguments match.
func (tm *TopologyManager) Declare(ctx context.Context, topology Topology) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		for _, ex := range topology.Exchanges {
			if err := ch.ExchangeDeclare(ex.Name, ex.Type, ex.Durable, ex.AutoDelete, false, false, ex.Arguments); err != nil {
				return &TopologyError{Component: "exchange", Name: ex.Name, Op: "declare", Err: err}
			}
		}
		for _, q := range topology.Queues {
			if _, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.Arguments); err != nil {
				return &TopologyError{Component: "queue", Name: q.Name, Op: "declare", Err: err}
			}
		}
		for _, b := range topology.Bindings {
			if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, b.Arguments); err != nil {
				return &TopologyError{Component: "binding", Name: b.Queue + "->" + b.Exchange, Op: "declare", Err: err}
			}
		}
		return nil
	})
}

// QueueDepth returns the number of ready messages in queue
func (tm *TopologyManager) QueueDepth(ctx context.Context, queue string) (int, error) {
	var depth int
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
		if err != nil {
			return &TopologyError{Component: "queue", Name: queue, Op: "inspect", Err: err}
		}
		depth = q.Messages
		return nil
	})
	return depth, err
}

// StageTopology returns the topology carrying topic for one consumer group:
// a durable direct exchange, a durable queue named "<topic>.<group>" bound
// with the topic as routing key. With singleActive only one consumer of the
// queue receives messages at a time, which keeps per-key order across
// replicas.
func StageTopology(exchange, topic, group string, singleActive bool) Topology {
	queue := QueueName(topic, group)
	args := amqp.Table{}
	if singleActive {
		args["x-single-active-consumer"] = true
	}
	return Topology{
		Exchanges: []ExchangeDeclaration{{Name: exchange, Type: amqp.ExchangeDirect, Durable: true}},
		Queues:    []QueueDeclaration{{Name: queue, Durable: true, Arguments: args}},
		Bindings:  []Binding{{Queue: queue, Exchange: exchange, RoutingKey: topic}},
	}
}

// QueueName returns the queue a consumer group reads topic from
func QueueName(topic, group string) string {
	return topic + "." + group
}
