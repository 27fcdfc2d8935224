// Package rabbitmq holds the AMQP plumbing behind the RabbitMQ transport:
//   - ConnectionManager: one connection with automatic reconnection
//   - ChannelPool: reusable channels on that connection
//   - Publisher: publishes with publisher confirms
//   - Consumer: manual-ack consumption, requeueing failed deliveries
//   - TopologyManager: declares the stage exchange, queues and bindings
package rabbitmq
