// Package messaging defines the bus abstraction the pipeline runs on.
//
// A Transport hands out a Producer and per-topic Consumers. Consumers deliver
// messages to a Handler one at a time per partition: a nil return commits the
// message, an error leaves it uncommitted so it is delivered again.
//
// Publisher wraps a Producer with a circuit breaker, a retry policy and a
// bounded timeout, and knows how to key stage envelopes.
//
// Example usage:
//
//	transport := memory.New()
//	publisher := messaging.NewPublisher(transport.Producer(), "stagerelay.stages")
//	env, err := contracts.NewAdvance(ref, 0)
//	err = publisher.PublishEnvelope(ctx, env)
//
//	consumer, err := transport.Consumer("stagerelay.stages", "router")
//	err = consumer.Consume(ctx, func(ctx context.Context, d *messaging.Delivery) error {
//		return router.Handle(ctx, d)
//	})
package messaging
