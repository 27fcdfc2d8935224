// Package reliability provides the failure-handling building blocks shared by
// the outbox publisher and the router:
//   - Retry policies (exponential backoff, fixed delay) and Retry
//   - CircuitBreaker guarding the bus producer
//   - AttemptTracker counting redeliveries of a message, in memory or in Redis
//   - DeadLetterHandler publishing messages that exhausted their attempts
package reliability
