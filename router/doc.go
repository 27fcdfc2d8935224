// Package router consumes stage envelopes from the bus and drives runs.
//
// An ADVANCE envelope runs one stage: the router loads the run and its step,
// opens the stage record, dispatches to the integration and then, in one
// transaction, records the outcome and enqueues the next stage in the outbox.
// A RESUME envelope carries an inbound reply; it resolves the matching
// awaited reply once and enqueues the stage after the waiting one.
//
// Handle returns nil when the delivery may be committed and an error when it
// must be redelivered. Malformed or dangling messages are dropped (and
// dead-lettered when configured); integration failures are redelivered until
// the optional attempt limit dead-letters them.
package router
