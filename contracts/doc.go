// Package contracts defines the messages that travel over the stage bus.
//
// Two message types exist:
//   - ADVANCE: asks the router to execute one stage of a run
//   - RESUME: carries an inbound reply that resolves a waiting stage
//
// The JSON shape is {type, run, stage}. For ADVANCE the run field holds a
// RunRef; for RESUME it holds the raw reply payload received by the webhook.
package contracts
