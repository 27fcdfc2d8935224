// Package dispatch maps integration names to stage handlers.
//
// The table is closed: handlers are registered at startup, the registry is
// sealed, and every stored step can be validated against it before the
// router starts. Each handler declares its Capabilities up front, including
// how it stays idempotent when the router redelivers a stage.
package dispatch
