package dispatch

import (
	"context"
	"fmt"
	"strconv"

	"github.com/glimte/stagerelay/internal/store"
)

// IdempotencyMode states how a handler tolerates being invoked again for a
// stage it already ran. Redelivery happens whenever the router fails after
// the handler returned, so every handler must declare one.
type IdempotencyMode int

const (
	IdempotencyUndeclared IdempotencyMode = iota
	// IdempotentByCorrelation handlers skip their side effect when
	// Request.Record already carries an ExternalMessageID and return that
	// correlation again
	IdempotentByCorrelation
	// IdempotentNaturally handlers have no side effect or one that is safe
	// to repeat
	IdempotentNaturally
)

func (m IdempotencyMode) String() string {
	switch m {
	case IdempotentByCorrelation:
		return "by-correlation"
	case IdempotentNaturally:
		return "natural"
	default:
		return "undeclared"
	}
}

// Capabilities is what a handler declares about itself at registration
type Capabilities struct {
	// Pauses means the stage waits for an external reply instead of
	// completing when Invoke returns
	Pauses      bool
	Idempotency IdempotencyMode
	// ConfigSchema is an optional JSON schema for Step.Config
	ConfigSchema string
}

// Request is everything a handler may read about the stage it executes
type Request struct {
	Run    *store.Run
	Step   *store.Step
	Record *store.StageRecord
	// Previous is the record of the stage before, nil for stage 0
	Previous *store.StageRecord
	// Reply is the captured reply that resumed the run, if any
	Reply *store.CapturedReply
}

// ConfigString returns a string value from the step config
func (r *Request) ConfigString(key string) string {
	if r.Step == nil {
		return ""
	}
	return stringValue(r.Step.Config, key)
}

// MetaString returns a string value from the run meta
func (r *Request) MetaString(key string) string {
	if r.Run == nil {
		return ""
	}
	return stringValue(r.Run.Meta, key)
}

// AlreadyCorrelated reports whether an earlier invocation of this stage
// recorded its external message id
func (r *Request) AlreadyCorrelated() bool {
	return r.Record != nil && r.Record.ExternalMessageID != ""
}

// Result is what a handler reports back
type Result struct {
	// CorrelationID is the external message id of a side effect, used to
	// match replies to this run
	CorrelationID string
	// Participant is the normalized address of the party a pausing stage
	// waits on
	Participant string
}

// Handler executes one integration
type Handler interface {
	Capabilities() Capabilities
	Invoke(ctx context.Context, req *Request) (Result, error)
}

// HandlerFunc adapts a function with fixed capabilities to Handler
type HandlerFunc struct {
	Caps Capabilities
	Fn   func(ctx context.Context, req *Request) (Result, error)
}

// Capabilities implements Handler
func (h HandlerFunc) Capabilities() Capabilities {
	return h.Caps
}

// Invoke implements Handler
func (h HandlerFunc) Invoke(ctx context.Context, req *Request) (Result, error) {
	return h.Fn(ctx, req)
}

func stringValue(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}
