package reliability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// MessagePublisher publishes raw payloads under a key
type MessagePublisher interface {
	PublishRaw(ctx context.Context, key string, payload []byte) error
}

// DeadLetter is the record published for a message the router gave up on
type DeadLetter struct {
	ID        string          `json:"id"`
	MessageID string          `json:"messageId"`
	Key       string          `json:"key"`
	Reason    string          `json:"reason"`
	Error     string          `json:"error,omitempty"`
	Attempts  int             `json:"attempts"`
	Payload   json.RawMessage `json:"payload"`
	FailedAt  time.Time       `json:"failedAt"`
}

// DeadLetterHandler publishes dead letters. Without a publisher it only logs,
// which keeps the drop-and-continue behavior.
type DeadLetterHandler struct {
	publisher MessagePublisher
	logger    *slog.Logger
}

// DeadLetterOption configures the DeadLetterHandler
type DeadLetterOption func(*DeadLetterHandler)

// WithDeadLetterPublisher sets where dead letters are published
func WithDeadLetterPublisher(publisher MessagePublisher) DeadLetterOption {
	return func(h *DeadLetterHandler) {
		h.publisher = publisher
	}
}

// WithDeadLetterLogger sets the logger
func WithDeadLetterLogger(logger *slog.Logger) DeadLetterOption {
	return func(h *DeadLetterHandler) {
		h.logger = logger
	}
}

// NewDeadLetterHandler creates a dead letter handler
func NewDeadLetterHandler(options ...DeadLetterOption) *DeadLetterHandler {
	h := &DeadLetterHandler{logger: slog.Default()}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// Enabled reports whether dead letters are published anywhere
func (h *DeadLetterHandler) Enabled() bool {
	return h != nil && h.publisher != nil
}

// Send publishes dl. Payloads that are not JSON are wrapped as a JSON string.
func (h *DeadLetterHandler) Send(ctx context.Context, dl DeadLetter) error {
	if dl.MessageID == "" {
		return fmt.Errorf("%w: missing message id", ErrInvalidDeadLetter)
	}
	if dl.ID == "" {
		dl.ID = uuid.New().String()
	}
	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now().UTC()
	}
	if len(dl.Payload) > 0 && !json.Valid(dl.Payload) {
		quoted, _ := json.Marshal(string(dl.Payload))
		dl.Payload = quoted
	}

	h.logger.Warn("dead-lettering message",
		"messageId", dl.MessageID,
		"key", dl.Key,
		"reason", dl.Reason,
		"attempts", dl.Attempts,
		"error", dl.Error,
	)

	if h.publisher == nil {
		return nil
	}

	body, err := json.Marshal(dl)
	if err != nil {
		return &DeadLetterError{MessageID: dl.MessageID, Err: err}
	}
	if err := h.publisher.PublishRaw(ctx, dl.Key, body); err != nil {
		return &DeadLetterError{MessageID: dl.MessageID, Err: err}
	}
	return nil
}
