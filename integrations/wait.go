package integrations

import (
	"context"
	"log/slog"

	"github.com/glimte/stagerelay/contracts"
	"github.com/glimte/stagerelay/dispatch"
)

// ReplyFetcher loads the full content of an inbound reply when the webhook
// payload only carries headers
type ReplyFetcher interface {
	FetchReply(ctx context.Context, secret string, reply contracts.Reply) (contracts.Reply, error)
}

// WaitHandler pauses the run until the recipient of the previous stage's
// email answers. It correlates on that stage's external message id and
// participant; the run meta email is the fallback participant.
type WaitHandler struct {
	fetcher ReplyFetcher
	logger  *slog.Logger
}

// WaitOption configures the WaitHandler
type WaitOption func(*WaitHandler)

// WithReplyFetcher enables reply enrichment
func WithReplyFetcher(f ReplyFetcher) WaitOption {
	return func(h *WaitHandler) {
		h.fetcher = f
	}
}

// WithWaitLogger sets the logger
func WithWaitLogger(logger *slog.Logger) WaitOption {
	return func(h *WaitHandler) {
		h.logger = logger
	}
}

// NewWaitHandler creates the "receive_email" handler
func NewWaitHandler(options ...WaitOption) *WaitHandler {
	h := &WaitHandler{logger: slog.Default()}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// Capabilities implements dispatch.Handler
func (h *WaitHandler) Capabilities() dispatch.Capabilities {
	return dispatch.Capabilities{
		Pauses:      true,
		Idempotency: dispatch.IdempotentNaturally,
	}
}

// Invoke implements dispatch.Handler. It has no side effect; the router
// registers the awaited reply from the returned correlation.
func (h *WaitHandler) Invoke(_ context.Context, req *dispatch.Request) (dispatch.Result, error) {
	var result dispatch.Result
	if req.Previous != nil {
		result.CorrelationID = req.Previous.ExternalMessageID
		result.Participant = contracts.NormalizeAddress(req.Previous.Participant)
	}
	if result.Participant == "" {
		result.Participant = contracts.NormalizeAddress(req.MetaString("email"))
	}
	if result.Participant == "" {
		return dispatch.Result{}, dispatch.Invalid("%v: nothing to wait on for run %s", ErrNoRecipient, runID(req))
	}

	h.logger.Debug("waiting for reply",
		"runId", runID(req),
		"participant", result.Participant,
		"externalMessageId", result.CorrelationID,
	)
	return result, nil
}

// Enrich completes a reply through the configured ReplyFetcher. Without a
// fetcher, or when the fetch fails, the reply is returned unchanged.
func (h *WaitHandler) Enrich(ctx context.Context, secret string, reply contracts.Reply) contracts.Reply {
	if h.fetcher == nil || reply.EmailID == "" {
		return reply
	}
	full, err := h.fetcher.FetchReply(ctx, secret, reply)
	if err != nil {
		h.logger.Warn("failed to fetch reply content, using webhook payload",
			"emailId", reply.EmailID,
			"sender", reply.Sender(),
			"error", err,
		)
		return reply
	}
	return full
}
