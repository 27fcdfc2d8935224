package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/stagerelay/contracts"
	"github.com/glimte/stagerelay/dispatch"
	"github.com/glimte/stagerelay/internal/metrics"
	"github.com/glimte/stagerelay/internal/reliability"
	"github.com/glimte/stagerelay/internal/runstate"
	"github.com/glimte/stagerelay/internal/store"
	"github.com/glimte/stagerelay/messaging"
)

// ReplyEnricher completes an inbound reply before it is captured. secret is
// the "secret" config value of the waiting step.
type ReplyEnricher interface {
	Enrich(ctx context.Context, secret string, reply contracts.Reply) contracts.Reply
}

// Router handles stage envelopes
type Router struct {
	store       *store.Store
	registry    *dispatch.Registry
	machine     *runstate.Machine
	logger      *slog.Logger
	metrics     *metrics.Metrics
	attempts    reliability.AttemptTracker
	maxAttempts int
	deadLetters *reliability.DeadLetterHandler
	enricher    ReplyEnricher
}

// Option configures the Router
type Option func(*Router)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithMetrics records message outcomes and dead letters
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// WithMaxAttempts dead-letters a message after it failed max times. Zero
// keeps redelivering forever. Attempts are counted by tracker, which must be
// shared by all router replicas to be exact.
func WithMaxAttempts(max int, tracker reliability.AttemptTracker) Option {
	return func(r *Router) {
		r.maxAttempts = max
		r.attempts = tracker
	}
}

// WithDeadLetters sets where given-up and dropped messages go
func WithDeadLetters(h *reliability.DeadLetterHandler) Option {
	return func(r *Router) {
		r.deadLetters = h
	}
}

// WithReplyEnricher fetches full reply content before capture
func WithReplyEnricher(e ReplyEnricher) Option {
	return func(r *Router) {
		r.enricher = e
	}
}

// New creates a router over st and the sealed registry reg
func New(st *store.Store, reg *dispatch.Registry, options ...Option) *Router {
	r := &Router{
		store:    st,
		registry: reg,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	if r.deadLetters == nil {
		r.deadLetters = reliability.NewDeadLetterHandler(reliability.WithDeadLetterLogger(r.logger))
	}
	if r.maxAttempts > 0 && r.attempts == nil {
		r.attempts = reliability.NewMemoryAttemptTracker()
	}
	r.machine = runstate.NewMachine(runstate.WithLogger(r.logger))
	return r
}

// Run consumes until ctx ends or the consumer fails. Interceptors wrap Handle
// in the order given.
func (r *Router) Run(ctx context.Context, consumer messaging.Consumer, interceptors ...func(messaging.Handler) messaging.Handler) error {
	handler := messaging.Handler(r.Handle)
	for i := len(interceptors) - 1; i >= 0; i-- {
		handler = interceptors[i](handler)
	}
	r.logger.Info("router started")
	err := consumer.Consume(ctx, handler)
	r.logger.Info("router stopped", "error", err)
	return err
}

// Handle processes one delivery. A nil return commits it.
func (r *Router) Handle(ctx context.Context, d *messaging.Delivery) error {
	start := time.Now()
	logger := r.logger.With("deliveryId", d.ID, "key", d.Key)

	env, err := contracts.Decode(d.Value)
	if err != nil {
		outcome, err := r.drop(ctx, logger, d, nil, err)
		r.metrics.RouterMessage(ctx, "unknown", outcome, time.Since(start))
		return err
	}
	logger = logger.With("messageId", env.ID, "type", env.Type)

	var outcome string
	switch env.Type {
	case contracts.TypeAdvance:
		outcome, err = r.advance(ctx, logger, env)
	case contracts.TypeResume:
		outcome, err = r.resume(ctx, logger, env)
	default:
		err = fmt.Errorf("%w: unknown type %q", contracts.ErrMalformedEnvelope, env.Type)
	}

	switch {
	case err == nil:
	case IsDataIntegrity(err):
		outcome, err = r.drop(ctx, logger, d, env, err)
	case IsUnexecutable(err):
		outcome, err = r.giveUp(ctx, logger, d, env, "unexecutable", 1, err)
	default:
		outcome, err = r.failed(ctx, logger, d, env, err)
	}
	if err == nil {
		r.forget(ctx, logger, d, env)
	}

	r.metrics.RouterMessage(ctx, string(env.Type), outcome, time.Since(start))
	return err
}

func (r *Router) advance(ctx context.Context, logger *slog.Logger, env *contracts.Envelope) (string, error) {
	ref, err := env.RunRef()
	if err != nil {
		return "", err
	}
	stage, err := env.StageIndex()
	if err != nil {
		return "", err
	}
	logger = logger.With("runId", ref.ID, "stage", stage)

	run, err := r.store.GetRun(ctx, ref.ID)
	if err != nil {
		return "", err
	}
	if run.Status != store.RunActive {
		logger.Info("run is not active, skipping stage", "status", run.Status)
		return OutcomeSkipped, nil
	}

	step, err := r.store.GetStep(ctx, run.WorkflowID, stage)
	if err != nil {
		return "", err
	}
	logger = logger.With("integration", step.Integration)

	if err := r.machine.CheckPredecessor(ctx, r.store.Queries, run.ID, stage); err != nil {
		return "", err
	}

	rec, created, err := r.store.BeginStage(ctx, run.ID, stage, step.Integration)
	if err != nil {
		return "", err
	}
	if rec.Status != store.StagePending {
		logger.Info("stage already handled, skipping", "status", rec.Status)
		return OutcomeSkipped, nil
	}
	if !created {
		logger.Info("re-entering pending stage", "externalMessageId", rec.ExternalMessageID)
	}

	req := &dispatch.Request{Run: run, Step: step, Record: rec}
	if stage > 0 {
		if req.Previous, err = r.store.GetStageRecord(ctx, run.ID, stage-1); err != nil {
			return "", err
		}
	}
	if ref.AwaitedReplyID != "" {
		reply, err := r.store.GetCapturedReply(ctx, ref.AwaitedReplyID)
		switch {
		case errors.Is(err, store.ErrCapturedReplyNotFound):
			logger.Warn("captured reply not found", "awaitedReplyId", ref.AwaitedReplyID)
		case err != nil:
			return "", err
		default:
			req.Reply = reply
		}
	}

	result, err := r.registry.Dispatch(ctx, step.Integration, req)
	if err != nil {
		return "", err
	}

	// a send is correlated before the state change commits, so a redelivery
	// after a failed commit does not send twice
	if !result.Pauses && result.Result.CorrelationID != "" && !req.AlreadyCorrelated() {
		if err := r.store.SetStageCorrelation(ctx, rec.ID, result.Result.CorrelationID, result.Result.Participant); err != nil {
			return "", err
		}
	}

	outcome := OutcomeAdvanced
	err = r.store.WithTx(ctx, func(q *store.Queries) error {
		if result.Pauses {
			outcome = OutcomePaused
			_, err := r.machine.Await(ctx, q, rec, runstate.Correlation{
				ExternalMessageID: result.Result.CorrelationID,
				Participant:       result.Result.Participant,
			})
			return err
		}
		if err := r.machine.Complete(ctx, q, rec); err != nil {
			return err
		}
		return r.enqueueNext(ctx, q, run, stage, "")
	})
	if err != nil {
		return "", err
	}

	logger.Info("stage finished", "outcome", outcome, "unknownIntegration", result.Unknown)
	return outcome, nil
}

func (r *Router) resume(ctx context.Context, logger *slog.Logger, env *contracts.Envelope) (string, error) {
	reply, err := env.Reply()
	if err != nil {
		return "", err
	}
	sender := reply.Sender()
	logger = logger.With("sender", sender)

	ar, err := r.findAwaitedReply(ctx, sender, reply.InReplyTo)
	if errors.Is(err, store.ErrAwaitedReplyNotFound) {
		logger.Info("no run is waiting on this sender, ignoring reply")
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", err
	}
	logger = logger.With("runId", ar.RunID, "stage", ar.StageIndex, "awaitedReplyId", ar.ID)

	if !ar.Status.Open() {
		logger.Info("awaited reply already resolved, ignoring duplicate")
		return OutcomeSkipped, nil
	}
	if _, err := r.store.MarkAwaitedReplyPending(ctx, ar.ID); err != nil {
		return "", err
	}

	run, err := r.store.GetRun(ctx, ar.RunID)
	if err != nil {
		return "", err
	}
	if r.enricher != nil {
		step, err := r.store.GetStep(ctx, run.WorkflowID, ar.StageIndex)
		if err != nil {
			return "", err
		}
		secret, _ := step.Config["secret"].(string)
		reply = r.enricher.Enrich(ctx, secret, reply)
	}

	outcome := OutcomeResumed
	err = r.store.WithTx(ctx, func(q *store.Queries) error {
		resolved, err := r.machine.Resolve(ctx, q, ar, reply.Template())
		if err != nil {
			return err
		}
		if !resolved {
			outcome = OutcomeSkipped
			return nil
		}
		return r.enqueueNext(ctx, q, run, ar.StageIndex, ar.ID)
	})
	if err != nil {
		return "", err
	}

	logger.Info("reply handled", "outcome", outcome)
	return outcome, nil
}

// findAwaitedReply matches on the replied-to message id when the reply names
// one, and on the sender alone otherwise
func (r *Router) findAwaitedReply(ctx context.Context, sender, inReplyTo string) (*store.AwaitedReply, error) {
	if inReplyTo != "" {
		ar, err := r.store.FindAwaitedReply(ctx, sender, inReplyTo)
		if !errors.Is(err, store.ErrAwaitedReplyNotFound) {
			return ar, err
		}
	}
	return r.store.FindAwaitedReply(ctx, sender, "")
}

// enqueueNext writes the ADVANCE for the stage after stage, or completes the
// run when stage was the last one
func (r *Router) enqueueNext(ctx context.Context, q *store.Queries, run *store.Run, stage int, awaitedReplyID string) error {
	n, err := q.CountSteps(ctx, run.WorkflowID)
	if err != nil {
		return err
	}
	if stage+1 < n {
		return q.EnqueueAdvance(ctx, run.ID, stage+1, awaitedReplyID)
	}
	r.logger.Info("run completed", "runId", run.ID, "stages", n)
	return q.SetRunStatus(ctx, run.ID, store.RunCompleted)
}

// drop commits a message that can never be processed. With a dead-letter
// destination it is published there first.
func (r *Router) drop(ctx context.Context, logger *slog.Logger, d *messaging.Delivery, env *contracts.Envelope, cause error) (string, error) {
	logger.Warn("dropping message", "error", cause)
	if !r.deadLetters.Enabled() {
		return OutcomeDropped, nil
	}
	if err := r.deadLetter(ctx, d, env, "dropped", 1, cause); err != nil {
		return OutcomeRetry, err
	}
	return OutcomeDeadLettered, nil
}

// failed counts a failed attempt and gives up once the limit is reached
func (r *Router) failed(ctx context.Context, logger *slog.Logger, d *messaging.Delivery, env *contracts.Envelope, cause error) (string, error) {
	if r.maxAttempts <= 0 {
		logger.Warn("processing failed, message will be redelivered", "error", cause)
		return OutcomeRetry, cause
	}

	n, err := r.attempts.Increment(ctx, attemptKey(d, env))
	if err != nil {
		logger.Error("failed to count attempt", "error", err)
		return OutcomeRetry, cause
	}
	if n < r.maxAttempts {
		logger.Warn("processing failed, message will be redelivered",
			"attempt", n,
			"maxAttempts", r.maxAttempts,
			"error", cause,
		)
		return OutcomeRetry, cause
	}
	return r.giveUp(ctx, logger, d, env, "max_attempts", n, cause)
}

// giveUp dead-letters the message, fails its stage and run and commits
func (r *Router) giveUp(ctx context.Context, logger *slog.Logger, d *messaging.Delivery, env *contracts.Envelope, reason string, attempts int, cause error) (string, error) {
	logger.Error("giving up on message", "reason", reason, "attempts", attempts, "error", cause)

	if err := r.deadLetter(ctx, d, env, reason, attempts, cause); err != nil {
		return OutcomeRetry, err
	}
	if err := r.failStage(ctx, env, cause); err != nil {
		return OutcomeRetry, err
	}
	return OutcomeDeadLettered, nil
}

func (r *Router) deadLetter(ctx context.Context, d *messaging.Delivery, env *contracts.Envelope, reason string, attempts int, cause error) error {
	dl := reliability.DeadLetter{
		MessageID: d.ID,
		Key:       d.Key,
		Reason:    reason,
		Error:     cause.Error(),
		Attempts:  attempts,
		Payload:   d.Value,
	}
	if env != nil && env.ID != "" {
		dl.MessageID = env.ID
	}
	if err := r.deadLetters.Send(ctx, dl); err != nil {
		return err
	}
	r.metrics.DeadLetter(ctx, reason)
	return nil
}

// failStage marks the stage an ADVANCE targeted FAILED together with its run
func (r *Router) failStage(ctx context.Context, env *contracts.Envelope, cause error) error {
	if env == nil || env.Type != contracts.TypeAdvance {
		return nil
	}
	ref, err := env.RunRef()
	if err != nil {
		return nil
	}
	stage, err := env.StageIndex()
	if err != nil {
		return nil
	}

	return r.store.WithTx(ctx, func(q *store.Queries) error {
		rec, err := q.GetStageRecord(ctx, ref.ID, stage)
		if errors.Is(err, store.ErrStageRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Status.Terminal() {
			return nil
		}
		if err := r.machine.Fail(ctx, q, rec, cause.Error()); err != nil {
			return err
		}
		return q.SetRunStatus(ctx, ref.ID, store.RunFailed)
	})
}

// forget clears the attempt counter of a message that will be committed
func (r *Router) forget(ctx context.Context, logger *slog.Logger, d *messaging.Delivery, env *contracts.Envelope) {
	if r.maxAttempts <= 0 {
		return
	}
	if err := r.attempts.Reset(ctx, attemptKey(d, env)); err != nil {
		logger.Warn("failed to reset attempt counter", "error", err)
	}
}

// attemptKey identifies a message across redeliveries. The envelope id is
// stable across transports; the delivery id is the fallback.
func attemptKey(d *messaging.Delivery, env *contracts.Envelope) string {
	if env != nil && env.ID != "" {
		return env.ID
	}
	return d.ID
}
