package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/stagerelay/contracts"
	"github.com/glimte/stagerelay/dispatch"
	"github.com/glimte/stagerelay/integrations"
	"github.com/glimte/stagerelay/internal/reliability"
	"github.com/glimte/stagerelay/internal/store"
	"github.com/glimte/stagerelay/messaging"
	"github.com/glimte/stagerelay/outbox"
	"github.com/glimte/stagerelay/transports/memory"
)

const (
	stageTopic = "stages"
	dlqTopic   = "stages.dlq"
)

type fakeMail struct {
	mu   sync.Mutex
	sent []integrations.OutboundMail
	err  error
}

func (f *fakeMail) SendMail(_ context.Context, m integrations.OutboundMail) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, m)
	return fmt.Sprintf("msg-%d", len(f.sent)), nil
}

func (f *fakeMail) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeChat struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (f *fakeChat) SendText(_ context.Context, _ string, _ int64, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.texts = append(f.texts, text)
	return fmt.Sprintf("%d", len(f.texts)), nil
}

func (f *fakeChat) SendDocument(context.Context, string, int64, string, string) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeChat) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type harness struct {
	t         *testing.T
	ctx       context.Context
	store     *store.Store
	bus       *memory.Bus
	mail      *fakeMail
	chat      *fakeChat
	router    *Router
	publisher *messaging.Publisher
	outbox    *outbox.Publisher
	delivered int
}

func newHarness(t *testing.T, options ...Option) *harness {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, store.DialectSQLite, filepath.Join(t.TempDir(), "router.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := memory.New(memory.WithPartitions(1), memory.WithRedeliveryDelay(5*time.Millisecond))
	t.Cleanup(func() { bus.Close() })

	h := &harness{
		t:     t,
		ctx:   ctx,
		store: st,
		bus:   bus,
		mail:  &fakeMail{},
		chat:  &fakeChat{},
	}

	reg := dispatch.NewRegistry()
	require.NoError(t, integrations.Register(reg, integrations.Dependencies{Mail: h.mail, Chat: h.chat}))
	reg.Seal()

	h.publisher = messaging.NewPublisher(bus.Producer(), stageTopic, messaging.WithRetryPolicy(nil))
	h.outbox = outbox.NewPublisher(st, h.publisher)
	h.router = New(st, reg, options...)
	return h
}

func (h *harness) deadLetters() *reliability.DeadLetterHandler {
	return reliability.NewDeadLetterHandler(reliability.WithDeadLetterPublisher(
		messaging.NewPublisher(h.bus.Producer(), dlqTopic, messaging.WithRetryPolicy(nil)),
	))
}

var stepConfigs = map[string]map[string]any{
	"gmail":         {"email": "example.com", "app_password": "re_key", "message": "hello"},
	"receive_email": {"secret": "whsec"},
	"telegram":      {"token": "bot-token", "chatId": float64(42)},
}

func (h *harness) startRun(meta map[string]any, names ...string) *store.Run {
	h.t.Helper()
	wf := &store.Workflow{Name: "test"}
	for i, name := range names {
		wf.Steps = append(wf.Steps, store.Step{Index: i, Integration: name, Config: stepConfigs[name]})
	}
	require.NoError(h.t, h.store.CreateWorkflow(h.ctx, wf))

	run := &store.Run{WorkflowID: wf.ID, Meta: meta}
	require.NoError(h.t, h.store.StartRun(h.ctx, run))
	return run
}

func (h *harness) deliver(msg messaging.Message) error {
	h.delivered++
	return h.router.Handle(h.ctx, &messaging.Delivery{
		ID:      fmt.Sprintf("%s/0/%d", stageTopic, h.delivered),
		Topic:   stageTopic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: msg.Headers,
		Attempt: 1,
	})
}

// pump alternates outbox cycles and deliveries until nothing moves
func (h *harness) pump() {
	h.t.Helper()
	for i := 0; i < 20; i++ {
		n, err := h.outbox.PublishBatch(h.ctx)
		require.NoError(h.t, err)

		msgs := h.bus.Messages(stageTopic)
		if n == 0 && h.delivered == len(msgs) {
			return
		}
		for h.delivered < len(msgs) {
			require.NoError(h.t, h.deliver(msgs[h.delivered]))
		}
	}
	h.t.Fatal("pipeline did not settle")
}

func (h *harness) resume(reply contracts.Reply) {
	h.t.Helper()
	data, err := json.Marshal(reply)
	require.NoError(h.t, err)
	env, err := contracts.NewResume(data)
	require.NoError(h.t, err)
	require.NoError(h.t, h.publisher.PublishEnvelope(h.ctx, env))
	h.pump()
}

func (h *harness) advance(runID string, stage int) messaging.Message {
	h.t.Helper()
	env, err := contracts.NewAdvance(contracts.RunRef{ID: runID}, stage)
	require.NoError(h.t, err)
	body, err := env.Marshal()
	require.NoError(h.t, err)
	return messaging.Message{Key: runID, Value: body}
}

func (h *harness) record(runID string, stage int) *store.StageRecord {
	h.t.Helper()
	rec, err := h.store.GetStageRecord(h.ctx, runID, stage)
	require.NoError(h.t, err)
	return rec
}

func (h *harness) runStatus(runID string) store.RunStatus {
	h.t.Helper()
	run, err := h.store.GetRun(h.ctx, runID)
	require.NoError(h.t, err)
	return run.Status
}

func (h *harness) outboxLen() int {
	h.t.Helper()
	entries, err := h.store.ListOutbox(h.ctx, 100)
	require.NoError(h.t, err)
	return len(entries)
}

func advanceStages(t *testing.T, msgs []messaging.Message) []int {
	t.Helper()
	var stages []int
	for _, m := range msgs {
		env, err := contracts.Decode(m.Value)
		require.NoError(t, err)
		if env.Type != contracts.TypeAdvance {
			continue
		}
		stage, err := env.StageIndex()
		require.NoError(t, err)
		stages = append(stages, stage)
	}
	return stages
}

func TestRouter_SendWaitNotify(t *testing.T) {
	h := newHarness(t)
	run := h.startRun(map[string]any{"email": "Jane@Example.com"}, "gmail", "receive_email", "telegram")

	h.pump()

	require.Equal(t, 1, h.mail.count())
	assert.Equal(t, "jane@example.com", h.mail.sent[0].To)

	sent := h.record(run.ID, 0)
	assert.Equal(t, store.StageSuccess, sent.Status)
	assert.Equal(t, "msg-1", sent.ExternalMessageID)
	assert.Equal(t, "jane@example.com", sent.Participant)

	waiting := h.record(run.ID, 1)
	assert.Equal(t, store.StageNextStage, waiting.Status)
	ar, err := h.store.GetAwaitedReplyByStageRecord(h.ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ReplyCreated, ar.Status)
	assert.Equal(t, "msg-1", ar.ExternalMessageID)

	assert.Equal(t, []int{0, 1}, advanceStages(t, h.bus.Messages(stageTopic)))
	assert.Zero(t, h.outboxLen())
	assert.Empty(t, h.chat.sentTexts())

	h.resume(contracts.Reply{From: "Jane <jane@example.com>", Subject: "Re: hello", Text: "yes"})

	assert.Equal(t, store.StageDone, h.record(run.ID, 1).Status)
	ar, err = h.store.GetAwaitedReply(h.ctx, ar.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ReplySuccess, ar.Status)

	assert.Equal(t, []string{`{"email":"jane@example.com","html":"","subject":"Re: hello","text":"yes"}`}, h.chat.sentTexts())
	assert.Equal(t, store.StageSuccess, h.record(run.ID, 2).Status)
	assert.Equal(t, []int{0, 1, 2}, advanceStages(t, h.bus.Messages(stageTopic)))
	assert.Equal(t, store.RunCompleted, h.runStatus(run.ID))
	assert.Zero(t, h.outboxLen())
}

func TestRouter_DuplicateAdvanceIsIdempotent(t *testing.T) {
	h := newHarness(t)
	run := h.startRun(map[string]any{"email": "jane@example.com"}, "gmail", "telegram")
	h.pump()
	require.Equal(t, store.RunCompleted, h.runStatus(run.ID))

	first := h.bus.Messages(stageTopic)[0]
	require.NoError(t, h.deliver(first))
	require.NoError(t, h.deliver(first))

	assert.Equal(t, 1, h.mail.count())
	assert.Len(t, h.chat.sentTexts(), 1)
	assert.Zero(t, h.outboxLen())
}

func TestRouter_ReentersPendingStageWithoutResending(t *testing.T) {
	h := newHarness(t)
	run := h.startRun(map[string]any{"email": "jane@example.com"}, "gmail", "receive_email")

	// a previous attempt sent the mail and stored the correlation, then
	// failed before committing the stage
	rec, created, err := h.store.BeginStage(h.ctx, run.ID, 0, "gmail")
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, h.store.SetStageCorrelation(h.ctx, rec.ID, "msg-earlier", "jane@example.com"))

	h.pump()

	assert.Zero(t, h.mail.count())
	assert.Equal(t, store.StageSuccess, h.record(run.ID, 0).Status)
	assert.Equal(t, "msg-earlier", h.record(run.ID, 1).ExternalMessageID)
}

func TestRouter_DuplicateResumeResolvesOnce(t *testing.T) {
	h := newHarness(t)
	run := h.startRun(map[string]any{"email": "jane@example.com"}, "gmail", "receive_email", "telegram")
	h.pump()

	reply := contracts.Reply{From: "jane@example.com", Text: "first"}
	h.resume(reply)
	reply.Text = "second"
	h.resume(reply)

	assert.Len(t, h.chat.sentTexts(), 1)
	assert.Contains(t, h.chat.sentTexts()[0], "first")
	assert.Equal(t, []int{0, 1, 2}, advanceStages(t, h.bus.Messages(stageTopic)))
	assert.Equal(t, store.RunCompleted, h.runStatus(run.ID))
}

func TestRouter_ResumeWithoutWaitingRunIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.resume(contracts.Reply{From: "stranger@example.com", Text: "hi"})
	assert.Zero(t, h.outboxLen())
}

func TestRouter_ResumeEnrichesReply(t *testing.T) {
	enricher := &fakeEnricher{text: "full body"}
	h := newHarness(t, WithReplyEnricher(enricher))
	run := h.startRun(map[string]any{"email": "jane@example.com"}, "gmail", "receive_email", "telegram")
	h.pump()

	h.resume(contracts.Reply{From: "jane@example.com", EmailID: "em-1"})

	assert.Equal(t, "whsec", enricher.secret)
	assert.Contains(t, h.chat.sentTexts()[0], "full body")
	assert.Equal(t, store.RunCompleted, h.runStatus(run.ID))
}

type fakeEnricher struct {
	secret string
	text   string
}

func (f *fakeEnricher) Enrich(_ context.Context, secret string, reply contracts.Reply) contracts.Reply {
	f.secret = secret
	reply.Text = f.text
	return reply
}

func TestRouter_DropsUnprocessableMessages(t *testing.T) {
	h := newHarness(t)
	run := h.startRun(map[string]any{"email": "jane@example.com"}, "gmail", "receive_email", "telegram")

	// settle stage 0 so the run has state to protect
	h.pump()
	require.Equal(t, 1, h.mail.count())

	tests := []struct {
		name string
		msg  messaging.Message
	}{
		{name: "stage beyond the workflow", msg: h.advance(run.ID, 7)},
		{name: "unknown run", msg: h.advance("no-such-run", 0)},
		{name: "malformed payload", msg: messaging.Message{Key: run.ID, Value: []byte("{not json")}},
		{name: "unknown type", msg: messaging.Message{Key: run.ID, Value: []byte(`{"type":"CANCEL","run":{"id":"x"}}`)}},
		{name: "missing stage", msg: messaging.Message{Key: run.ID, Value: []byte(`{"type":"ADVANCE","run":{"id":"x"}}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, h.deliver(tt.msg))
			assert.Zero(t, h.outboxLen())
		})
	}

	records, err := h.store.ListStageRecords(h.ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, 1, h.mail.count())
	assert.Equal(t, store.RunActive, h.runStatus(run.ID))
}

func TestRouter_DropsStageWhosePredecessorIsIncomplete(t *testing.T) {
	h := newHarness(t)
	run := h.startRun(map[string]any{"email": "jane@example.com"}, "gmail", "telegram")

	require.NoError(t, h.deliver(h.advance(run.ID, 1)))

	_, err := h.store.GetStageRecord(h.ctx, run.ID, 1)
	assert.ErrorIs(t, err, store.ErrStageRecordNotFound)
	assert.Empty(t, h.chat.sentTexts())
}

func TestRouter_RetriesWhenPublishFails(t *testing.T) {
	h := newHarness(t)
	run := h.startRun(map[string]any{"email": "jane@example.com"}, "gmail", "telegram")

	h.bus.FailPublishes(1, errors.New("broker unavailable"))
	n, err := h.outbox.PublishBatch(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, h.outboxLen())

	h.pump()
	assert.Equal(t, store.RunCompleted, h.runStatus(run.ID))
}

func TestRouter_UnknownIntegrationStillAdvances(t *testing.T) {
	h := newHarness(t)
	run := h.startRun(map[string]any{"email": "jane@example.com"}, "fax", "telegram")

	h.pump()

	assert.Equal(t, store.StageSuccess, h.record(run.ID, 0).Status)
	assert.Equal(t, []string{`{"email":"jane@example.com"}`}, h.chat.sentTexts())
	assert.Equal(t, store.RunCompleted, h.runStatus(run.ID))
}

func TestRouter_HandlerFailureIsRedelivered(t *testing.T) {
	h := newHarness(t)
	run := h.startRun(map[string]any{"email": "jane@example.com"}, "gmail")
	h.mail.err = errors.New("provider down")

	_, err := h.outbox.PublishBatch(h.ctx)
	require.NoError(t, err)
	msg := h.bus.Messages(stageTopic)[0]

	for i := 0; i < 3; i++ {
		assert.Error(t, h.deliver(msg))
	}
	assert.Equal(t, store.StagePending, h.record(run.ID, 0).Status)

	h.mail.err = nil
	require.NoError(t, h.deliver(msg))
	assert.Equal(t, store.StageSuccess, h.record(run.ID, 0).Status)
	assert.Equal(t, store.RunCompleted, h.runStatus(run.ID))
}

func TestRouter_DeadLettersAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, WithMaxAttempts(2, reliability.NewMemoryAttemptTracker()))
	h.router.deadLetters = h.deadLetters()

	run := h.startRun(map[string]any{"email": "jane@example.com"}, "gmail", "telegram")
	h.mail.err = errors.New("provider down")

	_, err := h.outbox.PublishBatch(h.ctx)
	require.NoError(t, err)
	msg := h.bus.Messages(stageTopic)[0]

	assert.Error(t, h.deliver(msg))
	assert.NoError(t, h.deliver(msg))

	dlq := h.bus.Messages(dlqTopic)
	require.Len(t, dlq, 1)
	var dl reliability.DeadLetter
	require.NoError(t, json.Unmarshal(dlq[0].Value, &dl))
	assert.Equal(t, "max_attempts", dl.Reason)
	assert.Equal(t, 2, dl.Attempts)
	env, err := contracts.Decode(msg.Value)
	require.NoError(t, err)
	assert.Equal(t, env.ID, dl.MessageID)
	assert.JSONEq(t, string(msg.Value), string(dl.Payload))

	rec := h.record(run.ID, 0)
	assert.Equal(t, store.StageFailed, rec.Status)
	assert.Contains(t, rec.LastError, "provider down")
	assert.Equal(t, store.RunFailed, h.runStatus(run.ID))
	assert.Zero(t, h.outboxLen())

	// a late redelivery of the same envelope is skipped
	assert.NoError(t, h.deliver(msg))
	assert.Len(t, h.bus.Messages(dlqTopic), 1)
}

func TestRouter_UnexecutableStageFailsImmediately(t *testing.T) {
	h := newHarness(t)
	run := h.startRun(map[string]any{}, "gmail", "telegram")

	h.pump()

	assert.Zero(t, h.mail.count())
	assert.Equal(t, store.StageFailed, h.record(run.ID, 0).Status)
	assert.Equal(t, store.RunFailed, h.runStatus(run.ID))
	assert.Empty(t, h.chat.sentTexts())
}

func TestRouter_DeadLettersDropsWhenConfigured(t *testing.T) {
	h := newHarness(t)
	h.router.deadLetters = h.deadLetters()

	require.NoError(t, h.deliver(h.advance("no-such-run", 0)))

	dlq := h.bus.Messages(dlqTopic)
	require.Len(t, dlq, 1)
	var dl reliability.DeadLetter
	require.NoError(t, json.Unmarshal(dlq[0].Value, &dl))
	assert.Equal(t, "dropped", dl.Reason)
	assert.Contains(t, dl.Error, "run not found")
}

func TestRouter_RunConsumesFromBus(t *testing.T) {
	h := newHarness(t)
	run := h.startRun(map[string]any{"email": "jane@example.com"}, "gmail", "receive_email", "telegram")

	consumer, err := h.bus.Consumer(stageTopic, "router")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub := outbox.NewPublisher(h.store, h.publisher, outbox.WithInterval(10*time.Millisecond))
	routerDone := make(chan error, 1)
	outboxDone := make(chan struct{})
	go func() { routerDone <- h.router.Run(ctx, consumer) }()
	go func() {
		defer close(outboxDone)
		_ = pub.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		rec, err := h.store.GetStageRecord(context.Background(), run.ID, 1)
		return err == nil && rec.Status == store.StageNextStage
	}, 5*time.Second, 10*time.Millisecond)

	data, err := json.Marshal(contracts.Reply{From: "jane@example.com", Text: "ok"})
	require.NoError(t, err)
	env, err := contracts.NewResume(data)
	require.NoError(t, err)
	require.NoError(t, h.publisher.PublishEnvelope(ctx, env))

	require.Eventually(t, func() bool {
		r, err := h.store.GetRun(context.Background(), run.ID)
		return err == nil && r.Status == store.RunCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-routerDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("router did not stop")
	}
	<-outboxDone
	assert.Zero(t, h.bus.Lag(stageTopic, "router"))
}
