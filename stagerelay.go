// Copyright 2026 Stagerelay Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package stagerelay wires the store, the bus and the integration registry
// into one Runtime that every command runs on.
package stagerelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/stagerelay/config"
	"github.com/glimte/stagerelay/dispatch"
	"github.com/glimte/stagerelay/health"
	"github.com/glimte/stagerelay/integrations"
	"github.com/glimte/stagerelay/interceptors"
	"github.com/glimte/stagerelay/internal/metrics"
	"github.com/glimte/stagerelay/internal/reliability"
	"github.com/glimte/stagerelay/internal/store"
	"github.com/glimte/stagerelay/messaging"
	"github.com/glimte/stagerelay/outbox"
	"github.com/glimte/stagerelay/router"
	"github.com/glimte/stagerelay/sweeper"
	"github.com/glimte/stagerelay/transports/kafka"
	"github.com/glimte/stagerelay/transports/memory"
	"github.com/glimte/stagerelay/transports/rabbitmq"
	"github.com/glimte/stagerelay/webhook"
)

// deadLetterGroup is the queue dead letters collect in on brokers that need
// a declared consumer group before publishing
const deadLetterGroup = "dead-letters"

// queueDepthWarning marks the stage queue degraded
const queueDepthWarning = 10000

// ErrInvalidWorkflows is returned by ValidateWorkflows in strict mode
var ErrInvalidWorkflows = errors.New("stagerelay: stored workflows reference invalid steps")

// Runtime owns the process-wide handles. It is created once at the process
// root, shared by the components it runs, and closed once.
type Runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	store     *store.Store
	transport messaging.Transport
	registry  *dispatch.Registry
	stages    *messaging.Publisher
	dlq       *messaging.Publisher
	redis     *redis.Client

	closeOnce sync.Once
	closeErr  error
}

type runtimeOptions struct {
	logger    *slog.Logger
	transport messaging.Transport
	mail      integrations.MailSender
	chat      integrations.ChatSender
	metrics   *metrics.Metrics
}

// Option configures Open
type Option func(*runtimeOptions)

// WithLogger sets the logger every component inherits
func WithLogger(logger *slog.Logger) Option {
	return func(o *runtimeOptions) {
		o.logger = logger
	}
}

// WithTransport uses t instead of the transport named in the configuration.
// The Runtime takes ownership and closes it.
func WithTransport(t messaging.Transport) Option {
	return func(o *runtimeOptions) {
		o.transport = t
	}
}

// WithMailSender replaces the Resend sender
func WithMailSender(s integrations.MailSender) Option {
	return func(o *runtimeOptions) {
		o.mail = s
	}
}

// WithChatSender replaces the Telegram sender
func WithChatSender(s integrations.ChatSender) Option {
	return func(o *runtimeOptions) {
		o.chat = s
	}
}

// WithMetrics replaces the instruments created on the global MeterProvider
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *runtimeOptions) {
		o.metrics = m
	}
}

// Open validates cfg and connects the store and the bus. Any failure here is
// fatal configuration; handles opened so far are closed again.
func Open(ctx context.Context, cfg *config.Config, options ...Option) (_ *Runtime, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := runtimeOptions{logger: slog.Default()}
	for _, opt := range options {
		opt(&opts)
	}

	r := &Runtime{cfg: cfg, logger: opts.logger, metrics: opts.metrics}
	defer func() {
		if err != nil {
			r.Close()
		}
	}()

	if r.metrics == nil && cfg.Metrics.Enabled {
		if r.metrics, err = metrics.NewGlobal(); err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
	}

	r.store, err = store.Open(ctx, store.Dialect(cfg.Store.Dialect), cfg.Store.DSN, store.WithLogger(r.logger))
	if err != nil {
		return nil, err
	}

	r.transport = opts.transport
	if r.transport == nil {
		if r.transport, err = newTransport(ctx, cfg.Bus, r.logger); err != nil {
			return nil, err
		}
	}
	if err := r.declareQueues(ctx); err != nil {
		return nil, err
	}

	if r.registry, err = r.newRegistry(opts); err != nil {
		return nil, err
	}

	r.stages = messaging.NewPublisher(r.transport.Producer(), cfg.Bus.Topic,
		messaging.WithPublisherLogger(r.logger),
		messaging.WithCircuitBreaker(reliability.NewCircuitBreaker(
			reliability.WithName("publish:"+cfg.Bus.Topic),
			reliability.WithBreakerLogger(r.logger),
		)),
	)
	if cfg.Bus.DeadLetterTopic != "" {
		r.dlq = messaging.NewPublisher(r.transport.Producer(), cfg.Bus.DeadLetterTopic, messaging.WithPublisherLogger(r.logger))
	}

	if addr := cfg.Router.Redis.Addr; addr != "" {
		r.redis = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Router.Redis.Password,
			DB:       cfg.Router.Redis.DB,
		})
	}

	r.logger.Info("runtime ready",
		"dialect", cfg.Store.Dialect,
		"transport", r.transport.Name(),
		"topic", cfg.Bus.Topic,
		"integrations", r.registry.Names(),
	)
	return r, nil
}

func newTransport(ctx context.Context, cfg config.BusConfig, logger *slog.Logger) (messaging.Transport, error) {
	switch cfg.Transport {
	case "kafka":
		t, err := kafka.New(kafka.Config{
			Brokers:          cfg.Kafka.Brokers,
			ClientID:         cfg.Kafka.ClientID,
			HandlerTimeout:   cfg.Kafka.HandlerTimeout,
			AutoCreateTopics: cfg.Kafka.AutoCreateTopics,
		}, kafka.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return t, nil
	case "rabbitmq":
		t, err := rabbitmq.New(ctx, rabbitmq.Config{
			URL:                  cfg.RabbitMQ.URL,
			Exchange:             cfg.RabbitMQ.Exchange,
			Prefetch:             cfg.RabbitMQ.Prefetch,
			SingleActiveConsumer: cfg.RabbitMQ.SingleActiveConsumer,
			HandlerTimeout:       cfg.RabbitMQ.HandlerTimeout,
			RedeliveryDelay:      cfg.RabbitMQ.RedeliveryDelay,
		}, rabbitmq.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return t, nil
	case "memory":
		return memory.New(memory.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", config.ErrInvalidConfig, cfg.Transport)
	}
}

type queueDeclarer interface {
	EnsureQueue(ctx context.Context, topic, group string) error
}

// declareQueues makes sure messages published before the first router
// starts are kept by brokers that need it
func (r *Runtime) declareQueues(ctx context.Context) error {
	d, ok := r.transport.(queueDeclarer)
	if !ok {
		return nil
	}
	if err := d.EnsureQueue(ctx, r.cfg.Bus.Topic, r.cfg.Bus.Group); err != nil {
		return fmt.Errorf("failed to declare stage queue: %w", err)
	}
	if r.cfg.Bus.DeadLetterTopic != "" {
		if err := d.EnsureQueue(ctx, r.cfg.Bus.DeadLetterTopic, deadLetterGroup); err != nil {
			return fmt.Errorf("failed to declare dead-letter queue: %w", err)
		}
	}
	return nil
}

func (r *Runtime) newRegistry(opts runtimeOptions) (*dispatch.Registry, error) {
	deps := integrations.Dependencies{Logger: r.logger}

	deps.Mail = opts.mail
	if deps.Mail == nil && r.cfg.Integrations.Mail.Enabled {
		deps.Mail = integrations.NewResendSender()
	}
	deps.Chat = opts.chat
	if deps.Chat == nil && r.cfg.Integrations.Telegram.Enabled {
		deps.Chat = integrations.NewTelegramSender(r.cfg.Integrations.Telegram.Endpoint)
	}
	if base := r.cfg.Integrations.Files.BaseURL; base != "" {
		deps.Files = integrations.BaseURLFileSource{Base: base}
	}

	reg := dispatch.NewRegistry(dispatch.WithLogger(r.logger), dispatch.WithMetrics(r.metrics))
	if err := integrations.Register(reg, deps); err != nil {
		return nil, err
	}
	reg.Seal()
	return reg, nil
}

// Config returns the configuration the runtime was opened with
func (r *Runtime) Config() *config.Config {
	return r.cfg
}

// Logger returns the process logger
func (r *Runtime) Logger() *slog.Logger {
	return r.logger
}

// Store returns the state store
func (r *Runtime) Store() *store.Store {
	return r.store
}

// Transport returns the bus
func (r *Runtime) Transport() messaging.Transport {
	return r.transport
}

// Registry returns the sealed integration registry
func (r *Runtime) Registry() *dispatch.Registry {
	return r.registry
}

// Migrate applies the store schema
func (r *Runtime) Migrate(ctx context.Context) error {
	return r.store.Migrate(ctx)
}

// ValidateWorkflows checks every stored step against the registry. Failures
// are returned in strict mode and logged otherwise, because an unknown
// integration is a no-op stage at dispatch time.
func (r *Runtime) ValidateWorkflows(ctx context.Context) error {
	steps, err := r.store.ListSteps(ctx, "")
	if err != nil {
		return err
	}
	verr := r.registry.ValidateSteps(steps)
	if verr == nil {
		r.logger.Info("workflows validated", "steps", len(steps))
		return nil
	}
	if r.cfg.Router.StrictIntegrations {
		return fmt.Errorf("%w: %w", ErrInvalidWorkflows, verr)
	}
	r.logger.Warn("stored workflows reference invalid steps", "error", verr)
	return nil
}

// CreateWorkflow stores wf after checking every step against the registry
func (r *Runtime) CreateWorkflow(ctx context.Context, wf *store.Workflow) error {
	if err := r.registry.ValidateSteps(wf.Steps); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWorkflows, err)
	}
	if err := r.store.CreateWorkflow(ctx, wf); err != nil {
		return err
	}
	r.logger.Info("workflow created", "workflowId", wf.ID, "name", wf.Name, "steps", len(wf.Steps))
	return nil
}

// StartRun creates a run of workflowID and queues its first stage
func (r *Runtime) StartRun(ctx context.Context, workflowID string, meta map[string]any) (*store.Run, error) {
	run := &store.Run{WorkflowID: workflowID, Meta: meta}
	if err := r.store.StartRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}
	r.logger.Info("run started", "runId", run.ID, "workflowId", workflowID)
	return run, nil
}

// Router builds a router over the runtime's store and registry
func (r *Runtime) Router() *router.Router {
	options := []router.Option{
		router.WithLogger(r.logger),
		router.WithMetrics(r.metrics),
		router.WithDeadLetters(r.deadLetterHandler()),
	}
	if n := r.cfg.Router.MaxAttempts; n > 0 {
		options = append(options, router.WithMaxAttempts(n, r.attemptTracker()))
	}
	if h, ok := r.registry.Lookup(integrations.NameWait); ok {
		if enricher, ok := h.(router.ReplyEnricher); ok {
			options = append(options, router.WithReplyEnricher(enricher))
		}
	}
	return router.New(r.store, r.registry, options...)
}

func (r *Runtime) deadLetterHandler() *reliability.DeadLetterHandler {
	options := []reliability.DeadLetterOption{reliability.WithDeadLetterLogger(r.logger)}
	if r.dlq != nil {
		options = append(options, reliability.WithDeadLetterPublisher(r.dlq))
	}
	return reliability.NewDeadLetterHandler(options...)
}

func (r *Runtime) attemptTracker() reliability.AttemptTracker {
	if r.redis == nil {
		return reliability.NewMemoryAttemptTracker()
	}
	options := []reliability.RedisAttemptOption{}
	if ttl := r.cfg.Router.Redis.TTL; ttl > 0 {
		options = append(options, reliability.WithAttemptTTL(ttl))
	}
	return reliability.NewRedisAttemptTracker(r.redis, options...)
}

// Interceptors returns the chain wrapped around every routed message
func (r *Runtime) Interceptors() *interceptors.Chain {
	chain := interceptors.NewChain(r.logger).
		Add(interceptors.NewRecoveryInterceptor(r.logger)).
		Add(interceptors.NewLoggingInterceptor(r.logger))

	if n := r.cfg.Router.BreakerThreshold; n > 0 {
		chain.Add(interceptors.NewCircuitBreakerInterceptor(reliability.NewCircuitBreaker(
			reliability.WithName("router"),
			reliability.WithFailureThreshold(n),
			reliability.WithTimeout(r.cfg.Router.BreakerTimeout),
			reliability.WithBreakerLogger(r.logger),
		)))
	}

	// two routers racing on one stage record: the loser re-reads and skips
	chain.Add(interceptors.NewRetryInterceptor(
		reliability.NewFixedDelay(50*time.Millisecond, 3),
		router.IsConflict,
	).WithLogger(r.logger))

	return chain.Add(interceptors.NewTimeoutInterceptor(r.cfg.Router.HandlerTimeout))
}

// RunRouter consumes the stage topic until ctx is cancelled
func (r *Runtime) RunRouter(ctx context.Context) error {
	if err := r.ValidateWorkflows(ctx); err != nil {
		return err
	}

	consumer, err := r.transport.Consumer(r.cfg.Bus.Topic, r.cfg.Bus.Group)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	defer consumer.Close()

	return r.Router().Run(ctx, consumer, r.Interceptors().Then)
}

// Publisher builds the outbox publisher
func (r *Runtime) Publisher() *outbox.Publisher {
	return outbox.NewPublisher(r.store, r.stages,
		outbox.WithInterval(r.cfg.Publisher.Interval),
		outbox.WithBatchSize(r.cfg.Publisher.BatchSize),
		outbox.WithPublishTimeout(r.cfg.Publisher.PublishTimeout),
		outbox.WithLogger(r.logger),
		outbox.WithMetrics(r.metrics),
	)
}

// RunPublisher drains the outbox until ctx is cancelled
func (r *Runtime) RunPublisher(ctx context.Context) error {
	return r.Publisher().Run(ctx)
}

// Health returns the readiness checks of the runtime's handles
func (r *Runtime) Health() *health.Registry {
	reg := health.NewRegistry(
		health.NewPingChecker("store", r.store),
		health.NewPingChecker("bus", r.transport),
		health.NewOutboxChecker(r.store, 1000, 10*r.cfg.Publisher.Interval),
		health.NewRuntimeChecker(500, 1000),
	)
	if d, ok := r.transport.(interface {
		QueueDepth(ctx context.Context, topic, group string) (int, error)
	}); ok {
		reg.Register(health.NewCheckerFunc("stage_queue", func(ctx context.Context) health.CheckResult {
			return queueDepthResult(ctx, d.QueueDepth, r.cfg.Bus.Topic, r.cfg.Bus.Group)
		}))
	}
	if r.redis != nil {
		reg.Register(health.NewPingChecker("redis", redisPinger{r.redis}))
	}
	return reg
}

func queueDepthResult(ctx context.Context, depth func(context.Context, string, string) (int, error), topic, group string) health.CheckResult {
	start := time.Now()
	result := health.CheckResult{Name: "stage_queue", Timestamp: start, Details: map[string]any{}}

	n, err := depth(ctx, topic, group)
	switch {
	case err != nil:
		result.Status = health.StatusUnhealthy
		result.Message = "queue not accessible"
		result.Error = err.Error()
	case n > queueDepthWarning:
		result.Status = health.StatusDegraded
		result.Message = "stage queue has a high message count"
	default:
		result.Status = health.StatusHealthy
		result.Message = "stage queue is accessible"
	}
	result.Details["message_count"] = n
	result.Duration = time.Since(start)
	return result
}

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Webhook builds the inbound reply server
func (r *Runtime) Webhook() *webhook.Server {
	return webhook.New(r.stages,
		webhook.WithAddress(r.cfg.Webhook.Address),
		webhook.WithBodyLimit(r.cfg.Webhook.BodyLimit),
		webhook.WithServiceName(r.cfg.Webhook.ServiceName),
		webhook.WithHealth(r.Health()),
		webhook.WithLogger(r.logger),
		webhook.WithMetrics(r.metrics),
	)
}

// RunWebhook serves inbound replies until ctx is cancelled
func (r *Runtime) RunWebhook(ctx context.Context) error {
	return r.Webhook().Run(ctx)
}

// Sweeper builds the stalled-stage sweeper
func (r *Runtime) Sweeper() *sweeper.Sweeper {
	return sweeper.New(r.store,
		sweeper.WithSchedule(r.cfg.Sweeper.Schedule),
		sweeper.WithPendingAfter(r.cfg.Sweeper.PendingAfter),
		sweeper.WithWaitingAfter(r.cfg.Sweeper.WaitingAfter),
		sweeper.WithLimit(r.cfg.Sweeper.Limit),
		sweeper.WithLogger(r.logger),
		sweeper.WithMetrics(r.metrics),
	)
}

// RunSweeper reports stalled stages until ctx is cancelled
func (r *Runtime) RunSweeper(ctx context.Context) error {
	return r.Sweeper().Run(ctx)
}

// Serve runs the router, the outbox publisher, the webhook server and the
// sweeper in this process until ctx is cancelled or one of them fails
func (r *Runtime) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.RunRouter(ctx) })
	g.Go(func() error { return r.RunPublisher(ctx) })
	g.Go(func() error { return r.RunWebhook(ctx) })
	g.Go(func() error { return r.RunSweeper(ctx) })
	return g.Wait()
}

// Close releases every handle. Only the first call has an effect.
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		var errs []error
		if r.transport != nil {
			errs = append(errs, r.transport.Close())
		}
		if r.redis != nil {
			errs = append(errs, r.redis.Close())
		}
		if r.store != nil {
			errs = append(errs, r.store.Close())
		}
		r.closeErr = errors.Join(errs...)
		r.logger.Info("runtime closed", "error", r.closeErr)
	})
	return r.closeErr
}
