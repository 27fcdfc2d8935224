// Package outbox moves pending stage envelopes from the database to the bus.
//
// Each cycle opens a transaction, reads a small batch of entries (locked on
// PostgreSQL so publisher replicas never share one), publishes them in order
// and deletes each entry once the bus accepted it. The first failed publish
// ends the batch; the failed entry and everything after it stay for the next
// cycle. Entries deleted before the failure are committed.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/stagerelay/contracts"
	"github.com/glimte/stagerelay/internal/metrics"
	"github.com/glimte/stagerelay/internal/store"
)

// EnvelopePublisher is the bus side of the outbox, satisfied by
// messaging.Publisher
type EnvelopePublisher interface {
	PublishEnvelope(ctx context.Context, env *contracts.Envelope) error
	PublishRaw(ctx context.Context, key string, payload []byte) error
}

// ErrStore wraps storage failures, which end Run
var ErrStore = errors.New("outbox: store failure")

// Publisher is the outbox loop
type Publisher struct {
	store          *store.Store
	bus            EnvelopePublisher
	interval       time.Duration
	batchSize      int
	publishTimeout time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

// Option configures the Publisher
type Option func(*Publisher)

// WithInterval sets the pause between cycles
func WithInterval(d time.Duration) Option {
	return func(p *Publisher) {
		p.interval = d
	}
}

// WithBatchSize sets how many entries one cycle reads
func WithBatchSize(n int) Option {
	return func(p *Publisher) {
		p.batchSize = n
	}
}

// WithPublishTimeout bounds a single publish
func WithPublishTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.publishTimeout = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithMetrics records published entries and failures
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// NewPublisher creates an outbox publisher
func NewPublisher(st *store.Store, bus EnvelopePublisher, options ...Option) *Publisher {
	p := &Publisher{
		store:          st,
		bus:            bus,
		interval:       10 * time.Second,
		batchSize:      5,
		publishTimeout: 10 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Run publishes a batch immediately and then once per interval until ctx
// ends. It returns nil on cancellation and an ErrStore error when the
// database fails.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info("outbox publisher started", "interval", p.interval, "batchSize", p.batchSize)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.PublishBatch(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("outbox publisher stopped", "error", err)
			return err
		}

		select {
		case <-ctx.Done():
			p.logger.Info("outbox publisher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// PublishBatch runs one cycle and returns how many entries were published
// and deleted. A bus failure is logged and not returned.
func (p *Publisher) PublishBatch(ctx context.Context) (int, error) {
	var (
		published int
		busErr    error
	)

	err := p.store.WithTx(ctx, func(q *store.Queries) error {
		entries, err := q.ListOutbox(ctx, p.batchSize)
		if err != nil {
			return err
		}

		for _, entry := range entries {
			if err := p.publish(ctx, entry); err != nil {
				busErr = fmt.Errorf("entry %d: %w", entry.ID, err)
				break
			}
			if err := q.DeleteOutbox(ctx, entry.ID); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStore, err)
	}

	p.metrics.OutboxPublished(ctx, published)
	if busErr != nil {
		p.metrics.OutboxFailure(ctx)
		p.logger.Warn("outbox publish failed, retrying next cycle",
			"published", published,
			"error", busErr,
		)
	} else if published > 0 {
		p.logger.Debug("outbox batch published", "published", published)
	}
	return published, nil
}

func (p *Publisher) publish(ctx context.Context, entry store.OutboxEntry) error {
	if p.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	env, err := contracts.Decode(entry.Payload)
	if err != nil {
		// the router drops it; publishing keeps the table from clogging
		p.logger.Warn("outbox entry is not a valid envelope, publishing as is",
			"entryId", entry.ID,
			"runId", entry.RunID,
			"error", err,
		)
		return p.bus.PublishRaw(ctx, entry.RunID, entry.Payload)
	}
	return p.bus.PublishEnvelope(ctx, env)
}
