// Package metrics records pipeline measurements through the OpenTelemetry
// metric API. Without a configured MeterProvider the global no-op provider
// swallows every measurement.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// InstrumentationName is the meter name used for every instrument
const InstrumentationName = "github.com/glimte/stagerelay"

// Metrics holds the instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	messages         metric.Int64Counter
	handlerDuration  metric.Float64Histogram
	dispatchDuration metric.Float64Histogram
	outboxPublished  metric.Int64Counter
	outboxFailures   metric.Int64Counter
	deadLetters      metric.Int64Counter
	staleStages      metric.Int64Counter
	webhookReplies   metric.Int64Counter
}

// New creates the instruments on meter
func New(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	if m.messages, err = meter.Int64Counter("stagerelay.router.messages",
		metric.WithDescription("Messages handled by the router, by type and outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create router counter: %w", err)
	}
	if m.handlerDuration, err = meter.Float64Histogram("stagerelay.router.duration",
		metric.WithDescription("Time spent handling one message"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create router histogram: %w", err)
	}
	if m.dispatchDuration, err = meter.Float64Histogram("stagerelay.dispatch.duration",
		metric.WithDescription("Integration handler latency"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create dispatch histogram: %w", err)
	}
	if m.outboxPublished, err = meter.Int64Counter("stagerelay.outbox.published",
		metric.WithDescription("Outbox entries published and deleted"),
	); err != nil {
		return nil, fmt.Errorf("failed to create outbox counter: %w", err)
	}
	if m.outboxFailures, err = meter.Int64Counter("stagerelay.outbox.failures",
		metric.WithDescription("Outbox publish attempts that failed"),
	); err != nil {
		return nil, fmt.Errorf("failed to create outbox failure counter: %w", err)
	}
	if m.deadLetters, err = meter.Int64Counter("stagerelay.router.dead_letters",
		metric.WithDescription("Messages dead-lettered by the router"),
	); err != nil {
		return nil, fmt.Errorf("failed to create dead letter counter: %w", err)
	}
	if m.staleStages, err = meter.Int64Counter("stagerelay.sweeper.stale_stages",
		metric.WithDescription("Stalled stage records seen by the sweeper"),
	); err != nil {
		return nil, fmt.Errorf("failed to create stale stage counter: %w", err)
	}
	if m.webhookReplies, err = meter.Int64Counter("stagerelay.webhook.replies",
		metric.WithDescription("Inbound replies received by the webhook"),
	); err != nil {
		return nil, fmt.Errorf("failed to create webhook counter: %w", err)
	}

	return &m, nil
}

// NewGlobal creates the instruments on the global MeterProvider
func NewGlobal() (*Metrics, error) {
	return New(otel.Meter(InstrumentationName))
}

// Noop returns instruments that record nothing
func Noop() *Metrics {
	m, _ := New(noop.NewMeterProvider().Meter(InstrumentationName))
	return m
}

// RouterMessage counts one handled message
func (m *Metrics) RouterMessage(ctx context.Context, messageType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("type", messageType),
		attribute.String("outcome", outcome),
	)
	m.messages.Add(ctx, 1, attrs)
	m.handlerDuration.Record(ctx, d.Seconds(), attrs)
}

// Dispatch records one integration call
func (m *Metrics) Dispatch(ctx context.Context, integration string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("integration", integration),
		attribute.Bool("error", err != nil),
	))
}

// OutboxPublished counts entries published in one cycle
func (m *Metrics) OutboxPublished(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.outboxPublished.Add(ctx, int64(n))
}

// OutboxFailure counts one failed publish
func (m *Metrics) OutboxFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.outboxFailures.Add(ctx, 1)
}

// DeadLetter counts one dead-lettered message
func (m *Metrics) DeadLetter(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// StaleStages counts stalled records found in one sweep
func (m *Metrics) StaleStages(ctx context.Context, status string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.staleStages.Add(ctx, int64(n), metric.WithAttributes(attribute.String("status", status)))
}

// WebhookReply counts one inbound reply
func (m *Metrics) WebhookReply(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.webhookReplies.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
