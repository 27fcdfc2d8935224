// Package sweeper periodically reports stage records that stopped moving: a
// PENDING stage whose message is no longer being redelivered, or a NEXTSTAGE
// stage whose reply never came. It only alerts and never changes state.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/glimte/stagerelay/internal/metrics"
	"github.com/glimte/stagerelay/internal/store"
)

// StageLister reads stage records older than a cutoff
type StageLister interface {
	ListStaleStages(ctx context.Context, statuses []store.StageStatus, before time.Time, limit int) ([]store.StageRecord, error)
}

// Report is the outcome of one sweep
type Report struct {
	Pending []store.StageRecord
	Waiting []store.StageRecord
}

// Total returns the number of stalled records found
func (r Report) Total() int {
	return len(r.Pending) + len(r.Waiting)
}

// Sweeper runs the stalled-stage check on a cron schedule
type Sweeper struct {
	lister       StageLister
	schedule     string
	pendingAfter time.Duration
	waitingAfter time.Duration
	limit        int
	logger       *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

// Option configures the Sweeper
type Option func(*Sweeper)

// WithSchedule sets the cron spec, e.g. "@every 5m" or "*/10 * * * *"
func WithSchedule(spec string) Option {
	return func(s *Sweeper) {
		s.schedule = spec
	}
}

// WithPendingAfter reports PENDING stages not updated for d
func WithPendingAfter(d time.Duration) Option {
	return func(s *Sweeper) {
		s.pendingAfter = d
	}
}

// WithWaitingAfter reports NEXTSTAGE stages not updated for d. Zero disables
// the check.
func WithWaitingAfter(d time.Duration) Option {
	return func(s *Sweeper) {
		s.waitingAfter = d
	}
}

// WithLimit caps the records listed per status and sweep
func WithLimit(n int) Option {
	return func(s *Sweeper) {
		s.limit = n
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

// WithMetrics records stalled record counts
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) {
		s.metrics = m
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = now
	}
}

// New creates a sweeper over lister
func New(lister StageLister, options ...Option) *Sweeper {
	s := &Sweeper{
		lister:       lister,
		schedule:     "@every 5m",
		pendingAfter: 15 * time.Minute,
		waitingAfter: 72 * time.Hour,
		limit:        100,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Sweep lists stalled records once and logs a warning for each
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var (
		report Report
		err    error
	)
	now := s.now()

	if s.pendingAfter > 0 {
		report.Pending, err = s.lister.ListStaleStages(ctx, []store.StageStatus{store.StagePending}, now.Add(-s.pendingAfter), s.limit)
		if err != nil {
			return Report{}, err
		}
	}
	if s.waitingAfter > 0 {
		report.Waiting, err = s.lister.ListStaleStages(ctx, []store.StageStatus{store.StageNextStage}, now.Add(-s.waitingAfter), s.limit)
		if err != nil {
			return Report{}, err
		}
	}

	for _, rec := range report.Pending {
		s.logger.Warn("stage stuck in progress",
			"runId", rec.RunID,
			"stage", rec.StageIndex,
			"integration", rec.Integration,
			"since", rec.UpdatedAt,
		)
	}
	for _, rec := range report.Waiting {
		s.logger.Warn("stage still waiting for a reply",
			"runId", rec.RunID,
			"stage", rec.StageIndex,
			"participant", rec.Participant,
			"since", rec.UpdatedAt,
		)
	}

	s.metrics.StaleStages(ctx, string(store.StagePending), len(report.Pending))
	s.metrics.StaleStages(ctx, string(store.StageNextStage), len(report.Waiting))
	s.logger.Debug("sweep finished", "pending", len(report.Pending), "waiting", len(report.Waiting))
	return report, nil
}

// Run sweeps on the schedule until ctx is cancelled. A sweep still running
// when the next one is due is not overlapped.
func (s *Sweeper) Run(ctx context.Context) error {
	logger := cronLogger{s.logger}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger)))

	if _, err := c.AddFunc(s.schedule, func() {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid sweeper schedule %q: %w", s.schedule, err)
	}

	s.logger.Info("sweeper started", "schedule", s.schedule)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("sweeper stopped")
	return nil
}

// ValidateSchedule reports whether spec is a cron spec Run accepts
func ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid sweeper schedule %q: %w", spec, err)
	}
	return nil
}

// cronLogger routes cron's own logging to slog
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
