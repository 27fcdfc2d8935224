package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/stagerelay/internal/store"
)

// Pinger is anything that can report reachability: the store and every
// transport
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports unhealthy when Ping fails
type PingChecker struct {
	name   string
	pinger Pinger
}

// NewPingChecker creates a checker named name over p
func NewPingChecker(name string, p Pinger) *PingChecker {
	return &PingChecker{name: name, pinger: p}
}

func (c *PingChecker) Name() string {
	return c.name
}

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	if err := c.pinger.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "ping failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "reachable"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// OutboxLister reads pending outbox entries
type OutboxLister interface {
	ListOutbox(ctx context.Context, limit int) ([]store.OutboxEntry, error)
}

// OutboxChecker reports degraded when the outbox backlog reaches a threshold
// or its oldest entry is older than maxAge, which means no publisher is
// draining it
type OutboxChecker struct {
	lister    OutboxLister
	threshold int
	maxAge    time.Duration
	now       func() time.Time
}

// NewOutboxChecker creates an outbox backlog checker
func NewOutboxChecker(lister OutboxLister, threshold int, maxAge time.Duration) *OutboxChecker {
	return &OutboxChecker{lister: lister, threshold: threshold, maxAge: maxAge, now: time.Now}
}

func (c *OutboxChecker) Name() string {
	return "outbox"
}

func (c *OutboxChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	entries, err := c.lister.ListOutbox(ctx, c.threshold)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "failed to read outbox"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "outbox is draining"
	result.Details["pending"] = len(entries)

	if len(entries) > 0 {
		age := c.now().Sub(entries[0].CreatedAt)
		result.Details["oldest_age_ms"] = age.Milliseconds()
		if c.maxAge > 0 && age > c.maxAge {
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("oldest outbox entry is %s old", age.Round(time.Second))
		}
	}
	if c.threshold > 0 && len(entries) >= c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("outbox backlog reached %d entries", c.threshold)
	}

	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker watches the goroutine count
type RuntimeChecker struct {
	warning  int
	critical int
}

// NewRuntimeChecker creates a goroutine count checker
func NewRuntimeChecker(warning, critical int) *RuntimeChecker {
	return &RuntimeChecker{warning: warning, critical: critical}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()
	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case c.critical > 0 && goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case c.warning > 0 && goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}
