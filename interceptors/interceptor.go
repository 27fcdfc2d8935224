package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/glimte/stagerelay/messaging"
)

// Interceptor processes a delivery and calls the next handler in the chain
type Interceptor interface {
	Intercept(ctx context.Context, d *messaging.Delivery, next messaging.Handler) error

	// Name returns the interceptor name for logging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, d *messaging.Delivery, next messaging.Handler) error
}

// NewInterceptorFunc creates a function based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, d *messaging.Delivery, next messaging.Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, d *messaging.Delivery, next messaging.Handler) error {
	return i.fn(ctx, d, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors
type Chain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewChain creates an empty chain
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{logger: logger}
}

// Add appends an interceptor
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Names returns the interceptor names in execution order
func (c *Chain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Then wraps final with the chain
func (c *Chain) Then(final messaging.Handler) messaging.Handler {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = func(ctx context.Context, d *messaging.Delivery) error {
			return interceptor.Intercept(ctx, d, next)
		}
	}
	c.logger.Debug("interceptor chain built", "interceptors", c.Names())
	return handler
}

// LoggingInterceptor logs every delivery with its outcome and duration
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, d *messaging.Delivery, next messaging.Handler) error {
	start := time.Now()
	logger := i.logger.With(
		"deliveryId", d.ID,
		"messageId", d.Header(messaging.HeaderMessageID),
		"key", d.Key,
		"attempt", d.Attempt,
	)
	logger.Debug("processing message", "topic", d.Topic)

	err := next(ctx, d)
	if err != nil {
		logger.Error("message processing failed", "duration", time.Since(start), "error", err)
		return err
	}
	logger.Debug("message processed", "duration", time.Since(start))
	return nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// RecoveryInterceptor turns a handler panic into an error, so the message
// is redelivered instead of the consumer goroutine dying
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a recovery interceptor
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(ctx context.Context, d *messaging.Delivery, next messaging.Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("handler panicked",
				"deliveryId", d.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("handler panicked on %s: %v", d.ID, r)
		}
	}()
	return next(ctx, d)
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}

// TimeoutInterceptor bounds the time a handler may take
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, d *messaging.Delivery, next messaging.Handler) error {
	if i.timeout <= 0 {
		return next(ctx, d)
	}
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	return next(ctx, d)
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// CircuitBreaker is the subset of reliability.CircuitBreaker the interceptor
// needs
type CircuitBreaker interface {
	Execute(ctx context.Context, fn func() error) error
}

// CircuitBreakerInterceptor stops calling the handler while it keeps failing
type CircuitBreakerInterceptor struct {
	breaker CircuitBreaker
}

// NewCircuitBreakerInterceptor creates a circuit breaker interceptor
func NewCircuitBreakerInterceptor(breaker CircuitBreaker) *CircuitBreakerInterceptor {
	return &CircuitBreakerInterceptor{breaker: breaker}
}

// Intercept implements Interceptor
func (i *CircuitBreakerInterceptor) Intercept(ctx context.Context, d *messaging.Delivery, next messaging.Handler) error {
	return i.breaker.Execute(ctx, func() error {
		return next(ctx, d)
	})
}

// Name implements Interceptor
func (i *CircuitBreakerInterceptor) Name() string {
	return "CircuitBreakerInterceptor"
}
