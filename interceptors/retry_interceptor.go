package interceptors

import (
	"context"
	"log/slog"

	"github.com/glimte/stagerelay/internal/reliability"
	"github.com/glimte/stagerelay/messaging"
)

// RetryInterceptor retries the handler in process for errors matching
// retryIf before handing the failure to the consumer
type RetryInterceptor struct {
	policy  reliability.RetryPolicy
	retryIf func(error) bool
	logger  *slog.Logger
}

// NewRetryInterceptor creates a retry interceptor. A nil retryIf retries
// every error the policy accepts.
func NewRetryInterceptor(policy reliability.RetryPolicy, retryIf func(error) bool) *RetryInterceptor {
	return &RetryInterceptor{policy: policy, retryIf: retryIf, logger: slog.Default()}
}

// WithLogger sets the logger
func (r *RetryInterceptor) WithLogger(logger *slog.Logger) *RetryInterceptor {
	r.logger = logger
	return r
}

// Intercept implements Interceptor
func (r *RetryInterceptor) Intercept(ctx context.Context, d *messaging.Delivery, next messaging.Handler) error {
	attempt := 0
	return reliability.Retry(ctx, r.policy, func() error {
		attempt++
		err := next(ctx, d)
		if err == nil {
			return nil
		}
		if r.retryIf != nil && !r.retryIf(err) {
			return reliability.Permanent(err)
		}
		r.logger.Debug("retrying message in process", "deliveryId", d.ID, "attempt", attempt, "error", err)
		return err
	})
}

// Name implements Interceptor
func (r *RetryInterceptor) Name() string {
	return "RetryInterceptor"
}
