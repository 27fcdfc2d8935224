package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCircuitOpen          = errors.New("circuit breaker: circuit is open")
	ErrCircuitHalfOpenLimit = errors.New("circuit breaker: half-open request limit reached")

	ErrInvalidDeadLetter = errors.New("dead letter: invalid message")
)

// CircuitBreakerError is returned while the breaker rejects calls
type CircuitBreakerError struct {
	Name             string
	State            State
	Failures         int
	FailureThreshold int
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	if e.State == StateOpen {
		return fmt.Sprintf("circuit breaker %s open (failures=%d/%d, retry in %v)",
			e.Name, e.Failures, e.FailureThreshold, time.Until(e.NextRetry).Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit breaker %s %s: call rejected", e.Name, e.State)
}

func (e *CircuitBreakerError) Unwrap() error {
	if e.State == StateOpen {
		return ErrCircuitOpen
	}
	return ErrCircuitHalfOpenLimit
}

// RetryError is returned when a retry policy gave up
type RetryError struct {
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed after %d/%d attempts over %v: %v",
		e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

// DeadLetterError is returned when a dead letter could not be published
type DeadLetterError struct {
	MessageID string
	Err       error
}

func (e *DeadLetterError) Error() string {
	return fmt.Sprintf("dead letter: failed to publish message %s: %v", e.MessageID, e.Err)
}

func (e *DeadLetterError) Unwrap() error {
	return e.Err
}
