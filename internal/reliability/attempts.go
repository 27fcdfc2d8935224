package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AttemptTracker counts how often a message has been handed to the router.
// Counts only need to survive as long as a message can be redelivered.
type AttemptTracker interface {
	// Increment records one more attempt for key and returns the new count
	Increment(ctx context.Context, key string) (int, error)
	// Reset forgets key
	Reset(ctx context.Context, key string) error
}

// MemoryAttemptTracker keeps counts in process. Use it when a single router
// consumes the topic; with several replicas a redelivered message may land on
// another process and start counting from zero.
type MemoryAttemptTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMemoryAttemptTracker creates an empty tracker
func NewMemoryAttemptTracker() *MemoryAttemptTracker {
	return &MemoryAttemptTracker{counts: make(map[string]int)}
}

// Increment implements AttemptTracker
func (m *MemoryAttemptTracker) Increment(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
	return m.counts[key], nil
}

// Reset implements AttemptTracker
func (m *MemoryAttemptTracker) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counts, key)
	return nil
}

// RedisAttemptTracker shares counts between router replicas
type RedisAttemptTracker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisAttemptOption configures the RedisAttemptTracker
type RedisAttemptOption func(*RedisAttemptTracker)

// WithKeyPrefix sets the key namespace
func WithKeyPrefix(prefix string) RedisAttemptOption {
	return func(r *RedisAttemptTracker) {
		r.prefix = prefix
	}
}

// WithAttemptTTL sets how long an idle counter is kept
func WithAttemptTTL(ttl time.Duration) RedisAttemptOption {
	return func(r *RedisAttemptTracker) {
		r.ttl = ttl
	}
}

// NewRedisAttemptTracker creates a tracker on top of a Redis client
func NewRedisAttemptTracker(client redis.UniversalClient, options ...RedisAttemptOption) *RedisAttemptTracker {
	r := &RedisAttemptTracker{
		client: client,
		prefix: "stagerelay:attempts:",
		ttl:    24 * time.Hour,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Increment implements AttemptTracker
func (r *RedisAttemptTracker) Increment(ctx context.Context, key string) (int, error) {
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, r.prefix+key)
		pipe.Expire(ctx, r.prefix+key, r.ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment attempts: %w", err)
	}
	return int(incr.Val()), nil
}

// Reset implements AttemptTracker
func (r *RedisAttemptTracker) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to reset attempts: %w", err)
	}
	return nil
}

// Ping verifies Redis is reachable
func (r *RedisAttemptTracker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

var (
	_ AttemptTracker = (*MemoryAttemptTracker)(nil)
	_ AttemptTracker = (*RedisAttemptTracker)(nil)
)
