package rabbitmq

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionManager manages the RabbitMQ connection with automatic reconnection
type ConnectionManager struct {
	url            string
	mu             sync.RWMutex
	conn           *amqp.Connection
	isConnected    bool
	reconnectDelay time.Duration
	dialTimeout    time.Duration
	maxRetries     int
	logger         *slog.Logger
	done           chan struct{}
	closeOnce      sync.Once
	dial           func(url string) (*amqp.Connection, error)
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the base reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithDialTimeout bounds a single dial
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts; negative
// retries forever
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		reconnectDelay: 5 * time.Second,
		dialTimeout:    30 * time.Second,
		maxRetries:     -1,
		logger:         slog.Default(),
		done:           make(chan struct{}),
		dial:           amqp.Dial,
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	conn, err := cm.dialContext(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.attachLocked(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	return nil
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	var err error
	cm.closeOnce.Do(func() {
		close(cm.done)

		cm.mu.Lock()
		defer cm.mu.Unlock()
		cm.isConnected = false
		if cm.conn != nil {
			err = cm.conn.Close()
			cm.conn = nil
		}
	})
	return err
}

// dialContext runs the blocking dial in a goroutine so ctx and the dial
// timeout can abandon it
func (cm *ConnectionManager) dialContext(ctx context.Context) (*amqp.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		conn, err := cm.dial(cm.url)
		resCh <- result{conn, err}
	}()

	select {
	case res := <-resCh:
		return res.conn, res.err
	case <-ctx.Done():
		go func() {
			if res := <-resCh; res.conn != nil {
				res.conn.Close()
			}
		}()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrConnectionTimeout
		}
		return nil, ctx.Err()
	}
}

// attachLocked must be called with mu held
func (cm *ConnectionManager) attachLocked(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watch(notifyClose)
}

func (cm *ConnectionManager) watch(notifyClose <-chan *amqp.Error) {
	select {
	case err, ok := <-notifyClose:
		if ok && err != nil {
			cm.logger.Error("connection closed", "error", err)
		}
	case <-cm.done:
		return
	}

	cm.mu.Lock()
	cm.isConnected = false
	cm.conn = nil
	cm.mu.Unlock()

	cm.reconnect()
}

func (cm *ConnectionManager) reconnect() {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		if cm.maxRetries >= 0 && attempt >= cm.maxRetries {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", attempt,
				"duration", time.Since(start),
			)
			return
		}

		delay := cm.backoff(attempt)
		select {
		case <-time.After(delay):
		case <-cm.done:
			return
		}

		cm.logger.Info("attempting to reconnect", "attempt", attempt+1)
		conn, err := cm.dialContext(context.Background())
		if err != nil {
			cm.logger.Error("reconnection failed",
				"attempt", attempt+1,
				"error", err,
			)
			continue
		}

		cm.mu.Lock()
		select {
		case <-cm.done:
			cm.mu.Unlock()
			conn.Close()
			return
		default:
		}
		cm.attachLocked(conn)
		cm.mu.Unlock()

		cm.logger.Info("reconnected to RabbitMQ",
			"attempts", attempt+1,
			"duration", time.Since(start),
		)
		return
	}
}

// backoff doubles the base delay per attempt up to five minutes with ±25%
// jitter
func (cm *ConnectionManager) backoff(attempt int) time.Duration {
	base := cm.reconnectDelay
	if base <= 0 {
		base = 5 * time.Second
	}
	maxDelay := 5 * time.Minute

	delay := base
	for i := 0; i < attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	jitter := time.Duration(float64(delay) * 0.25 * (rand.Float64()*2 - 1))
	return delay + jitter
}
