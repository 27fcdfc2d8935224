package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	rabbitOnce sync.Once
	rabbitURL  string
	rabbitErr  error
)

// RabbitMQURL returns the AMQP URL of a shared RabbitMQ container
func RabbitMQURL(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping rabbitmq integration test in short mode")
	}

	rabbitOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		container, err := testcontainers.Run(
			ctx, "rabbitmq:3.13-alpine",
			testcontainers.WithExposedPorts("5672/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("Server startup complete").WithStartupTimeout(2*time.Minute),
				wait.ForListeningPort("5672/tcp"),
			),
		)
		if err != nil {
			rabbitErr = err
			return
		}

		endpoint, err := container.Endpoint(ctx, "")
		if err != nil {
			rabbitErr = err
			return
		}
		rabbitURL = fmt.Sprintf("amqp://guest:guest@%s/", endpoint)
	})

	if rabbitErr != nil {
		t.Fatalf("failed to start rabbitmq container: %v", rabbitErr)
	}
	return rabbitURL
}
