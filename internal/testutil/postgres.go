// Package testutil starts shared containers for integration tests. Tests that
// use it are skipped under -short.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	pgOnce sync.Once
	pgDSN  string
	pgErr  error
)

// PostgresDSN returns the connection string of a shared PostgreSQL container
func PostgresDSN(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	pgOnce.Do(func() {
		// generous timeout for CI
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		container, err := postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("stagerelay_test"),
			postgres.WithUsername("stagerelay"),
			postgres.WithPassword("stagerelay"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(2*time.Minute),
			),
		)
		if err != nil {
			pgErr = err
			return
		}

		pgDSN, pgErr = container.ConnectionString(ctx, "sslmode=disable")
	})

	if pgErr != nil {
		t.Fatalf("failed to start postgres container: %v", pgErr)
	}
	return pgDSN
}
