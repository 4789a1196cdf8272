package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	pgOnce      sync.Once
	pgContainer testcontainers.Container
	pgDSN       string
	pgErr       error
)

// GetPostgresEndpoint returns the DSN of a shared postgres:16 container.
// The test is skipped when no container runtime is available.
func GetPostgresEndpoint(t *testing.T) string {
	t.Helper()

	pgOnce.Do(startPostgres)
	if pgErr != nil {
		t.Skipf("postgres container unavailable: %v", pgErr)
	}
	return pgDSN
}

func startPostgres() {
	// Give generous timeout in CI environments
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	dsn := func(host string, port nat.Port) string {
		return fmt.Sprintf("postgres://awaitflow:awaitflow@%s:%s/awaitflow_test?sslmode=disable", host, port.Port())
	}

	c, err := testcontainers.Run(
		ctx, "postgres:16",
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("ready to accept connections"),
				wait.ForSQL("5432/tcp", "pgx", dsn).WithQuery("SELECT 1"),
			).WithDeadline(2*time.Minute),
		),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "awaitflow",
			"POSTGRES_PASSWORD": "awaitflow",
			"POSTGRES_DB":       "awaitflow_test",
		}),
	)
	if err != nil {
		pgErr = err
		return
	}
	pgContainer = c

	host, err := c.Host(ctx)
	if err != nil {
		pgErr = err
		return
	}
	port, err := c.MappedPort(ctx, "5432/tcp")
	if err != nil {
		pgErr = err
		return
	}
	pgDSN = dsn(host, port)
}
