package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	redisOnce sync.Once
	redisAddr string
	redisErr  error
)

// GetRedisAddress returns host:port of a shared redis container. The test
// is skipped when no container runtime is available.
func GetRedisAddress(t *testing.T) string {
	t.Helper()

	redisOnce.Do(startRedis)
	if redisErr != nil {
		t.Skipf("redis container unavailable: %v", redisErr)
	}
	return redisAddr
}

func startRedis() {
	// Give generous timeout in CI environments
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	c, err := testcontainers.Run(
		ctx, "redis:7",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		),
	)
	if err != nil {
		redisErr = err
		return
	}

	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		_ = c.Terminate(context.Background()) // best-effort cleanup
		redisErr = err
		return
	}
	redisAddr = endpoint
}
