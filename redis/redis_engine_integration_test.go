package redis

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/awaitflow"
	"github.com/petrijr/awaitflow/internal/greeting"
	"github.com/petrijr/awaitflow/pkg/worker"
	"github.com/petrijr/awaitflow/redis/internal/testutil"
)

// TestRedisEngineSurvivesRestart starts the greeting workflow on one host,
// drops that host and delivers the signal through a second host sharing
// the same Redis.
func TestRedisEngineSurvivesRestart(t *testing.T) {
	addr := testutil.GetRedisAddress(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	prefix := "awaitflow:it:" + t.Name() + ":"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts := awaitflow.Options{Logger: logger}

	first, err := NewRedisEngineWithOptions(client, prefix, opts)
	require.NoError(t, err)
	require.NoError(t, first.Register(greeting.Workflow))
	firstRunner := awaitflow.NewLocalRunnerWithEngine(first, worker.Config{})
	require.NoError(t, firstRunner.StartWorkers(ctx, 1))

	exec, err := first.Start(ctx, awaitflow.StartOptions{Workflow: greeting.WorkflowName, Input: greeting.Request{Token: "foobar"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := first.Describe(ctx, exec.ID)
		return err == nil && got.Status == awaitflow.StatusWaiting
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, firstRunner.Stop())
	first.Close()

	metrics := &awaitflow.BasicMetrics{}
	opts.Observer = metrics
	second, err := NewRedisEngineWithOptions(client, prefix, opts)
	require.NoError(t, err)
	require.NoError(t, second.Register(greeting.Workflow))
	runner := awaitflow.NewLocalRunnerWithEngine(second, worker.Config{})
	live, err := second.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, live)
	require.NoError(t, runner.StartWorkers(ctx, 1))
	t.Cleanup(func() { _ = runner.Stop() })

	require.NoError(t, runner.SignalAsync(ctx, awaitflow.SignalRequest{
		ExecutionID: exec.ID, Name: greeting.SignalWaitForName, Arg: "Redis",
	}))

	res, err := second.Result(ctx, exec.ID)
	require.NoError(t, err)
	var out string
	require.NoError(t, res.Get(&out))
	require.Equal(t, "Hello Redis!", out)
	require.NoError(t, second.Verify(ctx, exec.ID))
	require.Equal(t, int64(1), metrics.Snapshot().ExecutionsCompleted)
}
