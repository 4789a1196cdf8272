package mongo

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/awaitflow"
	"github.com/petrijr/awaitflow/internal/greeting"
	"github.com/petrijr/awaitflow/mongo/internal/testutil"
	"github.com/petrijr/awaitflow/pkg/worker"
)

// TestMongoEngineWithObserverAndBasicMetrics wires a real MongoDB, the
// public Mongo-backed constructor and BasicMetrics. The await runs out of
// time on the real clock.
func TestMongoEngineWithObserverAndBasicMetrics(t *testing.T) {
	uri := testutil.GetMongoURI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err, "mongo.Connect failed")
	t.Cleanup(func() {
		_ = client.Disconnect(context.Background())
	})

	const database = "awaitflow_it"
	require.NoError(t, client.Database(database).Drop(ctx))

	metrics := &awaitflow.BasicMetrics{}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))

	eng, err := NewMongoEngineWithOptions(ctx, client, database, awaitflow.Options{
		Observer: awaitflow.NewCompositeObserver(awaitflow.NewLoggingObserver(logger), metrics),
		Logger:   logger,
	})
	require.NoError(t, err)
	require.NoError(t, eng.Register(greeting.New(200*time.Millisecond)))

	runner := awaitflow.NewLocalRunnerWithEngine(eng, worker.Config{})
	require.NoError(t, runner.StartWorkers(ctx, 2))
	t.Cleanup(func() { _ = runner.Stop() })

	exec, err := eng.Start(ctx, awaitflow.StartOptions{ID: "mongo-late", Workflow: greeting.WorkflowName, Input: greeting.Request{Token: "foobar"}})
	require.NoError(t, err)

	res, err := eng.Result(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, awaitflow.StatusFailed, res.Status)
	require.True(t, awaitflow.IsTimeoutFailure(res.Err()), "got %v", res.Err())
	require.NoError(t, eng.Verify(ctx, exec.ID))

	hist, err := eng.History(ctx, exec.ID)
	require.NoError(t, err)
	for i, ev := range hist {
		require.Equal(t, int64(i+1), ev.Seq)
	}

	snap := metrics.Snapshot()
	require.Equal(t, int64(1), snap.ExecutionsStarted)
	require.Equal(t, int64(1), snap.ExecutionsFailed)
	require.Equal(t, int64(0), snap.PendingExecutions)
	require.Equal(t, int64(1), snap.AwaitsTimedOut)
	require.Greater(t, snap.AvgAwaitWait, time.Duration(0))
}
