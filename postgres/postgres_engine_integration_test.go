package postgres

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/awaitflow"
	"github.com/petrijr/awaitflow/internal/greeting"
	"github.com/petrijr/awaitflow/pkg/worker"
	"github.com/petrijr/awaitflow/postgres/internal/testutil"
)

// TestPostgresEngineSignalAndTimeout runs the greeting workflow against a
// real PostgreSQL through the public constructors: one execution receives
// its signal, the other runs out of time.
func TestPostgresEngineSignalAndTimeout(t *testing.T) {
	endpoint := testutil.GetPostgresEndpoint(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", endpoint)
	require.NoError(t, err, "sql.Open failed")
	t.Cleanup(func() { _ = db.Close() })

	metrics := &awaitflow.BasicMetrics{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	eng, err := NewPostgresEngineWithOptions(db, awaitflow.Options{
		Observer: awaitflow.NewCompositeObserver(awaitflow.NewLoggingObserver(logger), metrics),
		Logger:   logger,
	})
	require.NoError(t, err)
	_, err = db.Exec("TRUNCATE TABLE executions, history_events")
	require.NoError(t, err)

	require.NoError(t, eng.Register(greeting.New(300*time.Millisecond)))
	runner := awaitflow.NewLocalRunnerWithEngine(eng, worker.Config{})
	require.NoError(t, runner.StartWorkers(ctx, 2))
	t.Cleanup(func() { _ = runner.Stop() })

	signaled, err := eng.Start(ctx, awaitflow.StartOptions{ID: "pg-signaled", Workflow: greeting.WorkflowName, Input: greeting.Request{Token: "foobar"}})
	require.NoError(t, err)
	late, err := eng.Start(ctx, awaitflow.StartOptions{ID: "pg-late", Workflow: greeting.WorkflowName, Input: greeting.Request{Token: "foobar"}})
	require.NoError(t, err)

	require.NoError(t, runner.SignalAsync(ctx, awaitflow.SignalRequest{
		ExecutionID: signaled.ID, Name: greeting.SignalWaitForName, Arg: "World",
	}))

	res, err := eng.Result(ctx, signaled.ID)
	require.NoError(t, err)
	var out string
	require.NoError(t, res.Get(&out))
	require.Equal(t, "Hello World!", out)

	res, err = eng.Result(ctx, late.ID)
	require.NoError(t, err)
	require.True(t, awaitflow.IsTimeoutFailure(res.Err()), "got %v", res.Err())

	require.NoError(t, eng.Verify(ctx, signaled.ID))
	require.NoError(t, eng.Verify(ctx, late.ID))

	snap := metrics.Snapshot()
	require.Equal(t, int64(2), snap.ExecutionsStarted)
	require.Equal(t, int64(1), snap.ExecutionsCompleted)
	require.Equal(t, int64(1), snap.ExecutionsFailed)
}
