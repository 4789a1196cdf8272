package persistence_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	_ "modernc.org/sqlite"

	"github.com/petrijr/awaitflow/internal/persistence"
	"github.com/petrijr/awaitflow/internal/persistence/storetest"
	"github.com/petrijr/awaitflow/pkg/api"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	// Every new connection to :memory: is a fresh database.
	db.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func TestInMemoryPersistence(t *testing.T) {
	suite.Run(t, &storetest.Suite{
		New: func(*testing.T) persistence.Persistence {
			return persistence.NewInMemoryPersistence()
		},
	})
}

func TestSQLitePersistence(t *testing.T) {
	suite.Run(t, &storetest.Suite{
		New: func(t *testing.T) persistence.Persistence {
			p, err := persistence.NewSQLitePersistence(openTestDB(t))
			if err != nil {
				t.Fatalf("NewSQLitePersistence failed: %v", err)
			}
			return p
		},
	})
}

func TestSQLitePersistence_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	p, err := persistence.NewSQLitePersistence(db)
	require.NoError(t, err)
	require.NoError(t, p.Executions.CreateExecution(ctx, &api.Execution{ID: "e", Workflow: "wf", Status: api.StatusWaiting, CreatedAt: t0}))
	_, err = p.History.AppendEvents(ctx, "e", api.HistoryEvent{Type: api.EventExecutionStarted, At: t0})
	require.NoError(t, err)

	// Schema creation is idempotent; a second bundle sees the same rows.
	reopened, err := persistence.NewSQLitePersistence(db)
	require.NoError(t, err)
	exec, err := reopened.Executions.GetExecution(ctx, "e")
	require.NoError(t, err)
	assert.Equal(t, api.StatusWaiting, exec.Status)
	events, err := reopened.History.ListEvents(ctx, "e")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
