package awaitflow

import (
	"database/sql"

	"github.com/petrijr/awaitflow/pkg/worker"
)

// NewSQLiteRunner constructs a LocalRunner whose engine persists executions
// and history in db. Pending timers and undecided events survive a restart:
// build a new runner over the same database, register the programs and call
// Engine.Recover before StartWorkers.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:awaitflow.db?_journal=WAL")
//	runner, err := awaitflow.NewSQLiteRunner(db, worker.Config{MaxAttempts: 3})
//	// register programs on runner.Engine, then Recover and StartWorkers
func NewSQLiteRunner(db *sql.DB, cfg worker.Config) (*LocalRunner, error) {
	eng, err := NewSQLiteEngine(db)
	if err != nil {
		return nil, err
	}
	return NewLocalRunnerWithEngine(eng, cfg), nil
}
