// Package postgres hosts awaitflow executions in PostgreSQL.
package postgres

import (
	"database/sql"

	"github.com/petrijr/awaitflow"

	pstore "github.com/petrijr/awaitflow/postgres/internal/persistence"
)

// NewPostgresEngine returns an Engine that persists executions and their
// history in PostgreSQL. The caller imports a driver, e.g.:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
func NewPostgresEngine(db *sql.DB) (*awaitflow.Engine, error) {
	return NewPostgresEngineWithOptions(db, awaitflow.Options{})
}

// NewPostgresEngineWithObserver returns a Postgres-backed Engine with the given Observer.
func NewPostgresEngineWithObserver(db *sql.DB, obs awaitflow.Observer) (*awaitflow.Engine, error) {
	return NewPostgresEngineWithOptions(db, awaitflow.Options{Observer: obs})
}

// NewPostgresEngineWithOptions applies opts to a Postgres-backed Engine.
// opts.DB is ignored.
func NewPostgresEngineWithOptions(db *sql.DB, opts awaitflow.Options) (*awaitflow.Engine, error) {
	p, err := pstore.NewPostgresPersistence(db)
	if err != nil {
		return nil, err
	}
	return awaitflow.NewEngineWith(p, opts)
}
