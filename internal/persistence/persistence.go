package persistence

import "database/sql"

// Persistence bundles the two store interfaces so the engine
// can depend on a single abstraction.
type Persistence struct {
	Executions ExecutionStore
	History    HistoryStore
}

// NewInMemoryPersistence returns non-durable stores for tests and
// single-process use.
func NewInMemoryPersistence() Persistence {
	return Persistence{
		Executions: NewInMemoryStore(),
		History:    NewInMemoryHistory(),
	}
}

// NewSQLitePersistence initializes both schemas in db and returns stores
// sharing it. The caller imports the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
func NewSQLitePersistence(db *sql.DB) (Persistence, error) {
	executions, err := NewSQLiteExecutionStore(db)
	if err != nil {
		return Persistence{}, err
	}
	history, err := NewSQLiteHistoryStore(db)
	if err != nil {
		return Persistence{}, err
	}
	return Persistence{Executions: executions, History: history}, nil
}
