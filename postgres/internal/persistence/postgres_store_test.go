package persistence

import (
	"database/sql"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/suite"

	corep "github.com/petrijr/awaitflow/internal/persistence"
	"github.com/petrijr/awaitflow/internal/persistence/storetest"
	"github.com/petrijr/awaitflow/postgres/internal/testutil"
)

type PostgresStoreTestSuite struct {
	storetest.Suite
	db *sql.DB
}

func TestPostgresStoreTestSuite(t *testing.T) {
	testsuite := new(PostgresStoreTestSuite)
	testsuite.db = openTestDB(t, testutil.GetPostgresEndpoint(t))
	testsuite.New = func(t *testing.T) corep.Persistence {
		p, err := NewPostgresPersistence(testsuite.db)
		if err != nil {
			t.Fatalf("NewPostgresPersistence failed: %v", err)
		}
		if _, err := testsuite.db.Exec("TRUNCATE TABLE executions, history_events"); err != nil {
			t.Fatalf("TRUNCATE failed: %v", err)
		}
		return p
	}
	suite.Run(t, testsuite)
}

func openTestDB(t *testing.T, endpoint string) *sql.DB {
	t.Helper()

	db, err := sql.Open("pgx", endpoint)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func (p *PostgresStoreTestSuite) TestSchemaIsIdempotent() {
	_, err := NewPostgresPersistence(p.db)
	p.Require().NoError(err)
	_, err = NewPostgresPersistence(p.db)
	p.Require().NoError(err)
}
