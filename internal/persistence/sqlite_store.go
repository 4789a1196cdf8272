package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/petrijr/awaitflow/pkg/api"
)

// SQLiteExecutionStore is an ExecutionStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteExecutionStore struct {
	db *sql.DB
}

// Ensure SQLiteExecutionStore implements ExecutionStore.
var _ ExecutionStore = (*SQLiteExecutionStore)(nil)

// NewSQLiteExecutionStore initializes the required schema in the given
// database and returns a new SQLiteExecutionStore.
func NewSQLiteExecutionStore(db *sql.DB) (*SQLiteExecutionStore, error) {
	s := &SQLiteExecutionStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteExecutionStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			status TEXT NOT NULL,
			input BLOB,
			result BLOB,
			failure_kind TEXT NOT NULL DEFAULT '',
			failure_message TEXT NOT NULL DEFAULT '',
			failure_class TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			logical_time INTEGER NOT NULL DEFAULT 0,
			last_seq INTEGER NOT NULL DEFAULT 0,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);`,
	)
	return err
}

func (s *SQLiteExecutionStore) CreateExecution(ctx context.Context, exec *api.Execution) error {
	kind, msg, class := SplitFailure(exec.Failure)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, workflow, status, input, result, failure_kind, failure_message, failure_class, created_at, updated_at, logical_time, last_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		exec.ID,
		exec.Workflow,
		string(exec.Status),
		[]byte(exec.Input),
		[]byte(exec.Result),
		kind, msg, class,
		ToNanos(exec.CreatedAt),
		ToNanos(exec.UpdatedAt),
		ToNanos(exec.LogicalTime),
		exec.LastSeq,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrExecutionExists
	}
	return nil
}

func (s *SQLiteExecutionStore) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	kind, msg, class := SplitFailure(exec.Failure)

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET workflow = ?, status = ?, input = ?, result = ?, failure_kind = ?, failure_message = ?, failure_class = ?, updated_at = ?, logical_time = ?, last_seq = ?
		WHERE id = ?`,
		exec.Workflow,
		string(exec.Status),
		[]byte(exec.Input),
		[]byte(exec.Result),
		kind, msg, class,
		ToNanos(exec.UpdatedAt),
		ToNanos(exec.LogicalTime),
		exec.LastSeq,
		exec.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrExecutionNotFound
	}

	return nil
}

const executionColumns = `id, workflow, status, input, result, failure_kind, failure_message, failure_class, created_at, updated_at, logical_time, last_seq`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*api.Execution, error) {
	var (
		exec                api.Execution
		status              string
		input, result       []byte
		kind, msg, class    string
		createdAt, updateAt int64
		logical             int64
	)
	if err := row.Scan(&exec.ID, &exec.Workflow, &status, &input, &result, &kind, &msg, &class,
		&createdAt, &updateAt, &logical, &exec.LastSeq); err != nil {
		return nil, err
	}
	exec.Status = api.Status(status)
	exec.Input = input
	exec.Result = result
	exec.Failure = JoinFailure(kind, msg, class)
	exec.CreatedAt = FromNanos(createdAt)
	exec.UpdatedAt = FromNanos(updateAt)
	exec.LogicalTime = FromNanos(logical)
	return &exec, nil
}

func (s *SQLiteExecutionStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)

	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	return exec, nil
}

func (s *SQLiteExecutionStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var args []any
	var clauses []string

	if filter.Workflow != "" {
		clauses = append(clauses, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}

	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*api.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return executions, nil
}

func (s *SQLiteExecutionStore) TryAcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET lease_owner = ?, lease_expires = ?
		WHERE id = ? AND (lease_owner = '' OR lease_owner = ? OR lease_expires <= ?)`,
		owner,
		now.Add(ttl).UnixNano(),
		id,
		owner,
		now.UnixNano(),
	)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 1 {
		return true, nil
	}

	if _, err := s.GetExecution(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLiteExecutionStore) RenewLease(ctx context.Context, id, owner string, ttl time.Duration) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET lease_expires = ?
		WHERE id = ? AND lease_owner = ? AND lease_expires > ?`,
		now.Add(ttl).UnixNano(),
		id,
		owner,
		now.UnixNano(),
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (s *SQLiteExecutionStore) ReleaseLease(ctx context.Context, id, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET lease_owner = '', lease_expires = 0
		WHERE id = ? AND lease_owner = ?`,
		id,
		owner,
	)
	return err
}
