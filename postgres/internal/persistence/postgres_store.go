package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	corep "github.com/petrijr/awaitflow/internal/persistence"
	"github.com/petrijr/awaitflow/pkg/api"
)

// PostgresExecutionStore is an ExecutionStore backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
type PostgresExecutionStore struct {
	db *sql.DB
}

// Ensure PostgresExecutionStore implements ExecutionStore.
var _ corep.ExecutionStore = (*PostgresExecutionStore)(nil)

// NewPostgresExecutionStore initializes the required schema in the given
// database and returns a new PostgresExecutionStore.
func NewPostgresExecutionStore(db *sql.DB) (*PostgresExecutionStore, error) {
	s := &PostgresExecutionStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresExecutionStore) initSchema() error {
	_, err := p.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			status TEXT NOT NULL,
			input BYTEA,
			result BYTEA,
			failure_kind TEXT NOT NULL DEFAULT '',
			failure_message TEXT NOT NULL DEFAULT '',
			failure_class TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			logical_time BIGINT NOT NULL DEFAULT 0,
			last_seq BIGINT NOT NULL DEFAULT 0,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
	`)
	return err
}

func (p *PostgresExecutionStore) CreateExecution(ctx context.Context, exec *api.Execution) error {
	kind, msg, class := corep.SplitFailure(exec.Failure)

	res, err := p.db.ExecContext(ctx, `
		INSERT INTO executions (id, workflow, status, input, result, failure_kind, failure_message, failure_class, created_at, updated_at, logical_time, last_seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`,
		exec.ID,
		exec.Workflow,
		string(exec.Status),
		[]byte(exec.Input),
		[]byte(exec.Result),
		kind, msg, class,
		corep.ToNanos(exec.CreatedAt),
		corep.ToNanos(exec.UpdatedAt),
		corep.ToNanos(exec.LogicalTime),
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
		return corep.ErrExecutionExists
	}
	return nil
}

func (p *PostgresExecutionStore) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	kind, msg, class := corep.SplitFailure(exec.Failure)

	res, err := p.db.ExecContext(ctx, `
		UPDATE executions
		SET workflow = $1, status = $2, input = $3, result = $4, failure_kind = $5, failure_message = $6, failure_class = $7,
			updated_at = $8, logical_time = $9, last_seq = $10
		WHERE id = $11
	`,
		exec.Workflow,
		string(exec.Status),
		[]byte(exec.Input),
		[]byte(exec.Result),
		kind, msg, class,
		corep.ToNanos(exec.UpdatedAt),
		corep.ToNanos(exec.LogicalTime),
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
		return corep.ErrExecutionNotFound
	}
	return nil
}

const executionColumns = `id, workflow, status, input, result, failure_kind, failure_message, failure_class, created_at, updated_at, logical_time, last_seq`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*api.Execution, error) {
	var (
		exec                 api.Execution
		status               string
		input, result        []byte
		kind, msg, class     string
		createdAt, updatedAt int64
		logical              int64
	)
	if err := row.Scan(&exec.ID, &exec.Workflow, &status, &input, &result, &kind, &msg, &class,
		&createdAt, &updatedAt, &logical, &exec.LastSeq); err != nil {
		return nil, err
	}
	exec.Status = api.Status(status)
	exec.Input = input
	exec.Result = result
	exec.Failure = corep.JoinFailure(kind, msg, class)
	exec.CreatedAt = corep.FromNanos(createdAt)
	exec.UpdatedAt = corep.FromNanos(updatedAt)
	exec.LogicalTime = corep.FromNanos(logical)
	return &exec, nil
}

func (p *PostgresExecutionStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)

	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, corep.ErrExecutionNotFound
		}
		return nil, err
	}
	return exec, nil
}

func (p *PostgresExecutionStore) ListExecutions(ctx context.Context, filter corep.ExecutionFilter) ([]*api.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var args []any
	var clauses []string

	if filter.Workflow != "" {
		args = append(args, filter.Workflow)
		clauses = append(clauses, fmt.Sprintf("workflow = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}

	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := p.db.QueryContext(ctx, query, args...)
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

func (p *PostgresExecutionStore) TryAcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	expires := now.Add(ttl)

	res, err := p.db.ExecContext(ctx, `
		UPDATE executions
		SET lease_owner = $1, lease_expires_at = $2
		WHERE id = $3
		  AND (lease_owner = '' OR lease_owner = $1 OR lease_expires_at <= $4)
	`, owner, expires.UnixNano(), id, now.UnixNano())
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

	// Distinguish "held by someone else" from "no such execution".
	if _, err := p.GetExecution(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (p *PostgresExecutionStore) RenewLease(ctx context.Context, id, owner string, ttl time.Duration) error {
	now := time.Now()
	expires := now.Add(ttl)

	res, err := p.db.ExecContext(ctx, `
		UPDATE executions
		SET lease_expires_at = $1
		WHERE id = $2 AND lease_owner = $3 AND lease_expires_at > $4
	`, expires.UnixNano(), id, owner, now.UnixNano())
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return corep.ErrLeaseNotHeld
	}
	return nil
}

func (p *PostgresExecutionStore) ReleaseLease(ctx context.Context, id, owner string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE executions
		SET lease_owner = '', lease_expires_at = 0
		WHERE id = $1 AND lease_owner = $2
	`, id, owner)
	return err
}

// PostgresHistoryStore keeps execution history in PostgreSQL.
type PostgresHistoryStore struct {
	db *sql.DB
}

var _ corep.HistoryStore = (*PostgresHistoryStore)(nil)

func NewPostgresHistoryStore(db *sql.DB) (*PostgresHistoryStore, error) {
	s := &PostgresHistoryStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresHistoryStore) initSchema() error {
	_, err := p.db.Exec(`
		CREATE TABLE IF NOT EXISTS history_events (
			execution_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			at BIGINT NOT NULL,
			type TEXT NOT NULL,
			workflow TEXT NOT NULL DEFAULT '',
			signal_name TEXT NOT NULL DEFAULT '',
			signal_id TEXT NOT NULL DEFAULT '',
			payload BYTEA,
			await_id INTEGER NOT NULL DEFAULT 0,
			fire_at BIGINT NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL DEFAULT '',
			failure_kind TEXT NOT NULL DEFAULT '',
			failure_message TEXT NOT NULL DEFAULT '',
			failure_class TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (execution_id, seq)
		);
	`)
	return err
}

// maxAppendAttempts bounds the retries of an append that lost a sequence
// race to a concurrent writer.
const maxAppendAttempts = 5

func (p *PostgresHistoryStore) AppendEvents(ctx context.Context, id string, evs ...api.HistoryEvent) ([]api.HistoryEvent, error) {
	if len(evs) == 0 {
		return nil, nil
	}

	var err error
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		var stored []api.HistoryEvent
		stored, err = p.appendOnce(ctx, id, evs)
		if err == nil {
			return stored, nil
		}
		if !isUniqueViolation(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("append to %s: %w", id, err)
}

func (p *PostgresHistoryStore) appendOnce(ctx context.Context, id string, evs []api.HistoryEvent) ([]api.HistoryEvent, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var last int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM history_events WHERE execution_id = $1`, id,
	).Scan(&last); err != nil {
		return nil, err
	}

	stored := make([]api.HistoryEvent, 0, len(evs))
	for _, ev := range evs {
		last++
		ev.ExecutionID = id
		ev.Seq = last
		kind, msg, class := corep.SplitFailure(ev.Failure)

		_, err := tx.ExecContext(ctx, `
			INSERT INTO history_events (execution_id, seq, at, type, workflow, signal_name, signal_id, payload,
				await_id, fire_at, outcome, failure_kind, failure_message, failure_class, detail)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`,
			id,
			ev.Seq,
			corep.ToNanos(ev.At),
			string(ev.Type),
			ev.Workflow,
			ev.SignalName,
			ev.SignalID,
			[]byte(ev.Payload),
			ev.AwaitID,
			corep.ToNanos(ev.FireAt),
			string(ev.Outcome),
			kind, msg, class,
			ev.Detail,
		)
		if err != nil {
			return nil, err
		}
		stored = append(stored, ev)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stored, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (p *PostgresHistoryStore) ListEvents(ctx context.Context, id string) ([]api.HistoryEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT execution_id, seq, at, type, workflow, signal_name, signal_id, payload,
			await_id, fire_at, outcome, failure_kind, failure_message, failure_class, detail
		FROM history_events
		WHERE execution_id = $1
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.HistoryEvent
	for rows.Next() {
		var (
			ev               api.HistoryEvent
			atN, fireN       int64
			typ, outcome     string
			payload          []byte
			kind, msg, class string
		)
		if err := rows.Scan(&ev.ExecutionID, &ev.Seq, &atN, &typ, &ev.Workflow, &ev.SignalName, &ev.SignalID, &payload,
			&ev.AwaitID, &fireN, &outcome, &kind, &msg, &class, &ev.Detail); err != nil {
			return nil, err
		}
		ev.At = corep.FromNanos(atN)
		ev.Type = api.EventType(typ)
		ev.Payload = payload
		ev.FireAt = corep.FromNanos(fireN)
		ev.Outcome = api.Outcome(outcome)
		ev.Failure = corep.JoinFailure(kind, msg, class)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// NewPostgresPersistence initializes both schemas in db.
func NewPostgresPersistence(db *sql.DB) (corep.Persistence, error) {
	executions, err := NewPostgresExecutionStore(db)
	if err != nil {
		return corep.Persistence{}, err
	}
	history, err := NewPostgresHistoryStore(db)
	if err != nil {
		return corep.Persistence{}, err
	}
	return corep.Persistence{Executions: executions, History: history}, nil
}
