package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/petrijr/awaitflow/pkg/api"
)

// SQLiteHistoryStore stores execution history in SQLite.
type SQLiteHistoryStore struct {
	db *sql.DB
}

// Ensure SQLiteHistoryStore implements the interfaces.
var _ HistoryStore = (*SQLiteHistoryStore)(nil)

func NewSQLiteHistoryStore(db *sql.DB) (*SQLiteHistoryStore, error) {
	s := &SQLiteHistoryStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteHistoryStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS history_events (
			execution_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			at INTEGER NOT NULL,
			type TEXT NOT NULL,
			workflow TEXT NOT NULL DEFAULT '',
			signal_name TEXT NOT NULL DEFAULT '',
			signal_id TEXT NOT NULL DEFAULT '',
			payload BLOB,
			await_id INTEGER NOT NULL DEFAULT 0,
			fire_at INTEGER NOT NULL DEFAULT 0,
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

func (s *SQLiteHistoryStore) AppendEvents(ctx context.Context, id string, evs ...api.HistoryEvent) ([]api.HistoryEvent, error) {
	if len(evs) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var last int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM history_events WHERE execution_id = ?`, id,
	).Scan(&last); err != nil {
		return nil, err
	}

	stored := make([]api.HistoryEvent, 0, len(evs))
	for _, ev := range evs {
		last++
		ev.ExecutionID = id
		ev.Seq = last
		kind, msg, class := SplitFailure(ev.Failure)

		_, err := tx.ExecContext(ctx, `
			INSERT INTO history_events (execution_id, seq, at, type, workflow, signal_name, signal_id, payload,
				await_id, fire_at, outcome, failure_kind, failure_message, failure_class, detail)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id,
			ev.Seq,
			ToNanos(ev.At),
			string(ev.Type),
			ev.Workflow,
			ev.SignalName,
			ev.SignalID,
			[]byte(ev.Payload),
			ev.AwaitID,
			ToNanos(ev.FireAt),
			string(ev.Outcome),
			kind, msg, class,
			ev.Detail,
		)
		if err != nil {
			return nil, fmt.Errorf("append %s: %w", ev.Type, err)
		}
		stored = append(stored, ev)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *SQLiteHistoryStore) ListEvents(ctx context.Context, id string) ([]api.HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, seq, at, type, workflow, signal_name, signal_id, payload,
			await_id, fire_at, outcome, failure_kind, failure_message, failure_class, detail
		FROM history_events
		WHERE execution_id = ?
		ORDER BY seq ASC`, id)
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
		ev.At = FromNanos(atN)
		ev.Type = api.EventType(typ)
		ev.Payload = payload
		ev.FireAt = FromNanos(fireN)
		ev.Outcome = api.Outcome(outcome)
		ev.Failure = JoinFailure(kind, msg, class)
		out = append(out, ev)
	}
	return out, rows.Err()
}
