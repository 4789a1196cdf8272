package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/awaitflow/pkg/api"
)

var (
	// ErrExecutionNotFound is returned when an execution record is not found.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionExists is returned by CreateExecution for a duplicate ID.
	ErrExecutionExists = errors.New("execution already exists")

	// ErrLeaseNotHeld is returned by RenewLease when the caller does not own
	// a live lease.
	ErrLeaseNotHeld = errors.New("lease not held")
)

// ExecutionFilter is used to select executions from the store.
// Empty string / zero status mean "no filter" for that field.
type ExecutionFilter struct {
	Workflow string
	Status   api.Status
}

// ExecutionStore handles storage of execution records and the per-execution
// lease that serialises work on one execution across processes.
type ExecutionStore interface {
	// CreateExecution stores a new record. It returns ErrExecutionExists if
	// the ID is taken.
	CreateExecution(ctx context.Context, exec *api.Execution) error
	UpdateExecution(ctx context.Context, exec *api.Execution) error
	GetExecution(ctx context.Context, id string) (*api.Execution, error)
	// ListExecutions returns matching executions ordered by creation time.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.Execution, error)

	// TryAcquireLease attempts to acquire (or re-acquire) a lease on an execution.
	// If the execution is currently leased by another owner and the lease has not expired,
	// it returns acquired=false, err=nil.
	//
	// A lease owned by the same owner is re-entrant.
	TryAcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (acquired bool, err error)
	// RenewLease extends an existing lease owned by 'owner' for the given ttl.
	RenewLease(ctx context.Context, id, owner string, ttl time.Duration) error
	// ReleaseLease releases a lease if it is owned by 'owner'. It is idempotent.
	ReleaseLease(ctx context.Context, id, owner string) error
}

// HistoryStore is the append-only event log of every execution.
type HistoryStore interface {
	// AppendEvents appends evs in order, assigning consecutive Seq values
	// starting after the current last event, and returns the stored events.
	AppendEvents(ctx context.Context, id string, evs ...api.HistoryEvent) ([]api.HistoryEvent, error)
	// ListEvents returns the full history of an execution ordered by Seq.
	ListEvents(ctx context.Context, id string) ([]api.HistoryEvent, error)
}
