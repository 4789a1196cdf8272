package api

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownWorkflow is returned when starting an execution of a
	// program that was never registered.
	ErrUnknownWorkflow = errors.New("unknown workflow")

	// ErrAlreadyRegistered is returned when a program name is registered twice.
	ErrAlreadyRegistered = errors.New("workflow already registered")

	// ErrExecutionNotFound is returned for operations on an unknown execution ID.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionTerminal is returned when signalling or canceling an
	// execution that already completed, failed or was canceled.
	ErrExecutionTerminal = errors.New("execution is terminal")

	// ErrUnknownSignal is returned when a signal name is not declared by the
	// target program.
	ErrUnknownSignal = errors.New("unknown signal")

	// ErrInvalidSignal is returned when a signal argument does not decode
	// into the type its handler expects.
	ErrInvalidSignal = errors.New("invalid signal argument")

	// ErrNegativeDuration is returned by AwaitUntil for maxDuration < 0.
	ErrNegativeDuration = errors.New("await: negative max duration")

	// ErrNondeterminism is returned by Verify when replaying the stored
	// history produces different decisions.
	ErrNondeterminism = errors.New("nondeterministic replay")
)

// Execution is the stored record of one run of a Program.
type Execution struct {
	ID       string
	Workflow string
	Status   Status

	Input   Payload
	Result  Payload
	Failure *Failure

	// LogicalTime is the time of the last history event a decision task
	// consumed. LastSeq is the sequence of that task's boundary marker.
	LogicalTime time.Time
	LastSeq     int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StartOptions configures Host.Start.
type StartOptions struct {
	// ID identifies the execution. Empty means the host generates one.
	// Starting an ID that already exists returns the existing execution.
	ID       string
	Workflow string
	Input    any
}

// SignalRequest is a fire-and-forget message for a running execution.
type SignalRequest struct {
	ExecutionID string
	Name        string
	Arg         any

	// SignalID deduplicates redelivery. Requests sharing a SignalID are
	// applied at most once. Empty means the host generates one.
	SignalID string
}

// ListOptions filters Host.List. Zero fields mean "no filter".
type ListOptions struct {
	Workflow string
	Status   Status
}

// Host starts, signals and observes executions.
type Host interface {
	Register(p Program) error

	// Start records a new execution and schedules its first decision task.
	Start(ctx context.Context, opts StartOptions) (*Execution, error)

	// Signal appends the signal to history and returns; application happens
	// asynchronously, in arrival order.
	Signal(ctx context.Context, req SignalRequest) error

	// Result blocks until the execution is terminal or ctx is done.
	Result(ctx context.Context, id string) (*TerminalResult, error)

	Describe(ctx context.Context, id string) (*Execution, error)
	List(ctx context.Context, opts ListOptions) ([]*Execution, error)
	History(ctx context.Context, id string) ([]HistoryEvent, error)

	// Cancel terminates a live execution and stops its timers.
	Cancel(ctx context.Context, id string, reason string) error

	// Verify replays stored history against a fresh instance and reports
	// ErrNondeterminism if the decisions differ.
	Verify(ctx context.Context, id string) error

	// Recover re-arms timers and reschedules pending work after a restart.
	// It returns the number of live executions found.
	Recover(ctx context.Context) (int, error)
}
