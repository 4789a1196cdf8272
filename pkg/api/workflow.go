package api

import (
	"log/slog"
	"time"
)

// Status represents the lifecycle state of an execution.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusWaiting   Status = "WAITING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCanceled  Status = "CANCELED"
)

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Outcome is the resolution of a single await.
type Outcome string

const (
	Satisfied Outcome = "satisfied"
	TimedOut  Outcome = "timed-out"
)

// Program is a registered unit of durable logic: a run entry point plus a
// fixed set of named signal handlers. Signal names are resolved when the
// program is registered, never at delivery time.
type Program interface {
	Name() string
	SignalNames() []string
	// CheckSignal reports whether payload decodes into the argument type of
	// the named handler, without touching any state.
	CheckSignal(name string, payload Payload, dc DataConverter) error
	// NewInstance returns fresh state for one replay of one execution.
	NewInstance(dc DataConverter) Instance
}

// Instance is the per-replay state of a Program.
type Instance interface {
	Run(ctx Context, input Payload) (Payload, error)
	ApplySignal(name string, payload Payload) error
}

// Context is handed to Program code. Everything observable through it is
// derived from history, so two replays of the same history see the same
// values.
type Context interface {
	ExecutionID() string
	WorkflowName() string

	// Now is the logical time of the most recently applied history event.
	Now() time.Time

	// IsReplaying is true while the logic is re-executing decisions that are
	// already recorded.
	IsReplaying() bool

	// Logger drops records while replaying.
	Logger() *slog.Logger

	// AwaitUntil blocks the logical execution until predicate returns true
	// or maxDuration of logical time elapses. A predicate that is already
	// true resolves as Satisfied without creating a timer. maxDuration == 0
	// evaluates once and never suspends; maxDuration < 0 is rejected with
	// ErrNegativeDuration.
	AwaitUntil(predicate func() bool, maxDuration time.Duration) (Outcome, error)
}
