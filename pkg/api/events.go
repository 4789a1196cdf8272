package api

import "time"

// EventType identifies an execution history event.
type EventType string

const (
	// Recorded by the host from outside the logic.
	EventExecutionStarted  EventType = "execution.started"
	EventSignalReceived    EventType = "signal.received"
	EventTimerFired        EventType = "timer.fired"
	EventExecutionCanceled EventType = "execution.canceled"

	// Decisions produced by running the logic.
	EventTimerStarted       EventType = "timer.started"
	EventTimerCanceled      EventType = "timer.canceled"
	EventAwaitResolved      EventType = "await.resolved"
	EventExecutionCompleted EventType = "execution.completed"
	EventExecutionFailed    EventType = "execution.failed"

	// EventTaskCompleted closes one decision task. External events appended
	// after it form the next batch.
	EventTaskCompleted EventType = "task.completed"
)

// External reports whether events of type t originate outside the logic.
func (t EventType) External() bool {
	switch t {
	case EventExecutionStarted, EventSignalReceived, EventTimerFired, EventExecutionCanceled:
		return true
	default:
		return false
	}
}

// Decision reports whether events of type t are produced by the logic and
// must match on replay.
func (t EventType) Decision() bool {
	switch t {
	case EventTimerStarted, EventTimerCanceled, EventAwaitResolved,
		EventExecutionCompleted, EventExecutionFailed:
		return true
	default:
		return false
	}
}

// HistoryEvent is one append-only history record. Only the fields relevant
// to Type are populated.
type HistoryEvent struct {
	ExecutionID string
	// Seq is assigned by the history store on append, starting at 1.
	Seq  int64
	At   time.Time
	Type EventType

	// execution.started
	Workflow string

	// signal.received
	SignalName string
	SignalID   string

	// execution.started input, signal.received argument, execution.completed value.
	Payload Payload

	// timer.started, timer.fired, timer.canceled, await.resolved
	AwaitID int
	FireAt  time.Time
	Outcome Outcome

	// execution.failed
	Failure *Failure

	// Short human-oriented note, e.g. a cancel reason.
	Detail string
}
