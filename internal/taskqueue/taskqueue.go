package taskqueue

import (
	"context"
	"time"

	"github.com/petrijr/awaitflow/pkg/api"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeDecide runs one decision task for an execution.
	TaskTypeDecide TaskType = "decide"
	// TaskTypeSignal delivers a signal and then decides.
	TaskTypeSignal TaskType = "signal"
)

// Task represents a unit of work for the worker.
type Task struct {
	ID   string
	Type TaskType

	ExecutionID string

	// Signal is set for signal tasks. Its SignalID is assigned before the
	// task is first enqueued so that redeliveries are deduplicated.
	Signal *api.SignalRequest

	// Attempt counts deliveries, starting at 1.
	Attempt int

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately".
	NotBefore time.Time
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next eligible task, blocking until one
	// is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued, including tasks
	// that are not eligible yet.
	Len() int
}
