package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/awaitflow/internal/taskqueue"
	"github.com/petrijr/awaitflow/pkg/api"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 50 * time.Millisecond
	DefaultMaxBackoff  = 5 * time.Second
)

// Host is the part of the engine a worker drives.
type Host interface {
	Decide(ctx context.Context, executionID string) error
	Signal(ctx context.Context, req api.SignalRequest) error
}

// Config controls retries of failed tasks. Zero fields get defaults.
type Config struct {
	// MaxAttempts is the total number of deliveries of one task.
	MaxAttempts int
	// Backoff is the delay before the second attempt. It doubles per
	// attempt up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
	Logger     *slog.Logger
}

// Worker pulls tasks from a Queue and executes them against a Host.
type Worker struct {
	host  Host
	queue taskqueue.Queue
	cfg   Config
}

// New creates a new Worker with the default retry policy.
func New(host Host, queue taskqueue.Queue) *Worker {
	return NewWithConfig(host, queue, Config{})
}

// NewWithConfig creates a Worker with an explicit retry policy.
func NewWithConfig(host Host, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{host: host, queue: queue, cfg: cfg}
}

// EnqueueDecide enqueues a decision task for an execution.
func (w *Worker) EnqueueDecide(ctx context.Context, executionID string) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		ID:          newID(),
		Type:        taskqueue.TaskTypeDecide,
		ExecutionID: executionID,
		Attempt:     1,
		EnqueuedAt:  time.Now(),
	})
}

// EnqueueSignal enqueues a signal for asynchronous delivery. A SignalID is
// assigned here when the caller did not set one, so that retried deliveries
// are applied at most once.
func (w *Worker) EnqueueSignal(ctx context.Context, req api.SignalRequest) error {
	return w.EnqueueSignalAt(ctx, req, time.Time{})
}

// EnqueueSignalAt enqueues a signal that will be delivered no earlier
// than 'at'.
func (w *Worker) EnqueueSignalAt(ctx context.Context, req api.SignalRequest, at time.Time) error {
	if req.SignalID == "" {
		req.SignalID = newID()
	}
	return w.queue.Enqueue(ctx, taskqueue.Task{
		ID:          newID(),
		Type:        taskqueue.TaskTypeSignal,
		ExecutionID: req.ExecutionID,
		Signal:      &req,
		Attempt:     1,
		EnqueuedAt:  time.Now(),
		NotBefore:   at,
	})
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained, err is the dequeue error
//   - processed == true: a task was handled; err is non-nil only when the
//     task failed for good. Retryable failures are re-enqueued.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	err = w.handle(ctx, task)
	if err == nil {
		return true, nil
	}
	if permanent(err) || task.Attempt >= w.cfg.MaxAttempts {
		return true, fmt.Errorf("%s task %s for %s failed after %d attempt(s): %w",
			task.Type, task.ID, task.ExecutionID, max(task.Attempt, 1), err)
	}

	retry := *task
	retry.Attempt = max(task.Attempt, 1) + 1
	retry.NotBefore = time.Now().Add(w.backoff(retry.Attempt))
	w.cfg.Logger.Debug("task retry scheduled",
		"task_type", string(task.Type),
		"execution_id", task.ExecutionID,
		"attempt", retry.Attempt,
		"error", err,
	)
	if err := w.queue.Enqueue(ctx, retry); err != nil {
		return true, fmt.Errorf("re-enqueue %s task for %s: %w", task.Type, task.ExecutionID, err)
	}
	return true, nil
}

func (w *Worker) handle(ctx context.Context, task *taskqueue.Task) error {
	switch task.Type {
	case taskqueue.TaskTypeDecide:
		return w.host.Decide(ctx, task.ExecutionID)

	case taskqueue.TaskTypeSignal:
		if task.Signal == nil {
			return errUnrecoverable("signal task without a request")
		}
		return w.host.Signal(ctx, *task.Signal)

	default:
		// Unknown task type; return an error so this isn't silently ignored.
		return errUnrecoverable("unknown task type: " + string(task.Type))
	}
}

// Run processes tasks on concurrency goroutines until ctx is done. Task
// failures are logged and do not stop the pool.
func (w *Worker) Run(ctx context.Context, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				processed, err := w.ProcessOne(ctx)
				if !processed {
					if ctx.Err() != nil {
						return nil
					}
					if err != nil {
						return err
					}
					continue
				}
				if err != nil {
					w.cfg.Logger.Error("task failed", "worker", i, "error", err)
				}
			}
		})
	}
	return g.Wait()
}

func (w *Worker) backoff(attempt int) time.Duration {
	d := w.cfg.Backoff
	for i := 2; i < attempt; i++ {
		d *= 2
		if d >= w.cfg.MaxBackoff {
			return w.cfg.MaxBackoff
		}
	}
	return min(d, w.cfg.MaxBackoff)
}

type errUnrecoverable string

func (e errUnrecoverable) Error() string { return string(e) }

// permanent reports errors that a retry cannot fix.
func permanent(err error) bool {
	var bad errUnrecoverable
	return errors.As(err, &bad) ||
		errors.Is(err, api.ErrExecutionNotFound) ||
		errors.Is(err, api.ErrExecutionTerminal) ||
		errors.Is(err, api.ErrUnknownSignal) ||
		errors.Is(err, api.ErrInvalidSignal) ||
		errors.Is(err, api.ErrUnknownWorkflow)
}

func newID() string {
	return uuid.Must(uuid.NewV4()).String()
}
