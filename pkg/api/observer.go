package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the host for logging and metrics.
//
// Callbacks fire only for newly recorded decisions, never while replaying
// history that is already stored. Implementations should be fast and
// non-blocking; they run on the worker goroutine that owns the execution.
type Observer interface {
	// OnExecutionStart is called once when an execution is first recorded.
	OnExecutionStart(ctx context.Context, exec *Execution)

	// OnSignalReceived is called after a signal has been appended to history.
	OnSignalReceived(ctx context.Context, exec *Execution, signalName string)

	// OnAwaitStarted is called when an await suspends and arms its timer.
	OnAwaitStarted(ctx context.Context, exec *Execution, awaitID int, maxDuration time.Duration)

	// OnAwaitResolved is called once per await. waited is logical time.
	OnAwaitResolved(ctx context.Context, exec *Execution, awaitID int, outcome Outcome, waited time.Duration)

	// OnExecutionCompleted is called when an execution reaches StatusCompleted.
	OnExecutionCompleted(ctx context.Context, exec *Execution)

	// OnExecutionFailed is called when an execution reaches StatusFailed or
	// StatusCanceled.
	OnExecutionFailed(ctx context.Context, exec *Execution, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnExecutionStart(ctx context.Context, exec *Execution)               {}
func (NoopObserver) OnSignalReceived(ctx context.Context, exec *Execution, name string) {}
func (NoopObserver) OnAwaitStarted(ctx context.Context, exec *Execution, id int, d time.Duration) {
}
func (NoopObserver) OnAwaitResolved(ctx context.Context, exec *Execution, id int, o Outcome, waited time.Duration) {
}
func (NoopObserver) OnExecutionCompleted(ctx context.Context, exec *Execution)         {}
func (NoopObserver) OnExecutionFailed(ctx context.Context, exec *Execution, err error) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnExecutionStart(ctx context.Context, exec *Execution) {
	for _, o := range c.observers {
		o.OnExecutionStart(ctx, exec)
	}
}

func (c *CompositeObserver) OnSignalReceived(ctx context.Context, exec *Execution, name string) {
	for _, o := range c.observers {
		o.OnSignalReceived(ctx, exec, name)
	}
}

func (c *CompositeObserver) OnAwaitStarted(ctx context.Context, exec *Execution, id int, d time.Duration) {
	for _, o := range c.observers {
		o.OnAwaitStarted(ctx, exec, id, d)
	}
}

func (c *CompositeObserver) OnAwaitResolved(ctx context.Context, exec *Execution, id int, outcome Outcome, waited time.Duration) {
	for _, o := range c.observers {
		o.OnAwaitResolved(ctx, exec, id, outcome, waited)
	}
}

func (c *CompositeObserver) OnExecutionCompleted(ctx context.Context, exec *Execution) {
	for _, o := range c.observers {
		o.OnExecutionCompleted(ctx, exec)
	}
}

func (c *CompositeObserver) OnExecutionFailed(ctx context.Context, exec *Execution, err error) {
	for _, o := range c.observers {
		o.OnExecutionFailed(ctx, exec, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs execution and await
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnExecutionStart(ctx context.Context, exec *Execution) {
	o.Logger.InfoContext(ctx, "execution_start",
		slog.String("workflow", exec.Workflow),
		slog.String("execution_id", exec.ID),
	)
}

func (o *LoggingObserver) OnSignalReceived(ctx context.Context, exec *Execution, name string) {
	o.Logger.InfoContext(ctx, "signal_received",
		slog.String("workflow", exec.Workflow),
		slog.String("execution_id", exec.ID),
		slog.String("signal", name),
	)
}

func (o *LoggingObserver) OnAwaitStarted(ctx context.Context, exec *Execution, id int, d time.Duration) {
	o.Logger.DebugContext(ctx, "await_started",
		slog.String("workflow", exec.Workflow),
		slog.String("execution_id", exec.ID),
		slog.Int("await_id", id),
		slog.Duration("max_duration", d),
	)
}

func (o *LoggingObserver) OnAwaitResolved(ctx context.Context, exec *Execution, id int, outcome Outcome, waited time.Duration) {
	level := slog.LevelDebug
	if outcome == TimedOut {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "await_resolved",
		slog.String("workflow", exec.Workflow),
		slog.String("execution_id", exec.ID),
		slog.Int("await_id", id),
		slog.String("outcome", string(outcome)),
		slog.Duration("waited", waited),
	)
}

func (o *LoggingObserver) OnExecutionCompleted(ctx context.Context, exec *Execution) {
	o.Logger.InfoContext(ctx, "execution_completed",
		slog.String("workflow", exec.Workflow),
		slog.String("execution_id", exec.ID),
	)
}

func (o *LoggingObserver) OnExecutionFailed(ctx context.Context, exec *Execution, err error) {
	o.Logger.ErrorContext(ctx, "execution_failed",
		slog.String("workflow", exec.Workflow),
		slog.String("execution_id", exec.ID),
		slog.String("status", string(exec.Status)),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate await durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	executionsStarted   atomic.Int64
	executionsCompleted atomic.Int64
	executionsFailed    atomic.Int64
	signalsReceived     atomic.Int64
	awaitsSatisfied     atomic.Int64
	awaitsTimedOut      atomic.Int64
	totalAwaitWait      atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	ExecutionsStarted   int64
	ExecutionsCompleted int64
	ExecutionsFailed    int64
	PendingExecutions   int64

	SignalsReceived int64
	AwaitsSatisfied int64
	AwaitsTimedOut  int64
	AvgAwaitWait    time.Duration
}

func (m *BasicMetrics) OnExecutionStart(ctx context.Context, exec *Execution) {
	m.executionsStarted.Add(1)
}

func (m *BasicMetrics) OnSignalReceived(ctx context.Context, exec *Execution, name string) {
	m.signalsReceived.Add(1)
}

func (m *BasicMetrics) OnAwaitResolved(ctx context.Context, exec *Execution, id int, outcome Outcome, waited time.Duration) {
	if outcome == Satisfied {
		m.awaitsSatisfied.Add(1)
	} else {
		m.awaitsTimedOut.Add(1)
	}
	m.totalAwaitWait.Add(waited.Nanoseconds())
}

func (m *BasicMetrics) OnExecutionCompleted(ctx context.Context, exec *Execution) {
	m.executionsCompleted.Add(1)
}

func (m *BasicMetrics) OnExecutionFailed(ctx context.Context, exec *Execution, err error) {
	m.executionsFailed.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.executionsStarted.Load()
	completed := m.executionsCompleted.Load()
	failed := m.executionsFailed.Load()
	satisfied := m.awaitsSatisfied.Load()
	timedOut := m.awaitsTimedOut.Load()
	totalNs := m.totalAwaitWait.Load()

	var avg time.Duration
	if n := satisfied + timedOut; n > 0 {
		avg = time.Duration(totalNs / n)
	}

	return BasicMetricsSnapshot{
		ExecutionsStarted:   started,
		ExecutionsCompleted: completed,
		ExecutionsFailed:    failed,
		PendingExecutions:   started - completed - failed,
		SignalsReceived:     m.signalsReceived.Load(),
		AwaitsSatisfied:     satisfied,
		AwaitsTimedOut:      timedOut,
		AvgAwaitWait:        avg,
	}
}
