package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

//
// Helpers
//

// testObserver is a simple Observer implementation used to verify fan-out behavior.
type testObserver struct {
	mu sync.Mutex

	starts    int
	signals   int
	awaits    int
	resolved  int
	completes int
	fails     int

	lastStart    *Execution
	lastSignal   string
	lastOutcome  Outcome
	lastWaited   time.Duration
	lastFailErr  error
	lastComplete *Execution
}

func (o *testObserver) OnExecutionStart(ctx context.Context, exec *Execution) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts++
	o.lastStart = exec
}

func (o *testObserver) OnSignalReceived(ctx context.Context, exec *Execution, name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.signals++
	o.lastSignal = name
}

func (o *testObserver) OnAwaitStarted(ctx context.Context, exec *Execution, id int, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.awaits++
}

func (o *testObserver) OnAwaitResolved(ctx context.Context, exec *Execution, id int, outcome Outcome, waited time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resolved++
	o.lastOutcome = outcome
	o.lastWaited = waited
}

func (o *testObserver) OnExecutionCompleted(ctx context.Context, exec *Execution) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completes++
	o.lastComplete = exec
}

func (o *testObserver) OnExecutionFailed(ctx context.Context, exec *Execution, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fails++
	o.lastFailErr = err
}

// recordingHandler is a minimal slog.Handler that just records log records.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cpy := slog.Record{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
	}
	r.Attrs(func(a slog.Attr) bool {
		cpy.AddAttrs(a)
		return true
	})
	h.records = append(h.records, cpy)
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(name string) slog.Handler       { return h }

func attrsToMap(r slog.Record) map[string]any {
	m := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value.Any()
		return true
	})
	return m
}

func newTestExecution() *Execution {
	return &Execution{
		ID:       "exec-123",
		Workflow: "GreetingWorkflow",
		Status:   StatusRunning,
	}
}

//
// NoopObserver
//

func TestNoopObserver_DoesNotPanic(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecution()
	var o Observer = NoopObserver{}

	o.OnExecutionStart(ctx, exec)
	o.OnSignalReceived(ctx, exec, "waitForName")
	o.OnAwaitStarted(ctx, exec, 1, time.Second)
	o.OnAwaitResolved(ctx, exec, 1, Satisfied, 0)
	o.OnExecutionCompleted(ctx, exec)
	o.OnExecutionFailed(ctx, exec, errors.New("boom"))
}

//
// CompositeObserver
//

func TestNewCompositeObserver_EmptyReturnsNoop(t *testing.T) {
	o := NewCompositeObserver()
	if _, ok := o.(NoopObserver); !ok {
		t.Fatalf("expected NewCompositeObserver() to return NoopObserver, got %T", o)
	}
}

func TestNewCompositeObserver_SingleReturnsThatObserver(t *testing.T) {
	single := &testObserver{}
	o := NewCompositeObserver(single, nil)

	if got, ok := o.(*testObserver); !ok || got != single {
		t.Fatalf("expected the single non-nil observer to be returned, got %T (%p)", o, o)
	}
}

func TestCompositeObserver_ForwardsAllEvents(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecution()

	o1 := &testObserver{}
	o2 := &testObserver{}
	co, ok := NewCompositeObserver(o1, o2).(*CompositeObserver)
	if !ok {
		t.Fatalf("expected *CompositeObserver")
	}

	err := errors.New("boom")
	co.OnExecutionStart(ctx, exec)
	co.OnSignalReceived(ctx, exec, "waitForName")
	co.OnAwaitStarted(ctx, exec, 1, 10*time.Second)
	co.OnAwaitResolved(ctx, exec, 1, TimedOut, 10*time.Second)
	co.OnExecutionCompleted(ctx, exec)
	co.OnExecutionFailed(ctx, exec, err)

	for i, o := range []*testObserver{o1, o2} {
		if o.starts != 1 || o.signals != 1 || o.awaits != 1 || o.resolved != 1 || o.completes != 1 || o.fails != 1 {
			t.Fatalf("observer %d did not receive all calls: %+v", i+1, o)
		}
		if o.lastStart != exec || o.lastComplete != exec {
			t.Fatalf("observer %d execution mismatch", i+1)
		}
		if o.lastSignal != "waitForName" {
			t.Fatalf("observer %d signal mismatch: %q", i+1, o.lastSignal)
		}
		if o.lastOutcome != TimedOut || o.lastWaited != 10*time.Second {
			t.Fatalf("observer %d await mismatch: %v %v", i+1, o.lastOutcome, o.lastWaited)
		}
		if o.lastFailErr != err {
			t.Fatalf("observer %d fail error mismatch", i+1)
		}
	}
}

//
// LoggingObserver
//

func TestNewLoggingObserver_NilLoggerUsesDefault(t *testing.T) {
	o := NewLoggingObserver(nil)
	lo, ok := o.(*LoggingObserver)
	if !ok {
		t.Fatalf("expected *LoggingObserver, got %T", o)
	}
	if lo.Logger == nil {
		t.Fatalf("expected non-nil Logger when created with nil")
	}
}

func TestLoggingObserver_OnExecutionStart_EmitsInfoLog(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecution()

	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnExecutionStart(ctx, exec)

	if len(h.records) != 1 {
		t.Fatalf("expected 1 log record, got %d", len(h.records))
	}

	rec := h.records[0]
	if rec.Level != slog.LevelInfo {
		t.Fatalf("expected LevelInfo, got %v", rec.Level)
	}
	if rec.Message != "execution_start" {
		t.Fatalf("expected message execution_start, got %q", rec.Message)
	}

	attrs := attrsToMap(rec)
	if attrs["workflow"] != exec.Workflow {
		t.Fatalf("expected workflow=%q, got %v", exec.Workflow, attrs["workflow"])
	}
	if attrs["execution_id"] != exec.ID {
		t.Fatalf("expected execution_id=%q, got %v", exec.ID, attrs["execution_id"])
	}
}

func TestLoggingObserver_OnAwaitResolved_LevelDependsOnOutcome(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecution()

	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnAwaitResolved(ctx, exec, 1, Satisfied, time.Second)
	o.OnAwaitResolved(ctx, exec, 2, TimedOut, 10*time.Second)

	if len(h.records) != 2 {
		t.Fatalf("expected 2 log records, got %d", len(h.records))
	}
	if h.records[0].Level != slog.LevelDebug {
		t.Fatalf("expected satisfied record LevelDebug, got %v", h.records[0].Level)
	}
	if h.records[1].Level != slog.LevelWarn {
		t.Fatalf("expected timed-out record LevelWarn, got %v", h.records[1].Level)
	}

	attrs := attrsToMap(h.records[1])
	if attrs["outcome"] != string(TimedOut) {
		t.Fatalf("expected outcome=%q, got %v", TimedOut, attrs["outcome"])
	}
	if attrs["await_id"] != int64(2) {
		t.Fatalf("expected await_id=2, got %v", attrs["await_id"])
	}
}

//
// BasicMetrics
//

func TestBasicMetrics_Snapshot(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecution()
	m := &BasicMetrics{}

	m.OnExecutionStart(ctx, exec)
	m.OnExecutionStart(ctx, exec)
	m.OnExecutionStart(ctx, exec)
	m.OnSignalReceived(ctx, exec, "waitForName")
	m.OnAwaitResolved(ctx, exec, 1, Satisfied, 2*time.Second)
	m.OnAwaitResolved(ctx, exec, 1, TimedOut, 10*time.Second)
	m.OnExecutionCompleted(ctx, exec)
	m.OnExecutionFailed(ctx, exec, errors.New("timeout"))

	snap := m.Snapshot()
	if snap.ExecutionsStarted != 3 || snap.ExecutionsCompleted != 1 || snap.ExecutionsFailed != 1 {
		t.Fatalf("unexpected execution counters: %+v", snap)
	}
	if snap.PendingExecutions != 1 {
		t.Fatalf("expected 1 pending execution, got %d", snap.PendingExecutions)
	}
	if snap.SignalsReceived != 1 {
		t.Fatalf("expected 1 signal, got %d", snap.SignalsReceived)
	}
	if snap.AwaitsSatisfied != 1 || snap.AwaitsTimedOut != 1 {
		t.Fatalf("unexpected await counters: %+v", snap)
	}
	if snap.AvgAwaitWait != 6*time.Second {
		t.Fatalf("expected avg wait 6s, got %v", snap.AvgAwaitWait)
	}
}
