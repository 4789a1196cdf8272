package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/petrijr/awaitflow/internal/clock"
	"github.com/petrijr/awaitflow/internal/codec"
	"github.com/petrijr/awaitflow/internal/persistence"
	"github.com/petrijr/awaitflow/internal/taskqueue"
	"github.com/petrijr/awaitflow/pkg/api"
)

const (
	DefaultLeaseTTL   = 30 * time.Second
	DefaultResultPoll = 250 * time.Millisecond
)

// ErrBusy is returned when another owner holds the execution's lease.
// Callers retry later.
var ErrBusy = errors.New("execution is leased by another owner")

// Config describes how to construct an Engine. Zero fields get defaults.
type Config struct {
	Persistence persistence.Persistence
	Observer    api.Observer
	Clock       clock.Clock
	Converter   api.DataConverter
	// Queue receives decision tasks. Something must drain it, usually a
	// worker.Worker.
	Queue  taskqueue.Queue
	Logger *slog.Logger

	LeaseTTL time.Duration
	// ResultPoll bounds how long Result waits before re-reading the store,
	// which picks up executions finished by another process.
	ResultPoll time.Duration
	// Owner identifies this process in execution leases.
	Owner string
}

// Engine hosts executions: it appends external events to history, runs
// decision tasks through the replayer and owns the timers.
type Engine struct {
	executions persistence.ExecutionStore
	history    persistence.HistoryStore
	observer   api.Observer
	clock      clock.Clock
	dc         api.DataConverter
	queue      taskqueue.Queue
	logger     *slog.Logger
	leaseTTL   time.Duration
	resultPoll time.Duration
	owner      string

	programs *programRegistry
	locks    *keyedMutex

	mu      sync.Mutex
	timers  map[string]map[int]clock.Timer
	waiters map[string][]chan struct{}
}

var _ api.Host = (*Engine)(nil)

// NewEngine creates a new Engine using the given configuration.
func NewEngine(cfg Config) *Engine {
	if cfg.Persistence.Executions == nil || cfg.Persistence.History == nil {
		cfg.Persistence = persistence.NewInMemoryPersistence()
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Converter == nil {
		cfg.Converter = codec.Msgpack{}
	}
	if cfg.Queue == nil {
		cfg.Queue = taskqueue.NewInMemoryQueue(taskqueue.DefaultCapacity)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.ResultPoll <= 0 {
		cfg.ResultPoll = DefaultResultPoll
	}
	if cfg.Owner == "" {
		cfg.Owner = "awaitflow-" + newID()
	}

	return &Engine{
		executions: cfg.Persistence.Executions,
		history:    cfg.Persistence.History,
		observer:   cfg.Observer,
		clock:      cfg.Clock,
		dc:         cfg.Converter,
		queue:      cfg.Queue,
		logger:     cfg.Logger,
		leaseTTL:   cfg.LeaseTTL,
		resultPoll: cfg.ResultPoll,
		owner:      cfg.Owner,
		programs:   newProgramRegistry(),
		locks:      newKeyedMutex(),
		timers:     make(map[string]map[int]clock.Timer),
		waiters:    make(map[string][]chan struct{}),
	}
}

// NewInMemoryEngine returns an Engine with non-durable stores.
func NewInMemoryEngine() *Engine {
	return NewEngine(Config{Persistence: persistence.NewInMemoryPersistence()})
}

// NewSQLiteEngine returns an Engine whose executions and history live in db.
func NewSQLiteEngine(db *sql.DB) (*Engine, error) {
	p, err := persistence.NewSQLitePersistence(db)
	if err != nil {
		return nil, err
	}
	return NewEngine(Config{Persistence: p}), nil
}

// Queue returns the queue decision tasks are scheduled on.
func (e *Engine) Queue() taskqueue.Queue { return e.queue }

// Converter returns the converter used for inputs, signals and results.
func (e *Engine) Converter() api.DataConverter { return e.dc }

func (e *Engine) Register(p api.Program) error {
	return e.programs.Register(p)
}

func (e *Engine) Start(ctx context.Context, opts api.StartOptions) (*api.Execution, error) {
	if _, err := e.programs.Get(opts.Workflow); err != nil {
		return nil, err
	}
	input, err := e.dc.ToPayload(opts.Input)
	if err != nil {
		return nil, fmt.Errorf("encode input of %s: %w", opts.Workflow, err)
	}

	id := opts.ID
	if id == "" {
		id = newID()
	}

	exec, fresh, err := e.create(ctx, id, opts.Workflow, input)
	if err != nil {
		return exec, err
	}
	if fresh {
		if err := e.schedule(ctx, id); err != nil {
			return exec, err
		}
	}
	return exec, nil
}

// create inserts the execution record and its execution.started event.
// fresh reports whether a decision task is needed.
func (e *Engine) create(ctx context.Context, id, workflow string, input api.Payload) (exec *api.Execution, fresh bool, err error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	existing, err := e.executions.GetExecution(ctx, id)
	switch {
	case err == nil:
		return e.resumeStart(ctx, existing)
	case !errors.Is(err, persistence.ErrExecutionNotFound):
		return nil, false, err
	}

	now := e.clock.Now()
	exec = &api.Execution{
		ID:          id,
		Workflow:    workflow,
		Status:      api.StatusRunning,
		Input:       input,
		CreatedAt:   now,
		UpdatedAt:   now,
		LogicalTime: now,
	}
	if err := e.executions.CreateExecution(ctx, exec); err != nil {
		if errors.Is(err, persistence.ErrExecutionExists) {
			// Another process started it between the read and the insert.
			existing, err := e.executions.GetExecution(ctx, id)
			return existing, false, err
		}
		return nil, false, err
	}

	fresh, err = e.ensureStarted(ctx, exec)
	if err != nil {
		return nil, false, err
	}
	return exec, fresh, nil
}

// resumeStart returns an existing execution. A record whose history is
// still empty was left behind by a start whose append failed; it gets its
// started event now.
func (e *Engine) resumeStart(ctx context.Context, exec *api.Execution) (*api.Execution, bool, error) {
	hist, err := e.history.ListEvents(ctx, exec.ID)
	if err != nil {
		return nil, false, fmt.Errorf("load history of %s: %w", exec.ID, err)
	}
	if len(hist) > 0 {
		return exec, false, nil
	}

	e.logger.Warn("completing interrupted start", "execution_id", exec.ID)
	fresh, err := e.ensureStarted(ctx, exec)
	if err != nil {
		return nil, false, err
	}
	return exec, fresh, nil
}

// ensureStarted appends execution.started under the lease unless the
// history already has events.
func (e *Engine) ensureStarted(ctx context.Context, exec *api.Execution) (bool, error) {
	appended := false
	err := e.withLease(ctx, exec.ID, func() error {
		hist, err := e.history.ListEvents(ctx, exec.ID)
		if err != nil {
			return fmt.Errorf("load history of %s: %w", exec.ID, err)
		}
		if len(hist) > 0 {
			return nil
		}
		if err := e.appendStarted(ctx, exec); err != nil {
			return err
		}
		appended = true
		return nil
	})
	return appended, err
}

func (e *Engine) appendStarted(ctx context.Context, exec *api.Execution) error {
	_, err := e.history.AppendEvents(ctx, exec.ID, api.HistoryEvent{
		Type:     api.EventExecutionStarted,
		At:       exec.CreatedAt,
		Workflow: exec.Workflow,
		Payload:  exec.Input,
	})
	if err != nil {
		return fmt.Errorf("append start of %s: %w", exec.ID, err)
	}
	e.observer.OnExecutionStart(ctx, exec)
	return nil
}

func (e *Engine) Signal(ctx context.Context, req api.SignalRequest) error {
	if req.ExecutionID == "" || req.Name == "" {
		return errors.New("signal requires an execution ID and a name")
	}

	exec, err := e.getExecution(ctx, req.ExecutionID)
	if err != nil {
		return err
	}
	payload, err := e.dc.ToPayload(req.Arg)
	if err != nil {
		return fmt.Errorf("encode signal %s: %w", req.Name, err)
	}
	if err := e.programs.AcceptsSignal(exec.Workflow, req.Name, payload, e.dc); err != nil {
		return err
	}
	if req.SignalID == "" {
		req.SignalID = newID()
	}

	return e.appendThenSchedule(ctx, req.ExecutionID, func() (bool, error) {
		exec, err := e.getExecution(ctx, req.ExecutionID)
		if err != nil {
			return false, err
		}
		if exec.Status.Terminal() {
			return false, fmt.Errorf("%w: %s is %s", api.ErrExecutionTerminal, exec.ID, exec.Status)
		}

		hist, err := e.history.ListEvents(ctx, exec.ID)
		if err != nil {
			return false, fmt.Errorf("load history of %s: %w", exec.ID, err)
		}
		for _, ev := range hist {
			if ev.Type == api.EventSignalReceived && ev.SignalID == req.SignalID {
				return false, nil
			}
		}

		_, err = e.history.AppendEvents(ctx, exec.ID, api.HistoryEvent{
			Type:       api.EventSignalReceived,
			At:         e.clock.Now(),
			SignalName: req.Name,
			SignalID:   req.SignalID,
			Payload:    payload,
		})
		if err != nil {
			return false, fmt.Errorf("append signal %s to %s: %w", req.Name, exec.ID, err)
		}

		e.observer.OnSignalReceived(ctx, exec, req.Name)
		return true, nil
	})
}

// appendThenSchedule runs fn under the execution lock and lease. When fn
// reports appended events, a decision task is enqueued after both are
// released, so a full queue never blocks other work on the execution.
func (e *Engine) appendThenSchedule(ctx context.Context, id string, fn func() (bool, error)) error {
	var appended bool
	err := func() error {
		unlock := e.locks.Lock(id)
		defer unlock()
		return e.withLease(ctx, id, func() (err error) {
			appended, err = fn()
			return err
		})
	}()
	if err != nil || !appended {
		return err
	}
	return e.schedule(ctx, id)
}

func (e *Engine) Result(ctx context.Context, id string) (*api.TerminalResult, error) {
	for {
		wait := e.subscribe(id)

		exec, err := e.getExecution(ctx, id)
		if err != nil {
			e.unsubscribe(id, wait)
			return nil, err
		}
		if exec.Status.Terminal() {
			e.unsubscribe(id, wait)
			return api.NewTerminalResult(exec, e.dc), nil
		}

		timer := time.NewTimer(e.resultPoll)
		select {
		case <-wait:
		case <-timer.C:
			e.unsubscribe(id, wait)
		case <-ctx.Done():
			timer.Stop()
			e.unsubscribe(id, wait)
			return nil, ctx.Err()
		}
		timer.Stop()
	}
}

func (e *Engine) Describe(ctx context.Context, id string) (*api.Execution, error) {
	return e.getExecution(ctx, id)
}

func (e *Engine) List(ctx context.Context, opts api.ListOptions) ([]*api.Execution, error) {
	return e.executions.ListExecutions(ctx, persistence.ExecutionFilter{
		Workflow: opts.Workflow,
		Status:   opts.Status,
	})
}

func (e *Engine) History(ctx context.Context, id string) ([]api.HistoryEvent, error) {
	if _, err := e.getExecution(ctx, id); err != nil {
		return nil, err
	}
	return e.history.ListEvents(ctx, id)
}

func (e *Engine) Cancel(ctx context.Context, id string, reason string) error {
	unlock := e.locks.Lock(id)
	defer unlock()

	return e.withLease(ctx, id, func() error {
		exec, err := e.getExecution(ctx, id)
		if err != nil {
			return err
		}
		if exec.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", api.ErrExecutionTerminal, id, exec.Status)
		}

		now := e.clock.Now()
		stored, err := e.history.AppendEvents(ctx, id,
			api.HistoryEvent{Type: api.EventExecutionCanceled, At: now, Detail: reason},
			api.HistoryEvent{Type: api.EventTaskCompleted, At: now},
		)
		if err != nil {
			return fmt.Errorf("append cancel of %s: %w", id, err)
		}

		if reason == "" {
			reason = "execution canceled"
		}
		exec.Status = api.StatusCanceled
		exec.Failure = api.NewFailure(reason, api.KindCanceled)
		exec.LogicalTime = now
		exec.LastSeq = stored[len(stored)-1].Seq
		exec.UpdatedAt = now
		if err := e.executions.UpdateExecution(ctx, exec); err != nil {
			return fmt.Errorf("update %s: %w", id, err)
		}

		e.disarmAll(id)
		e.observer.OnExecutionFailed(ctx, exec, exec.Failure)
		e.notify(id)
		return nil
	})
}

func (e *Engine) getExecution(ctx context.Context, id string) (*api.Execution, error) {
	exec, err := e.executions.GetExecution(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrExecutionNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrExecutionNotFound, id)
		}
		return nil, err
	}
	return exec, nil
}

// withLease runs fn while holding the store lease on id.
func (e *Engine) withLease(ctx context.Context, id string, fn func() error) error {
	acquired, err := e.executions.TryAcquireLease(ctx, id, e.owner, e.leaseTTL)
	if err != nil {
		if errors.Is(err, persistence.ErrExecutionNotFound) {
			return fmt.Errorf("%w: %s", api.ErrExecutionNotFound, id)
		}
		return fmt.Errorf("acquire lease on %s: %w", id, err)
	}
	if !acquired {
		return fmt.Errorf("%w: %s", ErrBusy, id)
	}
	defer func() {
		if err := e.executions.ReleaseLease(context.WithoutCancel(ctx), id, e.owner); err != nil {
			e.logger.Warn("release lease failed", "execution_id", id, "error", err)
		}
	}()
	return fn()
}

func (e *Engine) schedule(ctx context.Context, id string) error {
	err := e.queue.Enqueue(ctx, taskqueue.Task{
		ID:          newID(),
		Type:        taskqueue.TaskTypeDecide,
		ExecutionID: id,
		Attempt:     1,
	})
	if err != nil {
		return fmt.Errorf("schedule decision task for %s: %w", id, err)
	}
	return nil
}

func (e *Engine) subscribe(id string) chan struct{} {
	ch := make(chan struct{})
	e.mu.Lock()
	e.waiters[id] = append(e.waiters[id], ch)
	e.mu.Unlock()
	return ch
}

func (e *Engine) unsubscribe(id string, ch chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.waiters[id]
	for i, w := range list {
		if w == ch {
			e.waiters[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(e.waiters[id]) == 0 {
		delete(e.waiters, id)
	}
}

// notify wakes every Result call waiting on id.
func (e *Engine) notify(id string) {
	e.mu.Lock()
	list := e.waiters[id]
	delete(e.waiters, id)
	e.mu.Unlock()
	for _, ch := range list {
		close(ch)
	}
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}
