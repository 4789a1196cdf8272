package awaitflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/awaitflow/internal/clock"
	"github.com/petrijr/awaitflow/internal/engine"
	"github.com/petrijr/awaitflow/internal/persistence"
	"github.com/petrijr/awaitflow/pkg/api"
	"github.com/petrijr/awaitflow/pkg/worker"
)

// DefaultTestStart is the virtual time a TestEnvironment starts at.
var DefaultTestStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// TestEnvironment runs an in-memory engine on a virtual clock with tasks
// processed inline on the calling goroutine. Time only moves through
// Advance or while Result waits, so timeouts take no wall time.
type TestEnvironment struct {
	clock  *clock.Virtual
	engine *engine.Engine
	worker *worker.Worker
}

// TestOption customises a TestEnvironment.
type TestOption func(*testConfig)

type testConfig struct {
	start    time.Time
	observer api.Observer
	logger   *slog.Logger
	p        persistence.Persistence
}

// WithStartTime sets the initial virtual time.
func WithStartTime(t time.Time) TestOption {
	return func(c *testConfig) { c.start = t }
}

// WithObserver attaches an observer to the engine.
func WithObserver(obs Observer) TestOption {
	return func(c *testConfig) { c.observer = obs }
}

// WithLogger sets the logger of the engine and of workflow code.
func WithLogger(l *slog.Logger) TestOption {
	return func(c *testConfig) { c.logger = l }
}

// NewTestEnvironment returns a TestEnvironment with nothing registered.
func NewTestEnvironment(opts ...TestOption) *TestEnvironment {
	cfg := testConfig{start: DefaultTestStart, p: persistence.NewInMemoryPersistence()}
	for _, opt := range opts {
		opt(&cfg)
	}

	clk := clock.NewVirtual(cfg.start)
	eng := engine.NewEngine(engine.Config{
		Persistence: cfg.p,
		Observer:    cfg.observer,
		Clock:       clk,
		Logger:      cfg.logger,
	})
	return &TestEnvironment{
		clock:  clk,
		engine: eng,
		worker: worker.NewWithConfig(eng, eng.Queue(), worker.Config{MaxAttempts: 1, Logger: cfg.logger}),
	}
}

// Host returns the engine behind the environment.
func (e *TestEnvironment) Host() Host { return e.engine }

// Converter returns the codec payloads are stored with.
func (e *TestEnvironment) Converter() DataConverter { return e.engine.Converter() }

// Now returns the virtual time.
func (e *TestEnvironment) Now() time.Time { return e.clock.Now() }

func (e *TestEnvironment) Register(p Program) error { return e.engine.Register(p) }

// Start records a new execution. Nothing runs until Drain, Advance or
// Result.
func (e *TestEnvironment) Start(ctx context.Context, opts StartOptions) (*Execution, error) {
	return e.engine.Start(ctx, opts)
}

// Signal appends a signal at the current virtual time.
func (e *TestEnvironment) Signal(ctx context.Context, req SignalRequest) error {
	return e.engine.Signal(ctx, req)
}

// AfterFunc runs fn once the virtual clock has moved by d: a way to deliver
// signals at a chosen logical time.
func (e *TestEnvironment) AfterFunc(d time.Duration, fn func()) {
	e.clock.AfterFunc(d, fn)
}

// Drain processes queued tasks until the queue is empty.
func (e *TestEnvironment) Drain(ctx context.Context) error {
	for e.engine.Queue().Len() > 0 {
		if _, err := e.worker.ProcessOne(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Advance moves virtual time forward by d. Everything due at one instant
// fires before the tasks it produced run, so a signal and a timer at the
// same instant reach the workflow in one batch.
func (e *TestEnvironment) Advance(ctx context.Context, d time.Duration) error {
	target := e.clock.Now().Add(d)
	if err := e.Drain(ctx); err != nil {
		return err
	}
	for {
		next, ok := e.clock.Next()
		if !ok || next.After(target) {
			break
		}
		e.clock.AdvanceTo(next)
		if err := e.Drain(ctx); err != nil {
			return err
		}
	}
	e.clock.AdvanceTo(target)
	return e.Drain(ctx)
}

// Result drives id to a terminal state, skipping virtual time to the next
// timer whenever the execution is waiting, and returns its result.
func (e *TestEnvironment) Result(ctx context.Context, id string) (*TerminalResult, error) {
	for {
		if err := e.Drain(ctx); err != nil {
			return nil, err
		}
		exec, err := e.engine.Describe(ctx, id)
		if err != nil {
			return nil, err
		}
		if exec.Status.Terminal() {
			return e.engine.Result(ctx, id)
		}
		next, ok := e.clock.Next()
		if !ok {
			return nil, fmt.Errorf("awaitflow: execution %s is %s with no pending timers", id, exec.Status)
		}
		e.clock.AdvanceTo(next)
	}
}

func (e *TestEnvironment) Describe(ctx context.Context, id string) (*Execution, error) {
	return e.engine.Describe(ctx, id)
}

func (e *TestEnvironment) History(ctx context.Context, id string) ([]HistoryEvent, error) {
	return e.engine.History(ctx, id)
}

func (e *TestEnvironment) Cancel(ctx context.Context, id, reason string) error {
	return e.engine.Cancel(ctx, id, reason)
}

func (e *TestEnvironment) Verify(ctx context.Context, id string) error {
	return e.engine.Verify(ctx, id)
}
