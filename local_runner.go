package awaitflow

import (
	"context"
	"errors"
	"sync"

	"github.com/petrijr/awaitflow/pkg/worker"
)

// LocalRunner bundles an Engine and a Worker pool draining the engine's
// queue, for development and single-process deployments.
//
// Typical usage:
//
//	runner := awaitflow.NewLocalRunner()
//	_ = runner.Engine.Register(greeting.Workflow)
//	_ = runner.StartWorkers(ctx, 2)
//	exec, _ := runner.Engine.Start(ctx, awaitflow.StartOptions{Workflow: "GreetingWorkflow"})
//	_ = runner.SignalAsync(ctx, awaitflow.SignalRequest{ExecutionID: exec.ID, Name: "waitForName", Arg: "World"})
//	res, _ := runner.Engine.Result(ctx, exec.ID)
//	runner.Stop()
type LocalRunner struct {
	// Engine hosts the executions.
	Engine *Engine

	// Worker processes tasks from the engine's queue.
	Worker *worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan error
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine and
// a Worker with default config.
func NewLocalRunner() *LocalRunner {
	return NewLocalRunnerWithEngine(NewInMemoryEngine(), worker.Config{})
}

// NewLocalRunnerWithEngine wires a Worker with cfg to eng's queue.
func NewLocalRunnerWithEngine(eng *Engine, cfg worker.Config) *LocalRunner {
	return &LocalRunner{
		Engine: eng,
		Worker: worker.NewWithConfig(eng, eng.Queue(), cfg),
	}
}

// StartWorkers starts 'concurrency' worker goroutines that process tasks
// until Stop is called or ctx is done.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("awaitflow: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan error, 1)
	r.running = true

	go func() {
		r.done <- r.Worker.Run(ctx, concurrency)
	}()
	return nil
}

// Stop cancels the worker goroutines, waits for them to exit and stops the
// engine's timers.
func (r *LocalRunner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	err := <-done
	r.Engine.Close()
	return err
}

// SignalAsync enqueues a signal for delivery by the workers. Transient
// delivery failures are retried under the same SignalID.
func (r *LocalRunner) SignalAsync(ctx context.Context, req SignalRequest) error {
	return r.Worker.EnqueueSignal(ctx, req)
}
