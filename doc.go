// Package awaitflow is an embeddable host for durable workflows that wait
// for a condition with a timeout.
//
// A workflow suspends on AwaitUntil until a predicate over its state turns
// true or a maximum duration of logical time passes. Signals sent to the
// execution mutate that state. Everything the workflow observes is recorded
// in an append-only history, so a restarted host reaches the same decisions
// by replaying it.
//
// # Core Concepts
//
//  1. Definition
//  2. Engine
//  3. Worker
//  4. LocalRunner
//  5. TestEnvironment
//
// # Definition
//
// A Definition pairs an entry point with the signal handlers that mutate its
// watched state. State is an explicit value owned by one execution:
//
//	type State struct{ Name *string }
//
//	def := workflow.New("Greeting", func(ctx workflow.Context, s *State, token string) (string, error) {
//	    ok, err := workflow.AwaitWithTimeout(ctx, 10*time.Second, func() bool { return s.Name != nil })
//	    if err != nil {
//	        return "", err
//	    }
//	    if !ok {
//	        return "", awaitflow.NewFailure("no name within 10 seconds", "signal-timeout")
//	    }
//	    return "Hello " + *s.Name + "!", nil
//	})
//	workflow.OnSignal(def, "waitForName", func(s *State, name string) { s.Name = &name })
//
// Workflow code must be deterministic: read time with workflow.Now and log
// with workflow.GetLogger, which is silent while history is replayed.
//
// # Engine
//
// The Engine records executions and their history, arms timers and runs
// decision tasks. It is backed by in-memory stores or by SQLite:
//
//   - Start is idempotent per execution ID
//   - Signal appends to history and returns; signals apply in arrival order,
//     at most once per SignalID
//   - Result blocks until the execution is terminal
//   - Recover re-arms timers after a restart, Verify detects workflow code
//     that no longer matches stored history
//
// # Worker
//
// A Worker drains the engine's task queue. Decision tasks and queued signals
// are retried with backoff until they succeed or run out of attempts.
//
// # LocalRunner
//
// LocalRunner bundles an Engine with a Worker pool for single-process use.
// It is crash-durable only when the engine uses SQLite.
//
// # TestEnvironment
//
// TestEnvironment runs workflows on a virtual clock and an inline worker, so
// tests deliver signals at exact logical instants and skip timeouts without
// sleeping.
//
// For a runnable sample, see cmd/awaitflow and the examples directory.
package awaitflow
