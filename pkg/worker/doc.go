// Package worker provides the background worker that drives executions
// forward.
//
// Workers consume tasks from a task queue and hand them to the host:
// decision tasks replay an execution up to its next suspension point, and
// signal tasks deliver a queued signal before scheduling a decision. Failed
// tasks are re-enqueued with exponential backoff until Config.MaxAttempts is
// reached; errors that a retry cannot fix, such as signalling a terminal
// execution, are reported immediately.
//
// Signals carry a SignalID from the moment they are enqueued, so a task that
// is delivered more than once still changes the execution at most once.
//
// Run starts a fixed-size pool of goroutines. Many executions multiplex over
// the pool because a waiting execution holds no goroutine.
package worker
