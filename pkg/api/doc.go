// Package api contains the core types shared by the awaitflow host, the
// replayer and workflow authors.
//
// Most users interact with the higher-level awaitflow package and with
// pkg/workflow, which build on the types defined here. The api package is
// intended for custom integrations and for code that extends the host.
//
// # Concepts
//
//   - Program and Instance: the capability contract of durable logic, a
//     run entry point plus named signal handlers.
//   - Context: the deterministic view Program code gets of its execution,
//     including AwaitUntil.
//   - HistoryEvent: one record of the append-only execution history.
//   - Failure: a terminal failure descriptor with a stable Kind.
//   - Host: start, signal, await results, inspect and replay executions.
//   - Observer: lifecycle callbacks for logging and metrics.
//
// # Awaiting
//
// AwaitUntil blocks the logical execution until a predicate over execution
// state becomes true or a logical deadline passes. The outcome is recorded
// in history, so replaying the same history yields the same outcome. A
// signal whose logical arrival time equals the deadline resolves as
// Satisfied.
package api
