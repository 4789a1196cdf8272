// Package workflow is the authoring surface for durable logic: typed
// definitions with explicit state, signal handlers and AwaitUntil.
//
// Code running inside a definition must be deterministic. Read time through
// Now, never through the time package, and keep all mutable state in S so
// that the replayer can rebuild it from history.
package workflow

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/awaitflow/pkg/api"
)

// Context is the deterministic execution context passed to workflow code.
type Context = api.Context

// Definition is a Program with watched state S. Build one with New and
// attach signal handlers with OnSignal before registering it.
type Definition[S any] struct {
	name     string
	run      func(ctx Context, state *S, input api.Payload, dc api.DataConverter) (api.Payload, error)
	handlers map[string]func(state *S, arg api.Payload, dc api.DataConverter) error
	decoders map[string]func(arg api.Payload, dc api.DataConverter) error
	order    []string
}

var _ api.Program = (*Definition[struct{}])(nil)

// New defines a program named name whose entry point receives a pointer to
// fresh state and the decoded input.
func New[S, In, Out any](name string, run func(ctx Context, state *S, in In) (Out, error)) *Definition[S] {
	return &Definition[S]{
		name:     name,
		handlers: make(map[string]func(*S, api.Payload, api.DataConverter) error),
		decoders: make(map[string]func(api.Payload, api.DataConverter) error),
		run: func(ctx Context, state *S, input api.Payload, dc api.DataConverter) (api.Payload, error) {
			var in In
			if len(input) > 0 {
				if err := dc.FromPayload(input, &in); err != nil {
					return nil, fmt.Errorf("decode %s input: %w", name, err)
				}
			}
			out, err := run(ctx, state, in)
			if err != nil {
				return nil, err
			}
			return dc.ToPayload(out)
		},
	}
}

// OnSignal registers the handler for signal name. Handlers only mutate
// state; the replayer re-checks the active await predicate after each one.
// Registering the same name twice panics.
func OnSignal[S, P any](d *Definition[S], name string, handler func(state *S, arg P)) *Definition[S] {
	if _, dup := d.handlers[name]; dup {
		panic(fmt.Sprintf("workflow %s: duplicate signal handler %q", d.name, name))
	}
	decode := func(arg api.Payload, dc api.DataConverter) (P, error) {
		var v P
		if len(arg) > 0 {
			if err := dc.FromPayload(arg, &v); err != nil {
				return v, fmt.Errorf("decode %s argument: %w", name, err)
			}
		}
		return v, nil
	}
	d.handlers[name] = func(state *S, arg api.Payload, dc api.DataConverter) error {
		v, err := decode(arg, dc)
		if err != nil {
			return err
		}
		handler(state, v)
		return nil
	}
	d.decoders[name] = func(arg api.Payload, dc api.DataConverter) error {
		_, err := decode(arg, dc)
		return err
	}
	d.order = append(d.order, name)
	return d
}

func (d *Definition[S]) Name() string { return d.name }

// SignalNames returns the declared signals in registration order.
func (d *Definition[S]) SignalNames() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

func (d *Definition[S]) CheckSignal(name string, arg api.Payload, dc api.DataConverter) error {
	decode, ok := d.decoders[name]
	if !ok {
		return fmt.Errorf("%w: %s", api.ErrUnknownSignal, name)
	}
	if err := decode(arg, dc); err != nil {
		return fmt.Errorf("%w: %w", api.ErrInvalidSignal, err)
	}
	return nil
}

func (d *Definition[S]) NewInstance(dc api.DataConverter) api.Instance {
	return &instance[S]{def: d, dc: dc}
}

type instance[S any] struct {
	def   *Definition[S]
	dc    api.DataConverter
	state S
}

func (i *instance[S]) Run(ctx Context, input api.Payload) (api.Payload, error) {
	return i.def.run(ctx, &i.state, input, i.dc)
}

func (i *instance[S]) ApplySignal(name string, arg api.Payload) error {
	h, ok := i.def.handlers[name]
	if !ok {
		return fmt.Errorf("%w: %s", api.ErrUnknownSignal, name)
	}
	return h(&i.state, arg, i.dc)
}

// AwaitUntil blocks until predicate is true or maxDuration of logical time
// passes.
func AwaitUntil(ctx Context, predicate func() bool, maxDuration time.Duration) (api.Outcome, error) {
	return ctx.AwaitUntil(predicate, maxDuration)
}

// AwaitWithTimeout is AwaitUntil reporting Satisfied as true.
func AwaitWithTimeout(ctx Context, timeout time.Duration, condition func() bool) (bool, error) {
	outcome, err := ctx.AwaitUntil(condition, timeout)
	if err != nil {
		return false, err
	}
	return outcome == api.Satisfied, nil
}

// Now returns the logical time of the execution.
func Now(ctx Context) time.Time { return ctx.Now() }

// GetLogger returns a logger that is silent during replay.
func GetLogger(ctx Context) *slog.Logger { return ctx.Logger() }
