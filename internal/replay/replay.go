// Package replay executes Program logic against an execution's history.
//
// Every decision task re-runs the logic from the start. Recorded decisions
// are matched instead of re-recorded, external events are applied in the
// batches they arrived in, and the logic unwinds when it needs events that
// have not happened yet. The result lists the decisions that are new.
package replay

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/awaitflow/pkg/api"
)

// Options configures one replay.
type Options struct {
	ExecutionID string
	Program     api.Program
	History     []api.HistoryEvent
	Converter   api.DataConverter
	Logger      *slog.Logger
}

// AwaitRecord describes an await resolved by newly recorded decisions.
type AwaitRecord struct {
	ID          int
	Outcome     api.Outcome
	Started     time.Time
	Resolved    time.Time
	MaxDuration time.Duration
}

// Result is the outcome of a replay.
type Result struct {
	// New holds decisions that are not yet in history, in order. ExecutionID
	// and At are set; Seq is left for the history store.
	New []api.HistoryEvent

	// Status is StatusWaiting when the logic is suspended in an await.
	Status  api.Status
	Value   api.Payload
	Failure *api.Failure

	// Now is the logical time of the last consumed event.
	Now time.Time

	// Armed lists awaits that started a timer in New.
	Armed []AwaitRecord
	// Resolved lists awaits resolved in New.
	Resolved []AwaitRecord

	// Mismatch is non-nil when the logic diverged from recorded decisions.
	// It wraps api.ErrNondeterminism.
	Mismatch error
}

// Terminal reports whether the replay ended the execution.
func (r *Result) Terminal() bool { return r.Status.Terminal() }

// suspend unwinds the logic when it needs events that are not recorded yet.
type suspend struct{}

// abort unwinds the logic with a terminal failure that did not come from
// the logic's own return value.
type abort struct {
	failure  *api.Failure
	mismatch error
	canceled bool
}

type replayer struct {
	opts     Options
	history  []api.HistoryEvent
	pos      int
	now      time.Time
	awaitSeq int
	applied  map[string]struct{}
	inst     api.Instance
	logger   *slog.Logger
	workflow string

	result Result
}

// Run replays opts.History and reports what the logic does next.
func Run(opts Options) *Result {
	r := &replayer{
		opts:    opts,
		history: opts.History,
		applied: make(map[string]struct{}),
	}

	if len(r.history) == 0 || r.history[0].Type != api.EventExecutionStarted {
		r.result.Status = api.StatusFailed
		r.result.Failure = api.NewInternalFailure(api.KindUnexpected, "history of %s does not begin with %s", opts.ExecutionID, api.EventExecutionStarted)
		return &r.result
	}

	started := r.history[0]
	r.workflow = started.Workflow
	r.now = started.At

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r.logger = slog.New(&replayHandler{inner: logger.Handler(), replaying: r.IsReplaying}).With(
		slog.String("execution_id", opts.ExecutionID),
		slog.String("workflow", r.workflow),
	)

	out := r.execute(started.Payload)
	stop := out.stop
	switch {
	case stop == nil:
		r.finish(out.value, out.err)
	case stop.mismatch != nil:
		r.nondeterministic(stop.mismatch)
	case stop.canceled:
		r.result.Status = api.StatusCanceled
		r.result.Failure = stop.failure
	case stop.failure != nil:
		r.fail(stop.failure)
	default:
		r.result.Status = api.StatusWaiting
	}

	r.result.Now = r.now
	return &r.result
}

type outcome struct {
	value api.Payload
	err   error
	// stop is set when the logic unwound instead of returning.
	stop *abort
}

// execute runs the logic, converting the unwinding panics into a stop value.
func (r *replayer) execute(input api.Payload) (out outcome) {
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		switch v := p.(type) {
		case suspend:
			out.stop = &abort{}
		case abort:
			out.stop = &v
		default:
			out.stop = &abort{failure: api.NewInternalFailure(api.KindPanic, "workflow panicked: %v", v)}
		}
	}()

	r.inst = r.opts.Program.NewInstance(r.opts.Converter)

	// Signals of the first batch reach the instance before Run.
	r.pos = 1
	r.applyBatch(r.gather(), nil)

	out.value, out.err = r.inst.Run(r, input)
	return out
}

func (r *replayer) finish(value api.Payload, err error) {
	if err != nil {
		var f *api.Failure
		if errors.Is(err, api.ErrNegativeDuration) {
			f = api.NewInternalFailure(api.KindInvalidArgument, "%v", err)
		} else {
			f = api.FailureFromError(err)
		}
		r.fail(f)
		return
	}

	if mismatch := r.record(api.HistoryEvent{Type: api.EventExecutionCompleted, Payload: value}); mismatch != nil {
		r.nondeterministic(mismatch)
		return
	}
	if mismatch := r.checkTrailing(); mismatch != nil {
		r.nondeterministic(mismatch)
		return
	}
	r.result.Status = api.StatusCompleted
	r.result.Value = value
}

func (r *replayer) fail(f *api.Failure) {
	if mismatch := r.record(api.HistoryEvent{Type: api.EventExecutionFailed, Failure: f}); mismatch != nil {
		r.nondeterministic(mismatch)
		return
	}
	if mismatch := r.checkTrailing(); mismatch != nil {
		r.nondeterministic(mismatch)
		return
	}
	r.result.Status = api.StatusFailed
	r.result.Failure = f
}

// nondeterministic replaces whatever the logic produced with a single
// terminal failure appended after the recorded history.
func (r *replayer) nondeterministic(mismatch error) {
	f := api.NewInternalFailure(api.KindNondeterminism, "%v", mismatch)
	r.result.Mismatch = mismatch
	r.result.Status = api.StatusFailed
	r.result.Failure = f
	r.result.Armed = nil
	r.result.Resolved = nil
	r.result.New = []api.HistoryEvent{{
		ExecutionID: r.opts.ExecutionID,
		At:          r.now,
		Type:        api.EventExecutionFailed,
		Failure:     f,
	}}
}

// checkTrailing verifies no recorded decision follows the terminal one.
func (r *replayer) checkTrailing() error {
	for ; r.pos < len(r.history); r.pos++ {
		ev := r.history[r.pos]
		if ev.Type.Decision() {
			return fmt.Errorf("%w: history has %s at seq %d after the logic returned", api.ErrNondeterminism, ev.Type, ev.Seq)
		}
	}
	return nil
}

// record matches ev against the recorded decision at the cursor, or appends
// it to the new decisions once the recorded history is exhausted.
func (r *replayer) record(ev api.HistoryEvent) error {
	ev.ExecutionID = r.opts.ExecutionID
	ev.At = r.now

	if r.pos >= len(r.history) {
		r.result.New = append(r.result.New, ev)
		return nil
	}

	rec := r.history[r.pos]
	if !sameDecision(rec, ev) {
		return fmt.Errorf("%w: at seq %d history has %s, replay produced %s",
			api.ErrNondeterminism, rec.Seq, describe(rec), describe(ev))
	}
	r.pos++
	return nil
}

func (r *replayer) mustRecord(ev api.HistoryEvent) {
	if err := r.record(ev); err != nil {
		panic(abort{mismatch: err})
	}
}

func sameDecision(rec, ev api.HistoryEvent) bool {
	if rec.Type != ev.Type {
		return false
	}
	switch ev.Type {
	case api.EventTimerStarted:
		return rec.AwaitID == ev.AwaitID && rec.FireAt.Equal(ev.FireAt)
	case api.EventTimerCanceled:
		return rec.AwaitID == ev.AwaitID
	case api.EventAwaitResolved:
		return rec.AwaitID == ev.AwaitID && rec.Outcome == ev.Outcome
	case api.EventExecutionCompleted:
		return bytes.Equal(rec.Payload, ev.Payload)
	case api.EventExecutionFailed:
		return rec.Failure != nil && ev.Failure != nil && rec.Failure.Kind == ev.Failure.Kind
	}
	return true
}

func describe(ev api.HistoryEvent) string {
	switch ev.Type {
	case api.EventTimerStarted, api.EventTimerCanceled, api.EventTimerFired:
		return fmt.Sprintf("%s(await %d)", ev.Type, ev.AwaitID)
	case api.EventAwaitResolved:
		return fmt.Sprintf("%s(await %d, %s)", ev.Type, ev.AwaitID, ev.Outcome)
	case api.EventExecutionFailed:
		if ev.Failure != nil {
			return fmt.Sprintf("%s(%s)", ev.Type, ev.Failure.Kind)
		}
	}
	return string(ev.Type)
}
