package replay

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/awaitflow/pkg/api"
)

var _ api.Context = (*replayer)(nil)

func (r *replayer) ExecutionID() string  { return r.opts.ExecutionID }
func (r *replayer) WorkflowName() string { return r.workflow }
func (r *replayer) Now() time.Time       { return r.now }
func (r *replayer) Logger() *slog.Logger { return r.logger }

func (r *replayer) IsReplaying() bool { return r.pos < len(r.history) }

type awaitState struct {
	id       int
	started  time.Time
	deadline time.Time
	pred     func() bool

	satisfied bool
	expired   bool
	fired     bool
}

func (r *replayer) AwaitUntil(predicate func() bool, maxDuration time.Duration) (api.Outcome, error) {
	if maxDuration < 0 {
		return "", fmt.Errorf("%w: %s", api.ErrNegativeDuration, maxDuration)
	}

	r.awaitSeq++
	a := &awaitState{
		id:       r.awaitSeq,
		started:  r.now,
		deadline: r.now.Add(maxDuration),
		pred:     predicate,
	}

	if r.evaluate(predicate) {
		r.resolve(a, api.Satisfied, maxDuration)
		return api.Satisfied, nil
	}
	if maxDuration == 0 {
		r.resolve(a, api.TimedOut, maxDuration)
		return api.TimedOut, nil
	}

	isNew := !r.IsReplaying()
	r.mustRecord(api.HistoryEvent{Type: api.EventTimerStarted, AwaitID: a.id, FireAt: a.deadline})
	if isNew {
		r.result.Armed = append(r.result.Armed, AwaitRecord{
			ID:          a.id,
			Started:     a.started,
			MaxDuration: maxDuration,
		})
	}

	for !a.satisfied && !a.expired {
		r.applyBatch(r.nextBatch(), a)
	}

	outcome := api.TimedOut
	if a.satisfied {
		outcome = api.Satisfied
	}
	if !a.fired {
		r.mustRecord(api.HistoryEvent{Type: api.EventTimerCanceled, AwaitID: a.id})
	}
	r.resolve(a, outcome, maxDuration)
	return outcome, nil
}

func (r *replayer) resolve(a *awaitState, outcome api.Outcome, maxDuration time.Duration) {
	isNew := !r.IsReplaying()
	r.mustRecord(api.HistoryEvent{Type: api.EventAwaitResolved, AwaitID: a.id, Outcome: outcome})
	if isNew {
		r.result.Resolved = append(r.result.Resolved, AwaitRecord{
			ID:          a.id,
			Outcome:     outcome,
			Started:     a.started,
			Resolved:    r.now,
			MaxDuration: maxDuration,
		})
	}
}

// gather consumes the run of external events at the cursor.
func (r *replayer) gather() []api.HistoryEvent {
	start := r.pos
	for r.pos < len(r.history) && r.history[r.pos].Type.External() {
		r.pos++
	}
	return r.history[start:r.pos]
}

// nextBatch returns the next non-empty batch of external events, skipping
// task boundaries. It suspends the logic when history is exhausted.
func (r *replayer) nextBatch() []api.HistoryEvent {
	for {
		if r.pos >= len(r.history) {
			panic(suspend{})
		}
		ev := r.history[r.pos]
		switch {
		case ev.Type == api.EventTaskCompleted:
			r.pos++
		case ev.Type.External():
			return r.gather()
		default:
			panic(abort{mismatch: fmt.Errorf("%w: at seq %d history has %s, replay is waiting for events",
				api.ErrNondeterminism, ev.Seq, describe(ev))})
		}
	}
}

// applyBatch applies external events in order. With an active await, the
// predicate is re-checked after every signal; the first satisfying signal
// at or before the deadline latches Satisfied even if the timer fired
// earlier in the same batch. Later signals are still applied.
func (r *replayer) applyBatch(batch []api.HistoryEvent, a *awaitState) {
	for _, ev := range batch {
		if ev.At.After(r.now) {
			r.now = ev.At
		}

		switch ev.Type {
		case api.EventSignalReceived:
			if !r.deliver(ev) || a == nil || a.satisfied {
				continue
			}
			if ev.At.After(a.deadline) {
				a.expired = true
				continue
			}
			if r.evaluate(a.pred) {
				a.satisfied = true
			}

		case api.EventTimerFired:
			// Fires for awaits that already resolved are stale.
			if a != nil && ev.AwaitID == a.id {
				a.fired = true
				a.expired = true
			}

		case api.EventExecutionCanceled:
			reason := ev.Detail
			if reason == "" {
				reason = "execution canceled"
			}
			panic(abort{canceled: true, failure: api.NewFailure(reason, api.KindCanceled)})
		}
	}
}

// deliver applies a signal once per SignalID. It reports whether the signal
// was applied.
func (r *replayer) deliver(ev api.HistoryEvent) bool {
	if ev.SignalID != "" {
		if _, dup := r.applied[ev.SignalID]; dup {
			return false
		}
		r.applied[ev.SignalID] = struct{}{}
	}
	if err := r.inst.ApplySignal(ev.SignalName, ev.Payload); err != nil {
		panic(abort{failure: api.NewInternalFailure(api.KindSignalHandler, "signal %q: %v", ev.SignalName, err)})
	}
	return true
}

// evaluate runs a predicate, turning a panic into a terminal failure.
func (r *replayer) evaluate(pred func() bool) bool {
	defer func() {
		if p := recover(); p != nil {
			panic(abort{failure: api.NewInternalFailure(api.KindPredicatePanic, "await predicate panicked: %v", p)})
		}
	}()
	return pred()
}
