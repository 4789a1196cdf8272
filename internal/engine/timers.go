package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/petrijr/awaitflow/internal/clock"
	"github.com/petrijr/awaitflow/pkg/api"
)

// arm schedules the timer of an await on the clock. Arming an await that
// already has a live timer is a no-op.
func (e *Engine) arm(id string, awaitID int, fireAt time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	byAwait := e.timers[id]
	if byAwait == nil {
		byAwait = make(map[int]clock.Timer)
		e.timers[id] = byAwait
	}
	if _, ok := byAwait[awaitID]; ok {
		return
	}
	byAwait[awaitID] = e.clock.AfterFunc(fireAt.Sub(e.clock.Now()), func() {
		e.fire(id, awaitID, fireAt)
	})
}

func (e *Engine) disarm(id string, awaitID int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t, ok := e.timers[id][awaitID]; ok {
		t.Stop()
		delete(e.timers[id], awaitID)
	}
	if len(e.timers[id]) == 0 {
		delete(e.timers, id)
	}
}

func (e *Engine) disarmAll(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, t := range e.timers[id] {
		t.Stop()
	}
	delete(e.timers, id)
}

// Close stops every timer owned by the engine. Pending timers are re-armed
// from history by Recover.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, byAwait := range e.timers {
		for _, t := range byAwait {
			t.Stop()
		}
		delete(e.timers, id)
	}
}

func (e *Engine) fire(id string, awaitID int, fireAt time.Time) {
	e.mu.Lock()
	if byAwait := e.timers[id]; byAwait != nil {
		delete(byAwait, awaitID)
	}
	e.mu.Unlock()

	err := e.appendTimerFired(context.Background(), id, awaitID, fireAt)
	switch {
	case err == nil:
	case errors.Is(err, ErrBusy):
		// Retry once the other owner had a chance to finish.
		e.logger.Debug("timer fire deferred", "execution_id", id, "await_id", awaitID)
		e.rearmAfter(id, awaitID, fireAt, e.resultPoll)
	default:
		e.logger.Error("timer fire failed", "execution_id", id, "await_id", awaitID, "error", err)
		e.rearmAfter(id, awaitID, fireAt, e.leaseTTL)
	}
}

func (e *Engine) rearmAfter(id string, awaitID int, fireAt time.Time, delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	byAwait := e.timers[id]
	if byAwait == nil {
		byAwait = make(map[int]clock.Timer)
		e.timers[id] = byAwait
	}
	byAwait[awaitID] = e.clock.AfterFunc(delay, func() {
		e.fire(id, awaitID, fireAt)
	})
}

// appendTimerFired records the expiry of an await. The event carries the
// deadline as its logical time, however late the callback ran. Timers that
// were canceled in history, and timers of terminal executions, are dropped.
func (e *Engine) appendTimerFired(ctx context.Context, id string, awaitID int, fireAt time.Time) error {
	return e.appendThenSchedule(ctx, id, func() (bool, error) {
		exec, err := e.getExecution(ctx, id)
		if err != nil {
			return false, err
		}
		if exec.Status.Terminal() {
			return false, nil
		}

		hist, err := e.history.ListEvents(ctx, id)
		if err != nil {
			return false, fmt.Errorf("load history of %s: %w", id, err)
		}
		if _, ok := pendingTimers(hist)[awaitID]; !ok {
			return false, nil
		}

		_, err = e.history.AppendEvents(ctx, id, api.HistoryEvent{
			Type:    api.EventTimerFired,
			At:      fireAt,
			AwaitID: awaitID,
			FireAt:  fireAt,
		})
		if err != nil {
			return false, fmt.Errorf("append timer of %s: %w", id, err)
		}
		return true, nil
	})
}

// pendingTimers returns the fire time of every timer started in hist that
// has neither fired nor been canceled, keyed by await ID.
func pendingTimers(hist []api.HistoryEvent) map[int]time.Time {
	pending := make(map[int]time.Time)
	for _, ev := range hist {
		switch ev.Type {
		case api.EventTimerStarted:
			pending[ev.AwaitID] = ev.FireAt
		case api.EventTimerFired, api.EventTimerCanceled:
			delete(pending, ev.AwaitID)
		}
	}
	return pending
}

func sortedAwaitIDs(pending map[int]time.Time) []int {
	return slices.Sorted(maps.Keys(pending))
}
