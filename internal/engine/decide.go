package engine

import (
	"context"
	"fmt"

	"github.com/petrijr/awaitflow/internal/replay"
	"github.com/petrijr/awaitflow/pkg/api"
)

// Decide runs one decision task for id: it replays the history, appends the
// new decisions followed by a task boundary and brings the execution record
// up to date. It is a no-op when no external event arrived since the last
// task.
func (e *Engine) Decide(ctx context.Context, id string) error {
	unlock := e.locks.Lock(id)
	defer unlock()

	return e.withLease(ctx, id, func() error {
		exec, err := e.getExecution(ctx, id)
		if err != nil {
			return err
		}
		if exec.Status.Terminal() {
			return nil
		}

		hist, err := e.history.ListEvents(ctx, id)
		if err != nil {
			return fmt.Errorf("load history of %s: %w", id, err)
		}
		if len(hist) == 0 {
			return fmt.Errorf("execution %s has no history", id)
		}
		last := hist[len(hist)-1]
		// A trailing boundary means every event was decided on. The record
		// may still lag behind if the process died before updating it.
		decided := last.Type == api.EventTaskCompleted
		if decided && exec.LastSeq == last.Seq {
			return nil
		}

		prog, err := e.programs.Get(exec.Workflow)
		if err != nil {
			return err
		}

		res := replay.Run(replay.Options{
			ExecutionID: id,
			Program:     prog,
			History:     hist,
			Converter:   e.dc,
			Logger:      e.logger,
		})
		if res.Mismatch != nil {
			e.logger.Error("nondeterministic replay", "execution_id", id, "workflow", exec.Workflow, "error", res.Mismatch)
		}

		lastSeq := last.Seq
		if !decided {
			// Fence the append: a lost lease means another owner may have
			// decided already.
			if err := e.executions.RenewLease(ctx, id, e.owner, e.leaseTTL); err != nil {
				return fmt.Errorf("renew lease on %s: %w", id, err)
			}
			evs := append(res.New, api.HistoryEvent{Type: api.EventTaskCompleted, At: res.Now})
			stored, err := e.history.AppendEvents(ctx, id, evs...)
			if err != nil {
				return fmt.Errorf("append decisions of %s: %w", id, err)
			}
			lastSeq = stored[len(stored)-1].Seq
		}

		exec.Status = res.Status
		exec.Result = res.Value
		exec.Failure = res.Failure
		exec.LogicalTime = res.Now
		exec.LastSeq = lastSeq
		exec.UpdatedAt = e.clock.Now()
		if err := e.executions.UpdateExecution(ctx, exec); err != nil {
			return fmt.Errorf("update %s: %w", id, err)
		}

		if decided {
			if exec.Status.Terminal() {
				e.disarmAll(id)
				e.notify(id)
			}
			return nil
		}
		e.observe(ctx, exec, res)
		return nil
	})
}

// observe reports newly recorded decisions and acts on their timers.
func (e *Engine) observe(ctx context.Context, exec *api.Execution, res *replay.Result) {
	for _, a := range res.Resolved {
		e.disarm(exec.ID, a.ID)
		e.observer.OnAwaitResolved(ctx, exec, a.ID, a.Outcome, a.Resolved.Sub(a.Started))
	}
	for _, a := range res.Armed {
		e.observer.OnAwaitStarted(ctx, exec, a.ID, a.MaxDuration)
		e.arm(exec.ID, a.ID, a.Started.Add(a.MaxDuration))
	}

	switch exec.Status {
	case api.StatusCompleted:
		e.observer.OnExecutionCompleted(ctx, exec)
	case api.StatusFailed, api.StatusCanceled:
		e.observer.OnExecutionFailed(ctx, exec, exec.Failure)
	}
	if exec.Status.Terminal() {
		e.disarmAll(exec.ID)
		e.notify(exec.ID)
	}
}
