package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/petrijr/awaitflow/internal/persistence"
	"github.com/petrijr/awaitflow/internal/replay"
	"github.com/petrijr/awaitflow/pkg/api"
)

// Recover re-arms the timers of every live execution and schedules a
// decision task for executions with events that were not decided on. Call
// it once after registering programs on a restarted host.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	execs, err := e.executions.ListExecutions(ctx, persistence.ExecutionFilter{})
	if err != nil {
		return 0, fmt.Errorf("list executions: %w", err)
	}

	live := 0
	for _, exec := range execs {
		if exec.Status.Terminal() {
			continue
		}
		live++

		hist, err := e.history.ListEvents(ctx, exec.ID)
		if err != nil {
			return live, fmt.Errorf("load history of %s: %w", exec.ID, err)
		}
		if len(hist) == 0 {
			unlock := e.locks.Lock(exec.ID)
			_, fresh, err := e.resumeStart(ctx, exec)
			unlock()
			if err != nil {
				e.logger.Warn("execution without history", "execution_id", exec.ID, "error", err)
				continue
			}
			if fresh {
				if err := e.schedule(ctx, exec.ID); err != nil {
					return live, err
				}
			}
			continue
		}

		pending := pendingTimers(hist)
		for _, awaitID := range sortedAwaitIDs(pending) {
			e.arm(exec.ID, awaitID, pending[awaitID])
		}

		last := hist[len(hist)-1]
		if last.Type != api.EventTaskCompleted || exec.LastSeq != last.Seq {
			if err := e.schedule(ctx, exec.ID); err != nil {
				return live, err
			}
		}
	}

	e.logger.Info("recovered executions", "live", live)
	return live, nil
}

// Verify replays the decided part of id's history against a fresh instance
// and reports api.ErrNondeterminism when the logic no longer produces the
// recorded decisions.
func (e *Engine) Verify(ctx context.Context, id string) error {
	exec, err := e.getExecution(ctx, id)
	if err != nil {
		return err
	}
	prog, err := e.programs.Get(exec.Workflow)
	if err != nil {
		return err
	}
	hist, err := e.history.ListEvents(ctx, id)
	if err != nil {
		return fmt.Errorf("load history of %s: %w", id, err)
	}

	cut := 0
	for i, ev := range hist {
		if ev.Type == api.EventTaskCompleted {
			cut = i + 1
		}
	}
	if cut == 0 {
		return nil
	}

	res := replay.Run(replay.Options{
		ExecutionID: id,
		Program:     prog,
		History:     hist[:cut],
		Converter:   e.dc,
		Logger:      slog.New(slog.DiscardHandler),
	})
	if res.Mismatch != nil {
		return fmt.Errorf("verify %s: %w", id, res.Mismatch)
	}
	if len(res.New) > 0 {
		return fmt.Errorf("%w: verify %s: replay produced %s not in history",
			api.ErrNondeterminism, id, res.New[0].Type)
	}
	if exec.Status.Terminal() && res.Status != exec.Status {
		return fmt.Errorf("%w: verify %s: replay ends %s, record is %s",
			api.ErrNondeterminism, id, res.Status, exec.Status)
	}
	return nil
}
