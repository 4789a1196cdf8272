// Package storetest holds the behavior every persistence backend has to
// share. Backends embed Suite, set New and run it with suite.Run.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/petrijr/awaitflow/internal/persistence"
	"github.com/petrijr/awaitflow/pkg/api"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// Suite exercises an ExecutionStore and a HistoryStore. New is called
// before every test and must return stores with no data in them.
type Suite struct {
	suite.Suite

	New func(t *testing.T) persistence.Persistence

	p persistence.Persistence
}

func (s *Suite) SetupTest() {
	s.Require().NotNil(s.New, "storetest.Suite needs New")
	s.p = s.New(s.T())
}

func (s *Suite) executions() persistence.ExecutionStore { return s.p.Executions }
func (s *Suite) history() persistence.HistoryStore      { return s.p.History }

func (s *Suite) create(exec *api.Execution) {
	s.T().Helper()
	s.Require().NoError(s.executions().CreateExecution(context.Background(), exec), "create %s", exec.ID)
}

func (s *Suite) TestCreateGetUpdate() {
	ctx := context.Background()
	exec := &api.Execution{
		ID:        "exec-1",
		Workflow:  "GreetingWorkflow",
		Status:    api.StatusRunning,
		Input:     api.Payload("foobar"),
		CreatedAt: t0,
		UpdatedAt: t0,
	}
	s.create(exec)

	exec.Status = api.StatusFailed
	exec.Failure = api.NewFailure("late", api.KindSignalTimeout)
	exec.UpdatedAt = t0.Add(10 * time.Second)
	exec.LogicalTime = t0.Add(10 * time.Second)
	exec.LastSeq = 5
	s.Require().NoError(s.executions().UpdateExecution(ctx, exec))

	got, err := s.executions().GetExecution(ctx, "exec-1")
	s.Require().NoError(err)
	s.Equal(api.StatusFailed, got.Status)
	s.Equal("GreetingWorkflow", got.Workflow)
	s.Equal("foobar", string(got.Input))
	s.Require().NotNil(got.Failure)
	s.Equal(api.KindSignalTimeout, got.Failure.Kind)
	s.Equal("late", got.Failure.Message)
	s.Equal(api.ClassApplication, got.Failure.Class)
	s.True(got.CreatedAt.Equal(t0), "created_at %v", got.CreatedAt)
	s.True(got.UpdatedAt.Equal(t0.Add(10*time.Second)), "updated_at %v", got.UpdatedAt)
	s.True(got.LogicalTime.Equal(t0.Add(10*time.Second)), "logical_time %v", got.LogicalTime)
	s.Equal(int64(5), got.LastSeq)
}

func (s *Suite) TestResultAndMissingFailure() {
	ctx := context.Background()
	exec := &api.Execution{ID: "done", Workflow: "wf", Status: api.StatusRunning, CreatedAt: t0}
	s.create(exec)

	exec.Status = api.StatusCompleted
	exec.Result = api.Payload("Hello World!")
	s.Require().NoError(s.executions().UpdateExecution(ctx, exec))

	got, err := s.executions().GetExecution(ctx, "done")
	s.Require().NoError(err)
	s.Equal("Hello World!", string(got.Result))
	s.Nil(got.Failure)
	s.True(got.LogicalTime.IsZero(), "unset logical time stays zero")
}

func (s *Suite) TestCreateDuplicate() {
	exec := &api.Execution{ID: "dup", Workflow: "wf", Status: api.StatusRunning, CreatedAt: t0}
	s.create(exec)
	err := s.executions().CreateExecution(context.Background(), exec)
	s.ErrorIs(err, persistence.ErrExecutionExists)
}

func (s *Suite) TestNotFound() {
	ctx := context.Background()
	_, err := s.executions().GetExecution(ctx, "missing")
	s.ErrorIs(err, persistence.ErrExecutionNotFound)

	err = s.executions().UpdateExecution(ctx, &api.Execution{ID: "missing", Workflow: "wf", Status: api.StatusRunning})
	s.ErrorIs(err, persistence.ErrExecutionNotFound)
}

func (s *Suite) TestListFiltersAndOrders() {
	ctx := context.Background()
	s.create(&api.Execution{ID: "c", Workflow: "a", Status: api.StatusWaiting, CreatedAt: t0.Add(2 * time.Second)})
	s.create(&api.Execution{ID: "a", Workflow: "a", Status: api.StatusCompleted, CreatedAt: t0})
	s.create(&api.Execution{ID: "b", Workflow: "b", Status: api.StatusWaiting, CreatedAt: t0.Add(time.Second)})

	all, err := s.executions().ListExecutions(ctx, persistence.ExecutionFilter{})
	s.Require().NoError(err)
	s.Equal([]string{"a", "b", "c"}, ids(all))

	waiting, err := s.executions().ListExecutions(ctx, persistence.ExecutionFilter{Status: api.StatusWaiting})
	s.Require().NoError(err)
	s.Equal([]string{"b", "c"}, ids(waiting))

	onlyA, err := s.executions().ListExecutions(ctx, persistence.ExecutionFilter{Workflow: "a", Status: api.StatusWaiting})
	s.Require().NoError(err)
	s.Equal([]string{"c"}, ids(onlyA))

	none, err := s.executions().ListExecutions(ctx, persistence.ExecutionFilter{Workflow: "nope"})
	s.Require().NoError(err)
	s.Empty(none)
}

func (s *Suite) TestListSeesUpdatedStatus() {
	ctx := context.Background()
	exec := &api.Execution{ID: "moving", Workflow: "wf", Status: api.StatusWaiting, CreatedAt: t0}
	s.create(exec)

	exec.Status = api.StatusCompleted
	s.Require().NoError(s.executions().UpdateExecution(ctx, exec))

	waiting, err := s.executions().ListExecutions(ctx, persistence.ExecutionFilter{Status: api.StatusWaiting})
	s.Require().NoError(err)
	s.Empty(waiting)

	done, err := s.executions().ListExecutions(ctx, persistence.ExecutionFilter{Status: api.StatusCompleted})
	s.Require().NoError(err)
	s.Equal([]string{"moving"}, ids(done))
}

func ids(execs []*api.Execution) []string {
	out := make([]string, 0, len(execs))
	for _, e := range execs {
		out = append(out, e.ID)
	}
	return out
}

func (s *Suite) TestLeaseAcquireRenewRelease() {
	ctx := context.Background()
	store := s.executions()
	s.create(&api.Execution{ID: "i1", Workflow: "wf", Status: api.StatusWaiting, CreatedAt: t0})

	acq, err := store.TryAcquireLease(ctx, "i1", "owner1", 200*time.Millisecond)
	s.Require().NoError(err)
	s.True(acq, "expected owner1 to acquire")

	acq2, err := store.TryAcquireLease(ctx, "i1", "owner2", 200*time.Millisecond)
	s.Require().NoError(err)
	s.False(acq2, "expected not acquired while lease active")

	again, err := store.TryAcquireLease(ctx, "i1", "owner1", 200*time.Millisecond)
	s.Require().NoError(err)
	s.True(again, "lease is re-entrant for its owner")

	s.Require().NoError(store.RenewLease(ctx, "i1", "owner1", 200*time.Millisecond))
	s.ErrorIs(store.RenewLease(ctx, "i1", "owner2", 200*time.Millisecond), persistence.ErrLeaseNotHeld)

	s.Require().NoError(store.ReleaseLease(ctx, "i1", "owner1"))
	s.Require().NoError(store.ReleaseLease(ctx, "i1", "owner1"), "second release is a no-op")
	s.ErrorIs(store.RenewLease(ctx, "i1", "owner1", 200*time.Millisecond), persistence.ErrLeaseNotHeld)

	acq3, err := store.TryAcquireLease(ctx, "i1", "owner2", 200*time.Millisecond)
	s.Require().NoError(err)
	s.True(acq3, "expected owner2 to acquire after release")
}

func (s *Suite) TestReleaseByOtherOwnerKeepsLease() {
	ctx := context.Background()
	store := s.executions()
	s.create(&api.Execution{ID: "i1", Workflow: "wf", Status: api.StatusWaiting, CreatedAt: t0})

	acq, err := store.TryAcquireLease(ctx, "i1", "owner1", time.Second)
	s.Require().NoError(err)
	s.Require().True(acq)

	s.Require().NoError(store.ReleaseLease(ctx, "i1", "owner2"))

	acq2, err := store.TryAcquireLease(ctx, "i1", "owner2", time.Second)
	s.Require().NoError(err)
	s.False(acq2, "owner1 still holds the lease")
}

func (s *Suite) TestLeaseExpires() {
	ctx := context.Background()
	store := s.executions()
	s.create(&api.Execution{ID: "i1", Workflow: "wf", Status: api.StatusWaiting, CreatedAt: t0})

	acq, err := store.TryAcquireLease(ctx, "i1", "owner1", 20*time.Millisecond)
	s.Require().NoError(err)
	s.Require().True(acq)

	time.Sleep(50 * time.Millisecond)

	s.ErrorIs(store.RenewLease(ctx, "i1", "owner1", 20*time.Millisecond), persistence.ErrLeaseNotHeld,
		"an expired lease cannot be renewed")

	acq2, err := store.TryAcquireLease(ctx, "i1", "owner2", 20*time.Millisecond)
	s.Require().NoError(err)
	s.True(acq2, "expected owner2 to acquire after expiry")
}

func (s *Suite) TestLeaseConcurrentAcquireOnlyOne() {
	ctx := context.Background()
	store := s.executions()
	s.create(&api.Execution{ID: "i1", Workflow: "wf", Status: api.StatusWaiting, CreatedAt: t0})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired []string
	)
	for _, owner := range []string{"owner1", "owner2", "owner3", "owner4"} {
		wg.Add(1)
		go func(o string) {
			defer wg.Done()
			ok, err := store.TryAcquireLease(ctx, "i1", o, time.Second)
			if err != nil || !ok {
				return
			}
			mu.Lock()
			acquired = append(acquired, o)
			mu.Unlock()
		}(owner)
	}
	wg.Wait()

	s.Len(acquired, 1, "acquirers: %v", acquired)
}

func (s *Suite) TestLeaseUnknownExecution() {
	_, err := s.executions().TryAcquireLease(context.Background(), "nope", "owner", time.Second)
	s.ErrorIs(err, persistence.ErrExecutionNotFound)
}

func (s *Suite) TestHistoryAppendAssignsSequence() {
	ctx := context.Background()
	history := s.history()

	first, err := history.AppendEvents(ctx, "exec-1",
		api.HistoryEvent{Type: api.EventExecutionStarted, At: t0, Workflow: "GreetingWorkflow", Payload: api.Payload("in")},
		api.HistoryEvent{Type: api.EventTimerStarted, At: t0, AwaitID: 1, FireAt: t0.Add(10 * time.Second)},
	)
	s.Require().NoError(err)
	s.Require().Len(first, 2)
	s.Equal(int64(1), first[0].Seq)
	s.Equal(int64(2), first[1].Seq)
	s.Equal("exec-1", first[1].ExecutionID)

	second, err := history.AppendEvents(ctx, "exec-1", api.HistoryEvent{Type: api.EventTaskCompleted, At: t0})
	s.Require().NoError(err)
	s.Equal(int64(3), second[0].Seq)

	other, err := history.AppendEvents(ctx, "exec-2", api.HistoryEvent{Type: api.EventExecutionStarted, At: t0})
	s.Require().NoError(err)
	s.Equal(int64(1), other[0].Seq, "sequence is per execution")

	empty, err := history.AppendEvents(ctx, "exec-1")
	s.Require().NoError(err)
	s.Empty(empty)
}

func (s *Suite) TestHistoryRoundTripsAllFields() {
	ctx := context.Background()
	history := s.history()

	in := []api.HistoryEvent{
		{Type: api.EventExecutionStarted, At: t0, Workflow: "GreetingWorkflow", Payload: api.Payload("foobar")},
		{Type: api.EventSignalReceived, At: t0.Add(time.Second), SignalName: "waitForName", SignalID: "sig-1", Payload: api.Payload("World")},
		{Type: api.EventTimerStarted, At: t0, AwaitID: 1, FireAt: t0.Add(10 * time.Second)},
		{Type: api.EventAwaitResolved, At: t0.Add(time.Second), AwaitID: 1, Outcome: api.Satisfied},
		{Type: api.EventExecutionFailed, At: t0.Add(time.Second), Failure: api.NewFailure("late", api.KindSignalTimeout)},
		{Type: api.EventExecutionCanceled, At: t0.Add(time.Second), Detail: "operator"},
	}
	_, err := history.AppendEvents(ctx, "exec-1", in...)
	s.Require().NoError(err)

	got, err := history.ListEvents(ctx, "exec-1")
	s.Require().NoError(err)
	s.Require().Len(got, len(in))

	for i := range in {
		s.Equal(int64(i+1), got[i].Seq)
		s.Equal("exec-1", got[i].ExecutionID)
		s.Equal(in[i].Type, got[i].Type)
		s.True(in[i].At.Equal(got[i].At), "event %d At: %v", i, got[i].At)
	}
	s.Equal("GreetingWorkflow", got[0].Workflow)
	s.Equal("foobar", string(got[0].Payload))
	s.Equal("waitForName", got[1].SignalName)
	s.Equal("sig-1", got[1].SignalID)
	s.Equal(1, got[2].AwaitID)
	s.True(got[2].FireAt.Equal(t0.Add(10 * time.Second)))
	s.True(got[0].FireAt.IsZero(), "unset FireAt stays zero")
	s.Equal(api.Satisfied, got[3].Outcome)
	s.Require().NotNil(got[4].Failure)
	s.Equal(api.KindSignalTimeout, got[4].Failure.Kind)
	s.Equal(api.ClassApplication, got[4].Failure.Class)
	s.Nil(got[3].Failure)
	s.Equal("operator", got[5].Detail)
}

func (s *Suite) TestHistoryConcurrentAppendsKeepSequenceDense() {
	ctx := context.Background()
	history := s.history()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = history.AppendEvents(ctx, "exec-1",
				api.HistoryEvent{Type: api.EventSignalReceived, At: t0, SignalName: "s"},
				api.HistoryEvent{Type: api.EventTaskCompleted, At: t0},
			)
		}()
	}
	wg.Wait()

	got, err := history.ListEvents(ctx, "exec-1")
	s.Require().NoError(err)
	s.Require().NotEmpty(got)
	for i, ev := range got {
		s.Equal(int64(i+1), ev.Seq, "gap or duplicate at %d", i)
	}
	// Batches never interleave.
	for i := 0; i+1 < len(got); i += 2 {
		s.Equal(api.EventSignalReceived, got[i].Type)
		s.Equal(api.EventTaskCompleted, got[i+1].Type)
	}
}

func (s *Suite) TestHistoryListUnknownIsEmpty() {
	got, err := s.history().ListEvents(context.Background(), "missing")
	s.Require().NoError(err)
	s.Empty(got)
}
