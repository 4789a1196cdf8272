package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/awaitflow/internal/clock"
	"github.com/petrijr/awaitflow/internal/persistence"
	"github.com/petrijr/awaitflow/internal/taskqueue"
	"github.com/petrijr/awaitflow/pkg/api"
)

// failingHistory fails the first n appends.
type failingHistory struct {
	persistence.HistoryStore
	remaining atomic.Int32
}

func (f *failingHistory) AppendEvents(ctx context.Context, id string, evs ...api.HistoryEvent) ([]api.HistoryEvent, error) {
	if f.remaining.Add(-1) >= 0 {
		return nil, errors.New("transient write error")
	}
	return f.HistoryStore.AppendEvents(ctx, id, evs...)
}

func failFirstAppend() persistence.Persistence {
	p := persistence.NewInMemoryPersistence()
	h := &failingHistory{HistoryStore: p.History}
	h.remaining.Store(1)
	p.History = h
	return p
}

func TestEngine_RetriedStartCompletesInterruptedStart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, failFirstAppend(), nil)

	_, err := h.eng.Start(ctx, api.StartOptions{ID: "greet-1", Workflow: "Greeting", Input: "foobar"})
	require.Error(t, err)

	exec := h.start("greet-1")
	assert.Equal(t, "greet-1", exec.ID)

	hist, err := h.eng.History(ctx, "greet-1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, api.EventExecutionStarted, hist[0].Type)
	assert.Equal(t, 1, h.eng.Queue().Len(), "retried start schedules the first decision")

	h.drain()
	require.Equal(t, api.StatusWaiting, h.status("greet-1"))

	require.NoError(t, h.eng.Signal(ctx, api.SignalRequest{ExecutionID: "greet-1", Name: "waitForName", Arg: "World"}))
	h.drain()

	res, err := h.eng.Result(ctx, "greet-1")
	require.NoError(t, err)
	var greeting string
	require.NoError(t, res.Get(&greeting))
	assert.Equal(t, "Hello World!", greeting)

	// Further starts leave the history alone.
	h.start("greet-1")
	after, err := h.eng.History(ctx, "greet-1")
	require.NoError(t, err)
	started := 0
	for _, ev := range after {
		if ev.Type == api.EventExecutionStarted {
			started++
		}
	}
	assert.Equal(t, 1, started)
}

func TestRecover_CompletesInterruptedStart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, failFirstAppend(), nil)

	_, err := h.eng.Start(ctx, api.StartOptions{ID: "greet-1", Workflow: "Greeting", Input: "foobar"})
	require.Error(t, err)

	live, err := h.eng.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, live)

	h.drain()
	assert.Equal(t, api.StatusWaiting, h.status("greet-1"))
	assert.Equal(t, 1, h.clock.Pending())
}

func TestEngine_SignalWithUndecodableArgumentIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, persistence.NewInMemoryPersistence(), nil)
	h.start("greet-1")
	h.drain()

	err := h.eng.Signal(ctx, api.SignalRequest{ExecutionID: "greet-1", Name: "waitForName", Arg: map[string]any{"x": 1}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrInvalidSignal), "got %v", err)

	hist, err := h.eng.History(ctx, "greet-1")
	require.NoError(t, err)
	for _, ev := range hist {
		assert.NotEqual(t, api.EventSignalReceived, ev.Type)
	}
	assert.Equal(t, 0, h.eng.Queue().Len())
	assert.Equal(t, api.StatusWaiting, h.status("greet-1"))

	require.NoError(t, h.eng.Signal(ctx, api.SignalRequest{ExecutionID: "greet-1", Name: "waitForName", Arg: "World"}))
	h.drain()
	assert.Equal(t, api.StatusCompleted, h.status("greet-1"))
}

func TestEngine_FullQueueDoesNotHoldExecutionLock(t *testing.T) {
	ctx := context.Background()
	queue := taskqueue.NewInMemoryQueue(1)
	eng := NewEngine(Config{Persistence: persistence.NewInMemoryPersistence(), Clock: clock.NewVirtual(t0), Queue: queue})
	require.NoError(t, eng.Register(greetingProgram(10*time.Second)))
	t.Cleanup(eng.Close)

	// The start task fills the queue.
	_, err := eng.Start(ctx, api.StartOptions{ID: "greet-1", Workflow: "Greeting", Input: "foobar"})
	require.NoError(t, err)
	require.Equal(t, 1, queue.Len())

	signaled := make(chan error, 1)
	go func() {
		signaled <- eng.Signal(ctx, api.SignalRequest{ExecutionID: "greet-1", Name: "waitForName", Arg: "World"})
	}()

	require.Eventually(t, func() bool {
		hist, err := eng.History(ctx, "greet-1")
		return err == nil && len(hist) == 2
	}, time.Second, 5*time.Millisecond, "signal appended")

	// Signal is now blocked on the full queue; the execution stays usable.
	canceled := make(chan error, 1)
	go func() { canceled <- eng.Cancel(ctx, "greet-1", "operator request") }()
	select {
	case err := <-canceled:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("Cancel blocked behind a signal waiting on the queue")
	}

	_, err = queue.Dequeue(ctx)
	require.NoError(t, err)
	select {
	case err := <-signaled:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("Signal never enqueued its decision task")
	}
}
