package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/awaitflow/internal/engine"
	"github.com/petrijr/awaitflow/internal/taskqueue"
	"github.com/petrijr/awaitflow/pkg/api"
	"github.com/petrijr/awaitflow/pkg/workflow"
)

type fakeHost struct {
	mu        sync.Mutex
	decideErr []error
	decided   []string
	signals   []api.SignalRequest
	signalErr error
}

func (h *fakeHost) Decide(ctx context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.decided = append(h.decided, id)
	if len(h.decideErr) == 0 {
		return nil
	}
	err := h.decideErr[0]
	h.decideErr = h.decideErr[1:]
	return err
}

func (h *fakeHost) Signal(ctx context.Context, req api.SignalRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signals = append(h.signals, req)
	return h.signalErr
}

func TestWorker_TransientFailureIsRetriedWithBackoff(t *testing.T) {
	ctx := context.Background()
	host := &fakeHost{decideErr: []error{errors.New("database is locked")}}
	queue := taskqueue.NewInMemoryQueue(8)
	backoff := 30 * time.Millisecond
	w := NewWithConfig(host, queue, Config{MaxAttempts: 3, Backoff: backoff})

	require.NoError(t, w.EnqueueDecide(ctx, "exec-1"))

	start := time.Now()
	processed, err := w.ProcessOne(ctx)
	if err != nil {
		t.Fatalf("first ProcessOne returned error: %v", err)
	}
	if !processed {
		t.Fatalf("expected first task to be processed")
	}
	if queue.Len() != 1 {
		t.Fatalf("expected the retry to be queued, Len=%d", queue.Len())
	}

	processed, err = w.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	if elapsed := time.Since(start); elapsed < backoff {
		t.Fatalf("retry ran after %v, expected at least %v", elapsed, backoff)
	}
	assert.Equal(t, []string{"exec-1", "exec-1"}, host.decided)
	assert.Equal(t, 0, queue.Len())
}

func TestWorker_GivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("database is locked")
	host := &fakeHost{decideErr: []error{boom, boom}}
	queue := taskqueue.NewInMemoryQueue(8)
	w := NewWithConfig(host, queue, Config{MaxAttempts: 2, Backoff: time.Millisecond})

	require.NoError(t, w.EnqueueDecide(ctx, "exec-1"))

	_, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	_, err = w.ProcessOne(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Contains(t, err.Error(), "after 2 attempt(s)")
	assert.Equal(t, 0, queue.Len())
}

func TestWorker_PermanentErrorsAreNotRetried(t *testing.T) {
	ctx := context.Background()
	host := &fakeHost{signalErr: api.ErrExecutionTerminal}
	queue := taskqueue.NewInMemoryQueue(8)
	w := New(host, queue)

	require.NoError(t, w.EnqueueSignal(ctx, api.SignalRequest{ExecutionID: "exec-1", Name: "waitForName", Arg: "World"}))

	processed, err := w.ProcessOne(ctx)
	require.True(t, processed)
	assert.True(t, errors.Is(err, api.ErrExecutionTerminal), "got %v", err)
	assert.Equal(t, 0, queue.Len())
}

func TestWorker_SignalIDAssignedBeforeEnqueue(t *testing.T) {
	ctx := context.Background()
	host := &fakeHost{signalErr: errors.New("transient")}
	queue := taskqueue.NewInMemoryQueue(8)
	w := NewWithConfig(host, queue, Config{MaxAttempts: 2, Backoff: time.Millisecond})

	require.NoError(t, w.EnqueueSignal(ctx, api.SignalRequest{ExecutionID: "exec-1", Name: "waitForName", Arg: "World"}))
	require.NoError(t, w.EnqueueSignal(ctx, api.SignalRequest{ExecutionID: "exec-1", Name: "waitForName", Arg: "Again", SignalID: "caller-key"}))

	for i := 0; i < 4; i++ {
		_, _ = w.ProcessOne(ctx)
	}

	require.Len(t, host.signals, 4)
	ids := map[string]int{}
	for _, s := range host.signals {
		require.NotEmpty(t, s.SignalID)
		ids[s.SignalID]++
	}
	assert.Len(t, ids, 2, "each redelivery keeps its SignalID")
	assert.Equal(t, 2, ids["caller-key"])
}

func TestWorker_UnknownTaskType(t *testing.T) {
	ctx := context.Background()
	queue := taskqueue.NewInMemoryQueue(8)
	w := New(&fakeHost{}, queue)

	require.NoError(t, queue.Enqueue(ctx, taskqueue.Task{ID: "x", Type: "reticulate", Attempt: 1}))
	processed, err := w.ProcessOne(ctx)
	assert.True(t, processed)
	assert.ErrorContains(t, err, "unknown task type")
	assert.Equal(t, 0, queue.Len())
}

func TestWorker_BackoffDoublesUpToMax(t *testing.T) {
	w := NewWithConfig(&fakeHost{}, taskqueue.NewInMemoryQueue(1), Config{Backoff: 10 * time.Millisecond, MaxBackoff: 35 * time.Millisecond})
	assert.Equal(t, 10*time.Millisecond, w.backoff(2))
	assert.Equal(t, 20*time.Millisecond, w.backoff(3))
	assert.Equal(t, 35*time.Millisecond, w.backoff(4))
	assert.Equal(t, 35*time.Millisecond, w.backoff(9))
}

type nameState struct {
	Name *string
}

func TestWorker_RunDrivesEngine(t *testing.T) {
	eng := engine.NewInMemoryEngine()
	def := workflow.New("Greeting", func(ctx workflow.Context, s *nameState, token string) (string, error) {
		ok, err := workflow.AwaitWithTimeout(ctx, time.Minute, func() bool { return s.Name != nil })
		if err != nil || !ok {
			return "", err
		}
		return "Hello " + *s.Name + "!", nil
	})
	workflow.OnSignal(def, "waitForName", func(s *nameState, name string) { s.Name = &name })
	require.NoError(t, eng.Register(def))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := New(eng, eng.Queue())
	var runErr atomic.Value
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Run(ctx, 4); err != nil {
			runErr.Store(err)
		}
	}()

	exec, err := eng.Start(ctx, api.StartOptions{Workflow: "Greeting", Input: "foobar"})
	require.NoError(t, err)
	require.NoError(t, w.EnqueueSignal(ctx, api.SignalRequest{ExecutionID: exec.ID, Name: "waitForName", Arg: "World"}))

	res, err := eng.Result(ctx, exec.ID)
	require.NoError(t, err)
	var greeting string
	require.NoError(t, res.Get(&greeting))
	assert.Equal(t, "Hello World!", greeting)

	cancel()
	<-done
	assert.Nil(t, runErr.Load())
	eng.Close()
}
