package replay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/awaitflow/internal/codec"
	"github.com/petrijr/awaitflow/pkg/api"
	"github.com/petrijr/awaitflow/pkg/workflow"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type nameState struct {
	Name *string
}

func greeting(maxWait time.Duration) *workflow.Definition[nameState] {
	def := workflow.New("Greeting", func(ctx workflow.Context, s *nameState, token string) (string, error) {
		ok, err := workflow.AwaitWithTimeout(ctx, maxWait, func() bool { return s.Name != nil })
		if err != nil {
			return "", err
		}
		if !ok {
			return "", api.NewFailure("WaitForName signal is not received within 10 seconds.", api.KindSignalTimeout)
		}
		return "Hello " + *s.Name + "!", nil
	})
	return workflow.OnSignal(def, "waitForName", func(s *nameState, name string) {
		s.Name = &name
	})
}

// sim plays the host's part: it owns the history, appends external events
// and runs one replay per decision task.
type sim struct {
	t       *testing.T
	prog    api.Program
	dc      api.DataConverter
	logger  *slog.Logger
	history []api.HistoryEvent
}

func newSim(t *testing.T, prog api.Program) *sim {
	return &sim{t: t, prog: prog, dc: codec.Msgpack{}}
}

func (s *sim) append(evs ...api.HistoryEvent) {
	for _, ev := range evs {
		ev.ExecutionID = "exec-1"
		ev.Seq = int64(len(s.history)) + 1
		s.history = append(s.history, ev)
	}
}

func (s *sim) payload(v any) api.Payload {
	p, err := s.dc.ToPayload(v)
	require.NoError(s.t, err)
	return p
}

func (s *sim) start(at time.Time, input any) {
	s.append(api.HistoryEvent{Type: api.EventExecutionStarted, At: at, Workflow: s.prog.Name(), Payload: s.payload(input)})
}

func (s *sim) signal(at time.Time, name string, arg any, id string) {
	s.append(api.HistoryEvent{Type: api.EventSignalReceived, At: at, SignalName: name, SignalID: id, Payload: s.payload(arg)})
}

func (s *sim) fire(at time.Time, awaitID int) {
	s.append(api.HistoryEvent{Type: api.EventTimerFired, At: at, AwaitID: awaitID, FireAt: at})
}

func (s *sim) replay() *Result {
	return Run(Options{
		ExecutionID: "exec-1",
		Program:     s.prog,
		History:     s.history,
		Converter:   s.dc,
		Logger:      s.logger,
	})
}

// task replays and appends the new decisions plus the task boundary.
func (s *sim) task() *Result {
	res := s.replay()
	s.append(res.New...)
	s.append(api.HistoryEvent{Type: api.EventTaskCompleted, At: res.Now})
	return res
}

func (s *sim) value(res *Result) string {
	var out string
	require.NoError(s.t, s.dc.FromPayload(res.Value, &out))
	return out
}

func types(evs []api.HistoryEvent) []api.EventType {
	out := make([]api.EventType, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func TestAwait_AlreadyTrueResolvesWithoutTimer(t *testing.T) {
	s := newSim(t, greeting(10*time.Second))
	s.start(t0, "foobar")
	s.signal(t0, "waitForName", "World", "sig-1")

	res := s.task()

	require.Equal(t, api.StatusCompleted, res.Status)
	assert.Equal(t, "Hello World!", s.value(res))
	assert.Equal(t, []api.EventType{api.EventAwaitResolved, api.EventExecutionCompleted}, types(res.New))
	assert.Equal(t, api.Satisfied, res.New[0].Outcome)
	assert.Empty(t, res.Armed)
}

func TestAwait_TimesOutWhenTimerFires(t *testing.T) {
	s := newSim(t, greeting(10*time.Second))
	s.start(t0, "foobar")

	first := s.task()
	require.Equal(t, api.StatusWaiting, first.Status)
	require.Equal(t, []api.EventType{api.EventTimerStarted}, types(first.New))
	assert.True(t, first.New[0].FireAt.Equal(t0.Add(10*time.Second)))
	require.Len(t, first.Armed, 1)
	assert.Equal(t, 10*time.Second, first.Armed[0].MaxDuration)

	s.fire(t0.Add(10*time.Second), 1)
	res := s.task()

	require.Equal(t, api.StatusFailed, res.Status)
	require.NotNil(t, res.Failure)
	assert.Equal(t, api.KindSignalTimeout, res.Failure.Kind)
	assert.Equal(t, api.ClassApplication, res.Failure.Class)
	assert.Equal(t, []api.EventType{api.EventAwaitResolved, api.EventExecutionFailed}, types(res.New))
	assert.Equal(t, api.TimedOut, res.New[0].Outcome)
	require.Len(t, res.Resolved, 1)
	assert.Equal(t, 10*time.Second, res.Resolved[0].Resolved.Sub(res.Resolved[0].Started))
}

func TestAwait_SignalBeforeDeadlineCancelsTimer(t *testing.T) {
	s := newSim(t, greeting(10*time.Second))
	s.start(t0, "foobar")
	s.task()

	s.signal(t0.Add(3*time.Second), "waitForName", "World", "sig-1")
	res := s.task()

	require.Equal(t, api.StatusCompleted, res.Status)
	assert.Equal(t, "Hello World!", s.value(res))
	assert.Equal(t, []api.EventType{api.EventTimerCanceled, api.EventAwaitResolved, api.EventExecutionCompleted}, types(res.New))
	assert.True(t, res.Now.Equal(t0.Add(3*time.Second)))
}

func TestAwait_SignalAtDeadlineWinsOverTimer(t *testing.T) {
	s := newSim(t, greeting(10*time.Second))
	s.start(t0, "foobar")
	s.task()

	deadline := t0.Add(10 * time.Second)
	s.fire(deadline, 1)
	s.signal(deadline, "waitForName", "World", "sig-1")
	res := s.task()

	require.Equal(t, api.StatusCompleted, res.Status)
	assert.Equal(t, "Hello World!", s.value(res))
	// The timer already fired, so there is nothing to cancel.
	assert.Equal(t, []api.EventType{api.EventAwaitResolved, api.EventExecutionCompleted}, types(res.New))
	assert.Equal(t, api.Satisfied, res.New[0].Outcome)
}

func TestAwait_SignalAfterDeadlineTimesOut(t *testing.T) {
	s := newSim(t, greeting(10*time.Second))
	s.start(t0, "foobar")
	s.task()

	s.signal(t0.Add(11*time.Second), "waitForName", "World", "sig-1")
	res := s.task()

	require.Equal(t, api.StatusFailed, res.Status)
	assert.Equal(t, api.KindSignalTimeout, res.Failure.Kind)
	assert.Equal(t, []api.EventType{api.EventTimerCanceled, api.EventAwaitResolved, api.EventExecutionFailed}, types(res.New))
}

func TestAwait_NonSatisfyingBatchKeepsWaiting(t *testing.T) {
	prog := workflow.New("Threshold", func(ctx workflow.Context, s *int, _ struct{}) (int, error) {
		outcome, err := workflow.AwaitUntil(ctx, func() bool { return *s >= 2 }, time.Minute)
		if err != nil {
			return 0, err
		}
		if outcome != api.Satisfied {
			return -1, nil
		}
		return *s, nil
	})
	workflow.OnSignal(prog, "inc", func(s *int, _ struct{}) { *s++ })

	s := newSim(t, prog)
	s.start(t0, struct{}{})
	s.task()

	s.signal(t0.Add(time.Second), "inc", struct{}{}, "a")
	mid := s.task()
	require.Equal(t, api.StatusWaiting, mid.Status)
	assert.Empty(t, mid.New)

	s.signal(t0.Add(2*time.Second), "inc", struct{}{}, "b")
	res := s.task()
	require.Equal(t, api.StatusCompleted, res.Status)

	var n int
	require.NoError(t, s.dc.FromPayload(res.Value, &n))
	assert.Equal(t, 2, n)
}

func TestAwait_LastWriteWinsAfterFirstSatisfaction(t *testing.T) {
	s := newSim(t, greeting(10*time.Second))
	s.start(t0, "foobar")
	s.task()

	s.signal(t0.Add(time.Second), "waitForName", "A", "sig-a")
	s.signal(t0.Add(time.Second), "waitForName", "B", "sig-b")
	res := s.task()

	require.Equal(t, api.StatusCompleted, res.Status)
	assert.Equal(t, "Hello B!", s.value(res))
	assert.Equal(t, api.Satisfied, res.Resolved[0].Outcome)
}

func TestAwait_DuplicateSignalIDAppliedOnce(t *testing.T) {
	prog := workflow.New("Counter", func(ctx workflow.Context, s *int, _ struct{}) (int, error) {
		if _, err := workflow.AwaitUntil(ctx, func() bool { return *s >= 2 }, time.Minute); err != nil {
			return 0, err
		}
		return *s, nil
	})
	workflow.OnSignal(prog, "inc", func(s *int, _ struct{}) { *s++ })

	s := newSim(t, prog)
	s.start(t0, struct{}{})
	s.task()

	s.signal(t0, "inc", struct{}{}, "same")
	s.signal(t0, "inc", struct{}{}, "same")
	s.signal(t0, "inc", struct{}{}, "other")
	s.signal(t0, "inc", struct{}{}, "third")
	res := s.task()

	require.Equal(t, api.StatusCompleted, res.Status)
	var n int
	require.NoError(t, s.dc.FromPayload(res.Value, &n))
	assert.Equal(t, 3, n, "duplicate dropped, later signals still applied")
}

func TestAwait_ZeroDurationNeverSuspends(t *testing.T) {
	prog := workflow.New("Probe", func(ctx workflow.Context, s *nameState, _ struct{}) (string, error) {
		outcome, err := workflow.AwaitUntil(ctx, func() bool { return s.Name != nil }, 0)
		return string(outcome), err
	})
	workflow.OnSignal(prog, "waitForName", func(s *nameState, name string) { s.Name = &name })

	s := newSim(t, prog)
	s.start(t0, struct{}{})
	res := s.task()

	require.Equal(t, api.StatusCompleted, res.Status)
	assert.Equal(t, string(api.TimedOut), s.value(res))
	assert.Empty(t, res.Armed)
}

func TestAwait_NegativeDurationIsConfigurationError(t *testing.T) {
	prog := workflow.New("Negative", func(ctx workflow.Context, s *nameState, _ struct{}) (string, error) {
		_, err := workflow.AwaitUntil(ctx, func() bool { return false }, -time.Second)
		assert.True(t, errors.Is(err, api.ErrNegativeDuration))
		return "", err
	})

	s := newSim(t, prog)
	s.start(t0, struct{}{})
	res := s.task()

	require.Equal(t, api.StatusFailed, res.Status)
	assert.Equal(t, api.KindInvalidArgument, res.Failure.Kind)
	assert.Equal(t, api.ClassInternal, res.Failure.Class)
}

func TestAwait_PredicatePanicFailsExecution(t *testing.T) {
	prog := workflow.New("Boom", func(ctx workflow.Context, s *nameState, _ struct{}) (string, error) {
		_, err := workflow.AwaitUntil(ctx, func() bool { return len(*s.Name) > 0 }, time.Second)
		return "", err
	})

	s := newSim(t, prog)
	s.start(t0, struct{}{})
	res := s.task()

	require.Equal(t, api.StatusFailed, res.Status)
	assert.Equal(t, api.KindPredicatePanic, res.Failure.Kind)
	assert.Equal(t, api.ClassInternal, res.Failure.Class)
}

func TestRun_UnexpectedErrorAndPanicAreInternal(t *testing.T) {
	failing := workflow.New("Failing", func(ctx workflow.Context, s *struct{}, _ struct{}) (string, error) {
		return "", errors.New("database unavailable")
	})
	panicking := workflow.New("Panicking", func(ctx workflow.Context, s *struct{}, _ struct{}) (string, error) {
		panic("unreachable state")
	})

	for prog, kind := range map[api.Program]string{failing: api.KindUnexpected, panicking: api.KindPanic} {
		s := newSim(t, prog)
		s.start(t0, struct{}{})
		res := s.task()

		require.Equal(t, api.StatusFailed, res.Status, prog.Name())
		assert.Equal(t, kind, res.Failure.Kind, prog.Name())
		assert.Equal(t, api.ClassInternal, res.Failure.Class, prog.Name())
	}
}

func TestReplay_TerminalHistoryIsIdempotent(t *testing.T) {
	s := newSim(t, greeting(10*time.Second))
	s.start(t0, "foobar")
	s.task()
	s.signal(t0.Add(4*time.Second), "waitForName", "World", "sig-1")
	final := s.task()
	require.Equal(t, api.StatusCompleted, final.Status)

	for i := 0; i < 3; i++ {
		again := s.replay()
		require.NoError(t, again.Mismatch)
		assert.Empty(t, again.New)
		assert.Equal(t, final.Status, again.Status)
		assert.Equal(t, final.Value, again.Value)
		assert.True(t, again.Now.Equal(final.Now))
	}
}

func TestReplay_TimedOutHistoryIsIdempotent(t *testing.T) {
	s := newSim(t, greeting(10*time.Second))
	s.start(t0, "foobar")
	s.task()
	s.fire(t0.Add(10*time.Second), 1)
	final := s.task()

	again := s.replay()
	require.NoError(t, again.Mismatch)
	assert.Empty(t, again.New)
	assert.Equal(t, api.StatusFailed, again.Status)
	assert.Equal(t, final.Failure.Kind, again.Failure.Kind)
}

func TestReplay_WaitingHistoryProducesNothingNew(t *testing.T) {
	s := newSim(t, greeting(10*time.Second))
	s.start(t0, "foobar")
	s.task()

	again := s.replay()
	require.NoError(t, again.Mismatch)
	assert.Equal(t, api.StatusWaiting, again.Status)
	assert.Empty(t, again.New)
	assert.Empty(t, again.Armed)
}

func TestReplay_DetectsNondeterminism(t *testing.T) {
	s := newSim(t, greeting(10*time.Second))
	s.start(t0, "foobar")
	s.task()

	// Same name, different deadline.
	s.prog = greeting(5 * time.Second)
	s.signal(t0.Add(time.Second), "waitForName", "World", "sig-1")
	res := s.replay()

	require.Error(t, res.Mismatch)
	assert.True(t, errors.Is(res.Mismatch, api.ErrNondeterminism))
	assert.Equal(t, api.StatusFailed, res.Status)
	assert.Equal(t, api.KindNondeterminism, res.Failure.Kind)
	assert.Equal(t, []api.EventType{api.EventExecutionFailed}, types(res.New))
}

func TestReplay_DetectsMissingAwait(t *testing.T) {
	s := newSim(t, greeting(10*time.Second))
	s.start(t0, "foobar")
	s.task()

	s.prog = workflow.New("Greeting", func(ctx workflow.Context, st *nameState, token string) (string, error) {
		return "Hello nobody!", nil
	})
	res := s.replay()

	require.Error(t, res.Mismatch)
	assert.Equal(t, api.KindNondeterminism, res.Failure.Kind)
}

func TestReplay_CanceledHistory(t *testing.T) {
	s := newSim(t, greeting(10*time.Second))
	s.start(t0, "foobar")
	s.task()
	s.append(api.HistoryEvent{Type: api.EventExecutionCanceled, At: t0.Add(time.Second), Detail: "operator"})

	res := s.replay()
	assert.Equal(t, api.StatusCanceled, res.Status)
	require.NotNil(t, res.Failure)
	assert.Equal(t, api.KindCanceled, res.Failure.Kind)
	assert.Equal(t, "operator", res.Failure.Message)
}

func TestReplay_SequentialAwaitsIgnoreStaleTimer(t *testing.T) {
	type two struct{ A, B bool }
	prog := workflow.New("Two", func(ctx workflow.Context, s *two, _ struct{}) ([]string, error) {
		first, err := workflow.AwaitUntil(ctx, func() bool { return s.A }, 10*time.Second)
		if err != nil {
			return nil, err
		}
		second, err := workflow.AwaitUntil(ctx, func() bool { return s.B }, 10*time.Second)
		if err != nil {
			return nil, err
		}
		return []string{string(first), string(second)}, nil
	})
	workflow.OnSignal(prog, "a", func(s *two, _ struct{}) { s.A = true })
	workflow.OnSignal(prog, "b", func(s *two, _ struct{}) { s.B = true })

	s := newSim(t, prog)
	s.start(t0, struct{}{})
	s.task()

	s.signal(t0.Add(2*time.Second), "a", struct{}{}, "a1")
	mid := s.task()
	require.Equal(t, api.StatusWaiting, mid.Status)
	require.Len(t, mid.Armed, 1)
	assert.Equal(t, 2, mid.Armed[0].ID)
	assert.True(t, mid.New[len(mid.New)-1].FireAt.Equal(t0.Add(12*time.Second)))

	// A late fire for the first await must not resolve the second.
	s.fire(t0.Add(10*time.Second), 1)
	still := s.task()
	require.Equal(t, api.StatusWaiting, still.Status)

	s.fire(t0.Add(12*time.Second), 2)
	res := s.task()
	require.Equal(t, api.StatusCompleted, res.Status)

	var got []string
	require.NoError(t, s.dc.FromPayload(res.Value, &got))
	assert.Equal(t, []string{string(api.Satisfied), string(api.TimedOut)}, got)
}

func TestReplay_RequiresStartedEvent(t *testing.T) {
	res := Run(Options{ExecutionID: "x", Program: greeting(time.Second), Converter: codec.Msgpack{}})
	assert.Equal(t, api.StatusFailed, res.Status)
	assert.Equal(t, api.KindUnexpected, res.Failure.Kind)
}

type countingHandler struct {
	mu       sync.Mutex
	messages []string
}

func (h *countingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *countingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, r.Message)
	return nil
}
func (h *countingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *countingHandler) WithGroup(string) slog.Handler      { return h }

func TestReplay_LoggerIsSilentWhileReplaying(t *testing.T) {
	prog := workflow.New("Chatty", func(ctx workflow.Context, s *nameState, _ struct{}) (string, error) {
		workflow.GetLogger(ctx).Info("waiting for name")
		if _, err := workflow.AwaitUntil(ctx, func() bool { return s.Name != nil }, time.Minute); err != nil {
			return "", err
		}
		workflow.GetLogger(ctx).Info("got name")
		return *s.Name, nil
	})
	workflow.OnSignal(prog, "waitForName", func(s *nameState, name string) { s.Name = &name })

	h := &countingHandler{}
	s := newSim(t, prog)
	s.logger = slog.New(h)
	s.start(t0, struct{}{})
	s.task()
	s.signal(t0.Add(time.Second), "waitForName", "World", "sig-1")
	s.task()

	assert.Equal(t, []string{"waiting for name", "got name"}, h.messages)
}
