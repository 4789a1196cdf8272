package workflow_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/awaitflow/internal/codec"
	"github.com/petrijr/awaitflow/pkg/api"
	"github.com/petrijr/awaitflow/pkg/workflow"
)

type profile struct {
	Names []string
}

func TestDefinition_SignalNamesInRegistrationOrder(t *testing.T) {
	def := workflow.New("Profile", func(ctx workflow.Context, s *profile, _ struct{}) (int, error) {
		return len(s.Names), nil
	})
	workflow.OnSignal(def, "rename", func(s *profile, name string) { s.Names = append(s.Names, name) })
	workflow.OnSignal(def, "clear", func(s *profile, _ struct{}) { s.Names = nil })

	assert.Equal(t, "Profile", def.Name())
	assert.Equal(t, []string{"rename", "clear"}, def.SignalNames())
}

func TestDefinition_DuplicateSignalPanics(t *testing.T) {
	def := workflow.New("Profile", func(ctx workflow.Context, s *profile, _ struct{}) (int, error) {
		return 0, nil
	})
	workflow.OnSignal(def, "rename", func(s *profile, name string) {})

	assert.Panics(t, func() {
		workflow.OnSignal(def, "rename", func(s *profile, name string) {})
	})
}

func TestInstance_ApplySignalMutatesOwnState(t *testing.T) {
	dc := codec.Msgpack{}
	def := workflow.New("Profile", func(ctx workflow.Context, s *profile, _ struct{}) (int, error) {
		return len(s.Names), nil
	})
	workflow.OnSignal(def, "rename", func(s *profile, name string) { s.Names = append(s.Names, name) })

	first := def.NewInstance(dc)
	second := def.NewInstance(dc)

	arg, err := dc.ToPayload("Ada")
	require.NoError(t, err)
	require.NoError(t, first.ApplySignal("rename", arg))
	require.NoError(t, first.ApplySignal("rename", arg))

	out, err := first.Run(nil, nil)
	require.NoError(t, err)
	var n int
	require.NoError(t, dc.FromPayload(out, &n))
	assert.Equal(t, 2, n)

	out, err = second.Run(nil, nil)
	require.NoError(t, err)
	require.NoError(t, dc.FromPayload(out, &n))
	assert.Equal(t, 0, n, "instances must not share state")
}

func TestInstance_UnknownSignal(t *testing.T) {
	def := workflow.New("Profile", func(ctx workflow.Context, s *profile, _ struct{}) (int, error) {
		return 0, nil
	})
	err := def.NewInstance(codec.JSON{}).ApplySignal("missing", nil)
	if !errors.Is(err, api.ErrUnknownSignal) {
		t.Fatalf("expected ErrUnknownSignal, got %v", err)
	}
}

func TestInstance_BadArgumentIsReported(t *testing.T) {
	def := workflow.New("Profile", func(ctx workflow.Context, s *profile, _ struct{}) (int, error) {
		return 0, nil
	})
	workflow.OnSignal(def, "rename", func(s *profile, name string) {})

	err := def.NewInstance(codec.JSON{}).ApplySignal("rename", api.Payload(`{"not":"a string"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode rename argument")
}

func TestDefinition_CheckSignal(t *testing.T) {
	def := workflow.New("Profile", func(ctx workflow.Context, s *profile, _ struct{}) (int, error) {
		return 0, nil
	})
	calls := 0
	workflow.OnSignal(def, "rename", func(s *profile, name string) { calls++ })
	dc := codec.Msgpack{}

	good, err := dc.ToPayload("Ann")
	require.NoError(t, err)
	require.NoError(t, def.CheckSignal("rename", good, dc))
	require.NoError(t, def.CheckSignal("rename", nil, dc))

	bad, err := dc.ToPayload(map[string]any{"x": 1})
	require.NoError(t, err)
	err = def.CheckSignal("rename", bad, dc)
	if !errors.Is(err, api.ErrInvalidSignal) {
		t.Fatalf("expected ErrInvalidSignal, got %v", err)
	}

	err = def.CheckSignal("missing", good, dc)
	if !errors.Is(err, api.ErrUnknownSignal) {
		t.Fatalf("expected ErrUnknownSignal, got %v", err)
	}
	assert.Equal(t, 0, calls, "checking never runs the handler")
}

func TestInstance_InputDecoding(t *testing.T) {
	type greet struct{ Token string }
	dc := codec.JSON{}
	def := workflow.New("Echo", func(ctx workflow.Context, s *struct{}, in greet) (string, error) {
		return in.Token, nil
	})

	in, err := dc.ToPayload(greet{Token: "foobar"})
	require.NoError(t, err)
	out, err := def.NewInstance(dc).Run(nil, in)
	require.NoError(t, err)

	var token string
	require.NoError(t, dc.FromPayload(out, &token))
	assert.Equal(t, "foobar", token)

	_, err = def.NewInstance(dc).Run(nil, api.Payload("{broken"))
	assert.ErrorContains(t, err, "decode Echo input")
}
