package procflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/romshark/procflow"
)

type MockPromptHandler struct{ mock.Mock }

func (m *MockPromptHandler) Handle(ctx context.Context, p procflow.Prompt) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func TestPromptBusPublish(t *testing.T) {
	t.Parallel()
	bus := procflow.NewPromptBus()
	p := procflow.Prompt{ProcessName: "orders", PipelineID: 1}

	h1, h2 := new(MockPromptHandler), new(MockPromptHandler)
	defer h1.AssertExpectations(t)
	defer h2.AssertExpectations(t)
	c1 := h1.On("Handle", mock.Anything, p).Return(error(nil)).Once()
	h2.On("Handle", mock.Anything, p).Return(error(nil)).Once().NotBefore(c1)

	_, err := bus.Subscribe(h1.Handle)
	require.NoError(t, err)
	_, err = bus.Subscribe(h2.Handle)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(t.Context(), p))
	// Delivery is synchronous, all handlers were called before Publish returned.
	h1.AssertNumberOfCalls(t, "Handle", 1)
	h2.AssertNumberOfCalls(t, "Handle", 1)
}

func TestPromptBusUnsubscribe(t *testing.T) {
	t.Parallel()
	bus := procflow.NewPromptBus()
	p := procflow.Prompt{ProcessName: "orders", PipelineID: 1}

	h := new(MockPromptHandler)
	defer h.AssertExpectations(t)
	h.On("Handle", mock.Anything, p).Return(error(nil)).Once()

	unsubscribe, err := bus.Subscribe(h.Handle)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(t.Context(), p))
	unsubscribe()
	require.NoError(t, bus.Publish(t.Context(), p))
}

func TestPromptBusHandlerErrors(t *testing.T) {
	t.Parallel()
	bus := procflow.NewPromptBus()
	p := procflow.Prompt{ProcessName: "reservations", PipelineID: 2}

	errExpected := errors.New("expected")
	var calls []string
	for _, h := range []procflow.PromptHandler{
		func(ctx context.Context, p procflow.Prompt) error {
			calls = append(calls, "failing")
			return errExpected
		},
		func(ctx context.Context, p procflow.Prompt) error {
			calls = append(calls, "panicking")
			panic("boom")
		},
		func(ctx context.Context, p procflow.Prompt) error {
			calls = append(calls, "ok")
			return nil
		},
	} {
		_, err := bus.Subscribe(h)
		require.NoError(t, err)
	}

	err := bus.Publish(t.Context(), p)
	require.Equal(t, []string{"failing", "panicking", "ok"}, calls)

	var pe *procflow.PromptHandlerError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, p, pe.Prompt)
	require.Len(t, pe.Errs, 2)
	require.ErrorIs(t, err, errExpected)
	require.ErrorContains(t, pe.Errs[1], "prompt handler panic: boom")
	require.Equal(t, `handling prompt from "reservations" (pipeline 2): `+
		`expected; prompt handler panic: boom`, err.Error())
}

func TestPromptBusClose(t *testing.T) {
	t.Parallel()
	bus := procflow.NewPromptBus()
	h := new(MockPromptHandler)
	defer h.AssertExpectations(t)

	_, err := bus.Subscribe(h.Handle)
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	require.ErrorIs(t, bus.Close(), procflow.ErrBusClosed)

	err = bus.Publish(t.Context(), procflow.Prompt{ProcessName: "orders"})
	require.ErrorIs(t, err, procflow.ErrBusClosed)
	_, err = bus.Subscribe(h.Handle)
	require.ErrorIs(t, err, procflow.ErrBusClosed)
}

func TestPromptJSON(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(procflow.Prompt{ProcessName: "orders", PipelineID: 3})
	require.NoError(t, err)
	require.JSONEq(t, `{"process_name":"orders","pipeline_id":3}`, string(b))
}
