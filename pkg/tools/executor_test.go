package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyor-ai/conveyor/pkg/conversation"
	"github.com/conveyor-ai/conveyor/pkg/events"
	"github.com/conveyor-ai/conveyor/pkg/pipeline"
)

func echoTool() Tool {
	return &Func{
		ToolName: "echo",
		Desc:     "echoes its arguments",
		ExecuteFunc: func(ctx context.Context, arguments string, pctx *pipeline.Context) (string, error) {
			return "echo: " + arguments, nil
		},
	}
}

func failingTool() Tool {
	return &Func{
		ToolName: "broken",
		ExecuteFunc: func(ctx context.Context, arguments string, pctx *pipeline.Context) (string, error) {
			return "", errors.New("backend unavailable")
		},
	}
}

func TestRegistry_DuplicateNames(t *testing.T) {
	_, err := NewRegistry(echoTool(), echoTool())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "echo")
}

func TestRegistry_EmptyName(t *testing.T) {
	_, err := NewRegistry(&Func{})
	require.Error(t, err)
}

func TestRegistry_LookupAndDefinitions(t *testing.T) {
	reg := MustRegistry(failingTool(), echoTool())

	_, ok := reg.Get("missing")
	assert.False(t, ok)
	tool, ok := reg.Get("echo")
	require.True(t, ok)
	assert.Equal(t, "echo", tool.Name())

	// Definitions come back in sorted name order.
	defs := reg.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "broken", defs[0].Name)
	assert.Equal(t, "echo", defs[1].Name)
	assert.Equal(t, "echoes its arguments", defs[1].Description)
}

func TestRegistry_NilSafe(t *testing.T) {
	var reg *Registry
	_, ok := reg.Get("x")
	assert.False(t, ok)
	assert.Nil(t, reg.Definitions())
	assert.Equal(t, 0, reg.Len())
}

func TestExecutor_Success(t *testing.T) {
	exec := NewExecutor(MustRegistry(echoTool()))
	pctx := pipeline.NewContext(nil, nil, nil)

	outcome := exec.Execute(context.Background(), conversation.ToolCall{
		ID: "c1", Name: "echo", Arguments: `{"x":1}`,
	}, pctx)

	assert.False(t, outcome.IsError)
	assert.Equal(t, `echo: {"x":1}`, outcome.Content)
	assert.NoError(t, outcome.Err)
}

func TestExecutor_UnknownTool(t *testing.T) {
	exec := NewExecutor(MustRegistry(echoTool()))
	pctx := pipeline.NewContext(nil, nil, nil)

	outcome := exec.Execute(context.Background(), conversation.ToolCall{
		ID: "c1", Name: "ghost",
	}, pctx)

	assert.True(t, outcome.IsError)
	assert.Equal(t, "Error: Tool 'ghost' not found", outcome.Content)
}

func TestExecutor_ToolErrorBecomesContent(t *testing.T) {
	exec := NewExecutor(MustRegistry(failingTool()))
	pctx := pipeline.NewContext(nil, nil, nil)

	outcome := exec.Execute(context.Background(), conversation.ToolCall{
		ID: "c1", Name: "broken",
	}, pctx)

	assert.True(t, outcome.IsError)
	assert.Equal(t, "Error executing tool: backend unavailable", outcome.Content)
	require.Error(t, outcome.Err)
}

func TestExecutor_EmitsLifecycleEvents(t *testing.T) {
	ch := events.NewChannel(16)
	defer ch.Close()
	sub := ch.Subscribe(context.Background(), nil)

	pctx := pipeline.NewContext(nil, nil, ch)
	exec := NewExecutor(MustRegistry(echoTool()))

	exec.Execute(context.Background(), conversation.ToolCall{ID: "c9", Name: "echo"}, pctx)

	var got []events.Event
	for len(got) < 2 {
		select {
		case evt := <-sub.Events():
			got = append(got, evt)
		case <-time.After(2 * time.Second):
			t.Fatal("missing tool lifecycle events")
		}
	}

	assert.Equal(t, events.EventTypeToolStarted, got[0].Type)
	start := got[0].Payload.(events.ToolPayload)
	assert.Equal(t, "c9", start.CallID)
	assert.Equal(t, "echo", start.Tool)

	assert.Equal(t, events.EventTypeToolCompleted, got[1].Type)
	done := got[1].Payload.(events.ToolPayload)
	assert.Equal(t, "c9", done.CallID)
	assert.True(t, done.Success)
	assert.Equal(t, pctx.CorrelationID, got[1].CorrelationID)
}
