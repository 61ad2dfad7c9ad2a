package llmstep

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyor-ai/conveyor/pkg/config"
	"github.com/conveyor-ai/conveyor/pkg/conversation"
	"github.com/conveyor-ai/conveyor/pkg/events"
	"github.com/conveyor-ai/conveyor/pkg/llm"
	"github.com/conveyor-ai/conveyor/pkg/pipeline"
	"github.com/conveyor-ai/conveyor/pkg/tools"
)

func intPtr(n int) *int { return &n }

func toolStep(client *fakeClient, ts ...tools.Tool) *Step {
	step := New("investigate", client, llm.Profile{Model: "fake-1"})
	step.Tools = tools.MustRegistry(ts...)
	return step
}

func TestToolLoop_ExecuteThenConclude(t *testing.T) {
	tool := &countingTool{toolName: "lookup", reply: "found: 3 matches"}
	client := &fakeClient{turns: []scriptedTurn{
		{resp: toolResponse(conversation.ToolCall{ID: "c1", Name: "lookup", Arguments: `{"q":"x"}`})},
		{resp: textResponse("there are 3 matches")},
	}}
	pctx := newTestContext(client)

	res := pipeline.Execute(context.Background(), "p", []pipeline.Step{toolStep(client, tool)}, "search for x", pctx)

	require.False(t, res.HasError())
	assert.Equal(t, "there are 3 matches", res.Value())
	assert.Equal(t, []string{`{"q":"x"}`}, tool.args)

	// The second request saw the tool round: assistant call + tool result.
	second := client.messages[1]
	require.Len(t, second, 3)
	assert.Equal(t, conversation.RoleAssistant, second[1].Role)
	require.Len(t, second[1].ToolCalls, 1)
	assert.Equal(t, "c1", second[1].ToolCalls[0].ID)
	assert.Equal(t, conversation.RoleTool, second[2].Role)
	assert.Equal(t, "c1", second[2].ToolCallID)
	assert.Equal(t, "found: 3 matches", second[2].Content)

	// Finalize collapsed the tool traffic into the clean exchange.
	msgs := pctx.Conversation.History.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "there are 3 matches", msgs[1].Content)
}

func TestToolLoop_UsageSummedOncePerRound(t *testing.T) {
	tool := &countingTool{toolName: "lookup", reply: "r"}
	first := toolResponse(conversation.ToolCall{ID: "c1", Name: "lookup", Arguments: `{}`})
	first.TokensUsed, first.PromptTokens, first.CompletionTokens, first.CostUSD = 10, 6, 4, 0.001
	final := textResponse("done")
	final.TokensUsed, final.PromptTokens, final.CompletionTokens, final.CostUSD = 30, 20, 10, 0.003

	client := &fakeClient{turns: []scriptedTurn{{resp: first}, {resp: final}}}
	pctx := newTestContext(client)

	res := pipeline.Execute(context.Background(), "p", []pipeline.Step{toolStep(client, tool)}, "go", pctx)

	require.False(t, res.HasError())
	// Each provider response counts exactly once, the final one included.
	assert.Equal(t, 40, res.Metadata["tokens_used"])
	assert.Equal(t, 26, res.Metadata["prompt_tokens"])
	assert.Equal(t, 14, res.Metadata["completion_tokens"])
	assert.InDelta(t, 0.004, res.Metadata["cost_usd"].(float64), 1e-9)
}

func TestToolLoop_DedupesIdenticalCalls(t *testing.T) {
	tool := &countingTool{toolName: "lookup", reply: "cached answer"}
	other := &countingTool{toolName: "fetch", reply: "fetched"}
	client := &fakeClient{turns: []scriptedTurn{
		{resp: toolResponse(
			// Same call twice under different ids, plus a distinct one.
			conversation.ToolCall{ID: "c1", Name: "lookup", Arguments: `{"q": "x"}`},
			conversation.ToolCall{ID: "c2", Name: "lookup", Arguments: `{"q":"x"}`},
			conversation.ToolCall{ID: "c3", Name: "fetch", Arguments: `{"url":"u"}`},
		)},
		{resp: textResponse("done")},
	}}
	pctx := newTestContext(client)

	res := pipeline.Execute(context.Background(), "p", []pipeline.Step{toolStep(client, tool, other)}, "go", pctx)
	require.False(t, res.HasError())

	// The duplicate executed once; whitespace differences do not defeat it.
	assert.Equal(t, 1, tool.executions())
	assert.Equal(t, 1, other.executions())

	// Every original id still received a tool message, sharing the content.
	second := client.messages[1]
	var toolMsgs []conversation.Message
	for _, m := range second {
		if m.Role == conversation.RoleTool {
			toolMsgs = append(toolMsgs, m)
		}
	}
	require.Len(t, toolMsgs, 3)
	assert.Equal(t, "cached answer", toolMsgs[0].Content)
	assert.Equal(t, "cached answer", toolMsgs[1].Content)
	assert.Equal(t, "fetched", toolMsgs[2].Content)

	// The assistant message kept all three calls so the ids resolve.
	require.Len(t, second[1].ToolCalls, 3)
}

func TestToolLoop_ProgressTicksSuppressed(t *testing.T) {
	ch := events.NewChannel(64)
	defer ch.Close()
	sub := ch.Subscribe(context.Background(), events.TypeFilter(events.EventTypeStepProgress))

	tool := &countingTool{toolName: "lookup", reply: "r"}
	client := &fakeClient{turns: []scriptedTurn{
		{resp: toolResponse(conversation.ToolCall{ID: "c1", Name: "lookup", Arguments: `{}`})},
		{resp: textResponse("done")},
	}}
	cfg := config.Defaults()
	conv := conversation.New(cfg.MaxHistoryTokens, client.EstimateTokenCount)
	pctx := pipeline.NewContext(cfg, conv, ch)

	res := pipeline.Execute(context.Background(), "p", []pipeline.Step{toolStep(client, tool)}, "go", pctx)
	require.False(t, res.HasError())

	// One tick per round, both flagged as internal chatter.
	for i := 0; i < 2; i++ {
		select {
		case evt := <-sub.Events():
			assert.True(t, evt.SuppressFromUser)
			p := evt.Payload.(events.ProgressPayload)
			assert.Equal(t, events.ProgressPhaseInvestigating, p.Phase)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing step.progress event %d", i)
		}
	}
}

func TestToolLoop_RepeatDetectionStrict(t *testing.T) {
	call := conversation.ToolCall{ID: "c1", Name: "write_note", Arguments: `{"text":"hi"}`}
	repeat := conversation.ToolCall{ID: "c2", Name: "write_note", Arguments: `{"text":"hi"}`}

	tool := &countingTool{toolName: "write_note", reply: "noted"}
	client := &fakeClient{turns: []scriptedTurn{
		{resp: toolResponse(call)},
		{resp: toolResponse(repeat)},
	}}
	pctx := newTestContext(client)

	res := pipeline.Execute(context.Background(), "p", []pipeline.Step{toolStep(client, tool)}, "go", pctx)

	// A mutating call set repeating once is already a stuck loop.
	require.False(t, res.HasError())
	assert.Equal(t, 1, tool.executions())
	assert.Contains(t, res.Value().(string), "Stopped: the model kept requesting the same tool calls")
	assert.Equal(t, "stop", res.Metadata["finish_reason"])
}

func TestToolLoop_RepeatDetectionLenientForReadOnly(t *testing.T) {
	mkCall := func(id string) conversation.ToolCall {
		return conversation.ToolCall{ID: id, Name: "grep_search", Arguments: `{"pattern":"x"}`}
	}
	tool := &countingTool{toolName: "grep_search", reply: "3 hits"}
	client := &fakeClient{turns: []scriptedTurn{
		{resp: toolResponse(mkCall("c1"))},
		{resp: toolResponse(mkCall("c2"))},
		{resp: toolResponse(mkCall("c3"))},
		{resp: toolResponse(mkCall("c4"))},
	}}
	pctx := newTestContext(client)

	res := pipeline.Execute(context.Background(), "p", []pipeline.Step{toolStep(client, tool)}, "go", pctx)

	// Read-only tools get three repeats before the loop is cut.
	require.False(t, res.HasError())
	assert.Equal(t, 3, tool.executions())
	assert.Equal(t, 4, client.calls())
	assert.Contains(t, res.Value().(string), "Stopped")
}

func TestToolLoop_RepeatDetectionKeepsModelText(t *testing.T) {
	call := conversation.ToolCall{ID: "c1", Name: "write_note", Arguments: `{}`}
	tool := &countingTool{toolName: "write_note", reply: "noted"}

	looping := toolResponse(conversation.ToolCall{ID: "c2", Name: "write_note", Arguments: `{}`})
	looping.Content = "I keep wanting to take notes."

	client := &fakeClient{turns: []scriptedTurn{
		{resp: toolResponse(call)},
		{resp: looping},
	}}
	pctx := newTestContext(client)

	res := pipeline.Execute(context.Background(), "p", []pipeline.Step{toolStep(client, tool)}, "go", pctx)

	require.False(t, res.HasError())
	assert.Equal(t, "I keep wanting to take notes.", res.Value())
}

func TestToolLoop_MaxIterations(t *testing.T) {
	mkCall := func(id, q string) conversation.ToolCall {
		return conversation.ToolCall{ID: id, Name: "lookup", Arguments: `{"q":"` + q + `"}`}
	}
	tool := &countingTool{toolName: "lookup", reply: "r"}
	client := &fakeClient{turns: []scriptedTurn{
		{resp: toolResponse(mkCall("c1", "a"))},
		{resp: toolResponse(mkCall("c2", "b"))},
		{resp: toolResponse(mkCall("c3", "c"))},
	}}
	pctx := newTestContext(client)

	step := toolStep(client, tool)
	step.MaxToolIterations = intPtr(2)

	res := pipeline.Execute(context.Background(), "p", []pipeline.Step{step}, "go", pctx)

	assert.True(t, res.HasError())
	assert.ErrorIs(t, res.Err(), ErrMaxToolIterations)
	assert.Equal(t, 2, tool.executions())
	assert.Equal(t, 3, client.calls(), "the iteration cap must not be retried")
}

func TestToolLoop_ZeroIterationsForbidsTools(t *testing.T) {
	tool := &countingTool{toolName: "lookup", reply: "r"}
	client := &fakeClient{turns: []scriptedTurn{
		{resp: toolResponse(conversation.ToolCall{ID: "c1", Name: "lookup", Arguments: `{}`})},
	}}
	pctx := newTestContext(client)

	step := toolStep(client, tool)
	step.MaxToolIterations = intPtr(0)

	res := pipeline.Execute(context.Background(), "p", []pipeline.Step{step}, "go", pctx)

	assert.True(t, res.HasError())
	assert.ErrorIs(t, res.Err(), ErrMaxToolIterations)
	assert.Equal(t, 0, tool.executions())
}

func TestToolLoop_ForceConclusion(t *testing.T) {
	tool := &countingTool{toolName: "lookup", reply: "r"}
	client := &fakeClient{turns: []scriptedTurn{
		{resp: toolResponse(conversation.ToolCall{ID: "c1", Name: "lookup", Arguments: `{"q":"a"}`})},
		{resp: toolResponse(conversation.ToolCall{ID: "c2", Name: "lookup", Arguments: `{"q":"b"}`})},
		{resp: textResponse("best effort answer")},
	}}
	pctx := newTestContext(client)

	step := toolStep(client, tool)
	step.MaxToolIterations = intPtr(1)
	step.ForceConclusion = true

	res := pipeline.Execute(context.Background(), "p", []pipeline.Step{step}, "go", pctx)

	require.False(t, res.HasError())
	assert.Equal(t, "best effort answer", res.Value())
	assert.Equal(t, 1, tool.executions())

	// The final call went out without tools, after the wrap-up instruction.
	final := client.requests[2]
	assert.Nil(t, final.Tools)
	msgs := client.messages[2]
	last := msgs[len(msgs)-1]
	assert.Equal(t, conversation.RoleUser, last.Role)
	assert.Contains(t, last.Content, "You have used all available tool calls")
}

func TestToolLoop_ConsecutiveTimeoutsAbort(t *testing.T) {
	tool := &countingTool{toolName: "lookup", err: context.DeadlineExceeded}
	client := &fakeClient{turns: []scriptedTurn{
		{resp: toolResponse(
			conversation.ToolCall{ID: "c1", Name: "lookup", Arguments: `{"q":"a"}`},
			conversation.ToolCall{ID: "c2", Name: "lookup", Arguments: `{"q":"b"}`},
		)},
	}}
	pctx := newTestContext(client)

	res := pipeline.Execute(context.Background(), "p", []pipeline.Step{toolStep(client, tool)}, "go", pctx)

	assert.True(t, res.HasError())
	assert.Contains(t, res.Err().Error(), "consecutive tool timeouts")
	assert.Equal(t, 2, tool.executions())
	assert.Equal(t, 1, client.calls())
}

func TestCallSignatures(t *testing.T) {
	a := conversation.ToolCall{Name: "f", Arguments: `{"b": 2, "a": 1}`}
	b := conversation.ToolCall{Name: "f", Arguments: `{"a":1,"b":2}`}
	assert.Equal(t, callSignature(a), callSignature(b))

	// Set signatures are order independent.
	g := conversation.ToolCall{Name: "g", Arguments: ""}
	assert.Equal(t,
		callSetSignature([]conversation.ToolCall{a, g}),
		callSetSignature([]conversation.ToolCall{g, b}))

	// Unparseable arguments compare by trimmed raw text.
	c := conversation.ToolCall{Name: "f", Arguments: "  not json "}
	d := conversation.ToolCall{Name: "f", Arguments: "not json"}
	assert.Equal(t, callSignature(c), callSignature(d))
}

func TestLoopThreshold(t *testing.T) {
	readOnly := []conversation.ToolCall{{Name: "view_file"}, {Name: "grep_search"}}
	assert.Equal(t, readOnlyLoopThreshold, loopThreshold(readOnly))

	mixed := []conversation.ToolCall{{Name: "view_file"}, {Name: "write_file"}}
	assert.Equal(t, defaultLoopThreshold, loopThreshold(mixed))
}
