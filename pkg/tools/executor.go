package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/conveyor-ai/conveyor/pkg/conversation"
	"github.com/conveyor-ai/conveyor/pkg/events"
	"github.com/conveyor-ai/conveyor/pkg/pipeline"
)

// Outcome is the result of one tool dispatch, shaped for feeding back into
// a conversation. Failures are carried as Content so the model sees them;
// Err preserves the underlying error for callers that classify failures
// (timeout tracking in the tool loop).
type Outcome struct {
	Content string
	IsError bool
	Err     error
}

// Executor dispatches tool calls against a registry and emits tool
// lifecycle events.
type Executor struct {
	registry *Registry
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{registry: registry}
}

// Execute runs one tool call. Unknown tools and tool failures never fail
// the step: the error text becomes the result content, and the model
// decides what to do with it.
func (e *Executor) Execute(ctx context.Context, call conversation.ToolCall, pctx *pipeline.Context) Outcome {
	pctx.Emit(events.Event{
		Type:    events.EventTypeToolStarted,
		Payload: events.ToolPayload{Tool: call.Name, CallID: call.ID},
	})

	start := time.Now()
	outcome := e.dispatch(ctx, call, pctx)
	duration := time.Since(start)

	payload := events.ToolPayload{
		Tool:       call.Name,
		CallID:     call.ID,
		Success:    !outcome.IsError,
		DurationMs: duration.Milliseconds(),
	}
	if outcome.IsError {
		payload.Error = outcome.Content
	}
	pctx.Emit(events.Event{Type: events.EventTypeToolCompleted, Payload: payload})

	slog.Debug("Tool executed",
		"tool", call.Name, "call_id", call.ID,
		"success", !outcome.IsError, "duration", duration)
	return outcome
}

func (e *Executor) dispatch(ctx context.Context, call conversation.ToolCall, pctx *pipeline.Context) Outcome {
	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return Outcome{
			Content: fmt.Sprintf("Error: Tool '%s' not found", call.Name),
			IsError: true,
		}
	}

	content, err := tool.Execute(ctx, call.Arguments, pctx)
	if err != nil {
		return Outcome{
			Content: fmt.Sprintf("Error executing tool: %s", err),
			IsError: true,
			Err:     err,
		}
	}
	return Outcome{Content: content}
}
