package llmstep

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/conveyor-ai/conveyor/pkg/conversation"
	"github.com/conveyor-ai/conveyor/pkg/events"
	"github.com/conveyor-ai/conveyor/pkg/llm"
	"github.com/conveyor-ai/conveyor/pkg/pipeline"
	"github.com/conveyor-ai/conveyor/pkg/tagparse"
)

// streamError carries whatever visible output a stream produced before
// failing, so the correction loop can hand it back to the model.
type streamError struct {
	Cause   error
	Partial string
}

func (e *streamError) Error() string {
	return fmt.Sprintf("stream failed: %s", e.Cause)
}

func (e *streamError) Unwrap() error { return e.Cause }

// invoke performs one provider call, streaming or not, running visible
// text through the tag parser and emitting llm.response events.
func (s *Step) invoke(ctx context.Context, req *llm.Request, parser *tagparse.Parser, pctx *pipeline.Context) (*llm.Response, error) {
	if !req.UseStreaming {
		return s.invokeOnce(ctx, req, parser, pctx)
	}
	return s.invokeStreaming(ctx, req, parser, pctx)
}

func (s *Step) invokeOnce(ctx context.Context, req *llm.Request, parser *tagparse.Parser, pctx *pipeline.Context) (*llm.Response, error) {
	resp, err := s.Client.Invoke(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("llm invocation failed: %w", err)
	}

	if parser.HasHandlers() && resp.Content != "" {
		resp.Content = parser.ProcessComplete(ctx, resp.Content)
	}

	pctx.Emit(events.Event{
		Type:     events.EventTypeLLMResponse,
		StepName: s.Name(),
		Payload: events.LLMResponsePayload{
			Content:          resp.Content,
			FinishReason:     string(resp.FinishReason),
			Model:            resp.Model,
			TokensUsed:       resp.TokensUsed,
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
			CostUSD:          resp.CostUSD,
		},
	})
	return resp, nil
}

// toolCallBuilder accumulates one streamed tool call by index. A call is
// usable once both an id and a name have arrived.
type toolCallBuilder struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

func (b *toolCallBuilder) complete() bool { return b.id != "" && b.name != "" }

func (s *Step) invokeStreaming(ctx context.Context, req *llm.Request, parser *tagparse.Parser, pctx *pipeline.Context) (*llm.Response, error) {
	ch, err := s.Client.InvokeStreaming(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("llm streaming invocation failed: %w", err)
	}

	var (
		visible  strings.Builder
		builders = make(map[int]*toolCallBuilder)
		finish   llm.FinishReason
		usage    llm.UsageChunk
		failure  error
	)

	emitDelta := func(delta string, thinking bool) {
		if delta == "" {
			return
		}
		// Visible deltas are the user-facing stream; thinking stays internal.
		pctx.Emit(events.Event{
			Type:             events.EventTypeLLMResponse,
			StepName:         s.Name(),
			SuppressFromUser: thinking,
			Payload: events.LLMResponsePayload{
				Content:      delta,
				IsThinking:   thinking,
				FinishReason: events.FinishReasonStreaming,
				Model:        s.Profile.Model,
			},
		})
	}

	for chunk := range ch {
		switch c := chunk.(type) {
		case llm.TextChunk:
			if c.IsThinking {
				// Thinking never reaches the accumulated content.
				emitDelta(c.Delta, true)
				continue
			}
			out := c.Delta
			if parser.HasHandlers() {
				out = parser.ProcessDelta(ctx, c.Delta)
			}
			visible.WriteString(out)
			emitDelta(out, false)

		case llm.ToolCallChunk:
			b := builders[c.Index]
			if b == nil {
				b = &toolCallBuilder{index: c.Index}
				builders[c.Index] = b
			}
			if c.ID != "" {
				b.id = c.ID
			}
			if c.Name != "" {
				b.name = c.Name
			}
			b.args.WriteString(c.ArgumentsFragment)

		case llm.UsageChunk:
			usage = c

		case llm.DoneChunk:
			finish = c.FinishReason

		case llm.ErrorChunk:
			failure = errors.New(c.Message)
		}
	}

	if parser.HasHandlers() {
		tail := parser.Flush(ctx)
		visible.WriteString(tail)
		emitDelta(tail, false)
	}

	if failure != nil {
		return nil, &streamError{Cause: failure, Partial: visible.String()}
	}
	if err := ctx.Err(); err != nil {
		return nil, &streamError{Cause: err, Partial: visible.String()}
	}
	if finish == "" {
		finish = llm.FinishReasonStop
	}

	calls := finalizeToolCalls(builders)

	// Terminal marker: empty content, the real finish reason. Subscribers
	// use it to close out the streamed message.
	pctx.Emit(events.Event{
		Type:     events.EventTypeLLMResponse,
		StepName: s.Name(),
		Payload: events.LLMResponsePayload{
			FinishReason:     string(finish),
			Model:            s.Profile.Model,
			TokensUsed:       usage.TokensUsed,
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			CostUSD:          usage.CostUSD,
		},
	})

	return &llm.Response{
		Content:          visible.String(),
		ToolCalls:        calls,
		TokensUsed:       usage.TokensUsed,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		CostUSD:          usage.CostUSD,
		FinishReason:     finish,
		Model:            s.Profile.Model,
	}, nil
}

// finalizeToolCalls keeps the complete builders in index order.
func finalizeToolCalls(builders map[int]*toolCallBuilder) []conversation.ToolCall {
	ordered := make([]*toolCallBuilder, 0, len(builders))
	for _, b := range builders {
		if b.complete() {
			ordered = append(ordered, b)
		}
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].index < ordered[j].index })

	if len(ordered) == 0 {
		return nil
	}
	calls := make([]conversation.ToolCall, len(ordered))
	for i, b := range ordered {
		calls[i] = conversation.ToolCall{ID: b.id, Name: b.name, Arguments: b.args.String()}
	}
	return calls
}
