// Package llmstep implements the model-calling pipeline step: one LLM
// invocation wrapped in a correction loop for malformed outputs, a
// recursive tool loop with repeat detection, streaming with tag extraction,
// and conversation bookkeeping that leaves exactly one clean user/assistant
// exchange behind.
package llmstep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/conveyor-ai/conveyor/pkg/conversation"
	"github.com/conveyor-ai/conveyor/pkg/events"
	"github.com/conveyor-ai/conveyor/pkg/llm"
	"github.com/conveyor-ai/conveyor/pkg/pipeline"
	"github.com/conveyor-ai/conveyor/pkg/result"
	"github.com/conveyor-ai/conveyor/pkg/tagparse"
	"github.com/conveyor-ai/conveyor/pkg/tools"
)

// Step calls an LLM, optionally looping over tool calls, and produces the
// decoded output as its result value.
//
// Retries (the correction loop) are driven by the pipeline's retry
// middleware: a parse or validation failure appends feedback to the
// conversation and re-invokes; any other failure is terminal. Finalize
// restores the conversation to its pre-invocation state and appends one
// clean user message and one assistant message, whatever happened in
// between.
type Step struct {
	pipeline.BaseStep

	// Client is the provider adapter. Required.
	Client llm.Client

	// Profile selects the model and its sampling and structured-output
	// capabilities.
	Profile llm.Profile

	// Tools, when non-nil, are bound to every request and executed through
	// ToolExecutor (defaulting to a registry-backed executor).
	Tools        *tools.Registry
	ToolExecutor *tools.Executor

	// TagHandlers extract directive tags from streamed output.
	TagHandlers []tagparse.Handler

	// Output declares the expected response shape. Nil means plain text.
	Output *llm.OutputSchema

	// SystemPrompt is the base system prompt, enriched with tool usage
	// guidelines and tag instructions at request time.
	SystemPrompt string

	// MessageBuilder renders the step input into the user message. The
	// default formats the input with %v.
	MessageBuilder func(ctx context.Context, input any, pctx *pipeline.Context) (string, error)

	// ValidateFn runs against the decoded output after a successful parse.
	// A returned error triggers the correction loop.
	ValidateFn func(ctx context.Context, value any, pctx *pipeline.Context) error

	// MaxToolIterations caps tool rounds per invocation. Nil uses the
	// configured default; an explicit zero forbids tool use entirely.
	MaxToolIterations *int

	// UseStreaming selects the streaming invocation path.
	UseStreaming bool

	// Stateless runs against a private throwaway conversation instead of
	// the shared one; the shared conversation is left untouched.
	Stateless bool

	// ForceConclusion, at the tool-iteration cap, makes one final call
	// without tools instead of failing the step.
	ForceConclusion bool
}

// invocationState carries per-invocation bookkeeping across correction
// attempts and into Finalize. It lives on the pipeline context keyed by
// step path, because one Step value may serve concurrent branches.
type invocationState struct {
	conv        *conversation.Conversation
	bookmark    string
	userMessage string

	// finalContent is the last successful visible output, written by the
	// winning attempt for Finalize to append.
	finalContent string

	usage usageTotals
}

type usageTotals struct {
	tokensUsed       int
	promptTokens     int
	completionTokens int
	costUSD          float64
}

func (u *usageTotals) add(resp *llm.Response) {
	u.tokensUsed += resp.TokensUsed
	u.promptTokens += resp.PromptTokens
	u.completionTokens += resp.CompletionTokens
	u.costUSD += resp.CostUSD
}

// New creates an LLM step with the given name and client.
func New(name string, client llm.Client, profile llm.Profile) *Step {
	return &Step{
		BaseStep: pipeline.BaseStep{StepName: name},
		Client:   client,
		Profile:  profile,
	}
}

// LongRunning gives the step the longer default timeout.
func (s *Step) LongRunning() bool { return true }

// ShouldRetry keeps the correction loop to parse and validation failures
// plus mid-stream errors, where the partial output becomes feedback.
// Everything else (provider errors, tool-loop aborts, iteration caps) is
// terminal for the step.
func (s *Step) ShouldRetry(res *result.Result) bool {
	if errors.Is(res.Err(), llm.ErrParse) {
		return true
	}
	var se *streamError
	return errors.As(res.Err(), &se)
}

func (s *Step) Execute(ctx context.Context, input any, pctx *pipeline.Context, attempt int, lastResult *result.Result) *result.Result {
	if s.Client == nil {
		return result.Errorf(s.Name(), "llm step %q has no client", s.Name())
	}

	st, err := s.stateFor(ctx, input, pctx, attempt)
	if err != nil {
		return result.Error(s.Name(), "failed to prepare llm request", err)
	}

	if attempt > 1 && lastResult != nil {
		feedback := buildFeedback(lastResult.Err())
		st.conv.History.AddUserMessage(feedback)
		slog.Debug("Correction attempt",
			"step", s.Name(), "attempt", attempt, "error", lastResult.Err())
	}

	req := s.buildRequest(st.conv, pctx)
	parser := tagparse.NewParser(pctx, s.TagHandlers...)

	// invokeWithTools accumulates usage per round; by the time it returns,
	// st.usage already includes the final response.
	resp, err := s.invokeWithTools(ctx, st, req, parser, pctx)
	if err != nil {
		return result.FromErr(s.Name(), err)
	}

	value, err := llm.Decode(resp.Content, s.Output)
	if err != nil {
		pctx.Emit(events.Event{
			Type:     events.EventTypeStepValidation,
			StepName: s.Name(),
			Payload:  events.ValidationPayload{Attempt: attempt, Error: err.Error()},
		})
		return result.FromErr(s.Name(), err)
	}

	st.finalContent = resp.Content
	return result.Success(value).
		WithStep(s.Name()).
		WithMetadata("model", resp.Model).
		WithMetadata("finish_reason", string(resp.FinishReason)).
		WithMetadata("tokens_used", st.usage.tokensUsed).
		WithMetadata("prompt_tokens", st.usage.promptTokens).
		WithMetadata("completion_tokens", st.usage.completionTokens).
		WithMetadata("cost_usd", st.usage.costUSD)
}

// Validate runs the step's output check so failures feed the correction
// loop. Parse failures never reach here; they come back as error results.
func (s *Step) Validate(ctx context.Context, res *result.Result, pctx *pipeline.Context) error {
	if s.ValidateFn == nil || res.HasError() {
		return nil
	}
	if err := s.ValidateFn(ctx, res.Value(), pctx); err != nil {
		return fmt.Errorf("%w: %v", llm.ErrParse, err)
	}
	return nil
}

// Finalize restores the conversation to the bookmark taken before the
// first attempt and appends exactly one user message and one assistant
// message: the clean exchange downstream steps build on. Intermediate
// attempts, tool traffic, and feedback messages all disappear.
func (s *Step) Finalize(ctx context.Context, res *result.Result, pctx *pipeline.Context) error {
	raw, ok := pctx.InvocationState()
	if !ok {
		return nil
	}
	pctx.ClearInvocationState()
	st, ok := raw.(*invocationState)
	if !ok || s.Stateless {
		return nil
	}

	if err := st.conv.History.RestoreBookmark(st.bookmark); err != nil {
		return fmt.Errorf("failed to restore conversation bookmark: %w", err)
	}

	st.conv.History.AddUserMessage(st.userMessage)
	if res != nil && res.HasError() {
		st.conv.History.AddAssistantMessage(fmt.Sprintf("Error: %s", res.Err()))
	} else {
		st.conv.History.AddAssistantMessage(st.finalContent)
	}
	return nil
}

// stateFor returns this invocation's state, creating it on the first
// attempt: conversation selection, the pre-invocation bookmark, and the
// initial user message.
func (s *Step) stateFor(ctx context.Context, input any, pctx *pipeline.Context, attempt int) (*invocationState, error) {
	if raw, ok := pctx.InvocationState(); ok {
		if st, ok := raw.(*invocationState); ok && attempt > 1 {
			return st, nil
		}
	}

	conv := pctx.Conversation
	if s.Stateless || conv == nil {
		conv = conversation.New(pctx.Config.MaxHistoryTokens, s.Client.EstimateTokenCount)
		conv.History.SetKeepFirstN(pctx.Config.KeepFirstN)
	}

	userMsg, err := s.buildUserMessage(ctx, input, pctx)
	if err != nil {
		return nil, err
	}

	st := &invocationState{
		conv:        conv,
		bookmark:    conv.History.CreateBookmark(),
		userMessage: userMsg,
	}
	conv.History.AddUserMessage(userMsg + s.schemaSuffix())
	pctx.SetInvocationState(st)
	return st, nil
}

func (s *Step) buildUserMessage(ctx context.Context, input any, pctx *pipeline.Context) (string, error) {
	if s.MessageBuilder != nil {
		return s.MessageBuilder(ctx, input, pctx)
	}
	if str, ok := input.(string); ok {
		return str, nil
	}
	return fmt.Sprintf("%v", input), nil
}

// buildFeedback renders the previous failure into the correction user
// message. Partial streamed output is included so the model can continue
// rather than start over.
func buildFeedback(err error) string {
	var se *streamError
	if errors.As(err, &se) && se.Partial != "" {
		partial := se.Partial
		const maxPartialLen = 2000
		if len(partial) > maxPartialLen {
			partial = partial[:maxPartialLen] + "..."
		}
		return fmt.Sprintf(
			"Error from previous attempt: %s\n\nYour partial response before the error:\n---\n%s\n---\n\n"+
				"Please continue from where you left off or provide a complete response.",
			se.Cause, partial)
	}
	return fmt.Sprintf("Error from previous attempt: %s. Please try again.", err)
}
