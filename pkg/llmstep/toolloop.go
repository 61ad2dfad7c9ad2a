package llmstep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/conveyor-ai/conveyor/pkg/conversation"
	"github.com/conveyor-ai/conveyor/pkg/events"
	"github.com/conveyor-ai/conveyor/pkg/llm"
	"github.com/conveyor-ai/conveyor/pkg/pipeline"
	"github.com/conveyor-ai/conveyor/pkg/tagparse"
	"github.com/conveyor-ai/conveyor/pkg/tools"
)

// ErrMaxToolIterations tags a tool loop that hit its iteration cap without
// the model concluding.
var ErrMaxToolIterations = errors.New("maximum tool iterations exceeded")

// maxConsecutiveToolTimeouts aborts the loop when tools keep timing out:
// after this many timeouts in a row the backing system is presumed down.
const maxConsecutiveToolTimeouts = 2

// readOnlyLoopThreshold and defaultLoopThreshold pick how many identical
// repeats of a call set end the loop. Read-only exploration tools
// legitimately re-read the same files a few times; anything else repeating
// at all is a stuck model.
const (
	readOnlyLoopThreshold = 3
	defaultLoopThreshold  = 1
)

// readOnlyTools are exempt from the strict repeat threshold.
var readOnlyTools = map[string]bool{
	"view_file":         true,
	"grep_search":       true,
	"list_dir":          true,
	"find_by_name":      true,
	"view_file_outline": true,
	"view_code_item":    true,
}

// invokeWithTools drives the tool loop: invoke the model, execute any tool
// calls it makes, feed the results back, and repeat until the model
// answers without tools, the iteration cap is hit, or a repeat loop is
// detected.
func (s *Step) invokeWithTools(ctx context.Context, st *invocationState, req *llm.Request, parser *tagparse.Parser, pctx *pipeline.Context) (*llm.Response, error) {
	maxIter := pctx.Config.MaxToolIterations
	if s.MaxToolIterations != nil {
		maxIter = *s.MaxToolIterations
	}

	executor := s.ToolExecutor
	if executor == nil {
		executor = tools.NewExecutor(s.Tools)
	}

	var (
		lastSignature       string
		repeats             int
		consecutiveTimeouts int
	)

	for round := 0; ; round++ {
		// Round ticks are internal chatter; UIs filter them out.
		pctx.Emit(events.Event{
			Type:             events.EventTypeStepProgress,
			StepName:         s.Name(),
			SuppressFromUser: true,
			Payload: events.ProgressPayload{
				Phase:   events.ProgressPhaseInvestigating,
				Message: fmt.Sprintf("Tool round %d/%d", round+1, maxIter+1),
			},
		})

		resp, err := s.invoke(ctx, req, parser, pctx)
		if err != nil {
			return nil, err
		}
		st.usage.add(resp)

		if len(resp.ToolCalls) == 0 {
			return resp, nil
		}

		// The model wants tools. Check the cap before executing: a cap of
		// zero rejects the first request.
		if round >= maxIter {
			if s.ForceConclusion {
				return s.concludeWithoutTools(ctx, st, req, parser, pctx, maxIter)
			}
			return nil, fmt.Errorf("%w (%d)", ErrMaxToolIterations, maxIter)
		}

		// Repeat detection on the whole call set.
		sig := callSetSignature(resp.ToolCalls)
		if sig == lastSignature {
			repeats++
		} else {
			lastSignature = sig
			repeats = 0
		}
		if repeats >= loopThreshold(resp.ToolCalls) {
			slog.Warn("Detected repeated identical tool calls, stopping loop",
				"step", s.Name(), "repeats", repeats+1, "calls", len(resp.ToolCalls))
			return syntheticConclusion(resp), nil
		}

		// The assistant message keeps every call the model made, including
		// duplicates, so each tool message below has a matching id.
		st.conv.History.AddAssistantMessageWithToolCalls(resp.ToolCalls)

		unique := dedupeCalls(resp.ToolCalls)
		results := make(map[string]tools.Outcome, len(unique))
		for _, call := range unique {
			outcome := executor.Execute(ctx, call, pctx)
			results[callSignature(call)] = outcome

			if outcome.Err != nil && isTimeout(outcome.Err) {
				consecutiveTimeouts++
				if consecutiveTimeouts >= maxConsecutiveToolTimeouts {
					return nil, fmt.Errorf("aborting after %d consecutive tool timeouts: %w",
						consecutiveTimeouts, outcome.Err)
				}
			} else {
				consecutiveTimeouts = 0
			}
		}

		// Every original call gets a tool message; duplicates share the
		// first execution's content.
		for _, call := range resp.ToolCalls {
			outcome := results[callSignature(call)]
			if err := st.conv.History.AddToolMessage(call.ID, outcome.Content); err != nil {
				return nil, fmt.Errorf("failed to append tool result: %w", err)
			}
		}
	}
}

// concludeWithoutTools makes one final call with tools unbound, forcing a
// text answer out of a model still asking for tools at the cap.
func (s *Step) concludeWithoutTools(ctx context.Context, st *invocationState, req *llm.Request, parser *tagparse.Parser, pctx *pipeline.Context, maxIter int) (*llm.Response, error) {
	pctx.Emit(events.Event{
		Type:     events.EventTypeStepProgress,
		StepName: s.Name(),
		Payload: events.ProgressPayload{
			Phase:   events.ProgressPhaseConcluding,
			Message: fmt.Sprintf("Forcing conclusion after %d tool rounds", maxIter),
		},
	})

	st.conv.History.AddUserMessage(
		"You have used all available tool calls. Provide your final answer now, using only the information gathered so far.")

	final := *req
	final.Tools = nil
	resp, err := s.invoke(ctx, &final, parser, pctx)
	if err != nil {
		return nil, fmt.Errorf("forced conclusion failed: %w", err)
	}
	st.usage.add(resp)
	return resp, nil
}

// syntheticConclusion converts a looping response into a terminal one. Any
// text the model produced alongside the repeated calls becomes the answer;
// otherwise a diagnostic does.
func syntheticConclusion(resp *llm.Response) *llm.Response {
	out := *resp
	out.ToolCalls = nil
	out.FinishReason = llm.FinishReasonStop
	if strings.TrimSpace(out.Content) == "" {
		out.Content = "Stopped: the model kept requesting the same tool calls without making progress."
	}
	return &out
}

// loopThreshold returns the repeat budget for a call set. The lenient
// budget applies only when every call in the set is a read-only tool.
func loopThreshold(calls []conversation.ToolCall) int {
	for _, c := range calls {
		if !readOnlyTools[c.Name] {
			return defaultLoopThreshold
		}
	}
	return readOnlyLoopThreshold
}

// dedupeCalls drops calls whose signature already appeared, preserving
// first-occurrence order.
func dedupeCalls(calls []conversation.ToolCall) []conversation.ToolCall {
	seen := make(map[string]bool, len(calls))
	out := make([]conversation.ToolCall, 0, len(calls))
	for _, c := range calls {
		sig := callSignature(c)
		if seen[sig] {
			continue
		}
		seen[sig] = true
		out = append(out, c)
	}
	return out
}

// callSignature identifies one call by name plus canonicalized arguments,
// so formatting differences (key order, whitespace) do not defeat
// deduplication.
func callSignature(c conversation.ToolCall) string {
	return c.Name + "(" + canonicalArguments(c.Arguments) + ")"
}

// callSetSignature identifies a whole call set order-independently.
func callSetSignature(calls []conversation.ToolCall) string {
	sigs := make([]string, len(calls))
	for i, c := range calls {
		sigs[i] = callSignature(c)
	}
	sort.Strings(sigs)
	return strings.Join(sigs, ";")
}

// canonicalArguments re-marshals JSON arguments with sorted keys. Garbled
// arguments fall back to the trimmed raw string, which still compares
// equal for byte-identical repeats.
func canonicalArguments(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return trimmed
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return trimmed
	}
	return string(canonical)
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
