package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/conveyor-ai/conveyor/pkg/events"
	"github.com/conveyor-ai/conveyor/pkg/result"
)

// Handler advances the middleware chain one layer.
type Handler func(ctx context.Context, input any) *result.Result

// Middleware wraps step execution. Middlewares run in registration order
// around the built-in chain: user middlewares first, then observability,
// timeout, and retry, with the step's Execute at the center.
type Middleware interface {
	Invoke(ctx context.Context, step Step, input any, pctx *Context, next Handler) *result.Result
}

type attemptKey struct{}

type attemptState struct {
	attempt    int
	lastResult *result.Result
}

// buildChain composes user middlewares plus the built-in stack around the
// step's Execute.
func buildChain(step Step, pctx *Context) Handler {
	terminal := func(ctx context.Context, input any) *result.Result {
		st, _ := ctx.Value(attemptKey{}).(*attemptState)
		attempt, last := 1, (*result.Result)(nil)
		if st != nil {
			attempt, last = st.attempt, st.lastResult
		}
		return step.Execute(ctx, input, pctx, attempt, last)
	}

	mws := make([]Middleware, 0, len(pctx.middlewares)+3)
	mws = append(mws, pctx.middlewares...)
	mws = append(mws, &observabilityMiddleware{}, &timeoutMiddleware{}, &retryMiddleware{})

	h := Handler(terminal)
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		inner := h
		h = func(ctx context.Context, input any) *result.Result {
			return mw.Invoke(ctx, step, input, pctx, inner)
		}
	}
	return h
}

// observabilityMiddleware emits step lifecycle events and wraps execution
// in a trace span.
type observabilityMiddleware struct{}

func (m *observabilityMiddleware) Invoke(ctx context.Context, step Step, input any, pctx *Context, next Handler) *result.Result {
	name := effectiveName(step)
	path := pctx.PathString()

	pctx.Emit(events.Event{
		Type:     events.EventTypeStepStarted,
		StepName: name,
		Payload:  events.StepPayload{Step: name, StepType: fmt.Sprintf("%T", step)},
	})

	spanCtx, span := pctx.Tracer.Start(ctx, "step."+name)
	span.SetAttributes(
		attribute.String("step.name", name),
		attribute.String("step.path", path),
		attribute.String("correlation_id", pctx.CorrelationID),
	)

	start := time.Now()
	res := next(spanCtx, input)
	duration := time.Since(start)

	payload := events.StepPayload{
		Step:       name,
		StepType:   fmt.Sprintf("%T", step),
		Success:    !res.HasError(),
		DurationMs: duration.Milliseconds(),
	}
	if res.HasError() && res.Err() != nil {
		payload.Error = res.Err().Error()
		span.RecordError(res.Err())
		span.SetStatus(codes.Error, res.Err().Error())
	}
	span.SetAttributes(attribute.Int64("step.duration_ms", duration.Milliseconds()))
	span.End()

	pctx.Emit(events.Event{
		Type:     events.EventTypeStepCompleted,
		StepName: name,
		Payload:  payload,
	})

	slog.Debug("Step finished",
		"step", name, "path", path,
		"success", !res.HasError(), "duration", duration)
	return res
}

// timeoutMiddleware bounds one attempt. The step's own Timeout wins;
// otherwise long-running steps get the LLM default and everything else the
// ordinary step default.
type timeoutMiddleware struct{}

// cancelDrainGrace is how long a timed-out attempt gets to observe
// cancellation and return. Until it does, it may still be mutating shared
// state (the conversation), which Finalize touches right after we return.
const cancelDrainGrace = 100 * time.Millisecond

func (m *timeoutMiddleware) Invoke(ctx context.Context, step Step, input any, pctx *Context, next Handler) *result.Result {
	if _, ok := step.(compositeStep); ok {
		return next(ctx, input)
	}
	d := step.Timeout()
	if d <= 0 {
		if lr, ok := step.(LongRunning); ok && lr.LongRunning() {
			d = pctx.Config.LLMStepTimeout
		} else {
			d = pctx.Config.StepTimeout
		}
	}

	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan *result.Result, 1)
	go func() {
		done <- next(tctx, input)
	}()

	select {
	case res := <-done:
		return res
	case <-tctx.Done():
	}

	// Wait for the attempt to acknowledge cancellation before handing the
	// shared state back to the caller. A late result is discarded.
	select {
	case <-done:
	case <-time.After(cancelDrainGrace):
		slog.Warn("Step still running after cancellation",
			"step", effectiveName(step), "grace", cancelDrainGrace)
	}

	if ctx.Err() != nil {
		// Outer cancellation, not this step's deadline.
		return result.Error(effectiveName(step), "step cancelled", ctx.Err())
	}
	return result.Error(effectiveName(step),
		fmt.Sprintf("step timed out after %s", d), context.DeadlineExceeded)
}

// RetryPolicy lets a step veto retries for specific error results. Steps
// without it retry every non-cancelled error.
type RetryPolicy interface {
	ShouldRetry(res *result.Result) bool
}

// retryMiddleware re-runs failed attempts with a fixed delay. Cancellation
// and timeout are terminal. After a successful attempt the step's Validate
// hook runs; a validation failure turns into a retryable error result so
// the next attempt sees it as feedback.
type retryMiddleware struct{}

func (m *retryMiddleware) Invoke(ctx context.Context, step Step, input any, pctx *Context, next Handler) *result.Result {
	maxAttempts := step.MaxRetries()
	if maxAttempts <= 0 {
		maxAttempts = pctx.Config.MaxRetries
	}
	delay := step.RetryDelay()
	if delay <= 0 {
		delay = pctx.Config.RetryDelay
	}
	name := effectiveName(step)

	var last *result.Result
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		actx := context.WithValue(ctx, attemptKey{}, &attemptState{attempt: attempt, lastResult: last})
		res := safeInvoke(actx, name, next, input)

		if res.HasError() {
			if res.IsCancelled() {
				return res
			}
			if rp, ok := step.(RetryPolicy); ok && !rp.ShouldRetry(res) {
				return res
			}
			last = res
		} else {
			verr := step.Validate(actx, res, pctx)
			if verr == nil {
				if attempt > 1 {
					pctx.Emit(events.Event{
						Type:     events.EventTypeStepValidation,
						StepName: name,
						Payload:  events.ValidationPayload{Attempt: attempt, Success: true},
					})
				}
				return res
			}
			pctx.Emit(events.Event{
				Type:     events.EventTypeStepValidation,
				StepName: name,
				Payload:  events.ValidationPayload{Attempt: attempt, Error: verr.Error()},
			})
			last = result.Error(name, fmt.Sprintf("validation failed: %s", verr), verr)
		}

		if attempt == maxAttempts {
			break
		}
		slog.Debug("Retrying step",
			"step", name, "attempt", attempt, "max_attempts", maxAttempts,
			"error", last.Err())
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return result.Error(name, "retry wait cancelled", ctx.Err())
		}
	}
	return last
}

// safeInvoke converts a panicking step into an error result so one bad step
// cannot take the scheduler down.
func safeInvoke(ctx context.Context, name string, next Handler, input any) (res *result.Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Step panicked",
				"step", name, "panic", r, "stack", string(debug.Stack()))
			res = result.Errorf(name, "step panicked: %v", r)
		}
	}()
	return next(ctx, input)
}
