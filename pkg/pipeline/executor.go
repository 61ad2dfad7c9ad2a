package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/conveyor-ai/conveyor/pkg/events"
	"github.com/conveyor-ai/conveyor/pkg/result"
)

// Option adjusts one Execute call.
type Option func(*options)

type options struct {
	middlewares []Middleware
	timeout     time.Duration
}

// WithMiddlewares prepends user middlewares to the built-in chain. They run
// outermost, in the order given.
func WithMiddlewares(mws ...Middleware) Option {
	return func(o *options) { o.middlewares = mws }
}

// WithTimeout overrides the configured pipeline timeout for this execution.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// Execute runs steps sequentially under the given name. Each step receives
// the previous step's value as input (an empty result leaves the input
// unchanged). A step may reroute the remainder of the pipeline by returning
// next steps; the first error result stops execution.
//
// The returned result is the last executed step's, carrying the pipeline
// name in its metadata.
func Execute(ctx context.Context, name string, steps []Step, input any, pctx *Context, opts ...Option) *result.Result {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if pctx == nil {
		pctx = NewContext(nil, nil, nil)
	}
	if len(o.middlewares) > 0 {
		pctx.middlewares = append(o.middlewares, pctx.middlewares...)
	}

	timeout := o.timeout
	if timeout <= 0 {
		timeout = pctx.Config.PipelineTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pctx.Emit(events.Event{
		Type:    events.EventTypePipelineStarted,
		Payload: events.PipelinePayload{Pipeline: name, Steps: len(steps)},
	})
	slog.Info("Pipeline started", "pipeline", name, "steps", len(steps),
		"correlation_id", pctx.CorrelationID)

	start := time.Now()
	res := runQueue(ctx, steps, input, pctx)
	duration := time.Since(start)

	payload := events.PipelinePayload{
		Pipeline:   name,
		Steps:      len(steps),
		Success:    res == nil || !res.HasError(),
		DurationMs: duration.Milliseconds(),
	}
	if res != nil && res.HasError() && res.Err() != nil {
		payload.Error = res.Err().Error()
	}
	pctx.Emit(events.Event{Type: events.EventTypePipelineCompleted, Payload: payload})
	slog.Info("Pipeline completed", "pipeline", name,
		"success", payload.Success, "duration", duration,
		"correlation_id", pctx.CorrelationID)

	if res == nil {
		res = result.Empty()
	}
	return res.WithMetadata("pipeline", name)
}

// runQueue drives the step queue, handling routing and input threading.
// Shared with composite steps, which run their children through the same
// loop under a nested path.
func runQueue(ctx context.Context, steps []Step, input any, pctx *Context) *result.Result {
	queue := append([]Step(nil), steps...)
	var last *result.Result

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return result.Error("", "pipeline cancelled", err)
		}

		step := queue[0]
		queue = queue[1:]

		res := runStep(ctx, step, input, pctx)
		last = res

		if res.HasError() {
			return res
		}

		if next := res.NextSteps(); len(next) > 0 {
			routed, err := asSteps(next)
			if err != nil {
				return result.Error(effectiveName(step), "invalid routing target", err)
			}
			names := make([]string, len(routed))
			for i, s := range routed {
				names[i] = effectiveName(s)
			}
			pctx.Emit(events.Event{
				Type:     events.EventTypeStepRouting,
				StepName: effectiveName(step),
				Payload:  events.RoutingPayload{From: effectiveName(step), Next: names},
			})
			queue = routed
		}

		if res.Kind() == result.KindSuccess || res.Kind() == result.KindParallel {
			input = res.Value()
		}
	}
	return last
}

// runStep executes one step through the middleware chain, stores its result
// under the step path, and runs its Finalize hook.
func runStep(ctx context.Context, step Step, input any, pctx *Context) *result.Result {
	pctx.pushPath(effectiveName(step))
	defer pctx.popPath()

	chain := buildChain(step, pctx)
	res := chain(ctx, input)
	if res == nil {
		res = result.Empty()
	}
	res = res.WithStep(effectiveName(step))

	if err := step.Finalize(ctx, res, pctx); err != nil {
		slog.Error("Step finalize failed",
			"step", effectiveName(step), "error", err,
			"correlation_id", pctx.CorrelationID)
	}

	pctx.setResult(pctx.PathString(), res)
	return res
}

// asSteps converts routing targets back into executable steps. Routing
// targets are the steps themselves behind the result package's minimal
// interface.
func asSteps(next []result.NextStep) ([]Step, error) {
	out := make([]Step, 0, len(next))
	for _, n := range next {
		s, ok := n.(Step)
		if !ok {
			return nil, &routingError{target: n}
		}
		out = append(out, s)
	}
	return out, nil
}

type routingError struct {
	target result.NextStep
}

func (e *routingError) Error() string {
	return "routing target " + e.target.Name() + " is not an executable step"
}
