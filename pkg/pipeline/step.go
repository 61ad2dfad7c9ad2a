package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/conveyor-ai/conveyor/pkg/result"
)

// Step is one unit of pipeline work.
//
// Execute receives the upstream value as input, the shared execution
// context, the 1-based attempt number, and the result of the previous
// failed attempt (nil on the first). Most steps ignore the last two; steps
// with a correction loop use them to feed error context back in.
//
// Zero values from MaxRetries, RetryDelay, and Timeout mean "use the
// configured default".
type Step interface {
	Name() string
	Execute(ctx context.Context, input any, pctx *Context, attempt int, lastResult *result.Result) *result.Result
	Validate(ctx context.Context, res *result.Result, pctx *Context) error
	Finalize(ctx context.Context, res *result.Result, pctx *Context) error
	MaxRetries() int
	RetryDelay() time.Duration
	Timeout() time.Duration
}

// LongRunning marks steps whose latency is dominated by an external call
// (model inference). The timeout middleware gives them the longer default.
type LongRunning interface {
	LongRunning() bool
}

// BaseStep supplies neutral defaults for everything but Name and Execute.
// Embed it and override what the step actually needs.
type BaseStep struct {
	StepName  string
	Retries   int
	Delay     time.Duration
	StepLimit time.Duration
}

func (b *BaseStep) Name() string { return b.StepName }

func (b *BaseStep) Validate(ctx context.Context, res *result.Result, pctx *Context) error {
	return nil
}

func (b *BaseStep) Finalize(ctx context.Context, res *result.Result, pctx *Context) error {
	return nil
}

func (b *BaseStep) MaxRetries() int { return b.Retries }

func (b *BaseStep) RetryDelay() time.Duration { return b.Delay }

func (b *BaseStep) Timeout() time.Duration { return b.StepLimit }

// FuncStep adapts a plain function into a Step.
type FuncStep struct {
	BaseStep
	Fn func(ctx context.Context, input any, pctx *Context) *result.Result
}

// NewStep wraps fn as a named step with default retry and timeout behavior.
func NewStep(name string, fn func(ctx context.Context, input any, pctx *Context) *result.Result) *FuncStep {
	return &FuncStep{BaseStep: BaseStep{StepName: name}, Fn: fn}
}

func (s *FuncStep) Execute(ctx context.Context, input any, pctx *Context, attempt int, lastResult *result.Result) *result.Result {
	return s.Fn(ctx, input, pctx).WithStep(s.Name())
}

// Typed wraps a function taking a concrete input type. A mismatched
// upstream value produces an error result instead of a panic.
type Typed[In any] struct {
	BaseStep
	Fn func(ctx context.Context, input In, pctx *Context) *result.Result
}

// NewTypedStep wraps fn as a step that asserts its input to In before
// executing.
func NewTypedStep[In any](name string, fn func(ctx context.Context, input In, pctx *Context) *result.Result) *Typed[In] {
	return &Typed[In]{BaseStep: BaseStep{StepName: name}, Fn: fn}
}

func (s *Typed[In]) Execute(ctx context.Context, input any, pctx *Context, attempt int, lastResult *result.Result) *result.Result {
	var typed In
	if input != nil {
		var ok bool
		typed, ok = input.(In)
		if !ok {
			return result.Errorf(s.Name(), "expected input of type %T, got %T", typed, input)
		}
	}
	return s.Fn(ctx, typed, pctx).WithStep(s.Name())
}

// effectiveName labels anonymous steps in diagnostics.
func effectiveName(s Step) string {
	if name := s.Name(); name != "" {
		return name
	}
	return fmt.Sprintf("step[%T]", s)
}
