package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyor-ai/conveyor/pkg/config"
	"github.com/conveyor-ai/conveyor/pkg/events"
	"github.com/conveyor-ai/conveyor/pkg/result"
)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.MaxRetries = 1
	cfg.RetryDelay = time.Millisecond
	cfg.StepTimeout = 2 * time.Second
	return cfg
}

func drainEvents(t *testing.T, sub *events.Subscription, n int) []events.Event {
	t.Helper()
	out := make([]events.Event, 0, n)
	for len(out) < n {
		select {
		case evt := <-sub.Events():
			out = append(out, evt)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestExecute_SequentialInputThreading(t *testing.T) {
	pctx := NewContext(testConfig(), nil, nil)

	double := NewStep("double", func(ctx context.Context, input any, pctx *Context) *result.Result {
		return result.Success(input.(int) * 2)
	})
	addTen := NewStep("add-ten", func(ctx context.Context, input any, pctx *Context) *result.Result {
		return result.Success(input.(int) + 10)
	})

	res := Execute(context.Background(), "math", []Step{double, addTen}, 5, pctx)

	require.False(t, res.HasError())
	assert.Equal(t, 20, res.Value())
	assert.Equal(t, "math", res.Metadata["pipeline"])

	// Both step results are stored under their paths.
	require.NotNil(t, pctx.StepResult("double"))
	assert.Equal(t, 10, pctx.StepResult("double").Value())
	assert.Equal(t, 20, pctx.StepResult("add-ten").Value())
}

func TestExecute_EmptyResultKeepsInput(t *testing.T) {
	pctx := NewContext(testConfig(), nil, nil)

	observe := NewStep("observe", func(ctx context.Context, input any, pctx *Context) *result.Result {
		return result.Empty()
	})
	double := NewStep("double", func(ctx context.Context, input any, pctx *Context) *result.Result {
		return result.Success(input.(int) * 2)
	})

	res := Execute(context.Background(), "p", []Step{observe, double}, 4, pctx)
	require.False(t, res.HasError())
	assert.Equal(t, 8, res.Value())
}

func TestExecute_ErrorStopsPipeline(t *testing.T) {
	pctx := NewContext(testConfig(), nil, nil)

	executed := false
	boom := NewStep("boom", func(ctx context.Context, input any, pctx *Context) *result.Result {
		return result.Errorf("boom", "exploded")
	})
	after := NewStep("after", func(ctx context.Context, input any, pctx *Context) *result.Result {
		executed = true
		return result.Success(1)
	})

	res := Execute(context.Background(), "p", []Step{boom, after}, nil, pctx)

	assert.True(t, res.HasError())
	assert.False(t, executed, "steps after a failure must not run")
	assert.Nil(t, pctx.StepResult("after"))
}

func TestExecute_RoutingReplacesRemainder(t *testing.T) {
	pctx := NewContext(testConfig(), nil, nil)

	target := NewStep("target", func(ctx context.Context, input any, pctx *Context) *result.Result {
		return result.Success("routed")
	})
	skipped := NewStep("skipped", func(ctx context.Context, input any, pctx *Context) *result.Result {
		return result.Success("should not run")
	})
	router := NewStep("router", func(ctx context.Context, input any, pctx *Context) *result.Result {
		return result.Success("choosing").WithNextSteps(target)
	})

	res := Execute(context.Background(), "p", []Step{router, skipped}, nil, pctx)

	require.False(t, res.HasError())
	assert.Equal(t, "routed", res.Value())
	assert.Nil(t, pctx.StepResult("skipped"))
}

func TestExecute_EmitsLifecycleEvents(t *testing.T) {
	ch := events.NewChannel(64)
	defer ch.Close()
	sub := ch.Subscribe(context.Background(), events.TypeFilter(
		events.EventTypePipelineStarted, events.EventTypePipelineCompleted,
		events.EventTypeStepStarted, events.EventTypeStepCompleted,
	))

	pctx := NewContext(testConfig(), nil, ch)
	ok := NewStep("ok", func(ctx context.Context, input any, pctx *Context) *result.Result {
		return result.Success(1)
	})

	Execute(context.Background(), "observable", []Step{ok}, nil, pctx)

	got := drainEvents(t, sub, 4)
	assert.Equal(t, events.EventTypePipelineStarted, got[0].Type)
	assert.Equal(t, events.EventTypeStepStarted, got[1].Type)
	assert.Equal(t, events.EventTypeStepCompleted, got[2].Type)
	assert.Equal(t, events.EventTypePipelineCompleted, got[3].Type)

	start := got[0].Payload.(events.PipelinePayload)
	assert.Equal(t, "observable", start.Pipeline)
	assert.Equal(t, 1, start.Steps)

	done := got[3].Payload.(events.PipelinePayload)
	assert.True(t, done.Success)

	for _, evt := range got {
		assert.Equal(t, pctx.CorrelationID, evt.CorrelationID)
	}

	step := got[2].Payload.(events.StepPayload)
	assert.True(t, step.Success)
	assert.GreaterOrEqual(t, step.DurationMs, int64(0))
}

func TestExecute_FinalizeRunsOnFailure(t *testing.T) {
	pctx := NewContext(testConfig(), nil, nil)

	st := &finalizeStep{}
	res := Execute(context.Background(), "p", []Step{st}, nil, pctx)

	assert.True(t, res.HasError())
	assert.True(t, st.finalized)
	require.NotNil(t, st.finalizedWith)
	assert.True(t, st.finalizedWith.HasError())
}

type finalizeStep struct {
	BaseStep
	finalized     bool
	finalizedWith *result.Result
}

func (s *finalizeStep) Name() string { return "finalize-me" }

func (s *finalizeStep) Execute(ctx context.Context, input any, pctx *Context, attempt int, lastResult *result.Result) *result.Result {
	return result.Errorf(s.Name(), "always fails")
}

func (s *finalizeStep) ShouldRetry(res *result.Result) bool { return false }

func (s *finalizeStep) Finalize(ctx context.Context, res *result.Result, pctx *Context) error {
	s.finalized = true
	s.finalizedWith = res
	return nil
}

func TestContext_CloneForBranch(t *testing.T) {
	pctx := NewContext(testConfig(), nil, nil)
	pctx.SetMetadata("shared", "before-split")
	pctx.setResult("earlier", result.Success(1))

	clone := pctx.CloneForBranch()

	// Correlation and config are shared; results start empty.
	assert.Equal(t, pctx.CorrelationID, clone.CorrelationID)
	assert.Same(t, pctx.Config, clone.Config)
	assert.Nil(t, clone.StepResult("earlier"))

	// Metadata was copied; branch writes stay on the branch.
	v, ok := clone.Metadata("shared")
	require.True(t, ok)
	assert.Equal(t, "before-split", v)
	clone.SetMetadata("shared", "branch")
	v, _ = pctx.Metadata("shared")
	assert.Equal(t, "before-split", v)
}

func TestNewDefaultContext(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHistoryTokens = 1234
	pctx := NewDefaultContext(cfg)
	defer pctx.Events.Close()

	assert.NotEmpty(t, pctx.CorrelationID)
	require.NotNil(t, pctx.Conversation)
	assert.Equal(t, 1234, pctx.Conversation.History.MaxTokens())
	require.NotNil(t, pctx.Events)

	// Events published through the context reach subscribers.
	sub := pctx.Events.Subscribe(context.Background(), nil)
	pctx.Emit(events.Event{Type: events.EventTypeStepProgress})
	got := drainEvents(t, sub, 1)
	assert.Equal(t, pctx.CorrelationID, got[0].CorrelationID)

	// A nil config falls back to defaults.
	pctx = NewDefaultContext(nil)
	defer pctx.Events.Close()
	assert.Equal(t, config.Defaults().MaxHistoryTokens, pctx.Conversation.History.MaxTokens())
}

func TestEmit_NilSafe(t *testing.T) {
	var pctx *Context
	pctx.Emit(events.Event{Type: events.EventTypeStepStarted})

	pctx = NewContext(testConfig(), nil, nil)
	pctx.Emit(events.Event{Type: events.EventTypeStepStarted})
}
