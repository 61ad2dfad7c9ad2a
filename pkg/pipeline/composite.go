package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/conveyor-ai/conveyor/pkg/events"
	"github.com/conveyor-ai/conveyor/pkg/result"
)

// compositeStep marks steps that only coordinate child steps. The timeout
// middleware leaves them unbounded: each child carries its own timeout and
// the pipeline deadline still applies.
type compositeStep interface {
	composite()
}

// Group runs child steps sequentially under a nested path. Routing and
// input threading work exactly as at the top level.
type Group struct {
	BaseStep
	Steps []Step
}

// NewGroup creates a sequential group.
func NewGroup(name string, steps ...Step) *Group {
	return &Group{BaseStep: BaseStep{StepName: name}, Steps: steps}
}

func (g *Group) composite() {}

func (g *Group) Execute(ctx context.Context, input any, pctx *Context, attempt int, lastResult *result.Result) *result.Result {
	return runQueue(ctx, g.Steps, input, pctx)
}

// ParallelStep fans out over isolated branch contexts and joins the branch
// results into one parallel result. Branches never see each other's
// conversation or results; events from all branches share the parent's
// correlation ID.
type ParallelStep struct {
	BaseStep
	Branches []Step
}

// NewParallel creates a parallel fan-out over the given branches.
func NewParallel(name string, branches ...Step) *ParallelStep {
	return &ParallelStep{BaseStep: BaseStep{StepName: name}, Branches: branches}
}

func (p *ParallelStep) composite() {}

func (p *ParallelStep) Execute(ctx context.Context, input any, pctx *Context, attempt int, lastResult *result.Result) *result.Result {
	if len(p.Branches) == 0 {
		return result.Empty()
	}

	type branchOutcome struct {
		name string
		res  *result.Result
	}

	var wg sync.WaitGroup
	outcomes := make(chan branchOutcome, len(p.Branches))

	for i, branch := range p.Branches {
		name := effectiveName(branch)
		if name == "" {
			name = fmt.Sprintf("branch-%d", i)
		}
		clone := pctx.CloneForBranch()

		wg.Add(1)
		go func(branch Step, name string, clone *Context) {
			defer wg.Done()
			outcomes <- branchOutcome{name: name, res: runStep(ctx, branch, input, clone)}
		}(branch, name, clone)
	}
	wg.Wait()
	close(outcomes)

	branches := make(map[string]*result.Result, len(p.Branches))
	for o := range outcomes {
		branches[o.name] = o.res
	}
	return result.Parallel(branches)
}

// SwitchStep selects one branch by name and runs it inline. Unlike routing
// via next steps, the pipeline continues with its remaining steps after the
// chosen branch finishes.
type SwitchStep struct {
	BaseStep
	Selector func(ctx context.Context, input any, pctx *Context) (string, error)
	Branches map[string]Step

	// Default runs when the selector names no known branch. Nil makes an
	// unknown selection an error.
	Default Step
}

// NewSwitch creates a named switch over branches.
func NewSwitch(name string, selector func(ctx context.Context, input any, pctx *Context) (string, error), branches map[string]Step) *SwitchStep {
	return &SwitchStep{
		BaseStep: BaseStep{StepName: name},
		Selector: selector,
		Branches: branches,
	}
}

func (s *SwitchStep) composite() {}

func (s *SwitchStep) Execute(ctx context.Context, input any, pctx *Context, attempt int, lastResult *result.Result) *result.Result {
	if s.Selector == nil {
		return result.Errorf(s.Name(), "switch %q has no selector", s.Name())
	}
	choice, err := s.Selector(ctx, input, pctx)
	if err != nil {
		return result.Error(s.Name(), "switch selector failed", err)
	}

	branch, ok := s.Branches[choice]
	if !ok {
		if s.Default == nil {
			return result.Errorf(s.Name(), "switch %q has no branch %q and no default", s.Name(), choice)
		}
		branch = s.Default
	}

	pctx.Emit(events.Event{
		Type:     events.EventTypeStepRouting,
		StepName: s.Name(),
		Payload:  events.RoutingPayload{From: s.Name(), Next: []string{effectiveName(branch)}},
	})
	return runStep(ctx, branch, input, pctx)
}
