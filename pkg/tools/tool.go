// Package tools defines the tool protocol: the Tool interface, an immutable
// registry, the tolerant argument parser, and the executor that turns tool
// failures into model-visible content instead of pipeline errors.
package tools

import (
	"context"

	"github.com/conveyor-ai/conveyor/pkg/pipeline"
)

// Tool is a capability the model can invoke during an LLM step.
//
// Execute receives the raw argument string exactly as the model produced
// it; implementations parse it with ParseArguments (or their own decoding)
// and return the textual result fed back to the model. A returned error is
// reported to the model as content, never surfaced as a step failure.
type Tool interface {
	Name() string
	Description() string

	// UsageGuidelines is free-form prose appended to the system prompt when
	// the tool is bound. Empty means no extra guidance.
	UsageGuidelines() string

	// ParametersSchema is the JSON Schema for the tool's arguments, attached
	// to requests for providers with native function calling. Empty means
	// the tool takes no declared parameters.
	ParametersSchema() string

	Execute(ctx context.Context, arguments string, pctx *pipeline.Context) (string, error)
}

// Func adapts a plain function into a Tool.
type Func struct {
	ToolName    string
	Desc        string
	Guidelines  string
	Schema      string
	ExecuteFunc func(ctx context.Context, arguments string, pctx *pipeline.Context) (string, error)
}

func (f *Func) Name() string             { return f.ToolName }
func (f *Func) Description() string      { return f.Desc }
func (f *Func) UsageGuidelines() string  { return f.Guidelines }
func (f *Func) ParametersSchema() string { return f.Schema }

func (f *Func) Execute(ctx context.Context, arguments string, pctx *pipeline.Context) (string, error) {
	return f.ExecuteFunc(ctx, arguments, pctx)
}
