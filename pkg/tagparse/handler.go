// Package tagparse extracts XML-style directive tags from model output as
// it streams. Registered handlers receive tag lifecycle callbacks and
// return placeholder text substituted into the visible stream; unregistered
// tags pass through untouched.
package tagparse

import (
	"context"

	"github.com/conveyor-ai/conveyor/pkg/pipeline"
)

// Handler processes one tag name.
//
// Streaming responses drive OnTagStart, OnContent (possibly many times),
// and OnTagEnd. Non-streaming responses drive OnCompleteTag once with the
// full content. The state value returned by OnTagStart is threaded through
// the subsequent calls for that tag occurrence.
type Handler interface {
	// TagName is the tag this handler owns, without brackets.
	TagName() string

	// GetInstructions is prose appended to the system prompt telling the
	// model when and how to emit the tag. Empty adds nothing.
	GetInstructions() string

	OnTagStart(ctx context.Context, attrs map[string]string, pctx *pipeline.Context) (state any, err error)
	OnContent(ctx context.Context, state any, content string) error
	OnTagEnd(ctx context.Context, state any, pctx *pipeline.Context) (placeholder string, err error)
	OnCompleteTag(ctx context.Context, attrs map[string]string, content string, pctx *pipeline.Context) (placeholder string, err error)
}
