// Package llm defines the provider-facing contract consumed by the LLM
// step: request/response shapes, streaming chunk variants, and the tolerant
// response-parsing behavior structured outputs rely on.
//
// Concrete provider adapters live outside the core. An adapter owns its
// HTTP client, translates between provider wire shapes and these types,
// maps provider finish reasons onto the canonical set, and applies its own
// transient-retry policy.
package llm

import (
	"context"

	"github.com/conveyor-ai/conveyor/pkg/conversation"
)

// FinishReason is the canonical finish-reason set adapters map onto.
type FinishReason string

const (
	FinishReasonStop          FinishReason = "stop"
	FinishReasonLength        FinishReason = "length"
	FinishReasonContentFilter FinishReason = "content_filter"
	FinishReasonToolCalls     FinishReason = "tool_calls"
	FinishReasonStreaming     FinishReason = "streaming"
	FinishReasonOther         FinishReason = "other"
)

// JSONCapability declares how a provider accepts structured-output schemas.
type JSONCapability string

const (
	// JSONCapabilityNone: the schema is appended as prose to the user message.
	JSONCapabilityNone JSONCapability = "none"
	// JSONCapabilityObject: the provider accepts a JSON response MIME type;
	// the schema text is injected into the system prompt.
	JSONCapabilityObject JSONCapability = "json_object"
	// JSONCapabilitySchema: the provider accepts the schema natively.
	JSONCapabilitySchema JSONCapability = "json_schema"
)

// SamplingParams are the request sampling knobs. Zero values mean
// "provider default" and are omitted by adapters.
type SamplingParams struct {
	Temperature      float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens        int     `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	TopP             float64 `yaml:"top_p,omitempty" json:"top_p,omitempty"`
	TopK             int     `yaml:"top_k,omitempty" json:"top_k,omitempty"`
	FrequencyPenalty float64 `yaml:"frequency_penalty,omitempty" json:"frequency_penalty,omitempty"`
	PresencePenalty  float64 `yaml:"presence_penalty,omitempty" json:"presence_penalty,omitempty"`
}

// Profile describes a configured model: its name, default sampling, and
// structured-output capability.
type Profile struct {
	Model          string         `yaml:"model"`
	JSONCapability JSONCapability `yaml:"json_capability,omitempty"`
	Sampling       SamplingParams `yaml:"sampling,omitempty"`
}

// ToolDefinition describes a callable capability exposed to the model.
type ToolDefinition struct {
	Name             string
	Description      string
	UsageGuidelines  string
	ParametersSchema string // JSON Schema
}

// Request is one provider invocation. The adapter is expected to call
// Conversation.History.GetMessagesForRequest to select messages.
type Request struct {
	Conversation *conversation.Conversation
	SystemPrompt string
	Params       SamplingParams
	Tools        []ToolDefinition

	// ResponseMIMEType is set to "application/json" for JSONCapabilityObject.
	ResponseMIMEType string
	// ResponseSchema carries the native schema for JSONCapabilitySchema.
	ResponseSchema string

	UseStreaming bool
}

// Response is the collected outcome of one provider invocation.
type Response struct {
	Content          string
	ToolCalls        []conversation.ToolCall
	TokensUsed       int
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	FinishReason     FinishReason
	Model            string
}

// Chunk is the interface for streaming chunk variants.
type Chunk interface {
	chunkType() string
}

// TextChunk carries a text delta. Thinking deltas are excluded from the
// accumulated visible content.
type TextChunk struct {
	Delta      string
	IsThinking bool
}

// ToolCallChunk carries a tool-call fragment keyed by call index. Adapters
// may deliver id, name, and argument text incrementally; a call is final
// once an id and a name have been seen.
type ToolCallChunk struct {
	Index             int
	ID                string
	Name              string
	ArgumentsFragment string
}

// UsageChunk reports token counts, usually on the final chunk.
type UsageChunk struct {
	TokensUsed       int
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// DoneChunk ends the stream with the observed finish reason.
type DoneChunk struct {
	FinishReason FinishReason
}

// ErrorChunk signals a provider failure mid-stream.
type ErrorChunk struct {
	Message   string
	Retryable bool
}

func (TextChunk) chunkType() string     { return "text" }
func (ToolCallChunk) chunkType() string { return "tool_call" }
func (UsageChunk) chunkType() string    { return "usage" }
func (DoneChunk) chunkType() string     { return "done" }
func (ErrorChunk) chunkType() string    { return "error" }

// Client is the provider adapter contract.
type Client interface {
	// Invoke performs one non-streaming call.
	Invoke(ctx context.Context, req *Request) (*Response, error)

	// InvokeStreaming performs one streaming call. The returned channel is
	// closed when the stream completes; errors arrive as ErrorChunk values.
	InvokeStreaming(ctx context.Context, req *Request) (<-chan Chunk, error)

	// EstimateTokenCount estimates the token cost of a text.
	EstimateTokenCount(text string) int
}
