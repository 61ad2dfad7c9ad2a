package events

// Typed payload structs, one per event kind. Producers fill these rather
// than ad-hoc maps so subscribers get a stable contract.

// PipelinePayload accompanies pipeline.started and pipeline.completed.
type PipelinePayload struct {
	Pipeline string `json:"pipeline"`
	Steps    int    `json:"steps,omitempty"`

	// Completion-only fields.
	Success    bool   `json:"success,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// StepPayload accompanies step.started and step.completed.
type StepPayload struct {
	Step     string `json:"step"`
	StepType string `json:"step_type,omitempty"`

	// Completion-only fields.
	Success    bool   `json:"success,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// ProgressPayload accompanies step.progress.
type ProgressPayload struct {
	Phase   string `json:"phase,omitempty"`
	Message string `json:"message"`
}

// RoutingPayload accompanies step.routing when a result's forward hints
// replace the remainder of the executor's queue.
type RoutingPayload struct {
	From string   `json:"from"`
	Next []string `json:"next"`
}

// ValidationPayload accompanies step.validation, one per retry attempt.
type ValidationPayload struct {
	Attempt int    `json:"attempt"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// LLMResponsePayload accompanies llm.response. For interim streaming deltas
// FinishReason equals "streaming" and Content carries only the new delta;
// the terminal event carries the observed finish reason.
type LLMResponsePayload struct {
	Content          string  `json:"content,omitempty"`
	IsThinking       bool    `json:"is_thinking,omitempty"`
	FinishReason     string  `json:"finish_reason"`
	Model            string  `json:"model,omitempty"`
	TokensUsed       int     `json:"tokens_used,omitempty"`
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
}

// ToolPayload accompanies tool.started and tool.completed.
type ToolPayload struct {
	Tool   string `json:"tool"`
	CallID string `json:"call_id,omitempty"`

	// Completion-only fields.
	Success    bool   `json:"success,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// TagPayload accompanies tag.started and tag.completed.
type TagPayload struct {
	Tag         string            `json:"tag"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Placeholder string            `json:"placeholder,omitempty"`
}
