// Package events provides the in-process event channel: a bounded fan-out
// bus carrying every pipeline, step, LLM, tool, and tag transition.
//
// Publishing is best-effort and never blocks a producer. Each subscriber
// owns a bounded queue; on overflow, low-severity events (step progress,
// streaming LLM deltas) are dropped first. Lifecycle events are never
// dropped — the queue grows past its bound for them if it has to.
package events

import "time"

// Event type tags. Subscribers must tolerate unknown types.
const (
	EventTypePipelineStarted   = "pipeline.started"
	EventTypePipelineCompleted = "pipeline.completed"

	EventTypeStepStarted    = "step.started"
	EventTypeStepCompleted  = "step.completed"
	EventTypeStepProgress   = "step.progress"
	EventTypeStepRouting    = "step.routing"
	EventTypeStepValidation = "step.validation"

	EventTypeLLMResponse = "llm.response"

	EventTypeToolStarted   = "tool.started"
	EventTypeToolCompleted = "tool.completed"

	EventTypeTagStarted   = "tag.started"
	EventTypeTagCompleted = "tag.completed"
)

// Progress phase values carried by step.progress payloads.
const (
	ProgressPhaseInvestigating = "investigating"
	ProgressPhaseConcluding    = "concluding"
	ProgressPhaseWaiting       = "waiting"
)

// FinishReasonStreaming marks interim llm.response events emitted per delta
// while a stream is still open. These are droppable under backpressure.
const FinishReasonStreaming = "streaming"

// Event is the immutable envelope shared by all event kinds.
// Payload holds the kind-specific struct from payloads.go.
type Event struct {
	// ID uniquely identifies this event instance.
	ID string `json:"id"`

	// Type is one of the EventType constants.
	Type string `json:"type"`

	// StepName is the producing step ("" for pipeline-level events).
	StepName string `json:"step_name,omitempty"`

	// Path is the dot-joined path of enclosing composite steps.
	Path string `json:"path,omitempty"`

	// CorrelationID ties the event to one top-level pipeline invocation.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Timestamp is the emission time.
	Timestamp time.Time `json:"timestamp"`

	// SuppressFromUser hints UIs to hide internal chatter.
	SuppressFromUser bool `json:"suppress_from_user,omitempty"`

	// Payload is the kind-specific payload struct.
	Payload any `json:"payload,omitempty"`
}
