// Package config holds the engine defaults (timeouts, retry counts, buffer
// sizes) and the YAML loader that overrides them. There is no global mutable
// state: the resolved Config is plumbed explicitly through the pipeline
// context.
package config

import (
	"fmt"
	"time"

	"github.com/conveyor-ai/conveyor/pkg/llm"
)

// Config is the fully-resolved engine configuration.
type Config struct {
	// PipelineTimeout bounds one top-level pipeline execution.
	PipelineTimeout time.Duration

	// StepTimeout is the default per-step timeout for ordinary steps.
	StepTimeout time.Duration

	// LLMStepTimeout is the default timeout for LLM steps. Model latency
	// dominates, so it is much longer than StepTimeout.
	LLMStepTimeout time.Duration

	// MaxRetries is the default attempt count for the retry middleware and
	// the LLM correction loop.
	MaxRetries int

	// RetryDelay is the fixed wait between retry attempts.
	RetryDelay time.Duration

	// MaxToolIterations caps the recursive tool loop depth.
	MaxToolIterations int

	// EventBufferSize bounds each event subscription's queue.
	EventBufferSize int

	// MaxHistoryTokens is the conversation token budget.
	MaxHistoryTokens int

	// KeepFirstN pins the leading messages in sliding-window selection.
	KeepFirstN int

	// Sampling holds default sampling parameters for LLM requests.
	Sampling llm.SamplingParams
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		PipelineTimeout:   10 * time.Minute,
		StepTimeout:       30 * time.Second,
		LLMStepTimeout:    3 * time.Minute,
		MaxRetries:        3,
		RetryDelay:        500 * time.Millisecond,
		MaxToolIterations: 5,
		EventBufferSize:   256,
		MaxHistoryTokens:  32000,
		KeepFirstN:        2,
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.PipelineTimeout <= 0 {
		return fmt.Errorf("pipeline_timeout must be positive, got %s", c.PipelineTimeout)
	}
	if c.StepTimeout <= 0 {
		return fmt.Errorf("step_timeout must be positive, got %s", c.StepTimeout)
	}
	if c.LLMStepTimeout < c.StepTimeout {
		return fmt.Errorf("llm_step_timeout (%s) must not be shorter than step_timeout (%s)",
			c.LLMStepTimeout, c.StepTimeout)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.MaxToolIterations < 0 {
		return fmt.Errorf("max_tool_iterations must not be negative, got %d", c.MaxToolIterations)
	}
	if c.EventBufferSize < 1 {
		return fmt.Errorf("event_buffer_size must be at least 1, got %d", c.EventBufferSize)
	}
	return nil
}
