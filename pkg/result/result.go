// Package result provides the typed step-result variants propagated through
// a pipeline. Results are tagged values, not exceptions: steps return them,
// the executor inspects them, and errors travel as data.
package result

import (
	"context"
	"errors"
	"fmt"
)

// Kind discriminates the result variants.
type Kind string

const (
	KindSuccess  Kind = "success"
	KindError    Kind = "error"
	KindEmpty    Kind = "empty"
	KindParallel Kind = "parallel"
)

// NextStep is a forward routing hint carried by a result. The concrete type
// is the pipeline's Step; declared as a minimal interface here so results
// stay free of scheduler dependencies (the executor asserts back to its own
// Step type).
type NextStep interface {
	Name() string
}

// Result is the outcome of a single step invocation.
// Construct via Success, Error, FromErr, Empty, or Parallel — zero values
// are not meaningful.
type Result struct {
	kind Kind

	// Value is the step's typed output (nil for error/empty results).
	value any

	// err is non-nil only for KindError.
	err error

	// stepName is a non-owning reference to the producing step.
	stepName string

	// branches holds per-branch results for KindParallel.
	branches map[string]*Result

	// next holds forward routing hints for the executor.
	next []NextStep

	// Metadata carries ad-hoc result annotations (token usage, model name).
	// Written by the producing step, read by hosts and subscribers.
	Metadata map[string]any
}

// Success creates a success result carrying value.
func Success(value any) *Result {
	return &Result{kind: KindSuccess, value: value}
}

// Empty creates an empty result (a step that produced nothing but did not fail).
func Empty() *Result {
	return &Result{kind: KindEmpty}
}

// Error creates an error result with a message and optional underlying cause.
func Error(stepName, message string, cause error) *Result {
	err := errors.New(message)
	if cause != nil {
		err = fmt.Errorf("%s: %w", message, cause)
	}
	return &Result{kind: KindError, err: err, stepName: stepName}
}

// Errorf creates an error result from a format string.
func Errorf(stepName, format string, args ...any) *Result {
	return &Result{kind: KindError, err: fmt.Errorf(format, args...), stepName: stepName}
}

// FromErr wraps an existing error into an error result.
// A nil err yields an empty result so callers can pass through unconditionally.
func FromErr(stepName string, err error) *Result {
	if err == nil {
		return Empty().WithStep(stepName)
	}
	return &Result{kind: KindError, err: err, stepName: stepName}
}

// Parallel creates a parallel result holding one result per branch.
// The combined result is an error if any branch failed.
func Parallel(branches map[string]*Result) *Result {
	return &Result{kind: KindParallel, branches: branches}
}

// Kind returns the variant tag.
func (r *Result) Kind() Kind { return r.kind }

// Value returns the carried value (nil for error/empty results).
// For parallel results it returns the branch map.
func (r *Result) Value() any {
	if r.kind == KindParallel {
		return r.branches
	}
	return r.value
}

// HasError reports whether this result (or, for parallel results, any
// branch) carries an error.
func (r *Result) HasError() bool {
	if r.kind == KindError {
		return true
	}
	if r.kind == KindParallel {
		for _, b := range r.branches {
			if b != nil && b.HasError() {
				return true
			}
		}
	}
	return false
}

// Err returns the carried error, or the first branch error for parallel
// results. Nil when HasError is false.
func (r *Result) Err() error {
	if r.kind == KindError {
		return r.err
	}
	if r.kind == KindParallel {
		for _, b := range r.branches {
			if b != nil && b.HasError() {
				return b.Err()
			}
		}
	}
	return nil
}

// Step returns the name of the producing step ("" if not yet attributed).
func (r *Result) Step() string { return r.stepName }

// WithStep attributes the result to a step and returns the same result.
// The executor calls this so steps do not have to self-attribute.
func (r *Result) WithStep(name string) *Result {
	if r.stepName == "" {
		r.stepName = name
	}
	return r
}

// Branches returns the per-branch results of a parallel result (nil otherwise).
func (r *Result) Branches() map[string]*Result { return r.branches }

// NextSteps returns the forward routing hints.
func (r *Result) NextSteps() []NextStep { return r.next }

// WithNextSteps sets forward routing hints and returns the same result.
// The executor substitutes these for the remainder of its step list.
func (r *Result) WithNextSteps(steps ...NextStep) *Result {
	r.next = steps
	return r
}

// WithMetadata sets a metadata key and returns the same result.
func (r *Result) WithMetadata(key string, value any) *Result {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
	return r
}

// IsCancelled reports whether the result's error chain stems from
// cancellation or a deadline.
func (r *Result) IsCancelled() bool {
	err := r.Err()
	return err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
