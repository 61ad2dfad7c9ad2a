// Package pipeline implements the step scheduler: a sequential executor with
// a middleware chain (observability, timeout, retry), dynamic routing, and
// composite steps for grouping, branching, and parallel fan-out.
package pipeline

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/conveyor-ai/conveyor/pkg/config"
	"github.com/conveyor-ai/conveyor/pkg/conversation"
	"github.com/conveyor-ai/conveyor/pkg/events"
	"github.com/conveyor-ai/conveyor/pkg/result"
)

// Context carries everything a step needs besides its input: the shared
// conversation, the event channel, resolved configuration, and the results
// of previously executed steps. One Context serves one pipeline execution;
// parallel branches get isolated copies via CloneForBranch.
type Context struct {
	// CorrelationID groups all events from one pipeline execution.
	CorrelationID string

	// Conversation is the shared message history LLM steps append to.
	Conversation *conversation.Conversation

	// Events receives everything the engine emits. May be nil; Emit then
	// drops silently.
	Events *events.Channel

	// Config is the resolved engine configuration.
	Config *config.Config

	// Tracer creates spans around step execution. Defaults to a no-op.
	Tracer trace.Tracer

	mu       sync.RWMutex
	metadata map[string]any
	results  map[string]*result.Result
	state    map[string]any

	// path is the current step nesting, maintained by the executor.
	// Not guarded: only the goroutine driving this Context mutates it,
	// and branch clones get their own copy.
	path []string

	middlewares []Middleware
}

// NewContext creates an execution context. conv may be nil when no step
// touches the conversation; ch may be nil to discard events.
func NewContext(cfg *config.Config, conv *conversation.Conversation, ch *events.Channel) *Context {
	if cfg == nil {
		cfg = config.Defaults()
	}
	return &Context{
		CorrelationID: uuid.NewString(),
		Conversation:  conv,
		Events:        ch,
		Config:        cfg,
		Tracer:        noop.NewTracerProvider().Tracer("conveyor"),
		metadata:      make(map[string]any),
		results:       make(map[string]*result.Result),
		state:         make(map[string]any),
	}
}

// NewDefaultContext creates a context with a fresh conversation and event
// channel sized from the configuration. Hosts that manage their own
// conversation or bus use NewContext directly.
func NewDefaultContext(cfg *config.Config) *Context {
	if cfg == nil {
		cfg = config.Defaults()
	}
	conv := conversation.New(cfg.MaxHistoryTokens, nil)
	conv.History.SetKeepFirstN(cfg.KeepFirstN)
	return NewContext(cfg, conv, events.NewChannel(cfg.EventBufferSize))
}

// Emit publishes an event, stamping the correlation ID and the current step
// path. Safe to call with a nil Context or nil channel.
func (c *Context) Emit(evt events.Event) {
	if c == nil || c.Events == nil {
		return
	}
	evt.CorrelationID = c.CorrelationID
	if evt.Path == "" {
		evt.Path = c.PathString()
	}
	c.Events.Publish(evt)
}

// PathString returns the dot-joined current step path, e.g.
// "triage.parallel.branch-a".
func (c *Context) PathString() string {
	return strings.Join(c.path, ".")
}

func (c *Context) pushPath(name string) {
	c.path = append(c.path, name)
}

func (c *Context) popPath() {
	if len(c.path) > 0 {
		c.path = c.path[:len(c.path)-1]
	}
}

// Use registers middlewares that run outermost around every step executed
// with this context, in the order given. Branch clones inherit them.
func (c *Context) Use(mws ...Middleware) {
	c.middlewares = append(c.middlewares, mws...)
}

// SetMetadata stores an arbitrary key on the context. Metadata is shallow-
// copied into branch clones: branches see values set before the split and
// may overwrite their own copy without affecting siblings.
func (c *Context) SetMetadata(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// Metadata returns the value stored under key and whether it was present.
func (c *Context) Metadata(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.metadata[key]
	return v, ok
}

// setResult records a finished step's result under its path. Written only
// by the executor.
func (c *Context) setResult(path string, res *result.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[path] = res
}

// StepResult returns the stored result for a step path, or nil.
func (c *Context) StepResult(path string) *result.Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.results[path]
}

// Results returns a snapshot of all stored step results keyed by path.
func (c *Context) Results() map[string]*result.Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*result.Result, len(c.results))
	for k, v := range c.results {
		out[k] = v
	}
	return out
}

// setState stores per-invocation step state keyed by step path. Steps that
// carry state across retry attempts (the LLM step's bookmark, for one) keep
// it here rather than on the step value, which may be shared across
// concurrent branches.
func (c *Context) setState(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state[key] = value
}

func (c *Context) getState(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.state[key]
	return v, ok
}

func (c *Context) clearState(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.state, key)
}

// SetInvocationState stores state for the current step invocation.
func (c *Context) SetInvocationState(value any) {
	c.setState(c.PathString(), value)
}

// InvocationState returns the state stored for the current step invocation.
func (c *Context) InvocationState() (any, bool) {
	return c.getState(c.PathString())
}

// ClearInvocationState removes the current step invocation's state.
func (c *Context) ClearInvocationState() {
	c.clearState(c.PathString())
}

// CloneForBranch creates an isolated context for a parallel branch: the
// conversation is deep-copied so branches never see each other's messages,
// the event channel and correlation ID are shared so observers get one
// stream, results start empty, and metadata is shallow-copied.
func (c *Context) CloneForBranch() *Context {
	c.mu.RLock()
	defer c.mu.RUnlock()

	meta := make(map[string]any, len(c.metadata))
	for k, v := range c.metadata {
		meta[k] = v
	}

	var conv *conversation.Conversation
	if c.Conversation != nil {
		conv = c.Conversation.Clone()
	}

	clone := &Context{
		CorrelationID: c.CorrelationID,
		Conversation:  conv,
		Events:        c.Events,
		Config:        c.Config,
		Tracer:        c.Tracer,
		metadata:      meta,
		results:       make(map[string]*result.Result),
		state:         make(map[string]any),
		path:          append([]string(nil), c.path...),
		middlewares:   c.middlewares,
	}
	return clone
}
