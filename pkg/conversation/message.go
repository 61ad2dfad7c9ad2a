// Package conversation provides the mutable message history shared by the
// LLM step and provider adapters: role-tagged messages, opaque bookmarks for
// restoring earlier state, and token-budgeted selection for requests.
//
// A History is not safe for concurrent mutation. Pipeline branches receive
// deep copies (see pipeline.Context.CloneForBranch), so each branch owns its
// history outright.
package conversation

// Role tags a message's author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is an LLM's request to invoke a tool. ID is provider-assigned and
// must be echoed by every corresponding tool response message.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON
}

// Message is a single conversation entry. Assistant messages may carry
// pending tool calls, in which case Content is allowed to be empty. Tool
// messages carry the id of the call they answer.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// clone deep-copies the message (the tool-call slice is owned).
func (m Message) clone() Message {
	out := m
	if len(m.ToolCalls) > 0 {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(out.ToolCalls, m.ToolCalls)
	}
	return out
}
