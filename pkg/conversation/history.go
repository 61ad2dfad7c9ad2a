package conversation

import (
	"fmt"

	"github.com/google/uuid"
)

// DefaultKeepFirstN is the number of leading messages (typically system +
// initial user) pinned by the sliding-window selection.
const DefaultKeepFirstN = 2

// TokenCounter estimates the token cost of a text. The default counts
// length/4 — adapters substitute their provider's estimator.
type TokenCounter func(text string) int

// DefaultTokenCounter is the length/4 heuristic.
func DefaultTokenCounter(text string) int { return len(text) / 4 }

// History is an ordered message sequence with an append-only mutable tail
// and a bookmark map. Mutate only through the AddX methods, CreateBookmark,
// RestoreBookmark, and CopyFrom.
type History struct {
	messages   []Message
	bookmarks  map[string]int
	counter    TokenCounter
	maxTokens  int
	keepFirstN int
}

// NewHistory creates an empty history with the given token budget.
// A nil counter falls back to DefaultTokenCounter; a non-positive budget
// means unbounded.
func NewHistory(maxTokens int, counter TokenCounter) *History {
	if counter == nil {
		counter = DefaultTokenCounter
	}
	return &History{
		bookmarks:  make(map[string]int),
		counter:    counter,
		maxTokens:  maxTokens,
		keepFirstN: DefaultKeepFirstN,
	}
}

// Len returns the number of messages.
func (h *History) Len() int { return len(h.messages) }

// Messages returns a copy of the full sequence.
func (h *History) Messages() []Message {
	out := make([]Message, len(h.messages))
	for i, m := range h.messages {
		out[i] = m.clone()
	}
	return out
}

// Last returns the most recent message and true, or a zero message and
// false when the history is empty.
func (h *History) Last() (Message, bool) {
	if len(h.messages) == 0 {
		return Message{}, false
	}
	return h.messages[len(h.messages)-1].clone(), true
}

// MaxTokens returns the configured token budget (0 = unbounded).
func (h *History) MaxTokens() int { return h.maxTokens }

// SetKeepFirstN overrides the number of leading messages pinned by the
// sliding window.
func (h *History) SetKeepFirstN(n int) {
	if n >= 0 {
		h.keepFirstN = n
	}
}

// AddSystemMessage appends a role=system message.
func (h *History) AddSystemMessage(content string) {
	h.messages = append(h.messages, Message{Role: RoleSystem, Content: content})
}

// AddUserMessage appends a role=user message.
func (h *History) AddUserMessage(content string) {
	h.messages = append(h.messages, Message{Role: RoleUser, Content: content})
}

// AddAssistantMessage appends a role=assistant message.
func (h *History) AddAssistantMessage(content string) {
	h.messages = append(h.messages, Message{Role: RoleAssistant, Content: content})
}

// AddAssistantMessageWithToolCalls appends a role=assistant message with
// empty content and the given tool calls attached.
func (h *History) AddAssistantMessageWithToolCalls(calls []ToolCall) {
	owned := make([]ToolCall, len(calls))
	copy(owned, calls)
	h.messages = append(h.messages, Message{Role: RoleAssistant, ToolCalls: owned})
}

// AddToolMessage appends a role=tool message paired to toolCallID.
// The id must have been emitted by an earlier assistant message.
func (h *History) AddToolMessage(toolCallID, content string) error {
	if !h.hasToolCallID(toolCallID) {
		return fmt.Errorf("tool message references unknown tool_call id %q", toolCallID)
	}
	h.messages = append(h.messages, Message{Role: RoleTool, Content: content, ToolCallID: toolCallID})
	return nil
}

func (h *History) hasToolCallID(id string) bool {
	for _, m := range h.messages {
		for _, tc := range m.ToolCalls {
			if tc.ID == id {
				return true
			}
		}
	}
	return false
}

// CreateBookmark returns a fresh opaque id mapped to the current tail index.
func (h *History) CreateBookmark() string {
	id := uuid.New().String()
	h.bookmarks[id] = len(h.messages)
	return id
}

// RestoreBookmark truncates the sequence to the bookmark's index and removes
// the bookmark, along with any bookmark now past the tail. Restoring a
// missing id fails explicitly.
func (h *History) RestoreBookmark(id string) error {
	idx, ok := h.bookmarks[id]
	if !ok {
		return fmt.Errorf("unknown bookmark %q", id)
	}
	h.messages = h.messages[:idx]
	delete(h.bookmarks, id)
	for b, i := range h.bookmarks {
		if i > len(h.messages) {
			delete(h.bookmarks, b)
		}
	}
	return nil
}

// BookmarkIndex returns the index a bookmark maps to.
func (h *History) BookmarkIndex(id string) (int, bool) {
	idx, ok := h.bookmarks[id]
	return idx, ok
}

// CopyFrom replaces this history's contents with a deep copy of other.
func (h *History) CopyFrom(other *History) {
	h.messages = make([]Message, len(other.messages))
	for i, m := range other.messages {
		h.messages[i] = m.clone()
	}
	h.bookmarks = make(map[string]int, len(other.bookmarks))
	for k, v := range other.bookmarks {
		h.bookmarks[k] = v
	}
	h.maxTokens = other.maxTokens
	h.keepFirstN = other.keepFirstN
	h.counter = other.counter
}

// Clone returns an independent deep copy.
func (h *History) Clone() *History {
	out := NewHistory(h.maxTokens, h.counter)
	out.CopyFrom(h)
	return out
}

// MessageTokens estimates the token cost of one message, including its
// tool-call arguments.
func (h *History) MessageTokens(m Message) int {
	n := h.counter(m.Content)
	for _, tc := range m.ToolCalls {
		n += h.counter(tc.Name) + h.counter(tc.Arguments)
	}
	return n
}

// GetMessagesForRequest selects messages for the next LLM call.
//
// With fromBookmark set, every message at or after that index is returned
// regardless of budget. With useSlidingWindow, the first keepFirstN messages
// are pinned and the tail is walked backward until adding the next message
// would exceed maxTokens. Otherwise only the backward tail walk applies.
//
// Messages are never split: the last message that fits goes in whole, the
// next is dropped whole. If the single most recent message alone exceeds the
// budget, that message is returned by itself.
func (h *History) GetMessagesForRequest(maxTokens int, fromBookmark string, useSlidingWindow bool) []Message {
	if len(h.messages) == 0 {
		return nil
	}
	if maxTokens <= 0 {
		maxTokens = h.maxTokens
	}

	if fromBookmark != "" {
		idx, ok := h.bookmarks[fromBookmark]
		if !ok {
			return nil
		}
		return cloneSlice(h.messages[idx:])
	}

	if maxTokens <= 0 {
		return cloneSlice(h.messages)
	}

	if !useSlidingWindow {
		tail := h.takeTail(h.messages, maxTokens)
		if len(tail) == 0 {
			// The most recent message alone exceeds the budget: return it whole.
			return cloneSlice(h.messages[len(h.messages)-1:])
		}
		return cloneSlice(tail)
	}

	n := h.keepFirstN
	if n > len(h.messages) {
		n = len(h.messages)
	}
	first := h.messages[:n]
	budget := maxTokens
	for _, m := range first {
		budget -= h.MessageTokens(m)
	}

	tail := h.takeTail(h.messages[n:], budget)
	if len(first) == 0 && len(tail) == 0 {
		return cloneSlice(h.messages[len(h.messages)-1:])
	}
	out := make([]Message, 0, len(first)+len(tail))
	out = append(out, cloneSlice(first)...)
	out = append(out, cloneSlice(tail)...)
	return out
}

// takeTail walks backward from the end of msgs accumulating whole messages
// until the budget would be exceeded, and returns them in original order.
func (h *History) takeTail(msgs []Message, budget int) []Message {
	if budget <= 0 {
		return nil
	}
	total := 0
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := h.MessageTokens(msgs[i])
		if total+cost > budget {
			break
		}
		total += cost
		start = i
	}
	return msgs[start:]
}

func cloneSlice(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.clone()
	}
	return out
}
