package conversation

import "github.com/google/uuid"

// Conversation owns a History plus the identity and adapter hints that
// travel with it. The metadata map passes provider-level hints (cache
// names, feature toggles) between host, steps, and adapters.
type Conversation struct {
	ID       string
	History  *History
	Metadata map[string]string
}

// New creates an empty conversation with a generated id.
func New(maxTokens int, counter TokenCounter) *Conversation {
	return &Conversation{
		ID:       uuid.New().String(),
		History:  NewHistory(maxTokens, counter),
		Metadata: make(map[string]string),
	}
}

// Clone returns a deep copy sharing nothing but the conversation id, so a
// pipeline branch can mutate its history without corrupting the parent's.
func (c *Conversation) Clone() *Conversation {
	meta := make(map[string]string, len(c.Metadata))
	for k, v := range c.Metadata {
		meta[k] = v
	}
	return &Conversation{
		ID:       c.ID,
		History:  c.History.Clone(),
		Metadata: meta,
	}
}
