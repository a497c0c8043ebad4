package provider

import (
	"sync"

	"github.com/JJ-Ju/multi-cli/internal/llm"
)

// ConversationOptions shape a new conversation.
type ConversationOptions struct {
	SystemPrompt string
	MaxSteps     int
}

// Conversation is the per-session history handed to the agent loop. It is
// safe for concurrent use.
type Conversation struct {
	ProviderID string
	MaxSteps   int

	mu      sync.Mutex
	system  string
	history []llm.ChatMessage
}

// NewConversation starts an empty conversation for providerID.
func NewConversation(providerID string, opts ConversationOptions) *Conversation {
	return &Conversation{ProviderID: providerID, MaxSteps: opts.MaxSteps, system: opts.SystemPrompt}
}

// Messages returns the system prompt followed by a copy of the history.
func (c *Conversation) Messages() []llm.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]llm.ChatMessage, 0, len(c.history)+1)
	if c.system != "" {
		out = append(out, llm.ChatMessage{Role: llm.RoleSystem, Content: c.system})
	}
	return append(out, c.history...)
}

// Append adds messages to the history.
func (c *Conversation) Append(msgs ...llm.ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, msgs...)
}

// Len reports the number of history messages, excluding the system prompt.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

// Reset drops the history and keeps the system prompt.
func (c *Conversation) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
}
