package chat

import (
	"github.com/zhubert/olla/internal/ollama"
	"github.com/zhubert/olla/internal/token"
)

// Conversation manages the message history for a chat session.
type Conversation struct {
	messages   []ollama.Message
	tokenCount int
}

// NewConversation creates a new empty conversation.
func NewConversation() *Conversation {
	return &Conversation{}
}

// TokenCount returns the estimated token count of the conversation.
func (c *Conversation) TokenCount() int {
	return c.tokenCount
}

// SetMessages replaces all messages in the conversation.
// This is used to restore a conversation from a saved session.
func (c *Conversation) SetMessages(messages []ollama.Message) {
	c.messages = cloneMessages(messages)
	c.tokenCount = token.CountMessages(c.messages)
}

// AddUserMessage appends a user message with optional image attachments.
func (c *Conversation) AddUserMessage(text string, images []string) {
	msg := ollama.Message{Role: ollama.RoleUser, Content: text}
	if len(images) > 0 {
		msg.Images = append([]string(nil), images...)
	}
	c.messages = append(c.messages, msg)
	c.tokenCount += token.CountMessage(msg)
}

// AddAssistantMessage appends a complete assistant reply.
func (c *Conversation) AddAssistantMessage(text string) {
	msg := ollama.Message{Role: ollama.RoleAssistant, Content: text}
	c.messages = append(c.messages, msg)
	c.tokenCount += token.CountMessage(msg)
}

// Messages returns a copy of the conversation history.
func (c *Conversation) Messages() []ollama.Message {
	return cloneMessages(c.messages)
}

// RequestMessages returns the history as sent to the server. Only the most
// recent message keeps its images; earlier turns are sent as text.
func (c *Conversation) RequestMessages() []ollama.Message {
	out := make([]ollama.Message, len(c.messages))
	for i, m := range c.messages {
		out[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}
	if n := len(c.messages); n > 0 && len(c.messages[n-1].Images) > 0 {
		out[n-1].Images = append([]string(nil), c.messages[n-1].Images...)
	}
	return out
}

// Len returns the number of messages in the conversation.
func (c *Conversation) Len() int {
	return len(c.messages)
}

// Reset clears the conversation.
func (c *Conversation) Reset() {
	c.messages = nil
	c.tokenCount = 0
}

func cloneMessages(in []ollama.Message) []ollama.Message {
	out := make([]ollama.Message, len(in))
	for i, m := range in {
		out[i] = m
		if m.Images != nil {
			out[i].Images = append([]string(nil), m.Images...)
		}
	}
	return out
}
