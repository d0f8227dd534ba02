package token

import "github.com/zhubert/olla/internal/ollama"

// Approximate tokens per character for English text with BPE tokenizers.
// This is a conservative estimate; actual token counts vary by model.
var charsPerToken = 4

// imageTokens is a flat estimate for one attached image.
const imageTokens = 256

// Count estimates the number of tokens in a string.
func Count(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + charsPerToken - 1) / charsPerToken
}

// CountMessage estimates the token count for a single message.
func CountMessage(msg ollama.Message) int {
	// Role overhead.
	total := 2
	total += Count(msg.Content)
	total += len(msg.Images) * imageTokens
	return total
}

// CountMessages estimates the total token count for a slice of messages.
func CountMessages(msgs []ollama.Message) int {
	total := 0
	for _, msg := range msgs {
		total += CountMessage(msg)
	}
	return total
}

// ContextLimits defines the token budget of a model's context window.
type ContextLimits struct {
	// MaxContextTokens is the model's context window.
	MaxContextTokens int
	// ReservedOutputTokens is space reserved for the reply.
	ReservedOutputTokens int
	// WarnThreshold is the fraction of available tokens that triggers a warning.
	WarnThreshold float64
}

// DefaultLimits returns the limits for the server's default context window
// with room for maxTokens of output.
func DefaultLimits(maxTokens int) ContextLimits {
	return ContextLimits{
		MaxContextTokens:     2048,
		ReservedOutputTokens: maxTokens,
		WarnThreshold:        0.8,
	}
}

// AvailableTokens returns the token budget for conversation history.
func (l ContextLimits) AvailableTokens() int {
	return l.MaxContextTokens - l.ReservedOutputTokens
}

// NearLimit reports whether used tokens have crossed the warning threshold.
func (l ContextLimits) NearLimit(used int) bool {
	return float64(used) >= float64(l.AvailableTokens())*l.WarnThreshold
}
