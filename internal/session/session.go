// Package session persists chat conversations between runs.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/zhubert/olla/internal/ollama"
)

// titleWidth is the display width a derived title is cut to.
const titleWidth = 50

// Session represents a saved conversation.
type Session struct {
	ID           string           `json:"id"`
	Title        string           `json:"title"`
	Model        string           `json:"model,omitempty"`
	SystemPrompt string           `json:"system_prompt,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	Messages     []ollama.Message `json:"messages"`
}

// NewSession creates a new session with a generated ID.
func NewSession() (*Session, error) {
	id, err := generateID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return &Session{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// generateID creates a random 8-character hex ID.
func generateID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// SetTitle sets the session title.
func (s *Session) SetTitle(title string) {
	s.Title = title
	s.UpdatedAt = time.Now()
}

// SetMessages replaces the session's messages. Image data is not persisted;
// saved turns keep only their text.
func (s *Session) SetMessages(messages []ollama.Message) {
	out := make([]ollama.Message, len(messages))
	for i, m := range messages {
		out[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}
	s.Messages = out
	if s.Title == "" {
		s.Title = DeriveTitle(out)
	}
	s.UpdatedAt = time.Now()
}

// MessageCount returns the number of messages in the session.
func (s *Session) MessageCount() int {
	return len(s.Messages)
}

// DeriveTitle builds a title from the first user message.
func DeriveTitle(messages []ollama.Message) string {
	for _, m := range messages {
		if m.Role != ollama.RoleUser {
			continue
		}
		line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(m.Content), "\n", 2)[0])
		if line == "" {
			continue
		}
		return runewidth.Truncate(line, titleWidth, "...")
	}
	return ""
}

// Summary contains metadata about a session for listing purposes.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Model        string    `json:"model,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// Summary returns a Summary of the session without the full messages.
func (s *Session) Summary() Summary {
	return Summary{
		ID:           s.ID,
		Title:        s.Title,
		Model:        s.Model,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		MessageCount: len(s.Messages),
	}
}
