// Package chat holds the state of one interactive conversation with the
// chat server: the selected model, sampling options, pending image
// attachments and the message history.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/zhubert/olla/internal/ollama"
	"github.com/zhubert/olla/internal/stream"
)

// Backend is the part of the server API a chat session needs.
type Backend interface {
	Chat(ctx context.Context, req ollama.ChatRequest) (*stream.Reader, error)
}

var (
	// ErrEmptyMessage is returned when Send is called with blank text.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrBusy is returned when a reply is still streaming.
	ErrBusy = errors.New("a reply is still streaming")
)

// Reply is one update of a streamed assistant reply.
type Reply struct {
	// Delta is the text received in this update.
	Delta string
	// Text is the full reply so far. Renderers replace their display with it.
	Text string
	// Done is set on the final update of a reply that ended normally.
	Done bool
	// Err is set on the final update of a reply that failed. It is a
	// *stream.ServerError when the server reported the failure.
	Err error
}

// Session is the state of one conversation.
type Session struct {
	backend Backend
	logger  *slog.Logger

	mu           sync.Mutex
	model        string
	systemPrompt string
	options      ollama.Options
	conv         *Conversation
	attachments  []Attachment
	busy         bool
	onChange     func([]ollama.Message)
}

// Settings seed a new Session.
type Settings struct {
	Model        string
	SystemPrompt string
	Options      ollama.Options
}

// NewSession creates a session that sends requests through backend.
func NewSession(backend Backend, settings Settings, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Session{
		backend:      backend,
		logger:       logger,
		model:        settings.Model,
		systemPrompt: settings.SystemPrompt,
		options:      settings.Options,
		conv:         NewConversation(),
	}
}

// OnChange registers fn to be called with the full history whenever a
// message is appended or the conversation is cleared.
func (s *Session) OnChange(fn func([]ollama.Message)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Model returns the selected model.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// SetModel selects the model for subsequent turns.
func (s *Session) SetModel(model string) {
	s.mu.Lock()
	s.model = model
	s.mu.Unlock()
}

// SystemPrompt returns the system prompt.
func (s *Session) SystemPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.systemPrompt
}

// SetSystemPrompt replaces the system prompt.
func (s *Session) SetSystemPrompt(prompt string) {
	s.mu.Lock()
	s.systemPrompt = prompt
	s.mu.Unlock()
}

// Options returns the sampling options.
func (s *Session) Options() ollama.Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.options
}

// SetOptions replaces the sampling options.
func (s *Session) SetOptions(opts ollama.Options) {
	s.mu.Lock()
	s.options = opts
	s.mu.Unlock()
}

// Busy reports whether a reply is streaming.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Messages returns the conversation history.
func (s *Session) Messages() []ollama.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Messages()
}

// SetMessages restores a saved history.
func (s *Session) SetMessages(messages []ollama.Message) {
	s.mu.Lock()
	s.conv.SetMessages(messages)
	s.mu.Unlock()
}

// TokenCount returns the estimated size of the history.
func (s *Session) TokenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.TokenCount()
}

// Attach queues an image for the next user message.
func (s *Session) Attach(a Attachment) {
	s.mu.Lock()
	s.attachments = append(s.attachments, a)
	s.mu.Unlock()
}

// Attachments returns the queued images.
func (s *Session) Attachments() []Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Attachment(nil), s.attachments...)
}

// Detach removes the queued image at index i.
func (s *Session) Detach(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.attachments) {
		return fmt.Errorf("no attachment %d", i+1)
	}
	s.attachments = append(s.attachments[:i], s.attachments[i+1:]...)
	return nil
}

// ClearAttachments drops all queued images.
func (s *Session) ClearAttachments() {
	s.mu.Lock()
	s.attachments = nil
	s.mu.Unlock()
}

// Reset starts a new conversation: history, system prompt and attachments
// are cleared. It returns ErrBusy while a reply is streaming.
func (s *Session) Reset() error {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return ErrBusy
	}
	s.conv.Reset()
	s.systemPrompt = ""
	s.attachments = nil
	notify := s.onChange
	s.mu.Unlock()

	if notify != nil {
		notify(nil)
	}
	return nil
}

// Send appends a user turn with any queued images and streams the reply.
// Validation failures and request errors are returned before the channel
// is created; the user turn stays in the history either way once the model
// is valid. The channel is closed after the final Reply.
func (s *Session) Send(ctx context.Context, text string) (<-chan Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	if err := ollama.ValidateModel(s.model); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	images := make([]string, len(s.attachments))
	for i, a := range s.attachments {
		images[i] = a.Data
	}
	s.conv.AddUserMessage(text, images)
	s.attachments = nil
	s.busy = true

	req := ollama.ChatRequest{
		Model:    s.model,
		Messages: s.conv.RequestMessages(),
		Options:  s.options,
	}
	if s.systemPrompt != "" {
		prompt := s.systemPrompt
		req.SystemPrompt = &prompt
	}
	history := s.conv.Messages()
	notify := s.onChange
	s.mu.Unlock()

	if notify != nil {
		notify(history)
	}

	rd, err := s.backend.Chat(ctx, req)
	if err != nil {
		s.logger.Error("chat request failed", "error", err)
		s.finish("")
		return nil, err
	}

	ch := make(chan Reply, 64)
	go s.stream(ctx, rd, ch)
	return ch, nil
}

func (s *Session) stream(ctx context.Context, rd *stream.Reader, ch chan<- Reply) {
	defer close(ch)

	s.logger.Info("reply stream started")
	defer s.logger.Info("reply stream ended")

	var running strings.Builder
	send := func(r Reply) bool {
		select {
		case ch <- r:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for chunk := range rd.Chunks(ctx) {
		switch chunk.Type {
		case stream.ChunkContent:
			running.WriteString(chunk.Text)
			if !send(Reply{Delta: chunk.Text, Text: running.String()}) {
				s.finish(running.String())
				return
			}
		case stream.ChunkError:
			text := running.String()
			s.finish(text)
			var serverErr *stream.ServerError
			if errors.As(chunk.Err, &serverErr) {
				s.logger.Warn("server reported error", "error", chunk.Err)
				send(Reply{Text: text, Err: chunk.Err})
				return
			}
			err := chunk.Err
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			s.logger.Error("reply stream failed", "error", err)
			send(Reply{Text: text, Err: &ollama.TransportError{Op: "POST /api/chat", Err: err}})
			return
		case stream.ChunkDone:
			text := running.String()
			s.finish(text)
			send(Reply{Text: text, Done: true})
			return
		}
	}

	// The channel closed without a terminal chunk: the source ended or
	// ctx was cancelled.
	text := running.String()
	s.finish(text)
	if err := ctx.Err(); err != nil {
		s.logger.Error("reply stream failed", "error", err)
		send(Reply{Text: text, Err: &ollama.TransportError{Op: "POST /api/chat", Err: err}})
		return
	}
	send(Reply{Text: text, Done: true})
}

// finish records the assistant reply, if any, and marks the session idle.
func (s *Session) finish(reply string) {
	s.mu.Lock()
	if reply != "" {
		s.conv.AddAssistantMessage(reply)
	}
	s.busy = false
	history := s.conv.Messages()
	notify := s.onChange
	s.mu.Unlock()

	if reply != "" && notify != nil {
		notify(history)
	}
}
