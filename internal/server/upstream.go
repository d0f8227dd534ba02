package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

// DefaultUpstream is the Ollama address used when none is configured.
const DefaultUpstream = "http://localhost:11434"

// UpstreamError is a failure reported by Ollama as an HTTP status.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s (status code: %d)", e.Message, e.StatusCode)
}

// Upstream talks to the native Ollama API through the Ollama Go client.
type Upstream struct {
	client  *api.Client
	baseURL string
	timeout time.Duration
	logger  *slog.Logger
}

// NewUpstream creates a client for baseURL. timeout bounds non-streaming
// calls and the wait for response headers on streaming ones.
func NewUpstream(baseURL string, timeout time.Duration, logger *slog.Logger) (*Upstream, error) {
	if baseURL == "" {
		baseURL = DefaultUpstream
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	baseURL = strings.TrimRight(baseURL, "/")
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid ollama host %q", baseURL)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	return &Upstream{
		client:  api.NewClient(u, &http.Client{Transport: transport}),
		baseURL: baseURL,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// BaseURL returns the Ollama address.
func (u *Upstream) BaseURL() string { return u.baseURL }

// Chat streams a chat, calling fn with each non-empty content fragment.
// An error returned by fn stops the stream and is returned unchanged.
func (u *Upstream) Chat(ctx context.Context, model string, messages []api.Message, options map[string]any, fn func(string) error) error {
	u.logger.Debug("upstream request", "path", "/api/chat", "model", model, "messages", len(messages))
	req := &api.ChatRequest{Model: model, Messages: messages, Options: options, Stream: ptr(true)}
	err := u.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		if resp.Message.Content == "" {
			return nil
		}
		return fn(resp.Message.Content)
	})
	return upstreamError(err)
}

// ChatOnce runs a non-streaming chat and returns the reply message.
func (u *Upstream) ChatOnce(ctx context.Context, model string, messages []api.Message, options map[string]any) (api.Message, error) {
	ctx, cancel := u.withTimeout(ctx)
	defer cancel()

	u.logger.Debug("upstream request", "path", "/api/chat", "model", model, "stream", false)
	var reply api.Message
	req := &api.ChatRequest{Model: model, Messages: messages, Options: options, Stream: ptr(false)}
	err := u.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		reply.Role = resp.Message.Role
		reply.Content += resp.Message.Content
		return nil
	})
	return reply, upstreamError(err)
}

// Generate streams a completion, calling fn with each response fragment.
func (u *Upstream) Generate(ctx context.Context, model, prompt string, options map[string]any, fn func(string) error) error {
	u.logger.Debug("upstream request", "path", "/api/generate", "model", model)
	req := &api.GenerateRequest{Model: model, Prompt: prompt, Options: options, Stream: ptr(true)}
	err := u.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		if resp.Response == "" {
			return nil
		}
		return fn(resp.Response)
	})
	return upstreamError(err)
}

// GenerateOnce runs a non-streaming completion.
func (u *Upstream) GenerateOnce(ctx context.Context, model, prompt string, options map[string]any) (string, error) {
	ctx, cancel := u.withTimeout(ctx)
	defer cancel()

	u.logger.Debug("upstream request", "path", "/api/generate", "model", model, "stream", false)
	var text strings.Builder
	req := &api.GenerateRequest{Model: model, Prompt: prompt, Options: options, Stream: ptr(false)}
	err := u.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		text.WriteString(resp.Response)
		return nil
	})
	return text.String(), upstreamError(err)
}

// Pull streams a model download, calling fn with each progress update.
func (u *Upstream) Pull(ctx context.Context, model string, fn func(api.ProgressResponse) error) error {
	u.logger.Debug("upstream request", "path", "/api/pull", "model", model)
	return upstreamError(u.client.Pull(ctx, &api.PullRequest{Model: model}, fn))
}

// List returns the installed models reported by GET /api/tags.
func (u *Upstream) List(ctx context.Context) ([]api.ListModelResponse, error) {
	ctx, cancel := u.withTimeout(ctx)
	defer cancel()

	u.logger.Debug("upstream request", "path", "/api/tags")
	resp, err := u.client.List(ctx)
	if err != nil {
		return nil, upstreamError(err)
	}
	if resp.Models == nil {
		return []api.ListModelResponse{}, nil
	}
	return resp.Models, nil
}

func (u *Upstream) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if u.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, u.timeout)
}

// upstreamError converts an HTTP status failure into an *UpstreamError.
// Other errors, including error lines inside a stream, pass through.
func upstreamError(err error) error {
	var se api.StatusError
	if !errors.As(err, &se) {
		return err
	}
	msg := se.ErrorMessage
	if msg == "" {
		msg = http.StatusText(se.StatusCode)
	}
	return &UpstreamError{StatusCode: se.StatusCode, Message: msg}
}
