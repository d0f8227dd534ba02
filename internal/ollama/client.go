// Package ollama is a client for the chat server's HTTP API.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zhubert/olla/internal/stream"
)

const (
	// DefaultBaseURL is where the chat server listens by default.
	DefaultBaseURL = "http://localhost:3000"

	maxErrorBody = 4 << 10
)

// Client talks to the chat server.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
	headers http.Header
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client. Streaming requests must not use a
// client-wide timeout shorter than the longest expected reply.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger for the client and the stream readers it creates.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers.Set(key, value) }
}

// WithoutHeader removes a default header.
func WithoutHeader(key string) Option {
	return func(c *Client) { c.headers.Del(key) }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
		logger:  slog.New(slog.DiscardHandler),
		headers: http.Header{},
		now:     time.Now,
	}
	c.headers.Set("ngrok-skip-browser-warning", "true")
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ListModels returns the models installed on the server.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var tags TagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, &TransportError{Op: "GET /api/tags", Err: fmt.Errorf("decoding response: %w", err)}
	}
	if len(tags.Models) == 0 {
		return nil, ErrNoModels
	}
	return tags.Models, nil
}

// Chat sends a chat turn and returns a reader over the streamed reply.
// The caller must Close the reader.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*stream.Reader, error) {
	if err := ValidateModel(req.Model); err != nil {
		return nil, err
	}
	req.Stream = true
	if req.Seed == nil {
		seed := c.now().UnixMilli() % 1_000_000
		req.Seed = &seed
	}

	c.logger.Info("sending chat request", "model", req.Model, "messages", len(req.Messages))
	resp, err := c.do(ctx, http.MethodPost, "/api/chat", req)
	if err != nil {
		return nil, err
	}
	return stream.NewReader(resp.Body, stream.ChatDecoder{}, stream.WithLogger(c.logger)), nil
}

// Pull asks the server to download a model and returns a reader over the
// progress records. The caller must Close the reader.
func (c *Client) Pull(ctx context.Context, name string) (*stream.Reader, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrNoModelName
	}

	c.logger.Info("pulling model", "model", name)
	resp, err := c.do(ctx, http.MethodPost, "/api/pull", PullRequest{Name: name})
	if err != nil {
		return nil, err
	}
	return stream.NewReader(resp.Body, stream.ProgressDecoder{}, stream.WithLogger(c.logger)), nil
}

// Generate sends a completion prompt. With req.Stream set the body is a plain
// text stream of response fragments; otherwise it is {"response": "..."}.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (io.ReadCloser, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, ErrNoModel
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/generate", req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// do issues a request and returns the response when the status is 200.
func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	op := method + " " + path

	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s request: %w", path, err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("request failed", "op", op, "error", err)
		return nil, &TransportError{Op: op, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Error("unexpected status", "op", op, "status", resp.StatusCode)
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Body: errorDetail(data)}
	}
	return resp, nil
}

// errorDetail extracts {"detail": ...} or {"error": ...} from an error body.
func errorDetail(data []byte) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		var s string
		if len(body.Detail) > 0 && json.Unmarshal(body.Detail, &s) == nil && s != "" {
			return s
		}
		if body.Error != "" {
			return body.Error
		}
		if len(body.Detail) > 0 {
			return string(body.Detail)
		}
	}
	return strings.TrimSpace(string(data))
}
