package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ollama/ollama/api"
)

// DefaultModel is used when a request names no model.
const DefaultModel = "llama2"

// Sampling defaults applied to omitted request fields.
const (
	defaultTemperature     = 0.7
	defaultTopP            = 0.9
	defaultTopK            = 40
	defaultMaxTokens       = 512
	defaultPresencePenalty = 1.1
)

// Sampling holds the shared sampling fields of chat and generate requests.
type Sampling struct {
	Temperature     *float64 `json:"temperature" binding:"omitempty,gte=0,lte=1"`
	TopP            *float64 `json:"top_p" binding:"omitempty,gte=0,lte=1"`
	TopK            *int     `json:"top_k" binding:"omitempty,gte=0"`
	MaxTokens       *int     `json:"max_tokens" binding:"omitempty,gte=1"`
	Seed            *int64   `json:"seed"`
	PresencePenalty *float64 `json:"presence_penalty" binding:"omitempty,gte=0,lte=5"`
}

func (s *Sampling) applyDefaults() {
	if s.Temperature == nil {
		s.Temperature = ptr(defaultTemperature)
	}
	if s.TopP == nil {
		s.TopP = ptr(defaultTopP)
	}
	if s.TopK == nil {
		s.TopK = ptr(defaultTopK)
	}
	if s.MaxTokens == nil {
		s.MaxTokens = ptr(defaultMaxTokens)
	}
	if s.PresencePenalty == nil {
		s.PresencePenalty = ptr(defaultPresencePenalty)
	}
}

// Options maps the request onto upstream option names. Unset values are
// dropped. Mirostat 2 is always enabled.
func (s Sampling) Options() map[string]any {
	opts := map[string]any{
		"mirostat":     2,
		"mirostat_tau": 5.0,
		"mirostat_eta": 0.1,
	}
	if s.Temperature != nil {
		opts["temperature"] = *s.Temperature
	}
	if s.TopP != nil {
		opts["top_p"] = *s.TopP
	}
	if s.TopK != nil {
		opts["top_k"] = *s.TopK
	}
	if s.MaxTokens != nil {
		opts["num_predict"] = *s.MaxTokens
	}
	if s.Seed != nil {
		opts["seed"] = *s.Seed
	}
	if s.PresencePenalty != nil {
		opts["repeat_penalty"] = *s.PresencePenalty
	}
	return opts
}

// ChatQuery is the body of POST /api/chat.
type ChatQuery struct {
	Model        string        `json:"model"`
	Messages     []api.Message `json:"messages" binding:"required"`
	SystemPrompt *string       `json:"system_prompt"`
	Stream       *bool         `json:"stream"`
	Sampling
}

// GenerateQuery is the body of POST /api/generate.
type GenerateQuery struct {
	Prompt string `json:"prompt" binding:"required"`
	Model  string `json:"model"`
	Stream *bool  `json:"stream"`
	Sampling
}

// PullQuery is the body of POST /api/pull.
type PullQuery struct {
	Name string `json:"llm_name" binding:"required"`
}

type contentRecord struct {
	Content string `json:"content"`
}

type errorRecord struct {
	Error string `json:"error"`
}

type pullRecord struct {
	Status    string `json:"status"`
	Completed *int64 `json:"completed"`
	Total     *int64 `json:"total"`
	Digest    string `json:"digest"`
	Message   string `json:"message"`
}

const doneRecord = "data: [DONE]\n\n"

// errClientGone marks a write to the downstream client that failed.
var errClientGone = errors.New("client went away")

type handler struct {
	upstream *Upstream
	logger   *slog.Logger
}

func newHandler(upstream *Upstream, logger *slog.Logger) *handler {
	return &handler{upstream: upstream, logger: logger}
}

// ListModels handles GET /api/tags.
func (h *handler) ListModels(c *gin.Context) {
	models, err := h.upstream.List(c.Request.Context())
	if err != nil {
		h.logger.Error("Error fetching models", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": fmt.Sprintf("Error fetching models: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

// Chat handles POST /api/chat.
func (h *handler) Chat(c *gin.Context) {
	var q ChatQuery
	if !bindQuery(c, &q) {
		return
	}
	q.applyDefaults()
	if q.Model == "" {
		q.Model = DefaultModel
	}

	messages := q.Messages
	if q.SystemPrompt != nil && *q.SystemPrompt != "" {
		messages = append([]api.Message{{Role: "system", Content: *q.SystemPrompt}}, messages...)
	}

	ctx := c.Request.Context()
	if !streaming(q.Stream) {
		msg, err := h.upstream.ChatOnce(ctx, q.Model, messages, q.Options())
		if err != nil {
			h.logger.Error("chat failed", "model", q.Model, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": gin.H{"role": msg.Role, "content": msg.Content}})
		return
	}

	startEvents(c)
	err := h.upstream.Chat(ctx, q.Model, messages, q.Options(), func(content string) error {
		return writeRecord(c, contentRecord{Content: content})
	})
	if h.endStream(c, "Error streaming chat response", err) {
		writeDone(c)
	}
}

// Generate handles POST /api/generate.
func (h *handler) Generate(c *gin.Context) {
	var q GenerateQuery
	if !bindQuery(c, &q) {
		return
	}
	q.applyDefaults()
	if q.Model == "" {
		q.Model = DefaultModel
	}

	ctx := c.Request.Context()
	if !streaming(q.Stream) {
		// One-shot completions only carry the temperature.
		opts := Sampling{Temperature: q.Temperature}.Options()
		text, err := h.upstream.GenerateOnce(ctx, q.Model, q.Prompt, opts)
		if err != nil {
			h.logger.Error("generate failed", "model", q.Model, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"response": text})
		return
	}

	started := false
	err := h.upstream.Generate(ctx, q.Model, q.Prompt, q.Options(), func(text string) error {
		if !started {
			c.Header("Content-Type", "text/plain; charset=utf-8")
			c.Status(http.StatusOK)
			started = true
		}
		if _, err := c.Writer.WriteString(text); err != nil {
			return fmt.Errorf("%w: %v", errClientGone, err)
		}
		c.Writer.Flush()
		return nil
	})
	switch {
	case err == nil:
		if !started {
			c.Header("Content-Type", "text/plain; charset=utf-8")
			c.Status(http.StatusOK)
		}
	case errors.Is(err, errClientGone):
		h.logger.Debug("client went away", "error", err)
	case !started:
		h.logger.Error("generate failed", "model", q.Model, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
	default:
		h.logger.Error("generate stream failed", "model", q.Model, "error", err)
	}
}

// Pull handles POST /api/pull.
func (h *handler) Pull(c *gin.Context) {
	var q PullQuery
	if !bindQuery(c, &q) {
		return
	}

	startEvents(c)
	err := h.upstream.Pull(c.Request.Context(), q.Name, func(p api.ProgressResponse) error {
		return writeRecord(c, pullRecord{
			Status:    p.Status,
			Completed: nonZero(p.Completed),
			Total:     nonZero(p.Total),
			Digest:    p.Digest,
		})
	})
	if h.endStream(c, "Error pulling model", err) {
		writeDone(c)
	}
}

// endStream handles the error that ended an event stream. It reports
// whether the stream should still be closed with a done record.
func (h *handler) endStream(c *gin.Context, msg string, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, errClientGone):
		h.logger.Debug("client went away", "error", err)
		return false
	default:
		h.failStream(c, msg, err)
		return false
	}
}

// failStream reports err as a record and terminates the stream.
func (h *handler) failStream(c *gin.Context, msg string, err error) {
	h.logger.Error(msg, "path", c.Request.URL.Path, "error", err)
	_ = writeRecord(c, errorRecord{Error: err.Error()})
	writeDone(c)
}

// bindQuery decodes and validates the body. Failures answer 422.
func bindQuery(c *gin.Context, q any) bool {
	if err := c.ShouldBindJSON(q); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return false
	}
	return true
}

func streaming(flag *bool) bool {
	return flag == nil || *flag
}

func startEvents(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()
}

func writeRecord(c *gin.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("%w: %v", errClientGone, err)
	}
	c.Writer.Flush()
	return nil
}

func writeDone(c *gin.Context) {
	_, _ = c.Writer.WriteString(doneRecord)
	c.Writer.Flush()
}

func ptr[T any](v T) *T { return &v }

// nonZero maps an absent progress counter to null.
func nonZero(n int64) *int64 {
	if n == 0 {
		return nil
	}
	return &n
}
