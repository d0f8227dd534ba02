// Package catalog tracks the models available on the chat server.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/sahilm/fuzzy"

	"github.com/zhubert/olla/internal/ollama"
	"github.com/zhubert/olla/internal/stream"
)

// Client is the part of the server API the catalog needs.
type Client interface {
	ListModels(ctx context.Context) ([]ollama.Model, error)
	Pull(ctx context.Context, name string) (*stream.Reader, error)
}

// ErrNotFound is returned by Match when nothing matches the query.
var ErrNotFound = errors.New("model not found")

// Catalog caches the server's model list.
type Catalog struct {
	client Client
	logger *slog.Logger

	mu     sync.RWMutex
	models []ollama.Model
	loaded bool
}

// New creates an empty catalog. Call Refresh to load it.
func New(client Client, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Catalog{client: client, logger: logger}
}

// Refresh reloads the model list from the server.
func (c *Catalog) Refresh(ctx context.Context) error {
	models, err := c.client.ListModels(ctx)
	if err != nil {
		c.logger.Warn("model list refresh failed", "error", err)
		return err
	}

	c.mu.Lock()
	c.models = models
	c.loaded = true
	c.mu.Unlock()

	c.logger.Info("model list refreshed", "count", len(models))
	return nil
}

// Loaded reports whether a refresh has succeeded.
func (c *Catalog) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// Models returns a copy of the cached model list.
func (c *Catalog) Models() []ollama.Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ollama.Model, len(c.models))
	copy(out, c.models)
	return out
}

// IDs returns the identifiers of the cached models.
func (c *Catalog) IDs() []string {
	models := c.Models()
	ids := make([]string, len(models))
	for i, m := range models {
		ids[i] = m.ID()
	}
	return ids
}

// Match resolves a user query to a model. The query may be a 1-based index,
// an exact identifier, or a fuzzy fragment; the best fuzzy match wins.
func (c *Catalog) Match(query string) (ollama.Model, error) {
	models := c.Models()
	query = strings.TrimSpace(query)
	if query == "" || len(models) == 0 {
		return ollama.Model{}, fmt.Errorf("%w: %s", ErrNotFound, query)
	}

	if n, err := strconv.Atoi(query); err == nil {
		if n >= 1 && n <= len(models) {
			return models[n-1], nil
		}
		return ollama.Model{}, fmt.Errorf("invalid model number: %d (choose 1-%d)", n, len(models))
	}

	for _, m := range models {
		if strings.EqualFold(m.ID(), query) {
			return m, nil
		}
	}

	ids := make([]string, len(models))
	for i, m := range models {
		ids[i] = m.ID()
	}
	matches := fuzzy.Find(query, ids)
	if len(matches) == 0 {
		return ollama.Model{}, fmt.Errorf("%w: %s", ErrNotFound, query)
	}
	return models[matches[0].Index], nil
}

// Pull downloads a model, reporting each progress record to onProgress.
// On success the model list is refreshed. A server-reported failure is
// returned as a *stream.ServerError.
func (c *Catalog) Pull(ctx context.Context, name string, onProgress func(stream.Progress)) error {
	rd, err := c.client.Pull(ctx, name)
	if err != nil {
		return err
	}
	defer func() { _ = rd.Close() }()

	for rd.Next() {
		chunk := rd.Chunk()
		switch chunk.Type {
		case stream.ChunkProgress:
			if onProgress != nil {
				onProgress(*chunk.Progress)
			}
			if chunk.Progress.Succeeded() {
				c.logger.Info("model pulled", "model", name)
				if err := c.Refresh(ctx); err != nil {
					return fmt.Errorf("refreshing models after pull: %w", err)
				}
				return nil
			}
		case stream.ChunkError:
			if chunk.Progress != nil && onProgress != nil {
				onProgress(*chunk.Progress)
			}
			return chunk.Err
		case stream.ChunkDone:
			return nil
		}
	}
	if err := rd.Err(); err != nil {
		return &ollama.TransportError{Op: "POST /api/pull", Err: err}
	}
	return nil
}
