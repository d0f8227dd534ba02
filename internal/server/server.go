// Package server is the HTTP proxy that fronts a local Ollama instance and
// re-emits its replies as data: records for the chat client.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// DefaultAddr is the listen address of the proxy.
const DefaultAddr = "0.0.0.0:3000"

const shutdownTimeout = 5 * time.Second

// Server routes client requests to the upstream Ollama API.
type Server struct {
	upstream *Upstream
	logger   *slog.Logger
	router   *gin.Engine
}

// New builds the router. Routes are registered under /api.
func New(upstream *Upstream, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(cors())

	s := &Server{upstream: upstream, logger: logger, router: router}
	h := newHandler(upstream, logger)

	api := router.Group("/api")
	{
		api.GET("/tags", h.ListModels)
		api.POST("/chat", h.Chat)
		api.POST("/generate", h.Generate)
		api.POST("/pull", h.Pull)
	}
	return s
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", addr, "upstream", s.upstream.BaseURL())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.logger.Info("server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

// cors allows every origin, method and header.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "*")
		c.Header("Access-Control-Allow-Headers", "*")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
