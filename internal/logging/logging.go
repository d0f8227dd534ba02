package logging

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// FileName is the log file written inside the data directory.
const FileName = "debug.log"

// Setup creates a JSON logger that writes to dir/debug.log.
// It returns the logger, a cleanup function to close the log file, and any error.
// The log file is truncated on each run so it reflects only the current one.
func Setup(dir, level string) (*slog.Logger, func() error, error) {
	if dir == "" {
		return nil, nil, fmt.Errorf("log directory is not set")
	}
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	logPath := filepath.Join(dir, FileName)
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	handler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: lvl,
	})
	logger := slog.New(handler)

	return logger, f.Close, nil
}

// ParseLevel maps a config level name to a slog level. Empty means debug.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}
