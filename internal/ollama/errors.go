package ollama

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zhubert/olla/internal/stream"
)

// ValidationError reports input rejected before any request is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

var (
	ErrNoModel     = &ValidationError{Field: "model", Reason: "Please select a model first"}
	ErrModelFormat = &ValidationError{Field: "model", Reason: `Invalid model format - use "model:tag" format`}
	ErrNoModelName = &ValidationError{Field: "llm_name", Reason: "model name is required"}

	// ErrNoModels is returned when the server lists no installed models.
	ErrNoModels = errors.New("no models available")
)

// ServerError is a failure the server reported inside a stream.
type ServerError = stream.ServerError

// TransportError reports a network or HTTP-level failure.
type TransportError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": HTTP error! status: %d", e.StatusCode)
		if e.Body != "" {
			fmt.Fprintf(&b, ": %s", e.Body)
		}
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *TransportError) Unwrap() error { return e.Err }

// ValidateModel checks a model identifier selected for chat.
func ValidateModel(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrNoModel
	}
	if !strings.Contains(name, ":") {
		return ErrModelFormat
	}
	return nil
}
