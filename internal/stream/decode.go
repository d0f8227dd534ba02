package stream

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Decoder extracts a Chunk from one JSON payload. It reports false when the
// payload is valid JSON but carries none of the fields it recognizes.
type Decoder interface {
	Decode(payload []byte) (Chunk, bool, error)
}

// ChatDecoder extracts content deltas from {"content": "..."} records.
type ChatDecoder struct{}

type chatPayload struct {
	Content *string `json:"content"`
}

func (ChatDecoder) Decode(payload []byte) (Chunk, bool, error) {
	var p chatPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Chunk{}, false, err
	}
	if p.Content == nil {
		return Chunk{}, false, nil
	}
	return Chunk{Type: ChunkContent, Text: *p.Content}, true, nil
}

// ProgressDecoder extracts model download progress from
// {"status", "completed", "total", "message"} records. A status of "error"
// becomes a ChunkError carrying a *ServerError.
type ProgressDecoder struct{}

type progressPayload struct {
	Status    string          `json:"status"`
	Completed json.RawMessage `json:"completed"`
	Total     json.RawMessage `json:"total"`
	Message   string          `json:"message"`
	Digest    string          `json:"digest"`
}

func (ProgressDecoder) Decode(payload []byte) (Chunk, bool, error) {
	var p progressPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Chunk{}, false, err
	}

	prog := &Progress{
		Status:    p.Status,
		Completed: numberField(p.Completed),
		Total:     numberField(p.Total),
		Message:   p.Message,
		Digest:    p.Digest,
	}
	if prog.Status == "" && prog.Completed == nil && prog.Total == nil && prog.Message == "" {
		return Chunk{}, false, nil
	}

	if prog.Status == StatusError {
		msg := prog.Message
		if msg == "" {
			msg = "Unknown error"
		}
		return Chunk{Type: ChunkError, Text: msg, Progress: prog, Err: &ServerError{Message: msg}}, true, nil
	}
	return Chunk{Type: ChunkProgress, Progress: prog}, true, nil
}

// numberField returns the value of a JSON number, or nil when the field is
// absent, null, or not numeric.
func numberField(raw json.RawMessage) *int64 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] == 'n' || raw[0] == '"' {
		return nil
	}
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return nil
	}
	n := int64(f)
	return &n
}

// errorField reports the message carried by a top-level "error" field.
// Absent, null, false and empty-string values do not count as errors.
func errorField(payload []byte) (string, bool, error) {
	var env struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", false, err
	}
	raw := bytes.TrimSpace(env.Error)
	switch string(raw) {
	case "", "null", "false", `""`:
		return "", false, nil
	}
	var msg string
	if err := json.Unmarshal(raw, &msg); err != nil {
		return string(raw), true, nil
	}
	return msg, true, nil
}
