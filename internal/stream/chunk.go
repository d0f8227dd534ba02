// Package stream parses the line-delimited event records returned by the
// chat server's streaming endpoints.
//
// A response body is a sequence of records separated by a blank line. Each
// record of interest starts with "data: " followed by a JSON object or the
// sentinel [DONE]. A Reader turns the body into an ordered, finite sequence
// of Chunks.
package stream

import (
	"fmt"
	"math"
)

// ChunkType identifies the kind of stream chunk.
type ChunkType int

const (
	ChunkContent ChunkType = iota
	ChunkProgress
	ChunkError
	ChunkDone
)

func (t ChunkType) String() string {
	switch t {
	case ChunkContent:
		return "content"
	case ChunkProgress:
		return "progress"
	case ChunkError:
		return "error"
	case ChunkDone:
		return "done"
	default:
		return fmt.Sprintf("ChunkType(%d)", int(t))
	}
}

// Chunk is one logical unit parsed from the wire.
type Chunk struct {
	Type ChunkType
	// Text is the content delta for ChunkContent and the message for ChunkError.
	Text string
	// Progress is set for ChunkProgress, and for ChunkError when the error
	// came from a progress record.
	Progress *Progress
	// Err is set for ChunkError. It is a *ServerError when the server reported
	// the failure and a transport error otherwise.
	Err error
}

// Terminal reports whether no further chunks follow this one.
func (c Chunk) Terminal() bool {
	switch c.Type {
	case ChunkDone, ChunkError:
		return true
	case ChunkProgress:
		return c.Progress != nil && c.Progress.Terminal()
	}
	return false
}

// Progress statuses with special meaning.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Progress describes model download state.
type Progress struct {
	Status    string
	Completed *int64
	Total     *int64
	Message   string
	Digest    string
}

// Percentage returns round(100 * completed / total) when both counters are
// present and total is positive.
func (p Progress) Percentage() (int, bool) {
	if p.Completed == nil || p.Total == nil || *p.Total <= 0 {
		return 0, false
	}
	return int(math.Round(100 * float64(*p.Completed) / float64(*p.Total))), true
}

// Label returns the text to show next to the progress bar.
func (p Progress) Label() string {
	switch {
	case p.Message != "":
		return p.Message
	case p.Status != "":
		return p.Status
	default:
		return "Downloading..."
	}
}

// Succeeded reports whether this is the final success record.
func (p Progress) Succeeded() bool { return p.Status == StatusSuccess }

// Terminal reports whether the download has finished, successfully or not.
func (p Progress) Terminal() bool {
	return p.Status == StatusSuccess || p.Status == StatusError
}

// ServerError is an error the server reported inside the stream.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}
