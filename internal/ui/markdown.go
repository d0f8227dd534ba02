package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
)

// Markdown renders assistant replies for the terminal.
type Markdown struct {
	r *glamour.TermRenderer
}

// NewMarkdown creates a renderer with the given glamour style. Use "notty"
// or "ascii" when output is not a terminal. A zero width disables wrapping.
func NewMarkdown(style string, width int) (*Markdown, error) {
	if style == "" {
		style = "tokyo-night"
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStylePath(style),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil, fmt.Errorf("creating markdown renderer: %w", err)
	}
	return &Markdown{r: r}, nil
}

// Render converts markdown to styled text. On failure, or with a nil
// renderer, the input is returned unchanged.
func (m *Markdown) Render(content string) string {
	if m == nil || m.r == nil {
		return content
	}
	// Unlabeled code blocks get "text" so chroma does not guess a lexer.
	rendered, err := m.r.Render(addDefaultLanguageToCodeBlocks(content))
	if err != nil {
		return content
	}
	return strings.TrimRight(rendered, "\n")
}

// MarkdownStream buffers streamed text and renders it one complete block at a
// time: a flush happens on a line break, outside any code fence.
type MarkdownStream struct {
	md  *Markdown
	out io.Writer
	buf strings.Builder
	// wrote is set once anything has been flushed.
	wrote bool
}

// NewMarkdownStream writes rendered output to out.
func NewMarkdownStream(md *Markdown, out io.Writer) *MarkdownStream {
	return &MarkdownStream{md: md, out: out}
}

// Write adds a delta and flushes when the buffer ends on a closed line.
func (s *MarkdownStream) Write(delta string) {
	s.buf.WriteString(delta)
	if s.shouldFlush() {
		s.Flush()
	}
}

// Flush renders whatever is buffered.
func (s *MarkdownStream) Flush() {
	if s.buf.Len() == 0 {
		return
	}
	fmt.Fprint(s.out, s.md.Render(s.buf.String()))
	s.buf.Reset()
	s.wrote = true
}

// Wrote reports whether any text has been flushed.
func (s *MarkdownStream) Wrote() bool {
	return s.wrote
}

func (s *MarkdownStream) shouldFlush() bool {
	text := s.buf.String()
	if !strings.HasSuffix(text, "\n") {
		return false
	}
	// An odd fence count means a code block is still open.
	return strings.Count(text, "```")%2 == 0
}

// addDefaultLanguageToCodeBlocks labels fenced blocks that have no language
// as "text" and converts 4-space indented blocks to fenced "text" blocks.
func addDefaultLanguageToCodeBlocks(content string) string {
	var result strings.Builder
	trailing := strings.HasSuffix(content, "\n")
	lines := strings.Split(content, "\n")
	if trailing {
		// The empty element after the final newline is not a line.
		lines = lines[:len(lines)-1]
	}
	inFence := false
	var indented []string

	flushIndented := func() {
		if len(indented) == 0 {
			return
		}
		result.WriteString("```text\n")
		for _, l := range indented {
			result.WriteString(strings.TrimPrefix(l, "    "))
			result.WriteString("\n")
		}
		result.WriteString("```\n")
		indented = nil
	}

	isIndented := func(l string) bool { return strings.HasPrefix(l, "    ") }

	for i, line := range lines {
		if strings.HasPrefix(line, "```") {
			flushIndented()
			if !inFence && strings.TrimSpace(strings.TrimPrefix(line, "```")) == "" {
				result.WriteString("```text\n")
			} else {
				result.WriteString(line + "\n")
			}
			inFence = !inFence
			continue
		}
		if inFence {
			result.WriteString(line + "\n")
			continue
		}

		switch {
		case isIndented(line):
			indented = append(indented, line)
		case len(indented) > 0 && strings.TrimSpace(line) == "" && nextNonBlankIndented(lines[i+1:]):
			indented = append(indented, line)
		default:
			flushIndented()
			result.WriteString(line + "\n")
		}
	}
	flushIndented()

	s := result.String()
	if !trailing {
		s = strings.TrimSuffix(s, "\n")
	}
	return s
}

func nextNonBlankIndented(lines []string) bool {
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		return strings.HasPrefix(l, "    ")
	}
	return false
}
