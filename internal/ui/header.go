package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Header renders the welcome box shown when the REPL starts.
type Header struct {
	Version string
	Model   string
	Host    string
	// Resumed is the title of a restored conversation, if any.
	Resumed string
}

// View renders the header as a string.
func (h Header) View() string {
	title := HeaderStyle.Render("olla") + DimStyle.Render(" v"+h.Version)

	model := h.Model
	if model == "" {
		model = WarningStyle.Render("no model selected")
	} else {
		model = AccentStyle.Render(model)
	}

	lines := []string{
		title,
		fmt.Sprintf("%s %s", DimStyle.Render("model"), model),
		fmt.Sprintf("%s %s", DimStyle.Render("host "), h.Host),
	}
	if h.Resumed != "" {
		lines = append(lines, fmt.Sprintf("%s %s", DimStyle.Render("resumed"), h.Resumed))
	}
	lines = append(lines, DimStyle.Render("/help for commands, exit to quit"))

	return BorderStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// SystemLine formats a notice from the client itself.
func SystemLine(format string, args ...any) string {
	return SystemStyle.Render(strings.TrimRight(fmt.Sprintf(format, args...), "\n"))
}

// ErrorLine formats an error for the terminal.
func ErrorLine(err error) string {
	return ErrorStyle.Render("Error: " + err.Error())
}
