package ui

import "github.com/charmbracelet/lipgloss"

// Color palette.
var (
	ColorPrimary = lipgloss.Color("#7C3AED")
	ColorDim     = lipgloss.Color("#6B7280")
	ColorText    = lipgloss.Color("#E5E7EB")
	ColorBorder  = lipgloss.Color("#374151")
	ColorError   = lipgloss.Color("#EF4444")
	ColorWarning = lipgloss.Color("#F59E0B")
	ColorSuccess = lipgloss.Color("#10B981")
	ColorAccent  = lipgloss.Color("#06B6D4")
)

// Styles.
var (
	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary)

	DimStyle = lipgloss.NewStyle().
			Foreground(ColorDim)

	BoldStyle = lipgloss.NewStyle().
			Bold(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError)

	WarningStyle = lipgloss.NewStyle().
			Foreground(ColorWarning)

	SuccessStyle = lipgloss.NewStyle().
			Foreground(ColorSuccess)

	// AccentStyle marks list indices and model names.
	AccentStyle = lipgloss.NewStyle().
			Foreground(ColorAccent)

	// SystemStyle renders notices that are not part of the conversation.
	SystemStyle = lipgloss.NewStyle().
			Foreground(ColorDim).
			Italic(true)

	BorderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder).
			Padding(0, 1)
)
