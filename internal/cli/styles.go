package cli

import "github.com/charmbracelet/lipgloss"

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00D4AA"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D4AA"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFA500"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF4444"))

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))

	labelStyle = lipgloss.NewStyle().
			Width(12).
			Foreground(lipgloss.Color("#888888"))
)

// ErrorStyle renders fatal command errors
var ErrorStyle = errorStyle
