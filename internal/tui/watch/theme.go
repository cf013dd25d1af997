// Package watch is the live terminal view behind `conduit status --watch`:
// runtime health, one row per registered handler and the event stream.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme keeps every color of the view in one place.
type Theme struct {
	OK      lipgloss.Style
	Warn    lipgloss.Style
	Failed  lipgloss.Style
	Pending lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	PulseOn  lipgloss.Style
	PulseOff lipgloss.Style
}

func NewDefaultTheme() Theme {
	accent := lipgloss.Color("#5FAFD7")

	return Theme{
		OK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#5FD75F")),
		Warn:    lipgloss.NewStyle().Foreground(lipgloss.Color("#D7D75F")),
		Failed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F")),
		Pending: lipgloss.NewStyle().Foreground(lipgloss.Color("#8A8A8A")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accent),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#EEEEEE")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#8A8A8A")),
		Highlight: lipgloss.NewStyle().Foreground(accent),

		PulseOn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#5FD75F")),
		PulseOff: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}
