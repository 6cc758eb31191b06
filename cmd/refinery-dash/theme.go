package main

import "github.com/charmbracelet/lipgloss"

// Theme defines the visual styling for the refinery dashboard.
type Theme struct {
	Primary   lipgloss.Color
	Secondary lipgloss.Color
	Success   lipgloss.Color
	Warning   lipgloss.Color
	Error     lipgloss.Color
	Muted     lipgloss.Color
}

// DefaultTheme returns the default theme for refinery dash.
func DefaultTheme() Theme {
	return Theme{
		Primary:   lipgloss.Color("12"),  // Blue
		Secondary: lipgloss.Color("14"),  // Cyan
		Success:   lipgloss.Color("10"),  // Green
		Warning:   lipgloss.Color("11"),  // Yellow
		Error:     lipgloss.Color("9"),   // Red
		Muted:     lipgloss.Color("240"), // Gray
	}
}

// statusColor maps run and server states onto theme colors.
func (t Theme) statusColor(status string) lipgloss.Color {
	switch status {
	case "running", "completed", "ok":
		return t.Success
	case "pending", "starting", "cancelled":
		return t.Warning
	case "failed", "crashed", "error":
		return t.Error
	default:
		return t.Muted
	}
}
