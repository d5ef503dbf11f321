package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/yllada/vpn-profiles/profile"
)

// Palette. Adaptive colors follow the terminal's light or dark background.
var (
	colorAccent     = lipgloss.AdaptiveColor{Light: "#1C71D8", Dark: "#89B4FA"}
	colorConnected  = lipgloss.AdaptiveColor{Light: "#26A269", Dark: "#A6E3A1"}
	colorConnecting = lipgloss.AdaptiveColor{Light: "#C64600", Dark: "#FAB387"}
	colorError      = lipgloss.AdaptiveColor{Light: "#C01C28", Dark: "#F38BA8"}
	colorMuted      = lipgloss.AdaptiveColor{Light: "#77767B", Dark: "#6C7086"}
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorAccent).
			MarginBottom(1)

	countStyle = lipgloss.NewStyle().Foreground(colorMuted)

	rowStyle = lipgloss.NewStyle().PaddingLeft(2)

	selectedRowStyle = lipgloss.NewStyle().
				Foreground(colorAccent).
				Bold(true)

	disabledRowStyle = lipgloss.NewStyle().
				PaddingLeft(2).
				Foreground(colorMuted)

	emptyStyle = lipgloss.NewStyle().
			Foreground(colorMuted).
			Italic(true)

	statusStyle = lipgloss.NewStyle().
			Foreground(colorMuted).
			MarginTop(1)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorError).
			MarginTop(1)

	promptStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorConnecting).
			Padding(0, 1).
			MarginTop(1)

	helpStyle = lipgloss.NewStyle().MarginTop(1)
)

// summaryStyle colors a row's status summary by the state it renders.
func summaryStyle(summary string) lipgloss.Style {
	switch summary {
	case profile.StateConnected.Summary():
		return lipgloss.NewStyle().Foreground(colorConnected)
	case profile.StateConnecting.Summary(), profile.StateDisconnecting.Summary():
		return lipgloss.NewStyle().Foreground(colorConnecting)
	default:
		return lipgloss.NewStyle().Foreground(colorMuted)
	}
}
