// Package ui renders hyve's terminal output: the live progress lines, the
// end-of-run summary and the tables of the status and list commands.
package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/go-go-golems/hyve/pkg/state"
)

const (
	IconSuccess = "✓"
	IconError   = "✗"
	IconWarning = "⚠"
	IconRunning = "▶"
	IconPending = "○"
	IconSkipped = "⊘"
	IconBullet  = "◆"
	IconArrow   = "→"
)

// Theme holds the palette and the styles built from it.
type Theme struct {
	Primary   lipgloss.Color
	Secondary lipgloss.Color
	Success   lipgloss.Color
	Warning   lipgloss.Color
	Error     lipgloss.Color
	Muted     lipgloss.Color

	Title   lipgloss.Style
	Dim     lipgloss.Style
	Accent  lipgloss.Style
	OK      lipgloss.Style
	Warn    lipgloss.Style
	Fail    lipgloss.Style
	Pending lipgloss.Style
}

func DefaultTheme() Theme {
	primary := lipgloss.Color("#7C3AED")
	secondary := lipgloss.Color("#06B6D4")
	success := lipgloss.Color("#22C55E")
	warning := lipgloss.Color("#EAB308")
	errorC := lipgloss.Color("#EF4444")
	muted := lipgloss.Color("#6B7280")

	return Theme{
		Primary:   primary,
		Secondary: secondary,
		Success:   success,
		Warning:   warning,
		Error:     errorC,
		Muted:     muted,

		Title:   lipgloss.NewStyle().Bold(true),
		Dim:     lipgloss.NewStyle().Foreground(muted),
		Accent:  lipgloss.NewStyle().Foreground(secondary),
		OK:      lipgloss.NewStyle().Foreground(success),
		Warn:    lipgloss.NewStyle().Foreground(warning),
		Fail:    lipgloss.NewStyle().Foreground(errorC),
		Pending: lipgloss.NewStyle().Foreground(muted),
	}
}

// StatusIcon returns the icon for a service status.
func StatusIcon(st state.Status) string {
	switch st {
	case state.StatusHealthy:
		return IconSuccess
	case state.StatusFailed:
		return IconError
	case state.StatusUnhealthy:
		return IconWarning
	case state.StatusStarting, state.StatusPreparing:
		return IconRunning
	default:
		return IconPending
	}
}

// StatusStyle returns the style a status is rendered in.
func (t Theme) StatusStyle(st state.Status) lipgloss.Style {
	switch st {
	case state.StatusHealthy:
		return t.OK
	case state.StatusFailed:
		return t.Fail
	case state.StatusUnhealthy:
		return t.Warn
	case state.StatusStarting, state.StatusPreparing:
		return t.Accent
	default:
		return t.Pending
	}
}

// Rule is a horizontal separator of width columns.
func (t Theme) Rule(width int) string {
	if width <= 0 {
		width = 50
	}
	return t.Dim.Render(strings.Repeat("─", width))
}
