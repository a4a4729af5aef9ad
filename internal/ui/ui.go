// Package ui provides the styled terminal output used by the CLI.
// Styling degrades gracefully: when stdout is not a TTY or the
// terminal reports no color support, all render helpers return plain
// text.
package ui

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	// Colors
	Accent  = lipgloss.Color("#7C3AED") // Purple
	Pass    = lipgloss.Color("#10B981") // Green
	Warn    = lipgloss.Color("#F59E0B") // Amber
	Fail    = lipgloss.Color("#EF4444") // Red
	Muted   = lipgloss.Color("#6B7280") // Gray
	Surface = lipgloss.Color("#1F2937")
	White   = lipgloss.Color("#FFFFFF")

	accentStyle = lipgloss.NewStyle().Foreground(Accent).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(Pass).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(Warn).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(Fail).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(Muted)

	onlineBadge = lipgloss.NewStyle().
			Background(Pass).
			Foreground(White).
			Padding(0, 1).
			Bold(true)

	offlineBadge = lipgloss.NewStyle().
			Background(Surface).
			Foreground(Warn).
			Padding(0, 1).
			Bold(true)

	Header = lipgloss.NewStyle().
		Bold(true).
		Foreground(Accent).
		MarginBottom(1)
)

// Colorized reports whether styled output should be produced.
func Colorized() bool {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return false
	}
	return termenv.ColorProfile() != termenv.Ascii
}

func render(style lipgloss.Style, s string) string {
	if !Colorized() {
		return s
	}
	return style.Render(s)
}

// RenderAccent styles s in the accent color.
func RenderAccent(s string) string { return render(accentStyle, s) }

// RenderPass styles s as a success.
func RenderPass(s string) string { return render(passStyle, s) }

// RenderWarn styles s as a warning.
func RenderWarn(s string) string { return render(warnStyle, s) }

// RenderFail styles s as a failure.
func RenderFail(s string) string { return render(failStyle, s) }

// RenderMuted styles s as secondary text.
func RenderMuted(s string) string { return render(mutedStyle, s) }

// OnlineBadge renders the connectivity state as a badge.
func OnlineBadge(online bool) string {
	if online {
		return render(onlineBadge, "ONLINE")
	}
	return render(offlineBadge, "OFFLINE")
}

// PendingBadge renders the queue depth, colored by severity: green
// when empty, amber with a count otherwise.
func PendingBadge(count int) string {
	if count == 0 {
		return RenderPass("queue empty")
	}
	noun := "operations"
	if count == 1 {
		noun = "operation"
	}
	return RenderWarn(fmt.Sprintf("%d pending %s", count, noun))
}
