// Package ui provides styled terminal output for the CLI. Styling
// degrades to plain text on dumb terminals and non-TTY output.
package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

// Plain reports whether styling should be skipped entirely.
func Plain() bool {
	return termenv.EnvColorProfile() == termenv.Ascii
}

// OK renders s as a success.
func OK(s string) string {
	if Plain() {
		return s
	}
	return okStyle.Render(s)
}

// Warn renders s as a warning.
func Warn(s string) string {
	if Plain() {
		return s
	}
	return warnStyle.Render(s)
}

// Err renders s as an error.
func Err(s string) string {
	if Plain() {
		return s
	}
	return errStyle.Render(s)
}

// Accent renders s highlighted, for identifiers and counts.
func Accent(s string) string {
	if Plain() {
		return s
	}
	return accentStyle.Render(s)
}

// Dim renders s de-emphasized, for metadata lines.
func Dim(s string) string {
	if Plain() {
		return s
	}
	return dimStyle.Render(s)
}
