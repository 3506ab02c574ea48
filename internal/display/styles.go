// Package display renders fetch progress to a terminal using lipgloss
// styles and golang.org/x/term for width detection.
package display

import "github.com/charmbracelet/lipgloss"

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	barFill    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	barEmpty   = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
	statStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

// Title renders a section heading, e.g. the URL being fetched.
func Title(s string) string {
	return titleStyle.Render(s)
}

// Err renders a terminal failure message.
func Err(s string) string {
	return errStyle.Render(s)
}

// Stat renders a dim secondary statistic (speed, ETA, retry count).
func Stat(s string) string {
	return statStyle.Render(s)
}
