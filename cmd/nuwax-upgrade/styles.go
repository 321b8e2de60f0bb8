package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Color palette for consistent theming
var (
	ColorPrimary   = lipgloss.Color("#7D56F4") // Purple
	ColorSecondary = lipgloss.Color("#6C757D") // Gray
	ColorSuccess   = lipgloss.Color("#28A745") // Green
	ColorWarning   = lipgloss.Color("#FFC107") // Yellow
	ColorError     = lipgloss.Color("#DC3545") // Red
	ColorInfo      = lipgloss.Color("#17A2B8") // Blue
	ColorMuted     = lipgloss.Color("#6C757D")
)

// Status indicator symbols
const (
	SymbolSuccess    = "✓"
	SymbolError      = "✗"
	SymbolWarning    = "⚠"
	SymbolInProgress = "⟳"
	SymbolPending    = "○"
	SymbolArrow      = "→"
	SymbolBullet     = "•"
)

// Styles holds the output styles of the command line.
type Styles struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style
	Muted   lipgloss.Style
	Box     lipgloss.Style

	TableHeader lipgloss.Style
	TableCell   lipgloss.Style
}

// DefaultStyles returns the default style configuration
func DefaultStyles() *Styles {
	return &Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary).
			MarginBottom(1),

		Label: lipgloss.NewStyle().
			Bold(true).
			Width(14),

		Success: lipgloss.NewStyle().
			Foreground(ColorSuccess),

		Error: lipgloss.NewStyle().
			Foreground(ColorError),

		Warning: lipgloss.NewStyle().
			Foreground(ColorWarning),

		Info: lipgloss.NewStyle().
			Foreground(ColorInfo),

		Muted: lipgloss.NewStyle().
			Foreground(ColorMuted),

		Box: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorSecondary).
			Padding(0, 1),

		TableHeader: lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary),

		TableCell: lipgloss.NewStyle().
			PaddingRight(2),
	}
}

// StatusIcon returns a styled icon for an attempt status or strategy.
func (s *Styles) StatusIcon(status string) string {
	switch status {
	case "completed", "patch", "full":
		return s.Success.Render(SymbolSuccess)
	case "failed":
		return s.Error.Render(SymbolError)
	case "rolled_back":
		return s.Warning.Render(SymbolWarning)
	case "running":
		return s.Info.Render(SymbolInProgress)
	case "pending":
		return s.Muted.Render(SymbolPending)
	default:
		return s.Muted.Render(SymbolBullet)
	}
}

// Field renders one "label value" line.
func (s *Styles) Field(label, value string) string {
	return s.Label.Render(label) + value
}

// Table renders rows under a header with columns padded to the widest cell.
func (s *Styles) Table(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	var b strings.Builder
	line := func(cells []string, style lipgloss.Style) {
		for i, cell := range cells {
			if i >= len(widths) {
				break
			}
			b.WriteString(s.TableCell.Render(style.Width(widths[i]).Render(cell)))
		}
		b.WriteString("\n")
	}
	line(header, s.TableHeader)
	for _, row := range rows {
		line(row, lipgloss.NewStyle())
	}
	return b.String()
}

// FormatDuration formats duration into a human-readable string
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
