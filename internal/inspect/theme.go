package inspect

import "github.com/charmbracelet/lipgloss"

// Theme centralizes styling for terminal reports.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusPartial lipgloss.Style

	Title  lipgloss.Style
	Header lipgloss.Style
	Label  lipgloss.Style
	Dim    lipgloss.Style
}

func NewDefaultTheme() Theme {
	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusPartial: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Label: lipgloss.NewStyle().Foreground(lipgloss.Color("#874BFD")),
		Dim:   lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
	}
}

// Status styles a run or item status word.
func (t Theme) Status(s string) string {
	switch s {
	case "succeeded":
		return t.StatusOK.Render(s)
	case "running":
		return t.StatusRunning.Render(s)
	case "failed":
		return t.StatusFailed.Render(s)
	case "partial":
		return t.StatusPartial.Render(s)
	default:
		return s
	}
}
