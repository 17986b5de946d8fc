package presenter

import "github.com/charmbracelet/lipgloss"

var (
	Accent = lipgloss.Color("#00D4FF")
	Subtle = lipgloss.Color("#555555")
	Green  = lipgloss.Color("#04B575")
	Red    = lipgloss.Color("#FF4444")

	TitleStyle    = lipgloss.NewStyle().Bold(true).Foreground(Accent)
	AgentLabel    = lipgloss.NewStyle().Bold(true).Foreground(Accent)
	UserLabel     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#AAAAAA"))
	DividerStyle  = lipgloss.NewStyle().Foreground(Subtle).Bold(true)
	PreviousStyle = lipgloss.NewStyle().Foreground(Subtle)
	PartialStyle  = lipgloss.NewStyle().Italic(true)
	ErrStyle      = lipgloss.NewStyle().Foreground(Red)
	OkStyle       = lipgloss.NewStyle().Foreground(Green).Bold(true)
	DimStyle      = lipgloss.NewStyle().Foreground(Subtle)
)

// StatusBadge renders a check or a cross.
func StatusBadge(ok bool) string {
	if ok {
		return OkStyle.Render("✓")
	}
	return DimStyle.Render("✗")
}
