package components

import "github.com/charmbracelet/lipgloss"

// ANSI palette indexes so the dashboard follows the user's terminal theme.
const (
	ColorAccent  = "11"
	ColorOK      = "2"
	ColorWarning = "3"
	ColorError   = "1"
	ColorFile    = "4"
	ColorMuted   = "8"
)

var (
	textColor = lipgloss.AdaptiveColor{Light: "0", Dark: "15"}
	edgeColor = lipgloss.Color(ColorMuted)
)

func fg(color string) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(lipgloss.Color(color))
}

var (
	HeaderStyle = fg(ColorAccent).Bold(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(edgeColor)

	SectionHeaderStyle = fg(ColorAccent).Underline(true)

	KeyHighlightStyle = fg(ColorAccent).Bold(true)
	ValueStyle        = lipgloss.NewStyle().Foreground(textColor).Bold(true)
	FileStyle         = fg(ColorFile)
	MutedStyle        = fg(ColorMuted)
	WarningStyle      = fg(ColorWarning)
	ErrorStyle        = fg(ColorError).Bold(true)

	StatusConnectedStyle    = fg(ColorOK).Bold(true)
	StatusDisconnectedStyle = fg(ColorError).Bold(true)
)

var (
	MainContentStyle = lipgloss.NewStyle().Padding(1, 2)

	PanelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(edgeColor).
			Padding(0, 1).
			Width(panelWidth)

	FooterStyle = MutedStyle.
			BorderStyle(lipgloss.NormalBorder()).
			BorderTop(true).
			BorderForeground(edgeColor)
)

const panelWidth = 38

// ApplyWidth fits style inside a terminal of the given width, leaving room
// for the outer padding.
func ApplyWidth(style lipgloss.Style, width int) lipgloss.Style {
	return style.Width(max(width-4, 0))
}
