package tui

import "github.com/charmbracelet/lipgloss"

// Colors used throughout the TUI.
var (
	ColorRed     = lipgloss.Color("#FF5F5F")
	ColorGreen   = lipgloss.Color("#5FD787")
	ColorYellow  = lipgloss.Color("#FFD75F")
	ColorCyan    = lipgloss.Color("#5FD7FF")
	ColorGray    = lipgloss.Color("#767676")
	ColorDimGray = lipgloss.Color("#444444")
	ColorWhite   = lipgloss.Color("#FFFFFF")
)

var (
	TitleStyle        = lipgloss.NewStyle().Bold(true).Foreground(ColorCyan)
	StatusStyle       = lipgloss.NewStyle().Foreground(ColorGray)
	RecordingDotStyle = lipgloss.NewStyle().Foreground(ColorRed).Bold(true)
	IdleDotStyle      = lipgloss.NewStyle().Foreground(ColorGray)
	InterviewerStyle  = lipgloss.NewStyle().Foreground(ColorCyan).Bold(true)
	CandidateStyle    = lipgloss.NewStyle().Foreground(ColorGreen).Bold(true)
	PartialTextStyle  = lipgloss.NewStyle().Foreground(ColorYellow)
	IndicatorStyle    = lipgloss.NewStyle().Foreground(ColorYellow).Italic(true)
	ErrorStyle        = lipgloss.NewStyle().Foreground(ColorRed).Bold(true)
	WarningBoxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(ColorYellow).Padding(0, 1)
	HandoffStyle      = lipgloss.NewStyle().Foreground(ColorWhite).Bold(true)
	FooterKeyStyle    = lipgloss.NewStyle().Foreground(ColorYellow).Bold(true)
	FooterDescStyle   = lipgloss.NewStyle().Foreground(ColorGray)
	DividerStyle      = lipgloss.NewStyle().Foreground(ColorDimGray)
)
