package monitor

import "github.com/charmbracelet/lipgloss"

var (
	colorText   = lipgloss.AdaptiveColor{Light: "0", Dark: "15"}
	colorDim    = lipgloss.AdaptiveColor{Light: "242", Dark: "240"}
	colorAccent = lipgloss.AdaptiveColor{Light: "56", Dark: "99"}
	colorGreen  = lipgloss.AdaptiveColor{Light: "28", Dark: "40"}
	colorYellow = lipgloss.AdaptiveColor{Light: "136", Dark: "220"}
	colorRed    = lipgloss.AdaptiveColor{Light: "160", Dark: "196"}
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	footerStyle = lipgloss.NewStyle().Foreground(colorDim)
	keyStyle    = lipgloss.NewStyle().Foreground(colorText)
	valueStyle  = lipgloss.NewStyle().Foreground(colorGreen)
	staleStyle  = lipgloss.NewStyle().Foreground(colorDim).Italic(true)
	flashStyle  = lipgloss.NewStyle().Foreground(colorYellow).Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(colorRed)
)
