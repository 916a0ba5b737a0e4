package tui

import "github.com/charmbracelet/lipgloss"

// ─── Colors ──────────────────────────────────────────────────────────────────

var (
	colorOverlay  = lipgloss.Color("#6e6a86") // borders
	colorText     = lipgloss.Color("#e0def4")
	colorSubtext  = lipgloss.Color("#908caa")
	colorLavender = lipgloss.Color("#c4a7e7") // primary
	colorGreen    = lipgloss.Color("#9ccfd8")
	colorPeach    = lipgloss.Color("#f6c177")
	colorRed      = lipgloss.Color("#eb6f92")
	colorMauve    = lipgloss.Color("#ebbcba")
	colorYellow   = lipgloss.Color("#f1ca93")
	colorBlue     = lipgloss.Color("#31748f")
)

// ─── Layout Styles ───────────────────────────────────────────────────────────

var (
	appStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Padding(1, 2)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorLavender).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(colorOverlay).
			PaddingBottom(1).
			MarginBottom(1)

	helpStyle = lipgloss.NewStyle().
			Foreground(colorSubtext).
			MarginTop(1)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true).
			Padding(0, 1)

	successStyle = lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true)
)

// ─── Dashboard Styles ────────────────────────────────────────────────────────

var (
	statNumberStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorGreen).
			Width(8).
			Align(lipgloss.Right)

	statLabelStyle = lipgloss.NewStyle().
			Foreground(colorText).
			PaddingLeft(2)

	statCardStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(colorOverlay).
			Padding(1, 2).
			MarginBottom(1)

	menuItemStyle = lipgloss.NewStyle().
			Foreground(colorText).
			PaddingLeft(2)

	menuSelectedStyle = lipgloss.NewStyle().
				Foreground(colorLavender).
				Bold(true).
				PaddingLeft(1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorMauve).
			MarginBottom(1)
)

// ─── List Styles ─────────────────────────────────────────────────────────────

var (
	listItemStyle = lipgloss.NewStyle().
			Foreground(colorText).
			PaddingLeft(2)

	listSelectedStyle = lipgloss.NewStyle().
				Foreground(colorLavender).
				Bold(true).
				PaddingLeft(1)

	roleBadgeStyle = lipgloss.NewStyle().
			Foreground(colorPeach).
			Bold(true)

	tagStyle = lipgloss.NewStyle().
			Foreground(colorBlue)

	timestampStyle = lipgloss.NewStyle().
			Foreground(colorSubtext).
			Italic(true)

	projectStyle = lipgloss.NewStyle().
			Foreground(colorYellow)

	contentPreviewStyle = lipgloss.NewStyle().
				Foreground(colorSubtext).
				PaddingLeft(4)
)

// ─── Conversation Styles ─────────────────────────────────────────────────────

var (
	sectionHeadingStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(colorMauve)

	detailContentStyle = lipgloss.NewStyle().
				Foreground(colorText).
				PaddingLeft(2)

	detailValueStyle = lipgloss.NewStyle().
				Foreground(colorText)

	ruleStyle = lipgloss.NewStyle().
				Foreground(colorOverlay)
)

// ─── Search Styles ───────────────────────────────────────────────────────────

var (
	searchInputStyle = lipgloss.NewStyle().
				BorderStyle(lipgloss.NormalBorder()).
				BorderForeground(colorLavender).
				Foreground(colorText).
				Padding(0, 1).
				MarginBottom(1)

	noResultsStyle = lipgloss.NewStyle().
			Foreground(colorSubtext).
			Italic(true).
			PaddingLeft(2).
			MarginTop(1)
)
