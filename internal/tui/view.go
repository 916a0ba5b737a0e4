package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattpollak/context-flow/internal/format"
	"github.com/mattpollak/context-flow/internal/store"
)

// ─── Logo ────────────────────────────────────────────────────────────────────

func renderLogo(version string) string {
	frameStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorOverlay).
		Padding(0, 2).
		MarginBottom(1)

	nameStyle := lipgloss.NewStyle().Foreground(colorLavender).Bold(true)
	taglineStyle := lipgloss.NewStyle().Foreground(colorSubtext).Italic(true)

	title := nameStyle.Render("context-flow")
	if version != "" {
		title += " " + timestampStyle.Render("v"+version)
	}
	return frameStyle.Render(title+"\n"+taglineStyle.Render("search what you and your assistant already said")) + "\n"
}

// ─── View (main router) ─────────────────────────────────────────────────────

func (m Model) View() string {
	var content string

	switch m.Screen {
	case ScreenDashboard:
		content = m.viewDashboard()
	case ScreenSearch:
		content = m.viewSearch()
	case ScreenSearchResults:
		content = m.viewSearchResults()
	case ScreenSessions:
		content = m.viewSessions()
	case ScreenConversation:
		content = m.viewConversation()
	case ScreenTags:
		content = m.viewTags()
	default:
		content = "Unknown screen"
	}

	if m.ErrorMsg != "" {
		content += "\n" + errorStyle.Render("Error: "+m.ErrorMsg)
	}

	return appStyle.Render(content)
}

// ─── Dashboard ───────────────────────────────────────────────────────────────

func (m Model) viewDashboard() string {
	var b strings.Builder

	b.WriteString(renderLogo(m.Version))
	b.WriteString("\n")

	if m.Stats != nil {
		statsContent := fmt.Sprintf(
			"%s %s\n%s %s\n%s %s\n%s %s",
			statNumberStyle.Render(fmt.Sprintf("%d", m.Stats.Sessions)),
			statLabelStyle.Render("sessions"),
			statNumberStyle.Render(fmt.Sprintf("%d", m.Stats.Messages)),
			statLabelStyle.Render("messages"),
			statNumberStyle.Render(fmt.Sprintf("%d", m.Stats.Files)),
			statLabelStyle.Render("files"),
			statNumberStyle.Render(fmt.Sprintf("%d", m.Stats.MessageTags+m.Stats.SessionTags)),
			statLabelStyle.Render("tags"),
		)
		b.WriteString(statCardStyle.Render(statsContent))
		b.WriteString("\n")

		if len(m.Stats.Projects) > 0 {
			b.WriteString(titleStyle.Render("  Projects"))
			b.WriteString("\n")

			limit := 5
			for i, p := range m.Stats.Projects {
				if i >= limit {
					break
				}
				b.WriteString(listItemStyle.Render("• " + p))
				b.WriteString("\n")
			}
			if len(m.Stats.Projects) > limit {
				remaining := len(m.Stats.Projects) - limit
				b.WriteString(fmt.Sprintf("    %s\n", timestampStyle.Render(fmt.Sprintf("...and %d more projects", remaining))))
			}
			b.WriteString("\n")
		}
	} else {
		b.WriteString(statCardStyle.Render("Loading stats..."))
		b.WriteString("\n")
	}

	switch {
	case m.Indexing:
		b.WriteString(fmt.Sprintf("  %s %s\n\n", m.Spinner.View(), detailValueStyle.Render("Scanning transcripts...")))
	case m.LastIndex != nil:
		st := m.LastIndex
		b.WriteString(fmt.Sprintf("  %s\n\n", successStyle.Render(fmt.Sprintf(
			"✓ Indexed %d messages from %d files in %.1fs", st.Messages, st.Files, st.DurationSeconds))))
	}

	b.WriteString(titleStyle.Render("  Actions"))
	b.WriteString("\n")
	for i, item := range dashboardMenuItems {
		if i == m.Cursor {
			b.WriteString(menuSelectedStyle.Render("▸ " + item))
		} else {
			b.WriteString(menuItemStyle.Render("  " + item))
		}
		b.WriteString("\n")
	}

	b.WriteString(helpStyle.Render("\n  j/k navigate • enter select • s search • r rescan • q quit"))

	return b.String()
}

// ─── Search ──────────────────────────────────────────────────────────────────

func (m Model) viewSearch() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("  Search History"))
	b.WriteString("\n\n")

	b.WriteString(searchInputStyle.Render(m.SearchInput.View()))
	b.WriteString("\n\n")

	b.WriteString(helpStyle.Render("  words, \"exact phrase\", AND/OR/NOT, prefix* • enter search • esc back"))

	return b.String()
}

// ─── Search Results ──────────────────────────────────────────────────────────

func (m Model) viewSearchResults() string {
	var b strings.Builder

	count := len(m.SearchResults)
	header := fmt.Sprintf("  Search: %q (%d result", m.SearchQuery, count)
	if count != 1 {
		header += "s"
	}
	b.WriteString(headerStyle.Render(header + ")"))
	b.WriteString("\n")

	if count == 0 {
		b.WriteString(noResultsStyle.Render("No messages found. Try a different query."))
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("  / new search • esc back"))
		return b.String()
	}

	visible := m.resultsVisible()
	end := min(m.Scroll+visible, count)

	for i := m.Scroll; i < end; i++ {
		h := m.SearchResults[i]
		cursor, style := m.cursorFor(i)

		session := h.Slug
		if session == "" {
			session = shortID(h.SessionID)
		}
		if h.SessionNumber > 0 {
			session += fmt.Sprintf(" #%d", h.SessionNumber)
		}

		b.WriteString(fmt.Sprintf("%s%s %s %s  %s\n",
			cursor,
			roleBadgeStyle.Render(fmt.Sprintf("[%-9s]", h.Role)),
			style.Render(truncateStr(session, 40)),
			projectStyle.Render(h.ProjectDir),
			timestampStyle.Render(h.Timestamp)))
		b.WriteString(contentPreviewStyle.Render(truncateStr(h.Snippet, 100)) + "\n")
	}

	if count > visible {
		b.WriteString(fmt.Sprintf("\n  %s",
			timestampStyle.Render(fmt.Sprintf("showing %d-%d of %d", m.Scroll+1, end, count))))
	}

	b.WriteString(helpStyle.Render("\n  j/k navigate • enter open conversation • / search • esc back"))

	return b.String()
}

// ─── Sessions ────────────────────────────────────────────────────────────────

func (m Model) viewSessions() string {
	var b strings.Builder

	count := len(m.Sessions)
	b.WriteString(headerStyle.Render(fmt.Sprintf("  Sessions (%d)", count)))
	b.WriteString("\n")

	if count == 0 {
		b.WriteString(noResultsStyle.Render("No sessions indexed yet. Rescan from the dashboard."))
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("  esc back"))
		return b.String()
	}

	visible := m.sessionsVisible()
	end := min(m.Scroll+visible, count)

	for i := m.Scroll; i < end; i++ {
		s := m.Sessions[i]
		cursor, style := m.cursorFor(i)

		name := s.Slug
		if name == "" {
			name = shortID(s.ID)
		}
		line := fmt.Sprintf("%s%s  %s  %s msgs  %s",
			cursor,
			projectStyle.Render(fmt.Sprintf("%-24s", truncateStr(s.ProjectDir, 24))),
			timestampStyle.Render(format.DateRange([]store.Session{s})),
			statNumberStyle.Render(fmt.Sprintf("%d", s.MessageCount)),
			style.Render(truncateStr(name, 40)))
		if len(s.Tags) > 0 {
			line += "  " + tagStyle.Render(truncateStr(strings.Join(s.Tags, " "), 40))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if count > visible {
		b.WriteString(fmt.Sprintf("\n  %s",
			timestampStyle.Render(fmt.Sprintf("showing %d-%d of %d", m.Scroll+1, end, count))))
	}

	b.WriteString(helpStyle.Render("\n  j/k navigate • enter read conversation • esc back"))

	return b.String()
}

// ─── Conversation ────────────────────────────────────────────────────────────

func (m Model) viewConversation() string {
	var b strings.Builder

	if m.Conversation == nil {
		b.WriteString(headerStyle.Render("  Conversation"))
		b.WriteString("\n")
		b.WriteString(noResultsStyle.Render("Loading..."))
		return b.String()
	}

	title := m.Conversation.Slug
	if title == "" && len(m.Conversation.Sessions) > 0 {
		title = shortID(m.Conversation.Sessions[0].ID)
	}
	b.WriteString(headerStyle.Render(fmt.Sprintf("  %s (%d messages)", title, m.Conversation.MessageCount)))
	b.WriteString("\n")

	lines := m.ConversationLines
	visible := m.conversationVisible()
	end := min(m.ConversationScroll+visible, len(lines))

	for i := m.ConversationScroll; i < end; i++ {
		b.WriteString(renderMarkdownLine(lines[i]))
		b.WriteString("\n")
	}

	if len(lines) > visible {
		b.WriteString(fmt.Sprintf("\n  %s",
			timestampStyle.Render(fmt.Sprintf("line %d-%d of %d", m.ConversationScroll+1, end, len(lines)))))
	}

	b.WriteString(helpStyle.Render("\n  j/k scroll • f/b page • g/G top/bottom • esc back"))

	return b.String()
}

// renderMarkdownLine colours the headings and role labels produced by the
// markdown formatter; everything else is shown as is.
func renderMarkdownLine(line string) string {
	switch {
	case strings.HasPrefix(line, "## "), strings.HasPrefix(line, "### "):
		return sectionHeadingStyle.Render(line)
	case strings.HasPrefix(line, "**"):
		return roleBadgeStyle.Render(line)
	case strings.HasPrefix(line, "---"):
		return ruleStyle.Render(line)
	default:
		return detailContentStyle.Render(line)
	}
}

// ─── Tags ────────────────────────────────────────────────────────────────────

func (m Model) viewTags() string {
	var b strings.Builder

	count := len(m.Tags)
	b.WriteString(headerStyle.Render(fmt.Sprintf("  Tags (%d)", count)))
	b.WriteString("\n")

	if count == 0 {
		b.WriteString(noResultsStyle.Render("No tags yet."))
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("  esc back"))
		return b.String()
	}

	visible := m.sessionsVisible()
	end := min(m.Scroll+visible, count)

	for i := m.Scroll; i < end; i++ {
		t := m.Tags[i]
		cursor, style := m.cursorFor(i)
		b.WriteString(fmt.Sprintf("%s%s %s  %s auto  %s manual\n",
			cursor,
			style.Render(fmt.Sprintf("%-32s", truncateStr(t.Tag, 32))),
			timestampStyle.Render(fmt.Sprintf("%-8s", t.Scope)),
			statNumberStyle.Render(fmt.Sprintf("%d", t.Auto)),
			statNumberStyle.Render(fmt.Sprintf("%d", t.Manual))))
	}

	if count > visible {
		b.WriteString(fmt.Sprintf("\n  %s",
			timestampStyle.Render(fmt.Sprintf("showing %d-%d of %d", m.Scroll+1, end, count))))
	}

	b.WriteString(helpStyle.Render("\n  j/k navigate • esc back"))

	return b.String()
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (m Model) cursorFor(i int) (string, lipgloss.Style) {
	if i == m.Cursor {
		return "▸ ", listSelectedStyle
	}
	return "  ", listItemStyle
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncateStr(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
