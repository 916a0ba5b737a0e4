package tui

import (
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

// ─── Update ──────────────────────────────────────────────────────────────────

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		return m, nil

	case tea.KeyMsg:
		// Global quit
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.Screen == ScreenSearch && m.SearchInput.Focused() {
			return m.handleSearchInputKeys(msg)
		}
		return m.handleKeyPress(msg.String())

	// ─── Data loaded messages ────────────────────────────────────────────
	case statsLoadedMsg:
		if msg.err != nil {
			m.ErrorMsg = msg.err.Error()
			return m, nil
		}
		m.Stats = msg.stats
		return m, nil

	case searchResultsMsg:
		if msg.err != nil {
			// stay on the input so the query can be fixed
			m.ErrorMsg = msg.err.Error()
			m.SearchInput.Focus()
			return m, nil
		}
		m.SearchResults = msg.results
		m.SearchQuery = msg.query
		m.Screen = ScreenSearchResults
		m.Cursor = 0
		m.Scroll = 0
		return m, nil

	case sessionsMsg:
		if msg.err != nil {
			m.ErrorMsg = msg.err.Error()
			return m, nil
		}
		m.Sessions = msg.sessions
		return m, nil

	case conversationMsg:
		if msg.err != nil {
			m.ErrorMsg = msg.err.Error()
			return m, nil
		}
		m.Conversation = msg.conversation
		m.ConversationLines = conversationLines(msg.conversation)
		m.ConversationScroll = 0
		m.Screen = ScreenConversation
		return m, nil

	case tagsMsg:
		if msg.err != nil {
			m.ErrorMsg = msg.err.Error()
			return m, nil
		}
		m.Tags = msg.tags
		return m, nil

	case indexDoneMsg:
		m.Indexing = false
		if msg.err != nil {
			m.ErrorMsg = msg.err.Error()
			return m, nil
		}
		st := msg.stats
		m.LastIndex = &st
		return m, loadStats(m.svc)

	case spinner.TickMsg:
		if m.Indexing {
			var cmd tea.Cmd
			m.Spinner, cmd = m.Spinner.Update(msg)
			return m, cmd
		}
		return m, nil
	}

	return m, nil
}

// ─── Key Press Router ────────────────────────────────────────────────────────

func (m Model) handleKeyPress(key string) (tea.Model, tea.Cmd) {
	m.ErrorMsg = ""

	switch m.Screen {
	case ScreenDashboard:
		return m.handleDashboardKeys(key)
	case ScreenSearch:
		return m.handleSearchKeys(key)
	case ScreenSearchResults:
		return m.handleSearchResultsKeys(key)
	case ScreenSessions:
		return m.handleSessionsKeys(key)
	case ScreenConversation:
		return m.handleConversationKeys(key)
	case ScreenTags:
		return m.handleTagsKeys(key)
	}
	return m, nil
}

// ─── Dashboard ───────────────────────────────────────────────────────────────

var dashboardMenuItems = []string{
	"Search history",
	"Browse sessions",
	"Tags",
	"Rescan transcripts",
	"Quit",
}

func (m Model) handleDashboardKeys(key string) (tea.Model, tea.Cmd) {
	// rescans are short; keep the dashboard still until one finishes
	if m.Indexing && key != "q" {
		return m, nil
	}
	switch key {
	case "up", "k":
		if m.Cursor > 0 {
			m.Cursor--
		}
	case "down", "j":
		if m.Cursor < len(dashboardMenuItems)-1 {
			m.Cursor++
		}
	case "enter", " ":
		return m.handleDashboardSelection()
	case "s", "/":
		return m.openSearch(ScreenDashboard)
	case "r":
		return m.startIndex()
	case "q":
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) handleDashboardSelection() (tea.Model, tea.Cmd) {
	switch m.Cursor {
	case 0:
		return m.openSearch(ScreenDashboard)
	case 1:
		m.PrevScreen = ScreenDashboard
		m.Screen = ScreenSessions
		m.Cursor = 0
		m.Scroll = 0
		return m, loadSessions(m.svc)
	case 2:
		m.PrevScreen = ScreenDashboard
		m.Screen = ScreenTags
		m.Cursor = 0
		m.Scroll = 0
		return m, loadTags(m.svc)
	case 3:
		return m.startIndex()
	case 4:
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) openSearch(from Screen) (tea.Model, tea.Cmd) {
	m.PrevScreen = from
	m.Screen = ScreenSearch
	m.Cursor = 0
	m.SearchInput.SetValue("")
	m.SearchInput.Focus()
	return m, nil
}

func (m Model) startIndex() (tea.Model, tea.Cmd) {
	if m.Indexing {
		return m, nil
	}
	m.Indexing = true
	return m, tea.Batch(m.Spinner.Tick, runIndex(m.svc))
}

// ─── Search Input ────────────────────────────────────────────────────────────

func (m Model) handleSearchInputKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		q := m.SearchInput.Value()
		if q != "" {
			m.ErrorMsg = ""
			m.SearchInput.Blur()
			return m, searchHistory(m.svc, q)
		}
		return m, nil
	case "esc":
		m.SearchInput.Blur()
		m.Screen = m.PrevScreen
		m.Cursor = 0
		return m, nil
	}

	var cmd tea.Cmd
	m.SearchInput, cmd = m.SearchInput.Update(msg)
	return m, cmd
}

func (m Model) handleSearchKeys(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "esc", "q":
		m.Screen = m.PrevScreen
		m.Cursor = 0
		return m, nil
	case "i", "/":
		m.SearchInput.Focus()
		return m, nil
	}
	return m, nil
}

// ─── Search Results ──────────────────────────────────────────────────────────

func (m Model) handleSearchResultsKeys(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "up", "k":
		m.moveUp()
	case "down", "j":
		m.moveDown(len(m.SearchResults), m.resultsVisible())
	case "enter":
		if m.Cursor < len(m.SearchResults) {
			hit := m.SearchResults[m.Cursor]
			m.PrevScreen = ScreenSearchResults
			return m, loadConversation(m.svc, hit.SessionID, hit.Timestamp)
		}
	case "/", "s":
		m.PrevScreen = ScreenSearchResults
		m.Screen = ScreenSearch
		m.SearchInput.Focus()
		return m, nil
	case "esc", "q":
		m.PrevScreen = ScreenDashboard
		m.Screen = ScreenSearch
		m.Cursor = 0
		m.Scroll = 0
		m.SearchInput.Focus()
		return m, nil
	}
	return m, nil
}

// ─── Sessions ────────────────────────────────────────────────────────────────

func (m Model) handleSessionsKeys(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "up", "k":
		m.moveUp()
	case "down", "j":
		m.moveDown(len(m.Sessions), m.sessionsVisible())
	case "enter":
		if m.Cursor < len(m.Sessions) {
			m.SelectedSessionIdx = m.Cursor
			m.PrevScreen = ScreenSessions
			return m, loadConversation(m.svc, m.Sessions[m.Cursor].ID, "")
		}
	case "esc", "q":
		m.Screen = ScreenDashboard
		m.Cursor = 0
		m.Scroll = 0
		return m, loadStats(m.svc)
	}
	return m, nil
}

// ─── Conversation ────────────────────────────────────────────────────────────

func (m Model) handleConversationKeys(key string) (tea.Model, tea.Cmd) {
	page := m.conversationVisible()
	maxScroll := len(m.ConversationLines) - page
	if maxScroll < 0 {
		maxScroll = 0
	}

	switch key {
	case "up", "k":
		if m.ConversationScroll > 0 {
			m.ConversationScroll--
		}
	case "down", "j":
		if m.ConversationScroll < maxScroll {
			m.ConversationScroll++
		}
	case "pgup", "b":
		m.ConversationScroll -= page
		if m.ConversationScroll < 0 {
			m.ConversationScroll = 0
		}
	case "pgdown", "f", " ":
		m.ConversationScroll += page
		if m.ConversationScroll > maxScroll {
			m.ConversationScroll = maxScroll
		}
	case "g":
		m.ConversationScroll = 0
	case "G":
		m.ConversationScroll = maxScroll
	case "esc", "q":
		m.Screen = m.PrevScreen
		m.ConversationScroll = 0
		if m.PrevScreen == ScreenSessions {
			m.Cursor = m.SelectedSessionIdx
		}
		return m, nil
	}
	return m, nil
}

// ─── Tags ────────────────────────────────────────────────────────────────────

func (m Model) handleTagsKeys(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "up", "k":
		m.moveUp()
	case "down", "j":
		m.moveDown(len(m.Tags), m.sessionsVisible())
	case "esc", "q":
		m.Screen = ScreenDashboard
		m.Cursor = 0
		m.Scroll = 0
		return m, loadStats(m.svc)
	}
	return m, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (m *Model) moveUp() {
	if m.Cursor > 0 {
		m.Cursor--
		if m.Cursor < m.Scroll {
			m.Scroll = m.Cursor
		}
	}
}

func (m *Model) moveDown(count, visible int) {
	if m.Cursor < count-1 {
		m.Cursor++
		if m.Cursor >= m.Scroll+visible {
			m.Scroll = m.Cursor - visible + 1
		}
	}
}

// 2 lines per hit
func (m Model) resultsVisible() int {
	n := (m.Height - 10) / 2
	if n < 3 {
		n = 3
	}
	return n
}

func (m Model) sessionsVisible() int {
	n := m.Height - 8
	if n < 5 {
		n = 5
	}
	return n
}

func (m Model) conversationVisible() int {
	n := m.Height - 8
	if n < 5 {
		n = 5
	}
	return n
}
