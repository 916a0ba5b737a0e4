// Package tui implements the Bubbletea terminal browser for the transcript
// index.
//
// Layout follows the usual Bubbletea shape:
// - Screen constants as iota
// - Single Model struct holds ALL state
// - Update() with type switch
// - Per-screen key handlers returning (tea.Model, tea.Cmd)
// - Vim keys (j/k) for navigation
// - PrevScreen for back navigation
package tui

import (
	"context"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattpollak/context-flow/internal/format"
	"github.com/mattpollak/context-flow/internal/indexer"
	"github.com/mattpollak/context-flow/internal/query"
	"github.com/mattpollak/context-flow/internal/store"
)

// ─── Screens ─────────────────────────────────────────────────────────────────

type Screen int

const (
	ScreenDashboard Screen = iota
	ScreenSearch
	ScreenSearchResults
	ScreenSessions
	ScreenConversation
	ScreenTags
)

const (
	searchLimit  = 50
	sessionLimit = 100
)

// ─── Custom Messages ─────────────────────────────────────────────────────────

type statsLoadedMsg struct {
	stats *store.Stats
	err   error
}

type searchResultsMsg struct {
	results []store.SearchHit
	query   string
	err     error
}

type sessionsMsg struct {
	sessions []store.Session
	err      error
}

type conversationMsg struct {
	conversation *query.Conversation
	err          error
}

type tagsMsg struct {
	tags []store.TagCount
	err  error
}

type indexDoneMsg struct {
	stats indexer.Stats
	err   error
}

// ─── Model ───────────────────────────────────────────────────────────────────

type Model struct {
	svc        *query.Service
	Version    string
	Screen     Screen
	PrevScreen Screen
	Width      int
	Height     int
	Cursor     int
	Scroll     int

	ErrorMsg string

	// Dashboard
	Stats     *store.Stats
	LastIndex *indexer.Stats
	Indexing  bool
	Spinner   spinner.Model

	// Search
	SearchInput   textinput.Model
	SearchQuery   string
	SearchResults []store.SearchHit

	// Sessions
	Sessions           []store.Session
	SelectedSessionIdx int

	// Conversation
	Conversation       *query.Conversation
	ConversationLines  []string
	ConversationScroll int

	// Tags
	Tags []store.TagCount
}

// New creates a TUI model backed by svc.
func New(svc *query.Service, version string) Model {
	ti := textinput.New()
	ti.Placeholder = "Search transcripts (FTS5 syntax)..."
	ti.CharLimit = 256
	ti.Width = 60

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(colorLavender)

	return Model{
		svc:         svc,
		Version:     version,
		Screen:      ScreenDashboard,
		SearchInput: ti,
		Spinner:     sp,
	}
}

// Init loads the dashboard stats.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		loadStats(m.svc),
		tea.EnterAltScreen,
	)
}

// ─── Commands (data loading) ─────────────────────────────────────────────────

func loadStats(svc *query.Service) tea.Cmd {
	return func() tea.Msg {
		stats, err := svc.Stats(context.Background())
		return statsLoadedMsg{stats: stats, err: err}
	}
}

func searchHistory(svc *query.Service, q string) tea.Cmd {
	return func() tea.Msg {
		results, err := svc.SearchHistory(context.Background(), query.SearchParams{Query: q, Limit: searchLimit})
		return searchResultsMsg{results: results, query: q, err: err}
	}
}

func loadSessions(svc *query.Service) tea.Cmd {
	return func() tea.Msg {
		sessions, err := svc.ListSessions(context.Background(), query.SessionParams{Limit: sessionLimit})
		return sessionsMsg{sessions: sessions, err: err}
	}
}

// loadConversation opens a session; a non-empty around centers the window
// on that timestamp.
func loadConversation(svc *query.Service, id, around string) tea.Cmd {
	return func() tea.Msg {
		conv, err := svc.GetConversation(context.Background(), query.ConversationParams{
			ID:              id,
			AroundTimestamp: around,
			Limit:           query.DefaultConversationLimit,
		})
		return conversationMsg{conversation: conv, err: err}
	}
}

func loadTags(svc *query.Service) tea.Cmd {
	return func() tea.Msg {
		tags, err := svc.ListTags(context.Background(), "")
		return tagsMsg{tags: tags, err: err}
	}
}

func runIndex(svc *query.Service) tea.Cmd {
	return func() tea.Msg {
		st, err := svc.Index(context.Background())
		return indexDoneMsg{stats: st, err: err}
	}
}

func conversationLines(conv *query.Conversation) []string {
	if conv == nil {
		return nil
	}
	return strings.Split(strings.TrimRight(format.Conversation(conv.Sessions, conv.Messages), "\n"), "\n")
}
