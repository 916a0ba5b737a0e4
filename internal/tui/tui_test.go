package tui

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"github.com/mattpollak/context-flow/internal/indexer"
	"github.com/mattpollak/context-flow/internal/query"
	"github.com/mattpollak/context-flow/internal/store"
)

const tuiSession = "cccccccc-0000-4000-8000-000000000003"

func newTestModel(t *testing.T) Model {
	t.Helper()
	base := t.TempDir()
	cfg := store.DefaultConfig()
	cfg.DataDir = filepath.Join(base, "data")

	s, err := store.New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	dir := filepath.Join(base, "projects", "-home-dev-tui")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	lines := []string{
		`{"type":"user","sessionId":"` + tuiSession + `","slug":"quiet-harbor","timestamp":"2026-02-02T08:00:00Z","message":{"role":"user","content":"wire the router into main"}}`,
		`{"type":"assistant","sessionId":"` + tuiSession + `","timestamp":"2026-02-02T08:01:00Z","message":{"content":[{"type":"text","text":"Done, the handlers are mounted."}]}}`,
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, tuiSession+".jsonl"), []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	ix := indexer.New(s, indexer.Options{TranscriptRoot: filepath.Join(base, "projects"), Workers: 1})
	return New(query.New(s, ix, query.DefaultLimits()), "test")
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	out, ok := next.(Model)
	if !ok {
		t.Fatalf("unexpected model type %T", next)
	}
	return out, cmd
}

// run executes a data-loading command and feeds its message back.
func run(t *testing.T, m Model, cmd tea.Cmd) (Model, tea.Cmd) {
	t.Helper()
	require.NotNil(t, cmd)
	return update(t, m, cmd())
}

func keys(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func indexed(t *testing.T, m Model) Model {
	t.Helper()
	m, _ = update(t, m, keys("r"))
	require.True(t, m.Indexing)
	m, cmd := run(t, m, runIndex(m.svc))
	require.False(t, m.Indexing)
	require.NotNil(t, m.LastIndex)
	require.Equal(t, 2, m.LastIndex.Messages)
	m, _ = run(t, m, cmd)
	require.NotNil(t, m.Stats)
	return m
}

func TestDashboardRescanLoadsStats(t *testing.T) {
	m := indexed(t, newTestModel(t))

	require.Equal(t, 1, m.Stats.Sessions)
	view := m.View()
	require.Contains(t, view, "context-flow")
	require.Contains(t, view, "/home/dev/tui")
	require.Contains(t, view, "Indexed 2 messages")
}

func TestSearchOpensConversationAroundHit(t *testing.T) {
	m := indexed(t, newTestModel(t))

	m, _ = update(t, m, keys("s"))
	require.Equal(t, ScreenSearch, m.Screen)
	require.True(t, m.SearchInput.Focused())

	m, _ = update(t, m, keys("router"))
	require.Equal(t, "router", m.SearchInput.Value())

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	m, _ = run(t, m, cmd)
	require.Equal(t, ScreenSearchResults, m.Screen)
	require.Len(t, m.SearchResults, 1)
	require.Contains(t, m.View(), "quiet-harbor #1")

	m, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	m, _ = run(t, m, cmd)
	require.Equal(t, ScreenConversation, m.Screen)
	require.Equal(t, 2, m.Conversation.MessageCount)
	require.Equal(t, "## quiet-harbor", m.ConversationLines[0])

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	require.Equal(t, ScreenSearchResults, m.Screen)
}

func TestSearchSyntaxErrorKeepsInputFocused(t *testing.T) {
	m := indexed(t, newTestModel(t))

	m, _ = update(t, m, keys("/"))
	m, _ = update(t, m, keys(`"open`))
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.False(t, m.SearchInput.Focused())

	m, _ = run(t, m, cmd)
	require.Equal(t, ScreenSearch, m.Screen)
	require.True(t, m.SearchInput.Focused())
	require.Contains(t, m.ErrorMsg, "Supported syntax")
}

func TestSessionsScreenAndConversationScroll(t *testing.T) {
	m := indexed(t, newTestModel(t))
	m.Height = 10

	m, _ = update(t, m, keys("j"))
	require.Equal(t, 1, m.Cursor)
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.Equal(t, ScreenSessions, m.Screen)
	m, _ = run(t, m, cmd)
	require.Len(t, m.Sessions, 1)
	require.Contains(t, m.View(), "quiet-harbor")

	m, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	m, _ = run(t, m, cmd)
	require.Equal(t, ScreenConversation, m.Screen)

	maxScroll := len(m.ConversationLines) - m.conversationVisible()
	if maxScroll < 0 {
		maxScroll = 0
	}
	m, _ = update(t, m, keys("G"))
	require.Equal(t, maxScroll, m.ConversationScroll)
	m, _ = update(t, m, keys("j"))
	require.Equal(t, maxScroll, m.ConversationScroll)
	m, _ = update(t, m, keys("g"))
	require.Equal(t, 0, m.ConversationScroll)

	m, _ = update(t, m, keys("q"))
	require.Equal(t, ScreenSessions, m.Screen)
	require.Equal(t, 0, m.Cursor)
}

func TestTagsScreen(t *testing.T) {
	m := indexed(t, newTestModel(t))
	_, err := m.svc.TagSession(t.Context(), tuiSession, []string{"pinned"})
	require.NoError(t, err)

	m.Cursor = 2
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.Equal(t, ScreenTags, m.Screen)
	m, _ = run(t, m, cmd)
	require.Contains(t, m.View(), "pinned")

	m, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	require.Equal(t, ScreenDashboard, m.Screen)
	require.NotNil(t, cmd)
}

func TestIndexErrorIsShown(t *testing.T) {
	m := New(nil, "test")
	m.Indexing = true
	m, _ = update(t, m, indexDoneMsg{err: os.ErrPermission})
	require.False(t, m.Indexing)
	require.Contains(t, m.View(), "Error:")
}

func TestTruncateStr(t *testing.T) {
	require.Equal(t, "a b", truncateStr("a\nb", 10))
	require.Equal(t, "héll...", truncateStr("héllo world", 4))
}
