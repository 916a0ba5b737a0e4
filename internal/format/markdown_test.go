package format

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mattpollak/context-flow/internal/store"
)

func session(id, slug, first, last string) store.Session {
	return store.Session{
		ID: id, Slug: slug, ProjectDir: "/home/dev/proj", GitBranch: "main",
		FirstTimestamp: first, LastTimestamp: last,
	}
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "hello", Truncate("hello", 100))

	out := Truncate(strings.Repeat("x", 600), 500)
	require.True(t, strings.HasPrefix(out, strings.Repeat("x", 500)+"\n\n"))
	require.True(t, strings.HasSuffix(out, "*[...100 more chars]*"))

	require.Contains(t, Truncate(strings.Repeat("é", 2600), 500), "[...2,100 more chars]")
}

func TestThousands(t *testing.T) {
	for n, want := range map[int]string{0: "0", 999: "999", 1000: "1,000", 123456: "123,456", 1234567: "1,234,567"} {
		require.Equal(t, want, thousands(n))
	}
}

func TestIsNoise(t *testing.T) {
	require.True(t, IsNoise(""))
	require.True(t, IsNoise("   \n"))
	require.True(t, IsNoise("<system-reminder>internal</system-reminder>"))
	require.True(t, IsNoise("<command-name>compact</command-name>"))
	require.True(t, IsNoise("<local-command-stdout>ok</local-command-stdout>"))
	require.False(t, IsNoise("Here is a real answer."))
}

func TestDateRange(t *testing.T) {
	same := []store.Session{session("a", "", "2026-01-01T10:00:00Z", "2026-01-01T11:30:00Z")}
	require.Equal(t, "Jan 01, 2026 10:00–11:30 UTC", DateRange(same))

	span := []store.Session{
		session("a", "", "2026-01-01T10:00:00Z", "2026-01-01T11:00:00Z"),
		session("b", "", "2026-01-03T08:00:00Z", "2026-01-03T09:15:00Z"),
	}
	require.Equal(t, "Jan 01 10:00 – Jan 03 09:15, 2026 UTC", DateRange(span))

	require.Equal(t, "unknown", DateRange([]store.Session{session("a", "", "", "")}))
}

func TestTimesKeepRecordOffset(t *testing.T) {
	require.Equal(t, "10:05", shortTime("2026-01-01T10:05:00+02:00"))
	require.Equal(t, "10:05", shortTime("2026-01-01T10:05:00Z"))
	require.Equal(t, "??:??", shortTime("not a time"))

	local := []store.Session{session("a", "", "2026-01-01T10:00:00+02:00", "2026-01-01T09:30:00Z")}
	require.Equal(t, "Jan 01, 2026 10:00–11:30 UTC+02:00", DateRange(local))
}

func TestConversationSingleSession(t *testing.T) {
	sessions := []store.Session{session("abc-123", "test-slug", "2026-01-01T10:00:00Z", "2026-01-01T11:00:00Z")}
	messages := []store.Message{
		{ID: 1, SessionID: "abc-123", Role: store.RoleUser, Content: "Hello", Timestamp: "2026-01-01T10:00:00Z"},
		{ID: 2, SessionID: "abc-123", Role: store.RoleUser, Content: "<system-reminder>x</system-reminder>", Timestamp: "2026-01-01T10:00:30Z"},
		{ID: 3, SessionID: "abc-123", Role: store.RoleAssistant, Content: "Hi there!", Timestamp: "2026-01-01T10:01:00Z"},
	}

	want := strings.Join([]string{
		"## test-slug",
		"**Project:** /home/dev/proj | **Branch:** main",
		"**Range:** Jan 01, 2026 10:00–11:00 UTC | **Messages:** 2",
		"",
		"---",
		"",
		"**User** (10:00) `#1`",
		"",
		"Hello",
		"",
		"**Assistant** (10:01) `#3`",
		"",
		"Hi there!",
		"",
	}, "\n")
	require.Equal(t, want, Conversation(sessions, messages))
}

func TestConversationChainToolsAndPlan(t *testing.T) {
	sessions := []store.Session{
		session("s1", "proj-1", "2026-01-01T09:00:00Z", "2026-01-01T09:30:00Z"),
		session("s2", "proj-1", "2026-01-02T10:00:00Z", "2026-01-02T10:30:00Z"),
	}
	messages := []store.Message{
		{ID: 1, SessionID: "s1", Role: store.RoleToolSummary, Content: "[Read] a\n[Read] b\n[Read] c\n[Read] d\n[Read] e\n[Read] f", Timestamp: "2026-01-01T09:00:00Z"},
		{ID: 2, SessionID: "s2", Role: store.RolePlan, Content: "step one\nstep two", Timestamp: "2026-01-02T10:00:00Z"},
		{ID: 3, SessionID: "s2", Role: "system", Content: "odd", Timestamp: "bad"},
	}

	out := Conversation(sessions, messages)
	require.Contains(t, out, "## proj-1 (2 sessions)\n")
	require.Contains(t, out, "*--- Session 1 of 2 ---*\n\n**Tools** (09:00)\n```\n[Read] a\n[Read] b\n[Read] c\n  ...and 3 more\n```\n")
	require.Contains(t, out, "*--- Session 2 of 2 ---*\n\n**Plan** (10:00) `#2`\n\n> step one\n> step two\n")
	require.Contains(t, out, "**System** (??:??) `#3`")
	require.Equal(t, 1, strings.Count(out, "Session 2 of 2"))
}

func TestConversationFallsBackToShortID(t *testing.T) {
	sessions := []store.Session{{ID: "0123456789abcdef", FirstTimestamp: "x", LastTimestamp: "y"}}
	out := Conversation(sessions, nil)
	require.True(t, strings.HasPrefix(out, "## 0123456789ab\n**Range:** unknown | **Messages:** 0\n"))
	require.Empty(t, Conversation(nil, nil))
}
