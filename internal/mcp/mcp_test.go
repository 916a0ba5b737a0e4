package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	mcppkg "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/mattpollak/context-flow/internal/indexer"
	"github.com/mattpollak/context-flow/internal/query"
	"github.com/mattpollak/context-flow/internal/store"
)

const testSession = "aaaaaaaa-0000-4000-8000-000000000001"

func newMCPTestService(t *testing.T) *query.Service {
	t.Helper()
	base := t.TempDir()
	cfg := store.DefaultConfig()
	cfg.DataDir = filepath.Join(base, "data")

	s, err := store.New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	dir := filepath.Join(base, "projects", "-home-dev-proj")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	lines := []string{
		`{"type":"user","sessionId":"` + testSession + `","slug":"calm-river","timestamp":"2026-01-01T10:00:00Z","message":{"role":"user","content":"why is the splash page slow"}}`,
		`{"type":"assistant","sessionId":"` + testSession + `","timestamp":"2026-01-01T10:01:00Z","message":{"content":[{"type":"text","text":"The splash page loads every font up front."},{"type":"tool_use","name":"Read","input":{"file_path":"/src/splash.tsx"}}]}}`,
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, testSession+".jsonl"), []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	ix := indexer.New(s, indexer.Options{TranscriptRoot: filepath.Join(base, "projects"), Workers: 1})
	svc := query.New(s, ix, query.DefaultLimits())
	_, err = svc.Index(context.Background())
	require.NoError(t, err)
	return svc
}

func callResultText(t *testing.T, res *mcppkg.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatalf("expected non-empty tool result")
	}
	text, ok := mcppkg.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("expected text content")
	}
	return text.Text
}

func call(t *testing.T, h func(context.Context, mcppkg.CallToolRequest) (*mcppkg.CallToolResult, error), args map[string]any) (*mcppkg.CallToolResult, string) {
	t.Helper()
	res, err := h(context.Background(), mcppkg.CallToolRequest{Params: mcppkg.CallToolParams{Arguments: args}})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return res, callResultText(t, res)
}

func TestNewServerRegistersTools(t *testing.T) {
	svc := newMCPTestService(t)
	require.NotNil(t, NewServer(svc, "test"))
	require.NotNil(t, NewServerWithTools(svc, "test", ResolveTools("read")))
}

func TestResolveTools(t *testing.T) {
	require.Nil(t, ResolveTools(""))
	require.Nil(t, ResolveTools("all"))
	require.Nil(t, ResolveTools("read, all"))
	require.Nil(t, ResolveTools(" , "))

	read := ResolveTools("read")
	require.True(t, read["search_history"])
	require.False(t, read["reindex"])

	mixed := ResolveTools("read,tag_session")
	require.True(t, mixed["get_conversation"])
	require.True(t, mixed["tag_session"])
	require.False(t, mixed["tag_message"])

	require.True(t, shouldRegister("anything", nil))
	require.False(t, shouldRegister("reindex", read))
}

func TestHandleSearchReturnsHits(t *testing.T) {
	svc := newMCPTestService(t)

	res, text := call(t, handleSearch(svc), map[string]any{"query": "splash", "limit": float64(5)})
	require.False(t, res.IsError, text)

	var hits []store.SearchHit
	require.NoError(t, json.Unmarshal([]byte(text), &hits))
	// user text, assistant text and the Read tool summary on /src/splash.tsx
	require.Len(t, hits, 3)
	for _, h := range hits {
		require.Equal(t, 1, h.SessionNumber)
	}

	res, text = call(t, handleSearch(svc), map[string]any{"query": "zeppelin"})
	require.False(t, res.IsError)
	require.Contains(t, text, "No messages found")
}

func TestHandleSearchReportsSyntaxErrorsAsClientErrors(t *testing.T) {
	svc := newMCPTestService(t)

	res, text := call(t, handleSearch(svc), map[string]any{"query": `"unterminated`})
	require.True(t, res.IsError)
	require.Contains(t, text, "Supported syntax")
	require.NotContains(t, text, "Internal error")
}

func TestHandleGetConversationFormats(t *testing.T) {
	svc := newMCPTestService(t)

	res, text := call(t, handleGetConversation(svc), map[string]any{"session_id_or_slug": "calm-river"})
	require.False(t, res.IsError, text)
	require.True(t, strings.HasPrefix(text, "## calm-river\n"))
	require.Contains(t, text, "**Tools** (10:01)")

	res, text = call(t, handleGetConversation(svc), map[string]any{
		"session_id_or_slug": testSession,
		"roles":              []any{"user"},
		"format":             "json",
	})
	require.False(t, res.IsError, text)
	var conv query.Conversation
	require.NoError(t, json.Unmarshal([]byte(text), &conv))
	require.Equal(t, 1, conv.MessageCount)
	require.Equal(t, store.RoleUser, conv.Messages[0].Role)

	res, text = call(t, handleGetConversation(svc), map[string]any{"session_id_or_slug": "calm-river", "session": "4"})
	require.True(t, res.IsError)
	require.Contains(t, text, "1-1")

	res, _ = call(t, handleGetConversation(svc), map[string]any{"session_id_or_slug": "calm-river", "format": "html"})
	require.True(t, res.IsError)
}

func TestHandleTagging(t *testing.T) {
	svc := newMCPTestService(t)

	res, text := call(t, handleTagSession(svc), map[string]any{
		"session_id": testSession,
		"tags":       []any{"workstream:perf", "important"},
	})
	require.False(t, res.IsError, text)
	require.Contains(t, text, `"workstream:perf"`)

	res, text = call(t, handleTagMessage(svc), map[string]any{"message_id": float64(424242), "tags": []any{"x"}})
	require.True(t, res.IsError)
	require.Equal(t, "Message not found: 424242", text)

	res, text = call(t, handleListTags(svc), map[string]any{"scope": "session"})
	require.False(t, res.IsError, text)
	require.Contains(t, text, `"important"`)

	res, _ = call(t, handleListTags(svc), map[string]any{"scope": "bogus"})
	require.True(t, res.IsError)
}

func TestHandleReindexAndStats(t *testing.T) {
	svc := newMCPTestService(t)

	res, text := call(t, handleReindex(svc), map[string]any{})
	require.False(t, res.IsError, text)
	var out query.ReindexResult
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	require.Equal(t, "complete", out.Status)
	require.Equal(t, 3, out.MessagesIndexed)

	res, text = call(t, handleStats(svc), map[string]any{})
	require.False(t, res.IsError)
	require.Contains(t, text, "- Messages: 3")
	require.Contains(t, text, "/home/dev/proj")
}

func TestStringsArg(t *testing.T) {
	req := mcppkg.CallToolRequest{Params: mcppkg.CallToolParams{Arguments: map[string]any{
		"list":   []any{"a", 1.0, "b"},
		"csv":    "a,b",
		"blank":  " ",
		"native": []string{"x"},
	}}}
	require.Equal(t, []string{"a", "b"}, stringsArg(req, "list"))
	require.Equal(t, []string{"a", "b"}, stringsArg(req, "csv"))
	require.Nil(t, stringsArg(req, "blank"))
	require.Equal(t, []string{"x"}, stringsArg(req, "native"))
	require.Nil(t, stringsArg(req, "missing"))
}
