package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mattpollak/context-flow/internal/indexer"
	"github.com/mattpollak/context-flow/internal/query"
	"github.com/mattpollak/context-flow/internal/store"
)

const (
	sessionOne = "11111111-0000-4000-8000-000000000001"
	sessionTwo = "22222222-0000-4000-8000-000000000002"
)

type e2e struct {
	root string
	ts   *httptest.Server
}

func newE2EServer(t *testing.T) *e2e {
	t.Helper()
	base := t.TempDir()
	cfg := store.DefaultConfig()
	cfg.DataDir = filepath.Join(base, "data")

	s, err := store.New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	root := filepath.Join(base, "projects")
	ix := indexer.New(s, indexer.Options{TranscriptRoot: root, Workers: 1})
	svc := query.New(s, ix, query.DefaultLimits())

	httpServer := httptest.NewServer(New(svc, Config{}).Handler())
	t.Cleanup(func() {
		httpServer.Close()
		_ = s.Close()
	})

	return &e2e{root: root, ts: httpServer}
}

func (e *e2e) transcript(t *testing.T, sid, slug, ts, text string) {
	t.Helper()
	dir := filepath.Join(e.root, "-home-dev-web")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	line := `{"type":"user","sessionId":"` + sid + `","slug":"` + slug + `","timestamp":"` + ts +
		`","gitBranch":"main","message":{"role":"user","content":"` + text + `"}}` + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, sid+".jsonl"), []byte(line), 0o644))
}

func postJSON(t *testing.T, client *http.Client, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func get(t *testing.T, client *http.Client, url string) *http.Response {
	t.Helper()
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	return out
}

func TestIndexSearchAndConversationE2E(t *testing.T) {
	e := newE2EServer(t)
	client := e.ts.Client()
	e.transcript(t, sessionTwo, "web-chain", "2026-03-01T10:00:00Z", "implemented the router")
	e.transcript(t, sessionOne, "web-chain", "2026-03-01T09:00:00Z", "decided to use the router")

	resp := postJSON(t, client, e.ts.URL+"/index", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decodeJSON[map[string]any](t, resp)
	require.EqualValues(t, 2, st["files"])

	resp = get(t, client, e.ts.URL+"/search?q=router")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	hits := decodeJSON[[]store.SearchHit](t, resp)
	require.Len(t, hits, 2)
	numbers := map[string]int{}
	for _, h := range hits {
		numbers[h.SessionID] = h.SessionNumber
	}
	require.Equal(t, map[string]int{sessionOne: 1, sessionTwo: 2}, numbers)

	resp = get(t, client, e.ts.URL+"/conversations/web-chain?session=2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conv := decodeJSON[query.Conversation](t, resp)
	require.Len(t, conv.Sessions, 1)
	require.Equal(t, sessionTwo, conv.Sessions[0].ID)
	require.Equal(t, "implemented the router", conv.Messages[0].Content)

	resp = get(t, client, e.ts.URL+"/conversations/web-chain?format=markdown")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/markdown")
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(body), "## web-chain (2 sessions)"))

	resp = get(t, client, e.ts.URL+"/sessions?slug=web-chain")
	sessions := decodeJSON[[]store.Session](t, resp)
	require.Len(t, sessions, 2)
	require.Equal(t, 1, sessions[0].SessionNumber)
	require.Equal(t, "/home/dev/web", sessions[0].ProjectDir)
}

func TestErrorMappingE2E(t *testing.T) {
	e := newE2EServer(t)
	client := e.ts.Client()
	e.transcript(t, sessionOne, "solo", "2026-03-01T09:00:00Z", "hello")
	resp := postJSON(t, client, e.ts.URL+"/index", map[string]any{})
	resp.Body.Close()

	tests := []struct {
		name   string
		do     func() *http.Response
		status int
		want   string
	}{
		{"range out of bounds", func() *http.Response {
			return get(t, client, e.ts.URL+"/conversations/solo?session=3")
		}, http.StatusBadRequest, "1-1"},
		{"unknown session", func() *http.Response {
			return get(t, client, e.ts.URL+"/conversations/missing-slug")
		}, http.StatusNotFound, "Session not found"},
		{"bad fts syntax", func() *http.Response {
			return get(t, client, e.ts.URL+"/search?q=%22open")
		}, http.StatusBadRequest, "Supported syntax"},
		{"bad limit", func() *http.Response {
			return get(t, client, e.ts.URL+"/search?q=hello&limit=ten")
		}, http.StatusBadRequest, "invalid limit"},
		{"negative limit", func() *http.Response {
			return get(t, client, e.ts.URL+"/sessions?limit=-3")
		}, http.StatusBadRequest, "Invalid limit"},
		{"bad scope", func() *http.Response {
			return get(t, client, e.ts.URL+"/tags?scope=nope")
		}, http.StatusBadRequest, "Invalid scope"},
		{"bad message id", func() *http.Response {
			return postJSON(t, client, e.ts.URL+"/messages/abc/tags", map[string]any{"tags": []string{"x"}})
		}, http.StatusBadRequest, "invalid message id"},
		{"missing message", func() *http.Response {
			return postJSON(t, client, e.ts.URL+"/messages/9999/tags", map[string]any{"tags": []string{"x"}})
		}, http.StatusNotFound, "Message not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := tt.do()
			require.Equal(t, tt.status, resp.StatusCode)
			body := decodeJSON[map[string]string](t, resp)
			require.Contains(t, body["error"], tt.want)
		})
	}
}

func TestTaggingAndReindexE2E(t *testing.T) {
	e := newE2EServer(t)
	client := e.ts.Client()
	e.transcript(t, sessionOne, "solo", "2026-03-01T09:00:00Z", "the splash page")
	resp := postJSON(t, client, e.ts.URL+"/index", map[string]any{})
	resp.Body.Close()

	resp = get(t, client, e.ts.URL+"/search?q=splash")
	hits := decodeJSON[[]store.SearchHit](t, resp)
	require.Len(t, hits, 1)
	msgURL := e.ts.URL + "/messages/" + strconv.FormatInt(hits[0].ID, 10) + "/tags"

	for i := 0; i < 2; i++ {
		resp = postJSON(t, client, msgURL, map[string]any{"tags": []string{"review:ux"}})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		res := decodeJSON[query.MessageTagResult](t, resp)
		require.Len(t, res.Tags, 1)
	}

	resp = get(t, client, e.ts.URL+"/search?q=splash&tag=review:ux")
	require.Len(t, decodeJSON[[]store.SearchHit](t, resp), 1)
	resp = get(t, client, e.ts.URL+"/search?q=splash&tag=review:security")
	require.Empty(t, decodeJSON[[]store.SearchHit](t, resp))

	resp = postJSON(t, client, e.ts.URL+"/sessions/"+sessionOne+"/tags", map[string]any{"tags": []string{"pinned"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, client, e.ts.URL+"/reindex", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ri := decodeJSON[query.ReindexResult](t, resp)
	require.Equal(t, "complete", ri.Status)
	require.Equal(t, 1, ri.MessagesIndexed)

	resp = get(t, client, e.ts.URL+"/tags")
	tags := decodeJSON[[]store.TagCount](t, resp)
	require.Equal(t, []store.TagCount{{Tag: "pinned", Scope: "session", Manual: 1, Total: 1}}, tags)

	resp = get(t, client, e.ts.URL+"/stats")
	st := decodeJSON[store.Stats](t, resp)
	require.Equal(t, 1, st.Sessions)

	resp = get(t, client, e.ts.URL+"/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestStartRejectsInvalidSchedule(t *testing.T) {
	srv := New(nil, Config{Addr: "127.0.0.1:0", RescanSchedule: "not a cron"})
	require.Error(t, srv.Start(context.Background()))
}

func TestListParam(t *testing.T) {
	require.Equal(t, []string{"a", "b", "c"}, listParam([]string{"a,b", " c ", ""}))
	require.Nil(t, listParam(nil))
}
