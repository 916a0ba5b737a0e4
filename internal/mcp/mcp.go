// Package mcp exposes the conversation index as Model Context Protocol
// tools over stdio, so an assistant can search its own past sessions.
//
// Tool profiles select which tools are registered:
//
//	context-flow mcp                     → every tool (default)
//	context-flow mcp --tools=read        → search, listing and retrieval only
//	context-flow mcp --tools=write       → tagging and reindex
//	context-flow mcp --tools=read,tag_session → profiles and tool names mix
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog/log"

	"github.com/mattpollak/context-flow/internal/format"
	"github.com/mattpollak/context-flow/internal/query"
)

// ─── Tool Profiles ───────────────────────────────────────────────────────────

// ProfileRead holds the tools that never modify the index.
var ProfileRead = map[string]bool{
	"search_history":   true,
	"list_sessions":    true,
	"get_conversation": true,
	"list_tags":        true,
	"index_stats":      true,
}

// ProfileWrite holds the tools that change tags or rebuild the index.
var ProfileWrite = map[string]bool{
	"tag_message": true,
	"tag_session": true,
	"reindex":     true,
}

var Profiles = map[string]map[string]bool{
	"read":  ProfileRead,
	"write": ProfileWrite,
}

// ResolveTools turns a comma-separated list of profile names and tool names
// into an allowlist. Empty input or "all" returns nil, meaning every tool.
func ResolveTools(input string) map[string]bool {
	input = strings.TrimSpace(input)
	if input == "" || input == "all" {
		return nil
	}

	result := make(map[string]bool)
	for _, token := range strings.Split(input, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if token == "all" {
			return nil
		}
		if profile, ok := Profiles[token]; ok {
			for tool := range profile {
				result[tool] = true
			}
		} else {
			result[token] = true
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}

const serverInstructions = `context-flow indexes past coding-assistant conversations for full-text ` +
	`search. Use these tools to find earlier decisions, plans, reviews and discussions; ` +
	`to reopen a past session or a chain of continued sessions by slug; and to tag ` +
	`messages or sessions so they are easy to find later. Start with search_history, ` +
	`then use get_conversation with a session id or slug from the results.`

// NewServer registers every tool.
func NewServer(svc *query.Service, version string) *server.MCPServer {
	return NewServerWithTools(svc, version, nil)
}

// NewServerWithTools registers only the allowlisted tools; nil means all.
func NewServerWithTools(svc *query.Service, version string, allowlist map[string]bool) *server.MCPServer {
	srv := server.NewMCPServer(
		"context-flow-search",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions(serverInstructions),
	)
	registerTools(srv, svc, allowlist)
	return srv
}

func shouldRegister(name string, allowlist map[string]bool) bool {
	if allowlist == nil {
		return true
	}
	return allowlist[name]
}

func readOnly(title string) []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithTitleAnnotation(title),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	}
}

func registerTools(srv *server.MCPServer, svc *query.Service, allowlist map[string]bool) {
	limits := svc.Limits()

	if shouldRegister("search_history", allowlist) {
		opts := append(readOnly("Search History"),
			mcp.WithDescription("Search across all indexed conversations. Returns matching messages with a highlighted snippet; hits from continued sessions carry their session_number in the chain."),
			mcp.WithString("query",
				mcp.Required(),
				mcp.Description(`Full-text query. Supports AND, OR, NOT, "quoted phrases" and prefix* terms`),
			),
			mcp.WithNumber("limit", mcp.Description(fmt.Sprintf("Max results (default %d, max %d)", query.DefaultSearchLimit, limits.MaxLimit))),
			mcp.WithString("project", mcp.Description("Filter by project directory (substring match)")),
			mcp.WithString("date_from", mcp.Description("Only messages at or after this ISO date, e.g. 2026-01-15")),
			mcp.WithString("date_to", mcp.Description("Only messages up to this ISO date (a bare date covers the whole day)")),
			mcp.WithArray("tags",
				mcp.Description(`Only messages carrying ALL of these tags, e.g. ["review:ux", "insight"]`),
				mcp.WithStringItems(),
			),
		)
		srv.AddTool(mcp.NewTool("search_history", opts...), handleSearch(svc))
	}

	if shouldRegister("list_sessions", allowlist) {
		opts := append(readOnly("List Sessions"),
			mcp.WithDescription("List sessions with metadata, most recent first. With a slug, lists that continuation chain oldest first with session numbers."),
			mcp.WithNumber("limit", mcp.Description(fmt.Sprintf("Max sessions (default %d, max %d)", query.DefaultSessionLimit, limits.MaxLimit))),
			mcp.WithString("project", mcp.Description("Filter by project directory (substring match); ignored when slug is set")),
			mcp.WithString("slug", mcp.Description("List only the sessions of this continuation chain")),
			mcp.WithString("date_from", mcp.Description("Sessions active at or after this ISO date")),
			mcp.WithString("date_to", mcp.Description("Sessions started up to this ISO date")),
			mcp.WithArray("tags",
				mcp.Description(`Only sessions carrying ALL of these tags, e.g. ["workstream:search", "has:tests"]`),
				mcp.WithStringItems(),
			),
		)
		srv.AddTool(mcp.NewTool("list_sessions", opts...), handleListSessions(svc))
	}

	if shouldRegister("get_conversation", allowlist) {
		opts := append(readOnly("Get Conversation"),
			mcp.WithDescription("Retrieve the messages of one session, or of every session sharing a slug combined into one chronological stream."),
			mcp.WithString("session_id_or_slug", mcp.Required(), mcp.Description("Session id or slug")),
			mcp.WithString("session", mcp.Description(`For slugs only: session numbers to include, e.g. "2", "4-5" or "1,3"`)),
			mcp.WithString("around_timestamp", mcp.Description("Return about 20 messages centered on this ISO timestamp")),
			mcp.WithArray("roles",
				mcp.Description("Only these roles: user, assistant, tool_summary, plan"),
				mcp.WithStringItems(),
			),
			mcp.WithNumber("limit", mcp.Description(fmt.Sprintf("Max messages (default %d, max %d)", query.DefaultConversationLimit, limits.MaxLimit))),
			mcp.WithString("format", mcp.Description("markdown (default) or json"), mcp.Enum("markdown", "json")),
		)
		srv.AddTool(mcp.NewTool("get_conversation", opts...), handleGetConversation(svc))
	}

	if shouldRegister("list_tags", allowlist) {
		opts := append(readOnly("List Tags"),
			mcp.WithDescription("List every tag with auto and manual usage counts."),
			mcp.WithString("scope", mcp.Description("all (default), message or session"), mcp.Enum("all", "message", "session")),
		)
		srv.AddTool(mcp.NewTool("list_tags", opts...), handleListTags(svc))
	}

	if shouldRegister("index_stats", allowlist) {
		opts := append(readOnly("Index Stats"),
			mcp.WithDescription("Show how many files, sessions, messages and tags are indexed."),
		)
		srv.AddTool(mcp.NewTool("index_stats", opts...), handleStats(svc))
	}

	if shouldRegister("tag_message", allowlist) {
		srv.AddTool(
			mcp.NewTool("tag_message",
				mcp.WithDescription("Manually tag a message so it is easy to find later. Re-applying a tag is harmless."),
				mcp.WithTitleAnnotation("Tag Message"),
				mcp.WithReadOnlyHintAnnotation(false),
				mcp.WithDestructiveHintAnnotation(false),
				mcp.WithIdempotentHintAnnotation(true),
				mcp.WithOpenWorldHintAnnotation(false),
				mcp.WithNumber("message_id", mcp.Required(), mcp.Description("Message id from search_history or get_conversation")),
				mcp.WithArray("tags", mcp.Required(), mcp.Description(`Tags to apply, e.g. ["review:ux", "important"]`), mcp.WithStringItems()),
			),
			handleTagMessage(svc),
		)
	}

	if shouldRegister("tag_session", allowlist) {
		srv.AddTool(
			mcp.NewTool("tag_session",
				mcp.WithDescription("Manually tag a session, for example to associate it with a workstream. Manual session tags survive reindex."),
				mcp.WithTitleAnnotation("Tag Session"),
				mcp.WithReadOnlyHintAnnotation(false),
				mcp.WithDestructiveHintAnnotation(false),
				mcp.WithIdempotentHintAnnotation(true),
				mcp.WithOpenWorldHintAnnotation(false),
				mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
				mcp.WithArray("tags", mcp.Required(), mcp.Description(`Tags to apply, e.g. ["workstream:search"]`), mcp.WithStringItems()),
			),
			handleTagSession(svc),
		)
	}

	if shouldRegister("reindex", allowlist) {
		srv.AddTool(
			mcp.NewTool("reindex",
				mcp.WithDescription("Rebuild the whole index from the transcript files. Use when results look stale or after tagging rules change. Manual message tags are dropped; manual session tags are kept."),
				mcp.WithTitleAnnotation("Reindex"),
				mcp.WithReadOnlyHintAnnotation(false),
				mcp.WithDestructiveHintAnnotation(true),
				mcp.WithIdempotentHintAnnotation(true),
				mcp.WithOpenWorldHintAnnotation(false),
			),
			handleReindex(svc),
		)
	}
}

// ─── Tool Handlers ───────────────────────────────────────────────────────────

func handleSearch(svc *query.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		q, _ := req.GetArguments()["query"].(string)
		project, _ := req.GetArguments()["project"].(string)
		dateFrom, _ := req.GetArguments()["date_from"].(string)
		dateTo, _ := req.GetArguments()["date_to"].(string)

		hits, err := svc.SearchHistory(ctx, query.SearchParams{
			Query:    q,
			Project:  project,
			DateFrom: dateFrom,
			DateTo:   dateTo,
			Tags:     stringsArg(req, "tags"),
			Limit:    intArg(req, "limit", query.DefaultSearchLimit),
		})
		if err != nil {
			return toolError("search_history", err), nil
		}
		if len(hits) == 0 {
			return mcp.NewToolResultText(fmt.Sprintf("No messages found for: %q", q)), nil
		}
		return jsonResult(hits)
	}
}

func handleListSessions(svc *query.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		project, _ := req.GetArguments()["project"].(string)
		slug, _ := req.GetArguments()["slug"].(string)
		dateFrom, _ := req.GetArguments()["date_from"].(string)
		dateTo, _ := req.GetArguments()["date_to"].(string)

		sessions, err := svc.ListSessions(ctx, query.SessionParams{
			Project:  project,
			Slug:     slug,
			DateFrom: dateFrom,
			DateTo:   dateTo,
			Tags:     stringsArg(req, "tags"),
			Limit:    intArg(req, "limit", query.DefaultSessionLimit),
		})
		if err != nil {
			return toolError("list_sessions", err), nil
		}
		if len(sessions) == 0 {
			return mcp.NewToolResultText("No sessions found."), nil
		}
		return jsonResult(sessions)
	}
}

func handleGetConversation(svc *query.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, _ := req.GetArguments()["session_id_or_slug"].(string)
		sessionRange, _ := req.GetArguments()["session"].(string)
		around, _ := req.GetArguments()["around_timestamp"].(string)
		outFormat, _ := req.GetArguments()["format"].(string)

		if outFormat != "" && outFormat != "markdown" && outFormat != "json" {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid format %q: use markdown or json", outFormat)), nil
		}

		conv, err := svc.GetConversation(ctx, query.ConversationParams{
			ID:              id,
			Session:         sessionRange,
			AroundTimestamp: around,
			Roles:           stringsArg(req, "roles"),
			Limit:           intArg(req, "limit", query.DefaultConversationLimit),
		})
		if err != nil {
			return toolError("get_conversation", err), nil
		}
		if outFormat == "json" {
			return jsonResult(conv)
		}
		return mcp.NewToolResultText(format.Conversation(conv.Sessions, conv.Messages)), nil
	}
}

func handleListTags(svc *query.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		scope, _ := req.GetArguments()["scope"].(string)
		counts, err := svc.ListTags(ctx, scope)
		if err != nil {
			return toolError("list_tags", err), nil
		}
		if len(counts) == 0 {
			return mcp.NewToolResultText("No tags yet."), nil
		}
		return jsonResult(counts)
	}
}

func handleStats(svc *query.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := svc.Stats(ctx)
		if err != nil {
			return toolError("index_stats", err), nil
		}

		projects := "none yet"
		if len(st.Projects) > 0 {
			projects = strings.Join(st.Projects, ", ")
		}
		return mcp.NewToolResultText(fmt.Sprintf(
			"Index Stats:\n- Files: %d\n- Sessions: %d\n- Messages: %d\n- Message tags: %d\n- Session tags: %d\n- Projects: %s",
			st.Files, st.Sessions, st.Messages, st.MessageTags, st.SessionTags, projects,
		)), nil
	}
}

func handleTagMessage(svc *query.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := int64(intArg(req, "message_id", 0))
		res, err := svc.TagMessage(ctx, id, stringsArg(req, "tags"))
		if err != nil {
			return toolError("tag_message", err), nil
		}
		return jsonResult(res)
	}
}

func handleTagSession(svc *query.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, _ := req.GetArguments()["session_id"].(string)
		res, err := svc.TagSession(ctx, id, stringsArg(req, "tags"))
		if err != nil {
			return toolError("tag_session", err), nil
		}
		return jsonResult(res)
	}
}

func handleReindex(svc *query.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := svc.Reindex(ctx)
		if err != nil {
			return toolError("reindex", err), nil
		}
		return jsonResult(res)
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// toolError reports client errors verbatim. Anything else is logged and
// reported as an internal failure.
func toolError(tool string, err error) *mcp.CallToolResult {
	if query.IsClientError(err) {
		return mcp.NewToolResultError(err.Error())
	}
	log.Error().Err(err).Str("tool", tool).Msg("mcp: tool failed")
	return mcp.NewToolResultError(fmt.Sprintf("Internal error in %s: %s", tool, err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError("Failed to encode result: " + err.Error()), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

// stringsArg reads a string array argument. A plain string is accepted as a
// comma-separated list.
func stringsArg(req mcp.CallToolRequest, key string) []string {
	switch v := req.GetArguments()[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return strings.Split(v, ",")
	}
	return nil
}
