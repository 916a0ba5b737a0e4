// Package query is the operation surface over the index: search, session
// listing, conversation retrieval, tagging and reindexing.
//
// Every parameter is validated here, before any store access. Callers tell
// client errors from internal ones with IsClientError.
package query

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/mattpollak/context-flow/internal/chain"
	"github.com/mattpollak/context-flow/internal/indexer"
	"github.com/mattpollak/context-flow/internal/store"
)

// Indexer runs index passes. *indexer.Indexer satisfies it.
type Indexer interface {
	Run(ctx context.Context) (indexer.Stats, error)
	Reindex(ctx context.Context) (indexer.Stats, error)
}

type Service struct {
	store  *store.Store
	ix     Indexer
	limits Limits
}

// New returns a Service. ix may be nil for read-only use; Index and
// Reindex then fail.
func New(s *store.Store, ix Indexer, limits Limits) *Service {
	def := DefaultLimits()
	if limits.MaxLimit <= 0 {
		limits.MaxLimit = def.MaxLimit
	}
	if limits.MaxTags <= 0 {
		limits.MaxTags = def.MaxTags
	}
	if limits.MaxTagLength <= 0 {
		limits.MaxTagLength = def.MaxTagLength
	}
	return &Service{store: s, ix: ix, limits: limits}
}

func (s *Service) Limits() Limits { return s.limits }

// ─── search_history ──────────────────────────────────────────────────────────

type SearchParams struct {
	Query    string
	Project  string
	DateFrom string
	DateTo   string
	Tags     []string
	Limit    int
}

// SearchHistory runs a full-text query. Hits from slugged sessions carry
// their position in the chain; each distinct slug is resolved once.
func (s *Service) SearchHistory(ctx context.Context, p SearchParams) ([]store.SearchHit, error) {
	q := strings.TrimSpace(p.Query)
	if q == "" {
		return nil, invalid("query", "Search query must not be empty")
	}
	if len(q) > maxQueryLength {
		return nil, invalid("query", "Search query too long (%d chars); at most %d allowed", len(q), maxQueryLength)
	}
	if len(p.Project) > maxProjectLength {
		return nil, invalid("project", "Project filter too long (%d chars)", len(p.Project))
	}
	if err := validateDate("date_from", p.DateFrom); err != nil {
		return nil, err
	}
	if err := validateDate("date_to", p.DateTo); err != nil {
		return nil, err
	}
	tags, err := s.limits.normalizeTags(p.Tags)
	if err != nil {
		return nil, err
	}
	limit, err := ClampLimit(p.Limit, DefaultSearchLimit, s.limits.MaxLimit)
	if err != nil {
		return nil, err
	}

	hits, err := s.store.Search(ctx, store.SearchFilter{
		Query:    q,
		Project:  p.Project,
		DateFrom: p.DateFrom,
		DateTo:   endOfDay(p.DateTo),
		Tags:     tags,
		Limit:    limit,
	})
	if err != nil {
		if store.IsQuerySyntaxError(err) {
			return nil, searchSyntaxError(q, err)
		}
		return nil, err
	}

	slugs := make([]string, len(hits))
	for i, h := range hits {
		slugs[i] = h.Slug
	}
	chains, err := chain.ResolveMany(ctx, s.store, slugs)
	if err != nil {
		return nil, errors.Wrap(err, "resolve chains")
	}
	for i := range hits {
		if c, ok := chains[hits[i].Slug]; ok {
			hits[i].SessionNumber = c.Number(hits[i].SessionID)
		}
	}
	return hits, nil
}

// ─── list_sessions ───────────────────────────────────────────────────────────

type SessionParams struct {
	Project  string
	Slug     string
	DateFrom string
	DateTo   string
	Tags     []string
	Limit    int
}

// ListSessions lists sessions, newest activity first. With a slug the
// chain is listed oldest first and each row carries its session number in
// the full chain, so date and tag filters never renumber.
func (s *Service) ListSessions(ctx context.Context, p SessionParams) ([]store.Session, error) {
	if p.Slug != "" {
		if err := validateIdentifier("slug", p.Slug); err != nil {
			return nil, err
		}
	}
	if len(p.Project) > maxProjectLength {
		return nil, invalid("project", "Project filter too long (%d chars)", len(p.Project))
	}
	if err := validateDate("date_from", p.DateFrom); err != nil {
		return nil, err
	}
	if err := validateDate("date_to", p.DateTo); err != nil {
		return nil, err
	}
	tags, err := s.limits.normalizeTags(p.Tags)
	if err != nil {
		return nil, err
	}
	limit, err := ClampLimit(p.Limit, DefaultSessionLimit, s.limits.MaxLimit)
	if err != nil {
		return nil, err
	}

	sessions, err := s.store.ListSessions(ctx, store.SessionFilter{
		Project:  p.Project,
		Slug:     p.Slug,
		DateFrom: p.DateFrom,
		DateTo:   endOfDay(p.DateTo),
		Tags:     tags,
		Limit:    limit,
	})
	if err != nil {
		return nil, err
	}
	if p.Slug == "" || len(sessions) == 0 {
		return sessions, nil
	}

	c, err := chain.Resolve(ctx, s.store, p.Slug)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve chain %s", p.Slug)
	}
	for i := range sessions {
		sessions[i].SessionNumber = c.Number(sessions[i].ID)
	}
	return sessions, nil
}

// ─── get_conversation ────────────────────────────────────────────────────────

type ConversationParams struct {
	ID              string // session id or slug
	Session         string // range expression, slugs only
	AroundTimestamp string
	Roles           []string
	Limit           int
}

type Conversation struct {
	Slug         string          `json:"slug,omitempty"`
	Sessions     []store.Session `json:"sessions"`
	Messages     []store.Message `json:"messages"`
	MessageCount int             `json:"message_count"`
}

// GetConversation returns the messages of one session, or of a slug's
// chain. Filters apply in a fixed order: session range, timestamp window,
// roles, limit. An exact session id ignores the session range.
func (s *Service) GetConversation(ctx context.Context, p ConversationParams) (*Conversation, error) {
	if err := validateIdentifier("session_id_or_slug", p.ID); err != nil {
		return nil, err
	}
	if err := validateDate("around_timestamp", p.AroundTimestamp); err != nil {
		return nil, err
	}
	roles, err := validateRoles(p.Roles)
	if err != nil {
		return nil, err
	}
	limit, err := ClampLimit(p.Limit, DefaultConversationLimit, s.limits.MaxLimit)
	if err != nil {
		return nil, err
	}

	conv := &Conversation{}
	sess, err := s.store.GetSession(ctx, p.ID)
	switch {
	case err == nil:
		conv.Slug = sess.Slug
		if sess.Slug != "" {
			c, err := chain.Resolve(ctx, s.store, sess.Slug)
			if err != nil {
				return nil, errors.Wrapf(err, "resolve chain %s", sess.Slug)
			}
			sess.SessionNumber = c.Number(sess.ID)
		}
		conv.Sessions = []store.Session{*sess}

	case errors.Is(err, store.ErrNotFound):
		c, err := chain.Resolve(ctx, s.store, p.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve chain %s", p.ID)
		}
		if c.Len() == 0 {
			return nil, &NotFoundError{Kind: "Session", ID: p.ID}
		}
		selected, err := c.Select(strings.TrimSpace(p.Session))
		if err != nil {
			return nil, rangeError(err)
		}
		conv.Slug = c.Slug
		conv.Sessions = selected

	default:
		return nil, err
	}

	ids := make([]string, len(conv.Sessions))
	for i, sess := range conv.Sessions {
		ids[i] = sess.ID
	}

	var msgs []store.Message
	if p.AroundTimestamp != "" {
		msgs, err = s.store.MessagesAround(ctx, ids, p.AroundTimestamp, WindowBefore, WindowAfter)
		if err != nil {
			return nil, err
		}
		msgs = filterRoles(msgs, roles)
		if len(msgs) > limit {
			msgs = msgs[:limit]
		}
	} else {
		msgs, err = s.store.Messages(ctx, ids, roles, limit)
		if err != nil {
			return nil, err
		}
	}

	if msgs == nil {
		msgs = []store.Message{}
	}
	conv.Messages = msgs
	conv.MessageCount = len(msgs)
	return conv, nil
}

func filterRoles(msgs []store.Message, roles []string) []store.Message {
	if len(roles) == 0 {
		return msgs
	}
	keep := make(map[string]bool, len(roles))
	for _, r := range roles {
		keep[r] = true
	}
	out := msgs[:0]
	for _, m := range msgs {
		if keep[m.Role] {
			out = append(out, m)
		}
	}
	return out
}

// ─── tag_message / tag_session ───────────────────────────────────────────────

type MessageTagResult struct {
	MessageID int64          `json:"message_id"`
	SessionID string         `json:"session_id"`
	Role      string         `json:"role"`
	Timestamp string         `json:"timestamp"`
	Tags      []store.TagRef `json:"tags"`
}

type SessionTagResult struct {
	SessionID string         `json:"session_id"`
	Slug      string         `json:"slug,omitempty"`
	Tags      []store.TagRef `json:"tags"`
}

// TagMessage applies manual tags. Re-applying a present tag is a no-op.
func (s *Service) TagMessage(ctx context.Context, messageID int64, tags []string) (*MessageTagResult, error) {
	if messageID < 1 {
		return nil, invalid("message_id", "Invalid message_id %d: must be a positive integer", messageID)
	}
	tags, err := s.requireTags(tags)
	if err != nil {
		return nil, err
	}
	msg, refs, err := s.store.TagMessage(ctx, messageID, tags, store.SourceManual)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &NotFoundError{Kind: "Message", ID: strconv.FormatInt(messageID, 10)}
	}
	if err != nil {
		return nil, err
	}
	return &MessageTagResult{
		MessageID: msg.ID,
		SessionID: msg.SessionID,
		Role:      msg.Role,
		Timestamp: msg.Timestamp,
		Tags:      refs,
	}, nil
}

// TagSession applies manual tags to a session. Manual session tags survive
// a reindex.
func (s *Service) TagSession(ctx context.Context, sessionID string, tags []string) (*SessionTagResult, error) {
	if err := validateIdentifier("session_id", sessionID); err != nil {
		return nil, err
	}
	tags, err := s.requireTags(tags)
	if err != nil {
		return nil, err
	}
	sess, refs, err := s.store.TagSession(ctx, sessionID, tags, store.SourceManual)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &NotFoundError{Kind: "Session", ID: sessionID}
	}
	if err != nil {
		return nil, err
	}
	return &SessionTagResult{SessionID: sess.ID, Slug: sess.Slug, Tags: refs}, nil
}

func (s *Service) requireTags(tags []string) ([]string, error) {
	if len(tags) == 0 {
		return nil, invalid("tags", "At least one tag is required")
	}
	return s.limits.normalizeTags(tags)
}

// ─── list_tags ───────────────────────────────────────────────────────────────

func (s *Service) ListTags(ctx context.Context, scope string) ([]store.TagCount, error) {
	scope, err := validateScope(scope)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.TagCounts(ctx, scope)
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// ─── reindex / index / stats ─────────────────────────────────────────────────

type ReindexResult struct {
	Status          string  `json:"status"`
	FilesIndexed    int     `json:"files_indexed"`
	MessagesIndexed int     `json:"messages_indexed"`
	SessionsFound   int     `json:"sessions_found"`
	DurationSeconds float64 `json:"duration_seconds"`
}

var errNoIndexer = errors.New("indexing is not available in this mode")

// Reindex rebuilds the whole index. On failure the previous index stays.
func (s *Service) Reindex(ctx context.Context) (*ReindexResult, error) {
	if s.ix == nil {
		return nil, errNoIndexer
	}
	st, err := s.ix.Reindex(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reindex")
	}
	return &ReindexResult{
		Status:          "complete",
		FilesIndexed:    st.Files,
		MessagesIndexed: st.Messages,
		SessionsFound:   st.Sessions,
		DurationSeconds: st.DurationSeconds,
	}, nil
}

// Index runs one incremental pass.
func (s *Service) Index(ctx context.Context) (indexer.Stats, error) {
	if s.ix == nil {
		return indexer.Stats{}, errNoIndexer
	}
	return s.ix.Run(ctx)
}

func (s *Service) Stats(ctx context.Context) (*store.Stats, error) {
	return s.store.Stats(ctx)
}

// Ping checks that the store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
