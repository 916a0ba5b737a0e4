package store

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ─── Filters ─────────────────────────────────────────────────────────────────

type SearchFilter struct {
	Query    string
	Project  string
	DateFrom string
	DateTo   string
	Tags     []string
	Limit    int
}

type SearchHit struct {
	ID            int64  `json:"id"`
	SessionID     string `json:"session_id"`
	Slug          string `json:"slug,omitempty"`
	ProjectDir    string `json:"project_dir"`
	GitBranch     string `json:"git_branch,omitempty"`
	Role          string `json:"role"`
	Timestamp     string `json:"timestamp"`
	Snippet       string `json:"snippet"`
	SessionNumber int    `json:"session_number,omitempty"`
}

// SessionFilter selects sessions. A non-empty Slug replaces the project
// filter and switches ordering to first_timestamp ascending.
type SessionFilter struct {
	Project  string
	Slug     string
	DateFrom string
	DateTo   string
	Tags     []string
	Limit    int
}

// ─── Search (FTS5) ───────────────────────────────────────────────────────────

// Search runs a raw FTS5 MATCH. Syntax errors come back wrapped so callers
// can classify them with IsQuerySyntaxError.
func (s *Store) Search(ctx context.Context, f SearchFilter) ([]SearchHit, error) {
	query := `
		SELECT m.id, m.session_id, COALESCE(s.slug, ''), COALESCE(s.project_dir, ''),
		       COALESCE(s.git_branch, ''), m.role, m.timestamp,
		       snippet(messages_fts, 0, '>>>', '<<<', '...', 40)
		FROM messages_fts
		JOIN messages m ON m.id = messages_fts.rowid
		JOIN sessions s ON s.session_id = m.session_id
		WHERE messages_fts MATCH ?
	`
	args := []any{f.Query}

	if f.Project != "" {
		query += " AND s.project_dir LIKE ?"
		args = append(args, "%"+f.Project+"%")
	}
	if f.DateFrom != "" {
		query += " AND m.timestamp >= ?"
		args = append(args, f.DateFrom)
	}
	if f.DateTo != "" {
		query += " AND m.timestamp <= ?"
		args = append(args, f.DateTo)
	}
	for _, tag := range f.Tags {
		query += " AND EXISTS (SELECT 1 FROM message_tags mt WHERE mt.message_id = m.id AND mt.tag = ?)"
		args = append(args, tag)
	}

	query += " ORDER BY rank LIMIT ?"
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "search")
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.ID, &h.SessionID, &h.Slug, &h.ProjectDir, &h.GitBranch,
			&h.Role, &h.Timestamp, &h.Snippet); err != nil {
			return nil, errors.Wrap(err, "search")
		}
		hits = append(hits, h)
	}
	// MATCH errors surface lazily on the first step.
	return hits, errors.Wrap(rows.Err(), "search")
}

// IsQuerySyntaxError reports whether err came from an unparseable FTS5 query.
func IsQuerySyntaxError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"fts5: syntax error",
		"syntax error near",
		"unterminated string",
		"no such column",
		"unknown special query",
		"fts5: parser stack overflow",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// ─── Sessions ────────────────────────────────────────────────────────────────

const sessionColumns = `s.session_id, COALESCE(s.project_dir, ''), COALESCE(s.slug, ''),
	COALESCE(s.first_timestamp, ''), COALESCE(s.last_timestamp, ''), s.message_count,
	COALESCE(s.git_branch, ''), COALESCE(s.cwd, '')`

func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	return getSession(ctx, s.db, id)
}

func getSession(ctx context.Context, q querier, id string) (*Session, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions s WHERE s.session_id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "session %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get session %s", id)
	}
	return sess, nil
}

// SessionsBySlug returns every session in a continuation chain, oldest
// first, ties broken by session id.
func (s *Store) SessionsBySlug(ctx context.Context, slug string) ([]Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions s WHERE s.slug = ?
		 ORDER BY s.first_timestamp ASC, s.session_id ASC`, slug)
}

func (s *Store) ListSessions(ctx context.Context, f SessionFilter) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions s WHERE 1=1`
	var args []any

	if f.Slug != "" {
		query += " AND s.slug = ?"
		args = append(args, f.Slug)
	} else if f.Project != "" {
		query += " AND s.project_dir LIKE ?"
		args = append(args, "%"+f.Project+"%")
	}
	if f.DateFrom != "" {
		query += " AND s.last_timestamp >= ?"
		args = append(args, f.DateFrom)
	}
	if f.DateTo != "" {
		query += " AND s.first_timestamp <= ?"
		args = append(args, f.DateTo)
	}
	for _, tag := range f.Tags {
		query += " AND EXISTS (SELECT 1 FROM session_tags st WHERE st.session_id = s.session_id AND st.tag = ?)"
		args = append(args, tag)
	}

	if f.Slug != "" {
		query += " ORDER BY s.first_timestamp ASC, s.session_id ASC"
	} else {
		query += " ORDER BY s.last_timestamp DESC, s.session_id ASC"
	}
	query += " LIMIT ?"
	args = append(args, f.Limit)

	sessions, err := s.querySessions(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if err := s.attachSessionTags(ctx, sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query sessions")
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan session")
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*Session, error) {
	var sess Session
	if err := r.Scan(&sess.ID, &sess.ProjectDir, &sess.Slug, &sess.FirstTimestamp,
		&sess.LastTimestamp, &sess.MessageCount, &sess.GitBranch, &sess.Cwd); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) attachSessionTags(ctx context.Context, sessions []Session) error {
	if len(sessions) == 0 {
		return nil
	}
	index := make(map[string]int, len(sessions))
	args := make([]any, 0, len(sessions))
	for i, sess := range sessions {
		index[sess.ID] = i
		args = append(args, sess.ID)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, tag FROM session_tags WHERE session_id IN (`+placeholders(len(args))+`) ORDER BY tag`,
		args...)
	if err != nil {
		return errors.Wrap(err, "session tags")
	}
	defer rows.Close()
	for rows.Next() {
		var sid, tag string
		if err := rows.Scan(&sid, &tag); err != nil {
			return err
		}
		i := index[sid]
		sessions[i].Tags = append(sessions[i].Tags, tag)
	}
	return rows.Err()
}

// SessionTags returns the tags on one session.
func (s *Store) SessionTags(ctx context.Context, sessionID string) ([]TagRef, error) {
	return tagRefs(ctx, s.db, `SELECT tag, source FROM session_tags WHERE session_id = ? ORDER BY tag`, sessionID)
}

// ─── Messages ────────────────────────────────────────────────────────────────

func (s *Store) GetMessage(ctx context.Context, id int64) (*Message, error) {
	return getMessage(ctx, s.db, id)
}

func getMessage(ctx context.Context, q querier, id int64) (*Message, error) {
	var m Message
	err := q.QueryRowContext(ctx,
		`SELECT id, session_id, role, content, timestamp, COALESCE(model, '') FROM messages WHERE id = ?`, id,
	).Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Timestamp, &m.Model)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "message %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get message %d", id)
	}
	return &m, nil
}

// MessageTags returns the tags on one message.
func (s *Store) MessageTags(ctx context.Context, messageID int64) ([]TagRef, error) {
	return tagRefs(ctx, s.db, `SELECT tag, source FROM message_tags WHERE message_id = ? ORDER BY tag`, messageID)
}

// Messages returns the messages of the given sessions in chronological
// order, optionally restricted to roles. limit <= 0 means no limit.
func (s *Store) Messages(ctx context.Context, sessionIDs, roles []string, limit int) ([]Message, error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}
	query := `SELECT id, session_id, role, content, timestamp, COALESCE(model, '')
		FROM messages WHERE session_id IN (` + placeholders(len(sessionIDs)) + `)`
	args := make([]any, 0, len(sessionIDs)+len(roles)+1)
	for _, id := range sessionIDs {
		args = append(args, id)
	}
	if len(roles) > 0 {
		query += ` AND role IN (` + placeholders(len(roles)) + `)`
		for _, r := range roles {
			args = append(args, r)
		}
	}
	query += " ORDER BY timestamp ASC, id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query messages")
	}
	return scanMessages(rows)
}

// MessagesAround returns up to before messages at or before ts and up to
// after messages strictly after it, across the given sessions.
func (s *Store) MessagesAround(ctx context.Context, sessionIDs []string, ts string, before, after int) ([]Message, error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}
	in := `session_id IN (` + placeholders(len(sessionIDs)) + `)`
	args := make([]any, 0, len(sessionIDs)+2)
	for _, id := range sessionIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, timestamp, COALESCE(model, '')
		 FROM messages WHERE `+in+` AND timestamp <= ?
		 ORDER BY timestamp DESC, id DESC LIMIT ?`,
		append(append([]any{}, args...), ts, before)...)
	if err != nil {
		return nil, errors.Wrap(err, "messages before")
	}
	head, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, timestamp, COALESCE(model, '')
		 FROM messages WHERE `+in+` AND timestamp > ?
		 ORDER BY timestamp ASC, id ASC LIMIT ?`,
		append(append([]any{}, args...), ts, after)...)
	if err != nil {
		return nil, errors.Wrap(err, "messages after")
	}
	tail, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	out := make([]Message, 0, len(head)+len(tail))
	for i := len(head) - 1; i >= 0; i-- {
		out = append(out, head[i])
	}
	return append(out, tail...), nil
}

// ─── Tags ────────────────────────────────────────────────────────────────────

// TagCounts aggregates tag usage. scope is "all", "message" or "session";
// a tag used in both tables reports scope "both".
func (s *Store) TagCounts(ctx context.Context, scope string) ([]TagCount, error) {
	counts := map[string]*TagCount{}

	collect := func(table, tableScope string) error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT tag, source, COUNT(*) FROM `+table+` GROUP BY tag, source`)
		if err != nil {
			return errors.Wrapf(err, "count %s", table)
		}
		defer rows.Close()
		for rows.Next() {
			var tag, source string
			var n int
			if err := rows.Scan(&tag, &source, &n); err != nil {
				return err
			}
			c, ok := counts[tag]
			if !ok {
				c = &TagCount{Tag: tag, Scope: tableScope}
				counts[tag] = c
			} else if c.Scope != tableScope {
				c.Scope = "both"
			}
			if source == SourceManual {
				c.Manual += n
			} else {
				c.Auto += n
			}
			c.Total += n
		}
		return rows.Err()
	}

	if scope == "all" || scope == "message" {
		if err := collect("message_tags", "message"); err != nil {
			return nil, err
		}
	}
	if scope == "all" || scope == "session" {
		if err := collect("session_tags", "session"); err != nil {
			return nil, err
		}
	}

	out := make([]TagCount, 0, len(counts))
	for _, c := range counts {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Tag < out[j].Tag
	})
	return out, nil
}

// ─── Stats ───────────────────────────────────────────────────────────────────

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	counts := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM indexed_files", &st.Files},
		{"SELECT COUNT(*) FROM sessions", &st.Sessions},
		{"SELECT COUNT(*) FROM messages", &st.Messages},
		{"SELECT COUNT(*) FROM message_tags", &st.MessageTags},
		{"SELECT COUNT(*) FROM session_tags", &st.SessionTags},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, errors.Wrap(err, "stats")
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT project_dir FROM sessions WHERE project_dir IS NOT NULL AND project_dir != ''
		 ORDER BY project_dir`)
	if err != nil {
		return nil, errors.Wrap(err, "stats projects")
	}
	defer rows.Close()
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		st.Projects = append(st.Projects, p)
	}
	return st, rows.Err()
}
