// Package store implements the persistent index for context-flow.
//
// It uses SQLite with an FTS5 external-content table to keep every indexed
// transcript message searchable. The indexer writes through a Tx handle;
// the query layer, MCP server, HTTP server and TUI read through Store.
package store

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// ─── Types ───────────────────────────────────────────────────────────────────

const (
	RoleUser        = "user"
	RoleAssistant   = "assistant"
	RoleToolSummary = "tool_summary"
	RolePlan        = "plan"
)

const (
	SourceAuto   = "auto"
	SourceManual = "manual"
)

// Roles lists every message role in display order.
var Roles = []string{RoleUser, RoleAssistant, RoleToolSummary, RolePlan}

var ErrNotFound = errors.New("not found")

type Session struct {
	ID             string   `json:"session_id"`
	ProjectDir     string   `json:"project_dir"`
	Slug           string   `json:"slug,omitempty"`
	FirstTimestamp string   `json:"first_timestamp"`
	LastTimestamp  string   `json:"last_timestamp"`
	MessageCount   int      `json:"message_count"`
	GitBranch      string   `json:"git_branch,omitempty"`
	Cwd            string   `json:"cwd,omitempty"`
	SessionNumber  int      `json:"session_number,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

type Message struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Model     string `json:"model,omitempty"`
}

// FileState is the persisted progress for one transcript file.
type FileState struct {
	Path      string `json:"path"`
	Offset    int64  `json:"byte_offset"`
	Size      int64  `json:"size"`
	ModTime   int64  `json:"mtime"` // unix nanoseconds
	IndexedAt string `json:"indexed_at,omitempty"`
}

// SessionMeta carries what one parsed file knows about a session.
// Empty strings never overwrite stored values.
type SessionMeta struct {
	ID             string
	ProjectDir     string
	Slug           string
	FirstTimestamp string
	LastTimestamp  string
	GitBranch      string
	Cwd            string
}

type NewMessage struct {
	SessionID string
	Role      string
	Content   string
	Timestamp string
	Model     string
	Tags      []string // auto tags
}

// FileBatch is everything one indexer pass produced for a single file.
type FileBatch struct {
	File     FileState
	Reset    bool
	Sessions []SessionMeta
	Messages []NewMessage
}

type TagRef struct {
	Tag    string `json:"tag"`
	Source string `json:"source"`
}

type TagCount struct {
	Tag    string `json:"tag"`
	Scope  string `json:"scope"`
	Auto   int    `json:"auto"`
	Manual int    `json:"manual"`
	Total  int    `json:"total"`
}

type Stats struct {
	Files       int      `json:"files"`
	Sessions    int      `json:"sessions"`
	Messages    int      `json:"messages"`
	MessageTags int      `json:"message_tags"`
	SessionTags int      `json:"session_tags"`
	Projects    []string `json:"projects"`
}

// ─── Config ──────────────────────────────────────────────────────────────────

type Config struct {
	DataDir string
	DBName  string
}

func DefaultConfig() Config {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".local", "share")
	}
	return Config{
		DataDir: filepath.Join(base, "context-flow"),
		DBName:  "index.db",
	}
}

// Path returns the database file location.
func (c Config) Path() string {
	name := c.DBName
	if name == "" {
		name = "index.db"
	}
	return filepath.Join(c.DataDir, name)
}

// ─── Store ───────────────────────────────────────────────────────────────────

type Store struct {
	db  *sql.DB
	cfg Config
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// pragmas are applied on every pooled connection through the DSN.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

func New(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, errors.Wrap(err, "context-flow: create data dir")
	}

	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	// Writers read before they write; a deferred BEGIN would fail the
	// lock upgrade with SQLITE_BUSY instead of waiting out busy_timeout.
	q.Set("_txlock", "immediate")
	db, err := sql.Open("sqlite", "file:"+cfg.Path()+"?"+q.Encode())
	if err != nil {
		return nil, errors.Wrap(err, "context-flow: open database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "context-flow: open database")
	}

	s := &Store{db: db, cfg: cfg}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "context-flow: migration")
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.PingContext(ctx), "ping store")
}

// Path returns the database file backing this store.
func (s *Store) Path() string {
	return s.cfg.Path()
}

// ─── Migrations ──────────────────────────────────────────────────────────────

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS indexed_files (
			path        TEXT PRIMARY KEY,
			size        INTEGER NOT NULL,
			byte_offset INTEGER NOT NULL,
			mtime       INTEGER NOT NULL DEFAULT 0,
			indexed_at  TEXT    NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sessions (
			session_id      TEXT PRIMARY KEY,
			project_dir     TEXT,
			slug            TEXT,
			first_timestamp TEXT,
			last_timestamp  TEXT,
			message_count   INTEGER NOT NULL DEFAULT 0,
			git_branch      TEXT,
			cwd             TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_dir);
		CREATE INDEX IF NOT EXISTS idx_sessions_slug    ON sessions(slug, first_timestamp);
		CREATE INDEX IF NOT EXISTS idx_sessions_last    ON sessions(last_timestamp DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id  TEXT    NOT NULL,
			role        TEXT    NOT NULL,
			content     TEXT    NOT NULL,
			timestamp   TEXT    NOT NULL,
			model       TEXT,
			source_path TEXT,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session   ON messages(session_id);
		CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
		CREATE INDEX IF NOT EXISTS idx_messages_source    ON messages(source_path);

		CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
			content,
			content='messages',
			content_rowid='id'
		);

		CREATE TABLE IF NOT EXISTS message_tags (
			message_id INTEGER NOT NULL,
			tag        TEXT    NOT NULL,
			source     TEXT    NOT NULL DEFAULT 'auto' CHECK (source IN ('auto', 'manual')),
			PRIMARY KEY (message_id, tag),
			FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_message_tags_tag ON message_tags(tag);

		-- No foreign key: manual session tags outlive a rebuild, session ids are stable.
		CREATE TABLE IF NOT EXISTS session_tags (
			session_id TEXT NOT NULL,
			tag        TEXT NOT NULL,
			source     TEXT NOT NULL DEFAULT 'auto' CHECK (source IN ('auto', 'manual')),
			PRIMARY KEY (session_id, tag)
		);

		CREATE INDEX IF NOT EXISTS idx_session_tags_tag ON session_tags(tag);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Create triggers to keep FTS in sync (idempotent check)
	var name string
	err := s.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='trigger' AND name='messages_fts_insert'",
	).Scan(&name)

	if err == sql.ErrNoRows {
		triggers := `
			CREATE TRIGGER messages_fts_insert AFTER INSERT ON messages BEGIN
				INSERT INTO messages_fts(rowid, content) VALUES (new.id, new.content);
			END;

			CREATE TRIGGER messages_fts_delete AFTER DELETE ON messages BEGIN
				INSERT INTO messages_fts(messages_fts, rowid, content)
				VALUES ('delete', old.id, old.content);
			END;
		`
		if _, err := s.db.Exec(triggers); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	return nil
}

// ─── Transactions ────────────────────────────────────────────────────────────

// Tx is the write handle used by the indexer. Every message insert and its
// FTS mirror row (via trigger) share the enclosing transaction.
type Tx struct {
	tx *sql.Tx
}

// Update runs fn in one transaction, committing only if fn succeeds.
func (s *Store) Update(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	if err := fn(&Tx{tx: tx}); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit tx")
}

// Rebuild clears every derived table and runs fn against the empty index in
// the same transaction. On any error the previous index is left intact.
// Manual session tags are kept; message ids change, so all message tags go.
func (s *Store) Rebuild(ctx context.Context, fn func(*Tx) error) error {
	return s.Update(ctx, func(t *Tx) error {
		clear := []string{
			`DELETE FROM message_tags`,
			`DELETE FROM session_tags WHERE source = 'auto'`,
			`DELETE FROM messages`,
			`DELETE FROM sessions`,
			`DELETE FROM indexed_files`,
			`INSERT INTO messages_fts(messages_fts) VALUES ('rebuild')`,
		}
		for _, q := range clear {
			if _, err := t.tx.ExecContext(ctx, q); err != nil {
				return errors.Wrapf(err, "rebuild: %s", q)
			}
		}
		return fn(t)
	})
}

// ─── Indexed Files ───────────────────────────────────────────────────────────

func (s *Store) FileState(ctx context.Context, path string) (FileState, bool, error) {
	return fileState(ctx, s.db, path)
}

func (t *Tx) FileState(ctx context.Context, path string) (FileState, bool, error) {
	return fileState(ctx, t.tx, path)
}

func fileState(ctx context.Context, q querier, path string) (FileState, bool, error) {
	var fs FileState
	err := q.QueryRowContext(ctx,
		`SELECT path, byte_offset, size, mtime, indexed_at FROM indexed_files WHERE path = ?`, path,
	).Scan(&fs.Path, &fs.Offset, &fs.Size, &fs.ModTime, &fs.IndexedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return FileState{}, false, nil
	}
	if err != nil {
		return FileState{}, false, errors.Wrapf(err, "read file state %s", path)
	}
	return fs, true, nil
}

// ─── Apply ───────────────────────────────────────────────────────────────────

// ApplyFile writes one file's batch: supersedes earlier rows on reset,
// upserts sessions (timestamps only widen), inserts messages with their auto
// tags and records the new file offset. It returns the touched session ids.
func (t *Tx) ApplyFile(ctx context.Context, b FileBatch) ([]string, error) {
	touched := map[string]bool{}

	if b.Reset {
		rows, err := t.tx.QueryContext(ctx,
			`SELECT DISTINCT session_id FROM messages WHERE source_path = ?`, b.File.Path)
		if err != nil {
			return nil, errors.Wrap(err, "find superseded sessions")
		}
		for rows.Next() {
			var sid string
			if err := rows.Scan(&sid); err != nil {
				rows.Close()
				return nil, err
			}
			touched[sid] = true
		}
		rows.Close()
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM messages WHERE source_path = ?`, b.File.Path); err != nil {
			return nil, errors.Wrapf(err, "supersede messages from %s", b.File.Path)
		}
	}

	for _, m := range b.Sessions {
		if err := t.upsertSession(ctx, m); err != nil {
			return nil, err
		}
		touched[m.ID] = true
	}

	if len(b.Messages) > 0 {
		insertMsg, err := t.tx.PrepareContext(ctx,
			`INSERT INTO messages (session_id, role, content, timestamp, model, source_path)
			 VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return nil, errors.Wrap(err, "prepare message insert")
		}
		defer insertMsg.Close()

		insertTag, err := t.tx.PrepareContext(ctx,
			`INSERT OR IGNORE INTO message_tags (message_id, tag, source) VALUES (?, ?, 'auto')`)
		if err != nil {
			return nil, errors.Wrap(err, "prepare tag insert")
		}
		defer insertTag.Close()

		for _, m := range b.Messages {
			res, err := insertMsg.ExecContext(ctx,
				m.SessionID, m.Role, m.Content, m.Timestamp, nullableString(m.Model), b.File.Path)
			if err != nil {
				return nil, errors.Wrapf(err, "insert message for session %s", m.SessionID)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return nil, errors.Wrap(err, "message id")
			}
			for _, tag := range m.Tags {
				if _, err := insertTag.ExecContext(ctx, id, tag); err != nil {
					return nil, errors.Wrapf(err, "tag message %d", id)
				}
			}
			touched[m.SessionID] = true
		}
	}

	ids := make([]string, 0, len(touched))
	for sid := range touched {
		ids = append(ids, sid)
	}
	if err := t.recountMessages(ctx, ids); err != nil {
		return nil, err
	}

	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO indexed_files (path, size, byte_offset, mtime, indexed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			size        = excluded.size,
			byte_offset = excluded.byte_offset,
			mtime       = excluded.mtime,
			indexed_at  = excluded.indexed_at`,
		b.File.Path, b.File.Size, b.File.Offset, b.File.ModTime, Now(),
	); err != nil {
		return nil, errors.Wrapf(err, "record file state %s", b.File.Path)
	}
	return ids, nil
}

func (t *Tx) upsertSession(ctx context.Context, m SessionMeta) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, project_dir, slug, first_timestamp, last_timestamp, git_branch, cwd)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			project_dir = COALESCE(excluded.project_dir, sessions.project_dir),
			slug        = COALESCE(excluded.slug, sessions.slug),
			first_timestamp = CASE
				WHEN excluded.first_timestamp IS NULL THEN sessions.first_timestamp
				WHEN sessions.first_timestamp IS NULL OR excluded.first_timestamp < sessions.first_timestamp
					THEN excluded.first_timestamp
				ELSE sessions.first_timestamp END,
			last_timestamp = CASE
				WHEN excluded.last_timestamp IS NULL THEN sessions.last_timestamp
				WHEN sessions.last_timestamp IS NULL OR excluded.last_timestamp > sessions.last_timestamp
					THEN excluded.last_timestamp
				ELSE sessions.last_timestamp END,
			git_branch  = COALESCE(excluded.git_branch, sessions.git_branch),
			cwd         = COALESCE(excluded.cwd, sessions.cwd)`,
		m.ID, nullableString(m.ProjectDir), nullableString(m.Slug),
		nullableString(m.FirstTimestamp), nullableString(m.LastTimestamp),
		nullableString(m.GitBranch), nullableString(m.Cwd),
	)
	return errors.Wrapf(err, "upsert session %s", m.ID)
}

func (t *Tx) recountMessages(ctx context.Context, sessionIDs []string) error {
	for _, sid := range sessionIDs {
		if _, err := t.tx.ExecContext(ctx,
			`UPDATE sessions SET message_count = (SELECT COUNT(*) FROM messages WHERE session_id = ?)
			 WHERE session_id = ?`, sid, sid,
		); err != nil {
			return errors.Wrapf(err, "recount session %s", sid)
		}
	}
	return nil
}

// SessionActivity returns only the tool_summary and plan messages of a
// session, which is all the session-level classifier looks at.
func (t *Tx) SessionActivity(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, session_id, role, content, timestamp, COALESCE(model, '')
		FROM messages
		WHERE session_id = ? AND role IN ('tool_summary', 'plan')
		ORDER BY timestamp ASC, id ASC`, sessionID)
	if err != nil {
		return nil, errors.Wrapf(err, "session activity %s", sessionID)
	}
	return scanMessages(rows)
}

// AddSessionTags inserts tags without ever replacing an existing association.
func (t *Tx) AddSessionTags(ctx context.Context, sessionID string, tags []string, source string) error {
	return addSessionTags(ctx, t.tx, sessionID, tags, source)
}

func (t *Tx) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	return sessionExists(ctx, t.tx, sessionID)
}

// ─── Manual Tagging ──────────────────────────────────────────────────────────

// TagMessage applies tags to a message and returns every tag it now carries.
func (s *Store) TagMessage(ctx context.Context, messageID int64, tags []string, source string) (*Message, []TagRef, error) {
	var (
		msg  *Message
		refs []TagRef
	)
	err := s.Update(ctx, func(t *Tx) error {
		var err error
		msg, err = getMessage(ctx, t.tx, messageID)
		if err != nil {
			return err
		}
		for _, tag := range tags {
			if _, err := t.tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO message_tags (message_id, tag, source) VALUES (?, ?, ?)`,
				messageID, tag, source,
			); err != nil {
				return errors.Wrapf(err, "tag message %d", messageID)
			}
		}
		refs, err = tagRefs(ctx, t.tx, `SELECT tag, source FROM message_tags WHERE message_id = ? ORDER BY tag`, messageID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return msg, refs, nil
}

// TagSession applies tags to a session and returns every tag it now carries.
func (s *Store) TagSession(ctx context.Context, sessionID string, tags []string, source string) (*Session, []TagRef, error) {
	var (
		sess *Session
		refs []TagRef
	)
	err := s.Update(ctx, func(t *Tx) error {
		var err error
		sess, err = getSession(ctx, t.tx, sessionID)
		if err != nil {
			return err
		}
		if err := addSessionTags(ctx, t.tx, sessionID, tags, source); err != nil {
			return err
		}
		refs, err = tagRefs(ctx, t.tx, `SELECT tag, source FROM session_tags WHERE session_id = ? ORDER BY tag`, sessionID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return sess, refs, nil
}

func addSessionTags(ctx context.Context, q querier, sessionID string, tags []string, source string) error {
	for _, tag := range tags {
		if _, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO session_tags (session_id, tag, source) VALUES (?, ?, ?)`,
			sessionID, tag, source,
		); err != nil {
			return errors.Wrapf(err, "tag session %s", sessionID)
		}
	}
	return nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Timestamp, &m.Model); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func tagRefs(ctx context.Context, q querier, query string, args ...any) ([]TagRef, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "read tags")
	}
	defer rows.Close()
	var out []TagRef
	for rows.Next() {
		var r TagRef
		if err := rows.Scan(&r.Tag, &r.Source); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func sessionExists(ctx context.Context, q querier, sessionID string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE session_id = ?`, sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "lookup session %s", sessionID)
	}
	return true, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Now returns the current time formatted for SQLite storage.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
