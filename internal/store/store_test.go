package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")

	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func apply(t *testing.T, s *Store, b FileBatch) []string {
	t.Helper()
	var touched []string
	err := s.Update(context.Background(), func(tx *Tx) error {
		var err error
		touched, err = tx.ApplyFile(context.Background(), b)
		return err
	})
	require.NoError(t, err)
	return touched
}

func batch(path, sid, slug string, msgs ...NewMessage) FileBatch {
	first, last := "", ""
	for i := range msgs {
		msgs[i].SessionID = sid
		if first == "" || msgs[i].Timestamp < first {
			first = msgs[i].Timestamp
		}
		if msgs[i].Timestamp > last {
			last = msgs[i].Timestamp
		}
	}
	return FileBatch{
		File: FileState{Path: path, Offset: 100, Size: 100},
		Sessions: []SessionMeta{{
			ID: sid, ProjectDir: "/home/dev/proj", Slug: slug,
			FirstTimestamp: first, LastTimestamp: last, GitBranch: "main",
		}},
		Messages: msgs,
	}
}

func countRows(t *testing.T, s *Store, table string) int {
	t.Helper()
	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestNewCreatesOwnerOnlyDataDir(t *testing.T) {
	s := newTestStore(t)

	info, err := os.Stat(filepath.Dir(s.Path()))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	var mode string
	require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	require.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, s.db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	require.Equal(t, 1, fk)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.migrate())
	require.NoError(t, s.migrate())
}

func TestApplyFileWritesMessagesAndMirror(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	touched := apply(t, s, batch("/t/a.jsonl", "sess-a", "proj-1",
		NewMessage{Role: RoleUser, Content: "how do we render the splash page", Timestamp: "2026-01-01T09:00:00Z"},
		NewMessage{Role: RoleAssistant, Content: "decided to use X", Timestamp: "2026-01-01T09:01:00Z", Model: "m1"},
	))
	require.Equal(t, []string{"sess-a"}, touched)

	require.Equal(t, 2, countRows(t, s, "messages"))
	var mirrored int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM messages_fts WHERE messages_fts MATCH 'splash'").Scan(&mirrored))
	require.Equal(t, 1, mirrored)

	sess, err := s.GetSession(ctx, "sess-a")
	require.NoError(t, err)
	require.Equal(t, 2, sess.MessageCount)
	require.Equal(t, "proj-1", sess.Slug)
	require.Equal(t, "main", sess.GitBranch)

	fs, ok, err := s.FileState(ctx, "/t/a.jsonl")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(100), fs.Offset)
}

func TestApplyFileOnlyWidensTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	apply(t, s, batch("/t/a.jsonl", "sess-a", "",
		NewMessage{Role: RoleUser, Content: "one", Timestamp: "2026-01-01T10:00:00Z"},
		NewMessage{Role: RoleUser, Content: "two", Timestamp: "2026-01-01T11:00:00Z"},
	))
	// A later batch that sits inside the window must not narrow it.
	b := batch("/t/a.jsonl", "sess-a", "",
		NewMessage{Role: RoleUser, Content: "three", Timestamp: "2026-01-01T10:30:00Z"},
	)
	b.Sessions[0].GitBranch = ""
	apply(t, s, b)

	sess, err := s.GetSession(ctx, "sess-a")
	require.NoError(t, err)
	require.Equal(t, "2026-01-01T10:00:00Z", sess.FirstTimestamp)
	require.Equal(t, "2026-01-01T11:00:00Z", sess.LastTimestamp)
	require.Equal(t, "main", sess.GitBranch)
	require.Equal(t, 3, sess.MessageCount)
}

func TestApplyFileResetSupersedesFileMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	apply(t, s, batch("/t/a.jsonl", "sess-a", "",
		NewMessage{Role: RoleAssistant, Content: "old words", Timestamp: "2026-01-01T10:00:00Z", Tags: []string{"decision"}},
	))
	apply(t, s, batch("/t/b.jsonl", "sess-b", "",
		NewMessage{Role: RoleAssistant, Content: "other file", Timestamp: "2026-01-01T10:00:00Z"},
	))

	b := batch("/t/a.jsonl", "sess-a", "",
		NewMessage{Role: RoleAssistant, Content: "new words", Timestamp: "2026-01-01T10:05:00Z"},
	)
	b.Reset = true
	apply(t, s, b)

	msgs, err := s.Messages(ctx, []string{"sess-a", "sess-b"}, nil, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "other file", msgs[0].Content)
	require.Equal(t, "new words", msgs[1].Content)
	require.Equal(t, 0, countRows(t, s, "message_tags"))

	hits, err := s.Search(ctx, SearchFilter{Query: "old", Limit: 10})
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestUpdateRollsBackMessagesAndMirrorTogether(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.Update(ctx, func(tx *Tx) error {
		if _, err := tx.ApplyFile(ctx, batch("/t/a.jsonl", "sess-a", "",
			NewMessage{Role: RoleUser, Content: "vanishing words", Timestamp: "2026-01-01T10:00:00Z"},
		)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.Equal(t, 0, countRows(t, s, "messages"))
	require.Equal(t, 0, countRows(t, s, "indexed_files"))
	hits, err := s.Search(ctx, SearchFilter{Query: "vanishing", Limit: 10})
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestTagMessageTwiceKeepsOneAssociation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	apply(t, s, batch("/t/a.jsonl", "sess-a", "",
		NewMessage{Role: RoleUser, Content: "hello", Timestamp: "2026-01-01T10:00:00Z"},
	))

	msgs, err := s.Messages(ctx, []string{"sess-a"}, nil, 0)
	require.NoError(t, err)
	id := msgs[0].ID

	_, _, err = s.TagMessage(ctx, id, []string{"important"}, SourceManual)
	require.NoError(t, err)
	msg, refs, err := s.TagMessage(ctx, id, []string{"important"}, SourceManual)
	require.NoError(t, err)
	require.Equal(t, "sess-a", msg.SessionID)
	require.Equal(t, []TagRef{{Tag: "important", Source: SourceManual}}, refs)
	require.Equal(t, 1, countRows(t, s, "message_tags"))

	_, _, err = s.TagMessage(ctx, 9999, []string{"x"}, SourceManual)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTagMessageWaitsForConcurrentWriter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	apply(t, s, batch("/t/a.jsonl", "sess-a", "",
		NewMessage{Role: RoleUser, Content: "hello", Timestamp: "2026-01-01T10:00:00Z"},
	))
	msgs, err := s.Messages(ctx, []string{"sess-a"}, nil, 0)
	require.NoError(t, err)

	holding := make(chan struct{})
	writerDone := make(chan error, 1)
	go func() {
		writerDone <- s.Update(ctx, func(tx *Tx) error {
			if _, err := tx.ApplyFile(ctx, batch("/t/b.jsonl", "sess-b", "",
				NewMessage{Role: RoleUser, Content: "second file", Timestamp: "2026-01-01T11:00:00Z"},
			)); err != nil {
				return err
			}
			close(holding)
			time.Sleep(400 * time.Millisecond)
			return nil
		})
	}()

	select {
	case <-holding:
	case err := <-writerDone:
		t.Fatalf("writer finished before holding the lock: %v", err)
	}
	_, refs, err := s.TagMessage(ctx, msgs[0].ID, []string{"important"}, SourceManual)
	require.NoError(t, err)
	require.Equal(t, []TagRef{{Tag: "important", Source: SourceManual}}, refs)
	require.NoError(t, <-writerDone)
	require.Equal(t, 2, countRows(t, s, "messages"))
}

func TestAutoSessionTagNeverReplacesManual(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	apply(t, s, batch("/t/a.jsonl", "sess-a", "",
		NewMessage{Role: RoleUser, Content: "hello", Timestamp: "2026-01-01T10:00:00Z"},
	))

	_, _, err := s.TagSession(ctx, "sess-a", []string{"has:tests"}, SourceManual)
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		return tx.AddSessionTags(ctx, "sess-a", []string{"has:tests", "has:deploy"}, SourceAuto)
	}))

	refs, err := s.SessionTags(ctx, "sess-a")
	require.NoError(t, err)
	require.Equal(t, []TagRef{
		{Tag: "has:deploy", Source: SourceAuto},
		{Tag: "has:tests", Source: SourceManual},
	}, refs)
}

func TestRebuildKeepsManualSessionTagsOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	apply(t, s, batch("/t/a.jsonl", "sess-a", "",
		NewMessage{Role: RoleAssistant, Content: "hello", Timestamp: "2026-01-01T10:00:00Z", Tags: []string{"insight"}},
	))
	_, _, err := s.TagSession(ctx, "sess-a", []string{"keep-me"}, SourceManual)
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		return tx.AddSessionTags(ctx, "sess-a", []string{"has:tests"}, SourceAuto)
	}))

	require.NoError(t, s.Rebuild(ctx, func(tx *Tx) error { return nil }))

	require.Equal(t, 0, countRows(t, s, "messages"))
	require.Equal(t, 0, countRows(t, s, "sessions"))
	require.Equal(t, 0, countRows(t, s, "indexed_files"))
	require.Equal(t, 0, countRows(t, s, "message_tags"))
	refs, err := s.SessionTags(ctx, "sess-a")
	require.NoError(t, err)
	require.Equal(t, []TagRef{{Tag: "keep-me", Source: SourceManual}}, refs)
}

func TestRebuildFailureLeavesPriorIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	apply(t, s, batch("/t/a.jsonl", "sess-a", "",
		NewMessage{Role: RoleUser, Content: "survivor text", Timestamp: "2026-01-01T10:00:00Z"},
	))

	err := s.Rebuild(ctx, func(tx *Tx) error { return errors.New("scan exploded") })
	require.Error(t, err)

	require.Equal(t, 1, countRows(t, s, "messages"))
	hits, err := s.Search(ctx, SearchFilter{Query: "survivor", Limit: 10})
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestListSessionsOrderingAndSlugPrecedence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Inserted out of order on purpose.
	apply(t, s, batch("/t/3.jsonl", "s3", "chain", NewMessage{Role: RoleUser, Content: "c", Timestamp: "2026-01-01T12:00:00Z"}))
	apply(t, s, batch("/t/1.jsonl", "s1", "chain", NewMessage{Role: RoleUser, Content: "a", Timestamp: "2026-01-01T10:00:00Z"}))
	apply(t, s, batch("/t/2.jsonl", "s2", "chain", NewMessage{Role: RoleUser, Content: "b", Timestamp: "2026-01-01T11:00:00Z"}))
	apply(t, s, batch("/t/4.jsonl", "s4", "", NewMessage{Role: RoleUser, Content: "d", Timestamp: "2026-01-02T08:00:00Z"}))

	chain, err := s.ListSessions(ctx, SessionFilter{Slug: "chain", Project: "no-such-project", Limit: 10})
	require.NoError(t, err)
	require.Len(t, chain, 3)
	require.Equal(t, []string{"s1", "s2", "s3"}, []string{chain[0].ID, chain[1].ID, chain[2].ID})

	recent, err := s.ListSessions(ctx, SessionFilter{Limit: 10})
	require.NoError(t, err)
	require.Equal(t, "s4", recent[0].ID)
	require.Equal(t, "s1", recent[3].ID)

	none, err := s.ListSessions(ctx, SessionFilter{Project: "no-such-project", Limit: 10})
	require.NoError(t, err)
	require.Empty(t, none)

	bySlug, err := s.SessionsBySlug(ctx, "chain")
	require.NoError(t, err)
	require.Equal(t, "s1", bySlug[0].ID)
}

func TestListSessionsTagFilterUsesAnd(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	apply(t, s, batch("/t/1.jsonl", "s1", "", NewMessage{Role: RoleUser, Content: "a", Timestamp: "2026-01-01T10:00:00Z"}))
	apply(t, s, batch("/t/2.jsonl", "s2", "", NewMessage{Role: RoleUser, Content: "b", Timestamp: "2026-01-01T11:00:00Z"}))

	_, _, err := s.TagSession(ctx, "s1", []string{"has:tests", "has:deploy"}, SourceManual)
	require.NoError(t, err)
	_, _, err = s.TagSession(ctx, "s2", []string{"has:tests"}, SourceManual)
	require.NoError(t, err)

	both, err := s.ListSessions(ctx, SessionFilter{Tags: []string{"has:tests", "has:deploy"}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, both, 1)
	require.Equal(t, "s1", both[0].ID)
	require.Equal(t, []string{"has:deploy", "has:tests"}, both[0].Tags)
}

func TestSearchTagFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	apply(t, s, batch("/t/a.jsonl", "sess-a", "",
		NewMessage{Role: RoleAssistant, Content: "The splash page needs contrast", Timestamp: "2026-01-01T10:00:00Z", Tags: []string{"review:ux"}},
	))

	hits, err := s.Search(ctx, SearchFilter{Query: `"splash page"`, Tags: []string{"review:ux"}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Contains(t, hits[0].Snippet, ">>>splash")

	hits, err = s.Search(ctx, SearchFilter{Query: `"splash page"`, Tags: []string{"review:security"}, Limit: 10})
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestSearchSyntaxErrorIsClassified(t *testing.T) {
	s := newTestStore(t)
	apply(t, s, batch("/t/a.jsonl", "sess-a", "",
		NewMessage{Role: RoleUser, Content: "hello", Timestamp: "2026-01-01T10:00:00Z"},
	))

	_, err := s.Search(context.Background(), SearchFilter{Query: `"unbalanced`, Limit: 10})
	require.Error(t, err)
	require.True(t, IsQuerySyntaxError(err))
	require.False(t, IsQuerySyntaxError(errors.New("disk I/O error")))
}

func TestMessagesAroundWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	var msgs []NewMessage
	for _, ts := range []string{"10:00", "10:01", "10:02", "10:03", "10:04"} {
		msgs = append(msgs, NewMessage{Role: RoleUser, Content: "m " + ts, Timestamp: "2026-01-01T" + ts + ":00Z"})
	}
	apply(t, s, batch("/t/a.jsonl", "sess-a", "", msgs...))

	window, err := s.MessagesAround(ctx, []string{"sess-a"}, "2026-01-01T10:02:00Z", 2, 1)
	require.NoError(t, err)
	require.Len(t, window, 3)
	require.Equal(t, "m 10:01", window[0].Content)
	require.Equal(t, "m 10:02", window[1].Content)
	require.Equal(t, "m 10:03", window[2].Content)
}

func TestTagCountsScopes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	apply(t, s, batch("/t/a.jsonl", "sess-a", "",
		NewMessage{Role: RoleAssistant, Content: "x", Timestamp: "2026-01-01T10:00:00Z", Tags: []string{"insight", "shared"}},
		NewMessage{Role: RoleAssistant, Content: "y", Timestamp: "2026-01-01T10:01:00Z", Tags: []string{"insight"}},
	))
	_, _, err := s.TagSession(ctx, "sess-a", []string{"shared"}, SourceManual)
	require.NoError(t, err)

	all, err := s.TagCounts(ctx, "all")
	require.NoError(t, err)
	require.Equal(t, []TagCount{
		{Tag: "insight", Scope: "message", Auto: 2, Total: 2},
		{Tag: "shared", Scope: "both", Auto: 1, Manual: 1, Total: 2},
	}, all)

	sessionOnly, err := s.TagCounts(ctx, "session")
	require.NoError(t, err)
	require.Equal(t, []TagCount{{Tag: "shared", Scope: "session", Manual: 1, Total: 1}}, sessionOnly)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	apply(t, s, batch("/t/a.jsonl", "sess-a", "",
		NewMessage{Role: RoleUser, Content: "x", Timestamp: "2026-01-01T10:00:00Z"},
	))

	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, st.Files)
	require.Equal(t, 1, st.Sessions)
	require.Equal(t, 1, st.Messages)
	require.Equal(t, []string{"/home/dev/proj"}, st.Projects)
}
