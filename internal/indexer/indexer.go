// Package indexer keeps the store in step with the transcript tree.
//
// A pass plans the work (new, grown and truncated files), parses files in
// parallel, and writes them one at a time through the store's single
// writer. Incremental passes commit per file; Reindex commits once.
package indexer

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mattpollak/context-flow/internal/markers"
	"github.com/mattpollak/context-flow/internal/store"
	"github.com/mattpollak/context-flow/internal/tagger"
	"github.com/mattpollak/context-flow/internal/transcript"
)

type Options struct {
	TranscriptRoot string
	Workers        int
	Markers        markers.Source // optional
}

type Stats struct {
	Files           int           `json:"files"`
	Messages        int           `json:"messages"`
	Sessions        int           `json:"sessions"`
	Skipped         int           `json:"skipped"`
	Failed          int           `json:"failed"`
	Duration        time.Duration `json:"-"`
	DurationSeconds float64       `json:"duration_seconds"`
}

type Indexer struct {
	store   *store.Store
	scanner *Scanner
	markers markers.Source
	workers int

	// one pass at a time: a scheduled rescan never interleaves with Reindex
	mu sync.Mutex
}

func New(s *store.Store, opts Options) *Indexer {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Indexer{
		store:   s,
		scanner: &Scanner{Root: opts.TranscriptRoot},
		markers: opts.Markers,
		workers: workers,
	}
}

// writeFunc runs fn inside whatever transaction the pass is using.
type writeFunc func(fn func(*store.Tx) error) error

// Run performs one incremental pass. File-level failures are logged and
// counted; they never abort the pass.
func (ix *Indexer) Run(ctx context.Context) (Stats, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	start := time.Now()
	plan, skipped, err := ix.scanner.Plan(ctx, ix.store)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Skipped: skipped}
	touched := map[string]bool{}
	write := func(fn func(*store.Tx) error) error {
		return ix.store.Update(ctx, fn)
	}
	if err := ix.process(ctx, plan, write, false, &stats, touched); err != nil {
		return stats, err
	}

	if len(touched) > 0 {
		ids := sortedKeys(touched)
		if err := ix.store.Update(ctx, func(tx *store.Tx) error {
			if err := ix.classifySessions(ctx, tx, ids); err != nil {
				return err
			}
			return ix.applyMarkers(ctx, tx, ids)
		}); err != nil {
			return stats, err
		}
	}

	ix.finish(&stats, start, "incremental")
	return stats, nil
}

// Reindex rebuilds the whole index from the transcript tree in a single
// transaction. If anything fails the previous index is left untouched.
func (ix *Indexer) Reindex(ctx context.Context) (Stats, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	start := time.Now()
	var stats Stats
	err := ix.store.Rebuild(ctx, func(tx *store.Tx) error {
		plan, skipped, err := ix.scanner.Plan(ctx, tx)
		if err != nil {
			return err
		}
		stats.Skipped = skipped

		touched := map[string]bool{}
		write := func(fn func(*store.Tx) error) error { return fn(tx) }
		if err := ix.process(ctx, plan, write, true, &stats, touched); err != nil {
			return err
		}
		if err := ix.classifySessions(ctx, tx, sortedKeys(touched)); err != nil {
			return err
		}
		return ix.applyAllMarkers(ctx, tx)
	})
	if err != nil {
		return Stats{}, err
	}

	ix.finish(&stats, start, "rebuild")
	return stats, nil
}

// process parses the plan in bounded parallel chunks and writes each file
// serially. With strict set, a write failure aborts the pass.
func (ix *Indexer) process(ctx context.Context, plan []Work, write writeFunc, strict bool, stats *Stats, touched map[string]bool) error {
	chunk := ix.workers * 4
	for startIdx := 0; startIdx < len(plan); startIdx += chunk {
		end := startIdx + chunk
		if end > len(plan) {
			end = len(plan)
		}
		batch := plan[startIdx:end]

		results := make([]*transcript.Result, len(batch))
		parseErrs := make([]error, len(batch))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(ix.workers)
		for i, w := range batch {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				results[i], parseErrs[i] = transcript.ParseFile(w.Path, w.Offset, w.Size)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		for i, w := range batch {
			if parseErrs[i] != nil {
				log.Warn().Err(parseErrs[i]).Str("path", w.Path).Msg("indexer: skip unreadable file")
				stats.Failed++
				continue
			}

			b := buildBatch(w, results[i])
			var ids []string
			err := write(func(tx *store.Tx) error {
				var err error
				ids, err = tx.ApplyFile(ctx, b)
				return err
			})
			if err != nil {
				if strict {
					return err
				}
				log.Warn().Err(err).Str("path", w.Path).Msg("indexer: failed to store file")
				stats.Failed++
				continue
			}

			stats.Files++
			stats.Messages += len(b.Messages)
			for _, id := range ids {
				touched[id] = true
			}
			log.Debug().Str("path", w.Path).Int("messages", len(b.Messages)).
				Int("skipped_lines", results[i].Skipped).Bool("reset", w.Reset).Msg("indexer: file indexed")
		}
	}
	stats.Sessions = len(touched)
	return nil
}

func buildBatch(w Work, res *transcript.Result) store.FileBatch {
	b := store.FileBatch{
		File: store.FileState{
			Path:    w.Path,
			Offset:  w.Offset + res.Consumed,
			Size:    w.Size,
			ModTime: w.ModTime,
		},
		Reset:    w.Reset,
		Sessions: make([]store.SessionMeta, 0, len(res.Sessions)),
		Messages: make([]store.NewMessage, 0, len(res.Records)),
	}
	for _, s := range res.Sessions {
		b.Sessions = append(b.Sessions, store.SessionMeta{
			ID:             s.ID,
			ProjectDir:     s.ProjectDir,
			Slug:           s.Slug,
			FirstTimestamp: s.FirstTimestamp,
			LastTimestamp:  s.LastTimestamp,
			GitBranch:      s.GitBranch,
			Cwd:            s.Cwd,
		})
	}
	for _, r := range res.Records {
		b.Messages = append(b.Messages, store.NewMessage{
			SessionID: r.SessionID,
			Role:      r.Role,
			Content:   r.Content,
			Timestamp: r.Timestamp,
			Model:     r.Model,
			Tags:      tagger.MessageTags(r.Role, r.Content),
		})
	}
	return b
}

func (ix *Indexer) classifySessions(ctx context.Context, tx *store.Tx, ids []string) error {
	for _, sid := range ids {
		msgs, err := tx.SessionActivity(ctx, sid)
		if err != nil {
			return err
		}
		activity := make([]tagger.Activity, len(msgs))
		for i, m := range msgs {
			activity[i] = tagger.Activity{Role: m.Role, Content: m.Content}
		}
		if tags := tagger.SessionTags(activity); len(tags) > 0 {
			if err := tx.AddSessionTags(ctx, sid, tags, store.SourceAuto); err != nil {
				return err
			}
		}
	}
	return nil
}

func (ix *Indexer) applyMarkers(ctx context.Context, tx *store.Tx, ids []string) error {
	if ix.markers == nil {
		return nil
	}
	for _, sid := range ids {
		ws, ok := ix.markers.Workstream(sid)
		if !ok {
			continue
		}
		if err := tx.AddSessionTags(ctx, sid, []string{markers.Tag(ws)}, store.SourceAuto); err != nil {
			return err
		}
	}
	return nil
}

// applyAllMarkers tags every indexed session that has a marker file.
func (ix *Indexer) applyAllMarkers(ctx context.Context, tx *store.Tx) error {
	if ix.markers == nil {
		return nil
	}
	ids, err := ix.markers.SessionIDs()
	if err != nil {
		log.Warn().Err(err).Msg("indexer: cannot list session markers")
		return nil
	}
	var known []string
	for _, id := range ids {
		ok, err := tx.SessionExists(ctx, id)
		if err != nil {
			return err
		}
		if ok {
			known = append(known, id)
		}
	}
	return ix.applyMarkers(ctx, tx, known)
}

func (ix *Indexer) finish(stats *Stats, start time.Time, mode string) {
	stats.Duration = time.Since(start)
	stats.DurationSeconds = float64(stats.Duration.Round(10*time.Millisecond)) / float64(time.Second)
	log.Info().
		Str("mode", mode).
		Int("files", stats.Files).
		Int("skipped", stats.Skipped).
		Int("failed", stats.Failed).
		Int("messages", stats.Messages).
		Int("sessions", stats.Sessions).
		Dur("duration", stats.Duration).
		Msg("indexer: pass complete")
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
