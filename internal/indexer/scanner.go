package indexer

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/mattpollak/context-flow/internal/store"
)

// FileLookup returns the persisted progress for a transcript file.
// Both *store.Store and *store.Tx satisfy it.
type FileLookup interface {
	FileState(ctx context.Context, path string) (store.FileState, bool, error)
}

// Work is one file selected for parsing.
type Work struct {
	Path    string
	Offset  int64
	Size    int64
	ModTime int64
	Reset   bool
}

// Scanner enumerates transcript files under Root.
type Scanner struct {
	Root string
}

// Files walks Root for *.jsonl files, skipping subagents directories and
// anything unreadable. A missing root yields no files.
func (sc *Scanner) Files() ([]string, error) {
	if _, err := os.Stat(sc.Root); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn().Str("root", sc.Root).Msg("indexer: transcript root does not exist")
			return nil, nil
		}
		return nil, errors.Wrapf(err, "stat transcript root %s", sc.Root)
	}

	var files []string
	err := filepath.WalkDir(sc.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("indexer: skip unreadable path")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if d.Name() == "subagents" {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), ".jsonl") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "walk transcripts")
	}
	sort.Strings(files)
	return files, nil
}

// Plan compares every file with its persisted state and returns the files
// that need parsing, plus the number left unchanged.
//
//   - new file: parse from 0
//   - size below the indexed offset: truncated or rewritten, reset to 0
//   - size equal to the last observed size: unchanged, skip
//   - otherwise: parse from the indexed offset
func (sc *Scanner) Plan(ctx context.Context, lookup FileLookup) ([]Work, int, error) {
	files, err := sc.Files()
	if err != nil {
		return nil, 0, err
	}

	var (
		plan    []Work
		skipped int
	)
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		info, err := os.Stat(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("indexer: skip unreadable file")
			continue
		}
		w := Work{Path: path, Size: info.Size(), ModTime: info.ModTime().UnixNano()}

		st, found, err := lookup.FileState(ctx, path)
		if err != nil {
			return nil, 0, err
		}
		switch {
		case !found:
		case w.Size < st.Offset:
			log.Info().Str("path", path).Int64("size", w.Size).Int64("offset", st.Offset).
				Msg("indexer: file shrank, re-indexing from start")
			w.Reset = true
		case w.Size == st.Size:
			skipped++
			continue
		default:
			w.Offset = st.Offset
		}
		plan = append(plan, w)
	}
	return plan, skipped, nil
}
