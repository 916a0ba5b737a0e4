// Package markers reads session-marker files written by the session hooks.
//
// A marker associates one session id with a workstream name. The directory
// is owned by another process that replaces files by rename; a file that
// cannot be read or decoded completely is treated as absent.
package markers

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// IDPattern restricts session ids before they are turned into file names.
var IDPattern = regexp.MustCompile(`^[a-f0-9][a-f0-9-]+[a-f0-9]$`)

// Source is the read-only view of session markers the indexer consumes.
type Source interface {
	Workstream(sessionID string) (string, bool)
	SessionIDs() ([]string, error)
}

type Marker struct {
	Workstream string `json:"workstream"`
	Timestamp  string `json:"timestamp,omitempty"`
}

// Dir is a marker directory on disk. A missing directory has no markers.
type Dir struct {
	Path string
}

func NewDir(path string) *Dir {
	return &Dir{Path: path}
}

// DefaultPath is $XDG_CONFIG_HOME/context-flow/session-markers.
func DefaultPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "context-flow", "session-markers")
}

// Workstream returns the workstream recorded for sessionID, if any.
func (d *Dir) Workstream(sessionID string) (string, bool) {
	if d == nil || d.Path == "" || !IDPattern.MatchString(sessionID) {
		return "", false
	}
	m, err := d.read(sessionID)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("markers: unreadable session marker")
		}
		return "", false
	}
	ws := strings.TrimSpace(m.Workstream)
	return ws, ws != ""
}

func (d *Dir) read(sessionID string) (*Marker, error) {
	data, err := os.ReadFile(filepath.Join(d.Path, sessionID+".json"))
	if err != nil {
		return nil, err
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "decode marker")
	}
	return &m, nil
}

// SessionIDs lists every session id that has a marker file, sorted.
func (d *Dir) SessionIDs() ([]string, error) {
	if d == nil || d.Path == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(d.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "list markers in %s", d.Path)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if IDPattern.MatchString(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Tag is the session tag a workstream maps to.
func Tag(workstream string) string {
	return "workstream:" + workstream
}
