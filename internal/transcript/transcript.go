// Package transcript decodes coding-assistant JSONL transcripts into
// indexable messages.
//
// Every line is an independent JSON record. Lines that cannot be decoded
// are skipped; a bad line never aborts the rest of the file.
package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	RoleUser        = "user"
	RoleAssistant   = "assistant"
	RoleToolSummary = "tool_summary"
	RolePlan        = "plan"
)

// skipTypes are entry types that never carry indexable content.
var skipTypes = map[string]bool{
	"progress":              true,
	"system":                true,
	"file-history-snapshot": true,
	"queue-operation":       true,
}

// Record is one extracted message.
type Record struct {
	SessionID string
	Role      string
	Content   string
	Timestamp string
	Model     string
}

// Session accumulates what a parsed range of lines says about one session.
type Session struct {
	ID             string
	ProjectDir     string
	Slug           string
	FirstTimestamp string
	LastTimestamp  string
	GitBranch      string
	Cwd            string
	Messages       int
}

// Result is the outcome of parsing one file suffix.
type Result struct {
	Records  []Record
	Sessions []*Session // first-seen order
	// Consumed is how many bytes were fully processed. A trailing partial
	// line that does not decode is left for the next pass.
	Consumed int64
	Lines    int
	Skipped  int
}

type entry struct {
	Type        string          `json:"type"`
	SessionID   string          `json:"sessionId"`
	Slug        string          `json:"slug"`
	GitBranch   string          `json:"gitBranch"`
	Cwd         string          `json:"cwd"`
	Timestamp   string          `json:"timestamp"`
	PlanContent json.RawMessage `json:"planContent"`
	Message     json.RawMessage `json:"message"`
}

type body struct {
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content"`
}

type block struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ParseFile parses path from offset up to size bytes. Bytes appended after
// size was observed are left for the next pass.
func ParseFile(path string, offset, size int64) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, errors.Wrapf(err, "seek %s", path)
		}
	}
	var r io.Reader = f
	if size >= offset {
		r = io.LimitReader(f, size-offset)
	}

	res, err := Parse(r, DecodeProjectDir(filepath.Base(filepath.Dir(path))))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return res, nil
}

// Parse reads JSONL records from r. projectDir is attached to every session.
func Parse(r io.Reader, projectDir string) (*Result, error) {
	res := &Result{}
	sessions := map[string]*Session{}
	br := bufio.NewReaderSize(r, 64*1024)

	for {
		line, err := br.ReadBytes('\n')
		complete := err == nil
		if err != nil && err != io.EOF {
			return nil, err
		}
		if len(line) == 0 {
			break
		}

		ok := res.handleLine(line, projectDir, sessions)
		if complete || ok {
			res.Consumed += int64(len(line))
		}
		if !complete {
			break
		}
	}

	normalizeOrder(res.Records)
	return res, nil
}

// handleLine processes one raw line and reports whether it was a complete,
// decodable record.
func (res *Result) handleLine(raw []byte, projectDir string, sessions map[string]*Session) bool {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 || line[0] != '{' {
		return false
	}
	res.Lines++

	line = bytes.ReplaceAll(line, []byte{0}, nil)
	var e entry
	if err := json.Unmarshal(line, &e); err != nil {
		res.Skipped++
		log.Debug().Err(err).Int("line", res.Lines).Msg("transcript: skip malformed line")
		return false
	}
	if e.SessionID == "" {
		return true
	}

	sess, ok := sessions[e.SessionID]
	if !ok {
		sess = &Session{ID: e.SessionID, ProjectDir: projectDir}
		sessions[e.SessionID] = sess
		res.Sessions = append(res.Sessions, sess)
	}
	if e.Timestamp != "" {
		if sess.FirstTimestamp == "" || e.Timestamp < sess.FirstTimestamp {
			sess.FirstTimestamp = e.Timestamp
		}
		if e.Timestamp > sess.LastTimestamp {
			sess.LastTimestamp = e.Timestamp
		}
	}
	if e.Slug != "" {
		sess.Slug = e.Slug
	}
	if e.GitBranch != "" {
		sess.GitBranch = e.GitBranch
	}
	if e.Cwd != "" {
		sess.Cwd = e.Cwd
	}

	for _, rec := range extract(&e) {
		rec.SessionID = e.SessionID
		res.Records = append(res.Records, rec)
		sess.Messages++
	}
	return true
}

func extract(e *entry) []Record {
	if skipTypes[e.Type] {
		return nil
	}

	var b body
	if len(e.Message) > 0 && e.Message[0] == '{' {
		_ = json.Unmarshal(e.Message, &b)
	}

	var out []Record
	switch e.Type {
	case "user":
		// Array content holds tool_result echoes; only plain strings are human input.
		if s, ok := asString(b.Content); ok && strings.TrimSpace(s) != "" {
			out = append(out, Record{Role: RoleUser, Content: s, Timestamp: e.Timestamp})
		}
		if plan, ok := asString(e.PlanContent); ok && strings.TrimSpace(plan) != "" {
			out = append(out, Record{Role: RolePlan, Content: plan, Timestamp: e.Timestamp})
		}

	case "assistant":
		var blocks []json.RawMessage
		if err := json.Unmarshal(b.Content, &blocks); err != nil {
			return nil
		}
		var texts, tools []string
		for _, raw := range blocks {
			var bl block
			if err := json.Unmarshal(raw, &bl); err != nil {
				continue
			}
			switch bl.Type {
			case "text":
				if strings.TrimSpace(bl.Text) != "" {
					texts = append(texts, bl.Text)
				}
			case "tool_use":
				name := bl.Name
				if name == "" {
					name = "Unknown"
				}
				var input map[string]any
				_ = json.Unmarshal(bl.Input, &input)
				tools = append(tools, ToolSummary(name, input))
			}
			// thinking blocks are internal reasoning and never indexed
		}
		if len(texts) > 0 {
			out = append(out, Record{
				Role: RoleAssistant, Content: strings.Join(texts, "\n\n"),
				Timestamp: e.Timestamp, Model: b.Model,
			})
		}
		if len(tools) > 0 {
			out = append(out, Record{
				Role: RoleToolSummary, Content: strings.Join(tools, "\n"),
				Timestamp: e.Timestamp, Model: b.Model,
			})
		}
	}
	return out
}

func asString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// normalizeOrder makes timestamps non-decreasing: records without one take
// the previous record's timestamp, then a stable sort fixes stragglers.
func normalizeOrder(recs []Record) {
	prev := ""
	for i := range recs {
		if recs[i].Timestamp == "" {
			recs[i].Timestamp = prev
		}
		prev = recs[i].Timestamp
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Timestamp < recs[j].Timestamp
	})
}

// DecodeProjectDir turns a transcript directory name back into a path:
// "-home-dev-proj" becomes "/home/dev/proj". The encoding is lossy for
// paths that contained dashes.
func DecodeProjectDir(name string) string {
	if strings.HasPrefix(name, "-") {
		name = "/" + name[1:]
	}
	return strings.ReplaceAll(name, "-", "/")
}
