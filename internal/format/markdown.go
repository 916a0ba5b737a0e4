// Package format renders retrieved conversations as markdown.
package format

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mattpollak/context-flow/internal/store"
)

const (
	ContentTruncate = 500
	PlanTruncate    = 800
	maxToolLines    = 4
)

var roleLabels = map[string]string{
	store.RoleUser:        "User",
	store.RoleAssistant:   "Assistant",
	store.RoleToolSummary: "Tools",
	store.RolePlan:        "Plan",
}

// noiseMarkers identify transcript entries produced by the assistant
// runtime rather than a person.
var noiseMarkers = []string{
	"<command-name>",
	"<command-message>",
	"<local-command-caveat>",
	"<local-command-stdout>",
	"<system-reminder>",
}

// IsNoise reports whether a message carries no readable conversation.
func IsNoise(content string) bool {
	if strings.TrimSpace(content) == "" {
		return true
	}
	for _, m := range noiseMarkers {
		if strings.Contains(content, m) {
			return true
		}
	}
	return false
}

// Conversation renders sessions and their messages. sessions must be in
// chain order and non-empty.
func Conversation(sessions []store.Session, messages []store.Message) string {
	if len(sessions) == 0 {
		return ""
	}

	kept := make([]store.Message, 0, len(messages))
	for _, m := range messages {
		if !IsNoise(m.Content) {
			kept = append(kept, m)
		}
	}

	var b strings.Builder
	first := sessions[0]

	title := first.Slug
	if title == "" {
		title = truncateRunes(first.ID, 12)
	}
	if len(sessions) > 1 {
		fmt.Fprintf(&b, "## %s (%d sessions)\n", title, len(sessions))
	} else {
		fmt.Fprintf(&b, "## %s\n", title)
	}

	var meta []string
	if first.ProjectDir != "" {
		meta = append(meta, "**Project:** "+first.ProjectDir)
	}
	if first.GitBranch != "" {
		meta = append(meta, "**Branch:** "+first.GitBranch)
	}
	if len(meta) > 0 {
		b.WriteString(strings.Join(meta, " | ") + "\n")
	}
	fmt.Fprintf(&b, "**Range:** %s | **Messages:** %d\n\n---\n\n", DateRange(sessions), len(kept))

	position := make(map[string]int, len(sessions))
	for i, s := range sessions {
		position[s.ID] = i + 1
	}

	current := ""
	for _, m := range kept {
		if len(sessions) > 1 && m.SessionID != current {
			current = m.SessionID
			num := "?"
			if n, ok := position[current]; ok {
				num = strconv.Itoa(n)
			}
			fmt.Fprintf(&b, "*--- Session %s of %d ---*\n\n", num, len(sessions))
		}
		writeMessage(&b, m)
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func writeMessage(b *strings.Builder, m store.Message) {
	label := roleLabel(m.Role)
	at := shortTime(m.Timestamp)

	switch m.Role {
	case store.RoleToolSummary:
		fmt.Fprintf(b, "**%s** (%s)\n```\n", label, at)
		lines := strings.Split(strings.TrimSpace(m.Content), "\n")
		if len(lines) <= maxToolLines {
			b.WriteString(strings.Join(lines, "\n") + "\n")
		} else {
			b.WriteString(strings.Join(lines[:3], "\n") + "\n")
			fmt.Fprintf(b, "  ...and %d more\n", len(lines)-3)
		}
		b.WriteString("```\n")

	case store.RolePlan:
		fmt.Fprintf(b, "**%s** (%s) `#%d`\n\n", label, at, m.ID)
		body := Truncate(m.Content, PlanTruncate)
		b.WriteString("> " + strings.ReplaceAll(body, "\n", "\n> ") + "\n")

	default:
		fmt.Fprintf(b, "**%s** (%s) `#%d`\n\n", label, at, m.ID)
		b.WriteString(Truncate(m.Content, ContentTruncate) + "\n")
	}
}

func roleLabel(role string) string {
	if l, ok := roleLabels[role]; ok {
		return l
	}
	if role == "" {
		return "Unknown"
	}
	return strings.ToUpper(role[:1]) + role[1:]
}

// Truncate cuts content to max characters and notes how much was dropped.
func Truncate(content string, max int) string {
	r := []rune(content)
	if len(r) <= max {
		return content
	}
	return string(r[:max]) + fmt.Sprintf("\n\n*[...%s more chars]*", thousands(len(r)-max))
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// parseTime keeps the record's own offset; timestamps without one are UTC.
func parseTime(ts string) (time.Time, bool) {
	if ts == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func shortTime(ts string) string {
	t, ok := parseTime(ts)
	if !ok {
		return "??:??"
	}
	return t.Format("15:04")
}

// DateRange spans the first session's start to the last session's end.
func DateRange(sessions []store.Session) string {
	if len(sessions) == 0 {
		return "unknown"
	}
	first, ok1 := parseTime(sessions[0].FirstTimestamp)
	last, ok2 := parseTime(sessions[len(sessions)-1].LastTimestamp)
	if !ok1 || !ok2 {
		return "unknown"
	}
	// Both ends are shown in the first timestamp's zone.
	last = last.In(first.Location())
	zone := zoneLabel(first)
	if first.Format("2006-01-02") == last.Format("2006-01-02") {
		return fmt.Sprintf("%s %s–%s %s", first.Format("Jan 02, 2006"), first.Format("15:04"), last.Format("15:04"), zone)
	}
	return fmt.Sprintf("%s – %s %s", first.Format("Jan 02 15:04"), last.Format("Jan 02 15:04, 2006"), zone)
}

func zoneLabel(t time.Time) string {
	if _, off := t.Zone(); off == 0 {
		return "UTC"
	}
	return "UTC" + t.Format("-07:00")
}

func thousands(n int) string {
	s := strconv.Itoa(n)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
