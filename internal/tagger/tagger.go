// Package tagger classifies indexed content with deterministic keyword rules.
//
// Message rules look at one message at a time. Session rules look only at
// the tool_summary and plan messages of a session. Both rule sets are plain
// ordered tables so each rule can be tested on its own.
package tagger

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// SubstantialThreshold is the minimum content length for most message rules.
const SubstantialThreshold = 500

const (
	roleAssistant   = "assistant"
	roleToolSummary = "tool_summary"
	rolePlan        = "plan"
)

// MessageRule matches when the role is allowed, the content is long enough,
// any Phrase occurs (case-insensitive unless ExactCase) and every Pattern
// matches. A rule with no phrases and no patterns matches on role alone.
type MessageRule struct {
	Tag       string
	Roles     []string
	MinLength int
	Phrases   []string
	ExactCase bool
	Patterns  []*regexp.Regexp
}

// MessageRules is evaluated in order; a tag appears at most once per message.
var MessageRules = []MessageRule{
	{
		Tag: "review:ux", Roles: []string{roleAssistant}, MinLength: SubstantialThreshold,
		Phrases: []string{"ux review", "usability review", "user experience review", "user experience audit"},
	},
	{
		Tag: "review:architecture", Roles: []string{roleAssistant}, MinLength: SubstantialThreshold,
		Phrases: []string{"architecture review", "system design review", "architectural review", "architecture audit"},
	},
	{
		Tag: "review:code", Roles: []string{roleAssistant}, MinLength: SubstantialThreshold,
		Phrases: []string{"code review", "code quality review"},
	},
	{
		Tag: "review:security", Roles: []string{roleAssistant}, MinLength: SubstantialThreshold,
		Phrases: []string{"security review", "security audit", "vulnerability assessment"},
	},
	{Tag: "plan", Roles: []string{rolePlan}},
	{
		Tag: "plan", Roles: []string{roleAssistant}, MinLength: SubstantialThreshold,
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`##\s+Phase\s`),
			regexp.MustCompile(`##\s+Implementation`),
		},
	},
	{
		Tag: "decision", Roles: []string{roleAssistant}, MinLength: SubstantialThreshold,
		Phrases: []string{"decided to ", "decision:", "the approach is", "chose ", " over ", "trade-off"},
	},
	{
		Tag: "investigation", Roles: []string{roleAssistant}, MinLength: SubstantialThreshold,
		Phrases: []string{"root cause", "the issue was", "found the bug", "the problem was", "debugging revealed"},
	},
	{
		Tag: "insight", Roles: []string{roleAssistant},
		Phrases: []string{"★ Insight"}, ExactCase: true,
	},
}

// Match reports whether the rule applies to one message.
func (r MessageRule) Match(role, content string) bool {
	if !contains(r.Roles, role) {
		return false
	}
	if utf8.RuneCountInString(content) < r.MinLength {
		return false
	}
	if len(r.Phrases) > 0 {
		haystack := content
		if !r.ExactCase {
			haystack = strings.ToLower(content)
		}
		if !containsAny(haystack, r.Phrases) {
			return false
		}
	}
	for _, p := range r.Patterns {
		if !p.MatchString(content) {
			return false
		}
	}
	return true
}

// MessageTags returns the auto tags for one message in rule order.
func MessageTags(role, content string) []string {
	var tags []string
	for _, r := range MessageRules {
		if r.Match(role, content) && !contains(tags, r.Tag) {
			tags = append(tags, r.Tag)
		}
	}
	return tags
}

// Activity is the slice of a message the session rules need.
type Activity struct {
	Role    string
	Content string
}

// SessionRule matches when any message of Role contains any Phrase. With
// Fold the comparison is case-insensitive. No phrases means the role alone
// is enough.
type SessionRule struct {
	Tag     string
	Role    string
	Phrases []string
	Fold    bool
}

var SessionRules = []SessionRule{
	{Tag: "has:browser", Role: roleToolSummary, Phrases: []string{"[browser_"}},
	{Tag: "has:browser", Role: roleToolSummary, Phrases: []string{"playwright"}, Fold: true},
	{Tag: "has:tests", Role: roleToolSummary, Phrases: []string{"pytest", "vitest", "npm run test", "npm run check"}, Fold: true},
	{Tag: "has:deploy", Role: roleToolSummary, Phrases: []string{"ssh ", "docker ", "deploy", "rsync"}, Fold: true},
	{Tag: "has:planning", Role: rolePlan},
}

// Match reports whether the rule applies to any of the messages.
func (r SessionRule) Match(msgs []Activity) bool {
	for _, m := range msgs {
		if m.Role != r.Role {
			continue
		}
		if len(r.Phrases) == 0 {
			return true
		}
		content := m.Content
		if r.Fold {
			content = strings.ToLower(content)
		}
		if containsAny(content, r.Phrases) {
			return true
		}
	}
	return false
}

// SessionTags returns the auto tags for a session. Messages of other roles
// are ignored, so callers may pass only tool_summary and plan messages.
func SessionTags(msgs []Activity) []string {
	var tags []string
	for _, r := range SessionRules {
		if !contains(tags, r.Tag) && r.Match(msgs) {
			tags = append(tags, r.Tag)
		}
	}
	return tags
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
