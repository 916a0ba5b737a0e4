package query

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/mattpollak/context-flow/internal/chain"
	"github.com/mattpollak/context-flow/internal/store"
)

// Default result sizes used by every surface when the caller gives none.
const (
	DefaultSearchLimit       = 10
	DefaultSessionLimit      = 20
	DefaultConversationLimit = 200

	// Window sizes around around_timestamp.
	WindowBefore = 10
	WindowAfter  = 10

	maxQueryLength   = 1000
	maxProjectLength = 500
)

// Limits bounds caller-supplied parameters.
type Limits struct {
	MaxLimit     int
	MaxTags      int
	MaxTagLength int
}

func DefaultLimits() Limits {
	return Limits{MaxLimit: 500, MaxTags: 20, MaxTagLength: 100}
}

var (
	identifierRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)
	tagRe        = regexp.MustCompile(`^[\w:./-]+$`)
	dateRe       = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}(T\d{2}:\d{2}(:\d{2}(\.\d+)?)?(Z|[+-]\d{2}:\d{2})?)?$`)
)

// ValidationError is a client-facing error. Its message is safe to return
// verbatim to the caller.
type ValidationError struct {
	Field   string
	Message string
	cause   error
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return e.cause }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing session, chain or message.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s not found: %s", e.Kind, e.ID) }

func (e *NotFoundError) Unwrap() error { return store.ErrNotFound }

// IsClientError reports whether err was caused by the caller's input rather
// than by the store.
func IsClientError(err error) bool {
	var verr *ValidationError
	var nerr *NotFoundError
	return errors.As(err, &verr) || errors.As(err, &nerr)
}

// IsNotFound reports whether err names a missing entity.
func IsNotFound(err error) bool {
	var nerr *NotFoundError
	return errors.As(err, &nerr)
}

// ClampLimit resolves a caller's limit. Zero means unset and yields def;
// negative limits are rejected; anything above max is cut to max.
func ClampLimit(n, def, max int) (int, error) {
	switch {
	case n < 0:
		return 0, invalid("limit", "Invalid limit %d: must be a positive integer", n)
	case n == 0:
		n = def
	}
	if n > max {
		return max, nil
	}
	return n, nil
}

func validateIdentifier(field, v string) error {
	if !identifierRe.MatchString(v) {
		return invalid(field, "Invalid %s %q: use 1-128 letters, digits, '-' or '_', starting with a letter or digit", field, v)
	}
	return nil
}

// normalizeTags trims, validates and de-duplicates tags, keeping order.
func (l Limits) normalizeTags(tags []string) ([]string, error) {
	if len(tags) > l.MaxTags {
		return nil, invalid("tags", "Too many tags (%d); at most %d allowed", len(tags), l.MaxTags)
	}
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			return nil, invalid("tags", "Tags must not be empty")
		}
		if len(tag) > l.MaxTagLength {
			return nil, invalid("tags", "Tag too long (%d chars); at most %d allowed", len(tag), l.MaxTagLength)
		}
		if !tagRe.MatchString(tag) {
			return nil, invalid("tags", "Invalid tag %q: use letters, digits and _ : . / -", tag)
		}
		if seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out, nil
}

func validateDate(field, v string) error {
	if v != "" && !dateRe.MatchString(v) {
		return invalid(field, "Invalid %s %q: use ISO 8601, e.g. 2026-01-15 or 2026-01-15T10:30:00Z", field, v)
	}
	return nil
}

// endOfDay widens a bare date upper bound to cover the whole day.
func endOfDay(v string) string {
	if v != "" && !strings.Contains(v, "T") {
		return v + "T23:59:59Z"
	}
	return v
}

func validateRoles(roles []string) ([]string, error) {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		r = strings.TrimSpace(r)
		ok := false
		for _, known := range store.Roles {
			if r == known {
				ok = true
				break
			}
		}
		if !ok {
			return nil, invalid("roles", "Invalid role %q: use one of %s", r, strings.Join(store.Roles, ", "))
		}
		out = append(out, r)
	}
	return out, nil
}

func validateScope(scope string) (string, error) {
	switch scope {
	case "":
		return "all", nil
	case "all", "message", "session":
		return scope, nil
	}
	return "", invalid("scope", "Invalid scope %q: use all, message or session", scope)
}

// rangeError turns a chain addressing error into a client error, keeping
// the original reachable through errors.As.
func rangeError(err error) error {
	var rerr *chain.RangeError
	var serr *chain.SyntaxError
	if errors.As(err, &rerr) || errors.As(err, &serr) {
		return &ValidationError{Field: "session", Message: err.Error(), cause: err}
	}
	return err
}

const searchSyntaxHint = `Supported syntax: plain words (implicit AND), AND, OR, NOT, ` +
	`"quoted phrases", and prefix* matches. Wrap terms containing punctuation in double quotes.`

func searchSyntaxError(q string, err error) error {
	return &ValidationError{
		Field:   "query",
		Message: fmt.Sprintf("Invalid search query %q. %s", q, searchSyntaxHint),
		cause:   err,
	}
}
