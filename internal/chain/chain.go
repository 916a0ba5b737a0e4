// Package chain resolves continuation chains (sessions sharing a slug) and
// parses session-range expressions addressing into them.
package chain

import (
	"context"
	"sort"

	"github.com/mattpollak/context-flow/internal/store"
)

// Lookup is the store query a resolver needs.
type Lookup interface {
	SessionsBySlug(ctx context.Context, slug string) ([]store.Session, error)
}

// Chain is the ordered set of sessions sharing one slug. Sessions carry
// their 1-based SessionNumber.
type Chain struct {
	Slug     string
	Sessions []store.Session
	index    map[string]int
}

// Resolve loads the chain for slug. An unknown slug yields an empty chain.
func Resolve(ctx context.Context, l Lookup, slug string) (*Chain, error) {
	sessions, err := l.SessionsBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	return New(slug, sessions), nil
}

// New orders sessions by first timestamp, then id, and numbers them.
func New(slug string, sessions []store.Session) *Chain {
	ordered := append([]store.Session(nil), sessions...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].FirstTimestamp != ordered[j].FirstTimestamp {
			return ordered[i].FirstTimestamp < ordered[j].FirstTimestamp
		}
		return ordered[i].ID < ordered[j].ID
	})
	c := &Chain{Slug: slug, Sessions: ordered, index: make(map[string]int, len(ordered))}
	for i := range c.Sessions {
		c.Sessions[i].SessionNumber = i + 1
		c.index[c.Sessions[i].ID] = i + 1
	}
	return c
}

func (c *Chain) Len() int {
	return len(c.Sessions)
}

// Number returns the 1-based position of sessionID, or 0 if absent.
func (c *Chain) Number(sessionID string) int {
	return c.index[sessionID]
}

// Select applies a range expression. An empty expression selects all.
func (c *Chain) Select(expr string) ([]store.Session, error) {
	if expr == "" {
		return c.Sessions, nil
	}
	idx, err := ParseRange(expr, len(c.Sessions))
	if err != nil {
		return nil, err
	}
	out := make([]store.Session, 0, len(idx))
	for _, i := range idx {
		out = append(out, c.Sessions[i])
	}
	return out, nil
}

// ResolveMany resolves each distinct non-empty slug exactly once.
func ResolveMany(ctx context.Context, l Lookup, slugs []string) (map[string]*Chain, error) {
	out := make(map[string]*Chain)
	for _, slug := range slugs {
		if slug == "" {
			continue
		}
		if _, ok := out[slug]; ok {
			continue
		}
		c, err := Resolve(ctx, l, slug)
		if err != nil {
			return nil, err
		}
		out[slug] = c
	}
	return out, nil
}
