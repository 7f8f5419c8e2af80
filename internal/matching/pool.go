// Package matching implements the waiting pool and the two scans that pair
// sessions from it. The pool is an insertion-ordered list: every scan
// walks it oldest first and the first compatible, unlocked candidate wins,
// which makes pairing deterministic for a given arrival order.
package matching

import (
	"strings"
	"time"
)

// Phase is the matching phase of a pool entry.
type Phase int

const (
	// PhaseSearching accepts only an exact, non-generic topic match.
	PhaseSearching Phase = iota
	// PhaseOpenToAny accepts any partner.
	PhaseOpenToAny
)

func (p Phase) String() string {
	switch p {
	case PhaseSearching:
		return "searching"
	case PhaseOpenToAny:
		return "open_to_any"
	default:
		return "unknown"
	}
}

// genericFields are the reserved topics meaning "no preference".
var genericFields = map[string]bool{
	"":        true,
	"general": true,
	"any":     true,
}

// NormalizeField folds a user-typed topic into its matching key.
func NormalizeField(field string) string {
	return strings.ToLower(strings.TrimSpace(field))
}

// IsGeneric reports whether a topic expresses no preference.
func IsGeneric(field string) bool {
	return genericFields[NormalizeField(field)]
}

// Entry is one session's outstanding search request.
type Entry struct {
	Token    string
	Name     string
	Field    string // normalized topic
	Phase    Phase
	Locked   bool // set the instant a pairing decision includes this entry
	JoinedAt time.Time
}

// Generic reports whether the entry has no topic preference.
func (e *Entry) Generic() bool {
	return genericFields[e.Field]
}

// Pool is the waiting pool. It holds at most one entry per token and is
// not goroutine-safe; the engine serialises access.
type Pool struct {
	entries []*Entry
	byToken map[string]*Entry
}

// NewPool creates an empty Pool.
func NewPool() *Pool {
	return &Pool{byToken: make(map[string]*Entry)}
}

// Add enqueues a fresh entry for token in PhaseSearching, replacing any
// previous entry of the same token.
func (p *Pool) Add(token, name, field string, now time.Time) *Entry {
	p.Remove(token)
	e := &Entry{
		Token:    token,
		Name:     name,
		Field:    NormalizeField(field),
		Phase:    PhaseSearching,
		JoinedAt: now,
	}
	p.entries = append(p.entries, e)
	p.byToken[token] = e
	return e
}

// Get returns the entry for token, or nil.
func (p *Pool) Get(token string) *Entry {
	return p.byToken[token]
}

// Has reports whether token is queued.
func (p *Pool) Has(token string) bool {
	_, ok := p.byToken[token]
	return ok
}

// Remove dequeues token. It returns false if no entry existed.
func (p *Pool) Remove(token string) bool {
	e, ok := p.byToken[token]
	if !ok {
		return false
	}
	delete(p.byToken, token)
	for i, cur := range p.entries {
		if cur == e {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			break
		}
	}
	return true
}

// Unlock releases the match lock on token's entry, keeping it eligible
// for later scans.
func (p *Pool) Unlock(token string) {
	if e := p.byToken[token]; e != nil {
		e.Locked = false
	}
}

// Len returns the number of queued entries.
func (p *Pool) Len() int {
	return len(p.entries)
}

// Tokens returns the queued tokens in pool order.
func (p *Pool) Tokens() []string {
	out := make([]string, len(p.entries))
	for i, e := range p.entries {
		out[i] = e.Token
	}
	return out
}
