// Package moderation provides content filtering for chat text and profile
// fields. It screens messages for blocked keywords (including common
// leetspeak substitutions) and spam patterns before they reach a partner.
package moderation

import (
	"strings"
	"unicode"
)

// defaultTerms is the built-in blocklist. Multi-word entries match as
// whole consecutive words.
var defaultTerms = []string{
	"kill yourself",
	"kys",
	"go die",
	"child porn",
	"cp trade",
	"send nudes",
	"nudes for sale",
	"heil hitler",
	"bomb threat",
	"free bitcoin",
	"crypto giveaway",
	"onlyfans",
	"cashapp me",
	"add me on snap",
}

// leetMap folds common character substitutions back to letters.
var leetMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
	'!': 'i',
}

// Filter checks text against a keyword blocklist and the spam patterns.
// It is immutable after construction and safe for concurrent use.
type Filter struct {
	words   map[string]struct{} // single-word terms
	phrases []string            // multi-word terms, single-space separated
}

// NewFilter creates a Filter with the built-in blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms creates a Filter with a custom blocklist. Empty and
// whitespace-only terms are ignored.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, t := range terms {
		fields := strings.Fields(strings.ToLower(t))
		switch len(fields) {
		case 0:
		case 1:
			f.words[fields[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, strings.Join(fields, " "))
		}
	}
	return f
}

// Check screens text. Blocked keywords take priority over spam patterns.
func (f *Filter) Check(text string) FilterResult {
	if text == "" {
		return FilterResult{}
	}

	lower := strings.ToLower(text)
	if term, ok := f.matchTokens(tokenizePlain(lower)); ok {
		return FilterResult{Blocked: true, Reason: ReasonKeyword, Term: term}
	}

	leet := tokenizeLeet(lower)
	for i := range leet {
		leet[i] = normalizeLeet(leet[i])
	}
	if term, ok := f.matchTokens(leet); ok {
		return FilterResult{Blocked: true, Reason: ReasonKeyword, Term: term}
	}

	return f.checkSpam(text)
}

// CleanProfile drops a display name or topic that trips the blocklist,
// so it falls back to the placeholder or to no preference.
func (f *Filter) CleanProfile(name, field string) (string, string) {
	if _, ok := f.matchTokens(tokenizePlain(strings.ToLower(name))); ok {
		name = ""
	}
	if _, ok := f.matchTokens(tokenizePlain(strings.ToLower(field))); ok {
		field = ""
	}
	return name, field
}

func (f *Filter) matchTokens(tokens []string) (string, bool) {
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return tok, true
		}
	}
	if len(f.phrases) == 0 || len(tokens) < 2 {
		return "", false
	}
	joined := " " + strings.Join(tokens, " ") + " "
	for _, p := range f.phrases {
		if strings.Contains(joined, " "+p+" ") {
			return p, true
		}
	}
	return "", false
}

// normalizeLeet maps leetspeak characters in s back to letters.
func normalizeLeet(s string) string {
	return strings.Map(func(r rune) rune {
		if l, ok := leetMap[r]; ok {
			return l
		}
		return unicode.ToLower(r)
	}, s)
}

// tokenizePlain splits s into runs of letters and digits.
func tokenizePlain(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet is tokenizePlain that also keeps leet symbols inside words.
func tokenizeLeet(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		if _, ok := leetMap[r]; ok {
			return false
		}
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
