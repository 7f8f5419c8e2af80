package moderation

import (
	"regexp"
	"strings"
)

// Thresholds for the flood rules.
const (
	maxRepeatedChars = 4 // a fifth identical character in a row is a flood
	maxRepeatedWords = 2 // a third identical word in a row is a flood
)

var (
	// linkRe matches schemes, www. hosts, and bare domains on common TLDs
	// followed by a path. The path requirement keeps "v2.0" and "3.14" out.
	linkRe = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// phoneRe matches a 7+ digit number with optional country code and
	// separators, bounded by whitespace or the ends of the text.
	phoneRe = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

// spamRule is one named spam heuristic. Rules run in order and the first
// hit decides the result.
type spamRule struct {
	name  string
	match func(string) bool
}

var spamRules = []spamRule{
	{"url", linkRe.MatchString},
	{"phone", phoneRe.MatchString},
	{"char_flood", charFlood},
	{"word_flood", wordFlood},
}

// charFlood reports a run of more than maxRepeatedChars identical runes.
func charFlood(text string) bool {
	return runLength([]rune(text)) > maxRepeatedChars
}

// wordFlood reports a run of more than maxRepeatedWords identical words,
// compared case-insensitively.
func wordFlood(text string) bool {
	return runLength(strings.Fields(strings.ToLower(text))) > maxRepeatedWords
}

// runLength returns the longest run of equal adjacent elements in s.
func runLength[T comparable](s []T) int {
	longest, cur := 0, 0
	for i := range s {
		if i > 0 && s[i] == s[i-1] {
			cur++
		} else {
			cur = 1
		}
		if cur > longest {
			longest = cur
		}
	}
	return longest
}

// checkSpam returns a blocking result for the first spam rule text trips,
// or the zero result.
func (f *Filter) checkSpam(text string) FilterResult {
	for _, r := range spamRules {
		if r.match(text) {
			return FilterResult{Blocked: true, Reason: ReasonSpam, Term: r.name}
		}
	}
	return FilterResult{}
}
