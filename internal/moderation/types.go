package moderation

// Reasons reported in FilterResult.Reason.
const (
	ReasonKeyword = "blocked_keyword"
	ReasonSpam    = "spam_pattern"
)

// FilterResult is the outcome of screening one piece of text. Term names
// the blocklist entry or spam check that matched.
type FilterResult struct {
	Blocked bool
	Reason  string
	Term    string
}
