package chat

import "encoding/json"

// Message is a chat message routed between the two members of a room.
// ReplyTo is passed through untouched so clients can attach whatever
// quote preview they render.
type Message struct {
	ID        string          `json:"id"`
	Text      string          `json:"text"`
	ReplyTo   json.RawMessage `json:"replyTo,omitempty"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
}

// Reaction is an emoji (or short token) attached to a message by the partner.
type Reaction struct {
	MessageID string `json:"messageID"`
	Reaction  string `json:"reaction"`
}
