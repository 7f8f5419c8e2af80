// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/whisper/pairchat/internal/chat"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeFindPartner        = "find_partner"
	TypeSendMessage        = "send_message"
	TypeTyping             = "typing"
	TypeSendReaction       = "send_reaction"
	TypeMarkRead           = "mark_read"
	TypeToggleReadReceipts = "toggle_read_receipts"
	TypeDisconnectPartner  = "disconnect_partner"
	TypeReportPartner      = "report_partner"
	TypePing               = "ping"
)

// Server -> Client message types.
const (
	TypeSearching            = "searching"
	TypeMatched              = "matched"
	TypeReceiveMessage       = "receive_message"
	TypePartnerTyping        = "partner_typing"
	TypeReceiveReaction      = "receive_reaction"
	TypeMessageReadByPartner = "message_read_by_partner"
	TypePartnerConnected     = "partner_connected"
	TypePartnerDisconnected  = "partner_disconnected"
	TypePartnerReconnecting  = "partner_reconnecting_server"
	TypeSessionRestored      = "session_restored"
	TypeRateLimited          = "rate_limited"
	TypeError                = "error"
	TypePong                 = "pong"
)

// Limits applied to client-supplied profile fields.
const (
	MaxUsernameChars = 32
	MaxFieldChars    = 64
	MaxReactionChars = 16
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// FindPartnerMsg asks to be queued for a partner. Both profile fields are
// optional: an absent field means no topic preference.
type FindPartnerMsg struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Field    string `json:"field"`
}

// SendMessageMsg is a chat message for the current partner.
type SendMessageMsg struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Text      string          `json:"text"`
	ReplyTo   json.RawMessage `json:"replyTo,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Message converts the wire struct into the routed chat payload.
func (m SendMessageMsg) Message() chat.Message {
	return chat.Message{ID: m.ID, Text: m.Text, ReplyTo: m.ReplyTo, Timestamp: m.Timestamp}
}

// TypingMsg indicates whether the client is currently typing.
type TypingMsg struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"isTyping"`
}

// SendReactionMsg reacts to one of the partner's messages.
type SendReactionMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageID"`
	Reaction  string `json:"reaction"`
}

// MarkReadMsg acknowledges that a partner message was read.
type MarkReadMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageID"`
}

// ToggleReadReceiptsMsg turns this session's read receipts on or off.
type ToggleReadReceiptsMsg struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

// DisconnectPartnerMsg leaves the current room deliberately.
type DisconnectPartnerMsg struct {
	Type string `json:"type"`
}

// ReportPartnerMsg reports and blocks the current partner.
type ReportPartnerMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SearchingMsg confirms the search was accepted.
type SearchingMsg struct {
	Type  string `json:"type"`
	Field string `json:"field"`
}

// MatchedMsg announces the partner and the room.
type MatchedMsg struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Field  string `json:"field"`
	RoomID string `json:"roomID"`
}

// ReceiveMessageMsg relays a partner's chat message.
type ReceiveMessageMsg struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Text      string          `json:"text"`
	ReplyTo   json.RawMessage `json:"replyTo,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewReceiveMessage builds the relay struct for a chat payload.
func NewReceiveMessage(m chat.Message) ReceiveMessageMsg {
	return ReceiveMessageMsg{ID: m.ID, Text: m.Text, ReplyTo: m.ReplyTo, Timestamp: m.Timestamp}
}

// PartnerTypingMsg relays the partner's typing indicator.
type PartnerTypingMsg struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"isTyping"`
}

// ReceiveReactionMsg relays a partner's reaction.
type ReceiveReactionMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageID"`
	Reaction  string `json:"reaction"`
}

// MessageReadMsg tells the sender the partner read a message.
type MessageReadMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageID"`
}

// PartnerStatusMsg carries partner_connected, partner_disconnected and
// partner_reconnecting_server, which have no fields.
type PartnerStatusMsg struct {
	Type string `json:"type"`
}

// SessionRestoredMsg acknowledges a reconnect with a known token.
type SessionRestoredMsg struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retryAfter"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Boundary validation
// ---------------------------------------------------------------------------

// ErrInvalidField is wrapped by every validation failure.
var ErrInvalidField = errors.New("protocol: invalid field")

func (m *FindPartnerMsg) normalize() error {
	m.Username = strings.TrimSpace(m.Username)
	m.Field = strings.TrimSpace(m.Field)
	if utf8.RuneCountInString(m.Username) > MaxUsernameChars {
		return fmt.Errorf("%w: username longer than %d characters", ErrInvalidField, MaxUsernameChars)
	}
	if utf8.RuneCountInString(m.Field) > MaxFieldChars {
		return fmt.Errorf("%w: field longer than %d characters", ErrInvalidField, MaxFieldChars)
	}
	return nil
}

func (m *SendReactionMsg) normalize() error {
	if m.MessageID == "" {
		return fmt.Errorf("%w: messageID is required", ErrInvalidField)
	}
	if m.Reaction == "" || utf8.RuneCountInString(m.Reaction) > MaxReactionChars {
		return fmt.Errorf("%w: reaction must be 1-%d characters", ErrInvalidField, MaxReactionChars)
	}
	return nil
}

func (m *MarkReadMsg) normalize() error {
	if m.MessageID == "" {
		return fmt.Errorf("%w: messageID is required", ErrInvalidField)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// decode unmarshals raw into a fresh T and runs its boundary checks when T
// defines them.
func decode[T any](raw json.RawMessage) (T, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, err
	}
	if n, ok := any(&m).(interface{ normalize() error }); ok {
		if err := n.normalize(); err != nil {
			return m, err
		}
	}
	return m, nil
}

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types and for payloads failing boundary checks.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeFindPartner:
		msg, err = decode[FindPartnerMsg](env.Raw)
	case TypeSendMessage:
		msg, err = decode[SendMessageMsg](env.Raw)
	case TypeTyping:
		msg, err = decode[TypingMsg](env.Raw)
	case TypeSendReaction:
		msg, err = decode[SendReactionMsg](env.Raw)
	case TypeMarkRead:
		msg, err = decode[MarkReadMsg](env.Raw)
	case TypeToggleReadReceipts:
		msg, err = decode[ToggleReadReceiptsMsg](env.Raw)
	case TypeDisconnectPartner:
		msg, err = decode[DisconnectPartnerMsg](env.Raw)
	case TypeReportPartner:
		msg, err = decode[ReportPartnerMsg](env.Raw)
	case TypePing:
		msg, err = decode[PingMsg](env.Raw)
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
