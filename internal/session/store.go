package session

import (
	"time"

	"github.com/whisper/pairchat/internal/chat"
)

// Status constants for the per-session lifecycle.
const (
	StatusIdle               = "idle"
	StatusSearching          = "searching"
	StatusPaired             = "paired"
	StatusDisconnectedPaired = "disconnected_paired"
)

// DefaultName is shown to a partner when a session never set a display name.
const DefaultName = "Stranger"

// Profile is the last search criteria a session submitted.
type Profile struct {
	Name  string // display name, may be empty
	Field string // topic as typed by the user, may be empty
}

// DisplayName returns the name to show a partner.
func (p Profile) DisplayName() string {
	if p.Name == "" {
		return DefaultName
	}
	return p.Name
}

// Timer is a cancellable pending action owned by a session.
type Timer interface {
	Stop() bool
}

// Session is one anonymous user's durable state. RoomID and PartnerToken
// are always set or cleared together, and the two members of a room
// reference each other.
type Session struct {
	Token        string
	ConnID       string // empty while disconnected
	RemoteAddr   string // address of the most recent connection
	Profile      Profile
	ReadReceipts bool
	RoomID       string
	PartnerToken string
	Pending      []chat.Message // buffered while this session was offline
	CreatedAt    time.Time

	// RoomLost is set when the room ended while this session was offline,
	// so the next restore can say so.
	RoomLost bool

	// GraceTimer expires the session after a disconnect.
	GraceTimer Timer
	// SearchTimer drives the next matching phase while queued.
	SearchTimer Timer

	blocks   map[string]time.Time // other token -> block expiry
	requeued int                  // leading Pending entries put back by Requeue
}

// Connected reports whether the session currently has a live connection.
func (s *Session) Connected() bool {
	return s.ConnID != ""
}

// Paired reports whether the session is a member of a room.
func (s *Session) Paired() bool {
	return s.RoomID != ""
}

// Block makes other ineligible as a match for this session until expiry.
func (s *Session) Block(other string, until time.Time) {
	if s.blocks == nil {
		s.blocks = make(map[string]time.Time)
	}
	s.blocks[other] = until
}

// Blocks reports whether this session blocks other at time now. Expired
// entries are pruned as they are found.
func (s *Session) Blocks(other string, now time.Time) bool {
	until, ok := s.blocks[other]
	if !ok {
		return false
	}
	if !now.Before(until) {
		delete(s.blocks, other)
		return false
	}
	return true
}

// StopGrace cancels a pending grace timer, if any.
func (s *Session) StopGrace() {
	if s.GraceTimer != nil {
		s.GraceTimer.Stop()
		s.GraceTimer = nil
	}
}

// StopSearch cancels a pending matching phase timer, if any.
func (s *Session) StopSearch() {
	if s.SearchTimer != nil {
		s.SearchTimer.Stop()
		s.SearchTimer = nil
	}
}

// Buffer appends m to the pending buffer.
func (s *Session) Buffer(m chat.Message) {
	s.Pending = append(s.Pending, m)
}

// Requeue puts back a message whose live delivery failed. Requeued
// messages were sent before anything Buffer added since, so they stay
// ahead of those, in the order they were requeued.
func (s *Session) Requeue(m chat.Message) {
	s.Pending = append(s.Pending, chat.Message{})
	copy(s.Pending[s.requeued+1:], s.Pending[s.requeued:])
	s.Pending[s.requeued] = m
	s.requeued++
}

// TakePending returns the buffered messages and clears the buffer.
func (s *Session) TakePending() []chat.Message {
	p := s.Pending
	s.dropPending()
	return p
}

func (s *Session) dropPending() {
	s.Pending = nil
	s.requeued = 0
}

// Store owns every Session in the process, keyed by token. It is not
// goroutine-safe: the matching engine serialises all access under its
// own lock so that room and queue state change together.
type Store struct {
	sessions map[string]*Session
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Bind attaches connID to the session for token, creating the session if
// the token is unseen. created is true for a new session. Any pending
// grace timer of an existing session is cancelled.
func (st *Store) Bind(token, connID string, now time.Time) (s *Session, created bool) {
	s, ok := st.sessions[token]
	if !ok {
		s = &Session{
			Token:        token,
			ReadReceipts: true,
			CreatedAt:    now,
		}
		st.sessions[token] = s
		created = true
	}
	s.StopGrace()
	s.ConnID = connID
	return s, created
}

// Get returns the session for token, or nil if none exists.
func (st *Store) Get(token string) *Session {
	return st.sessions[token]
}

// LookupConnection returns the live connection id for token. ok is false
// when the session is unknown or currently disconnected.
func (st *Store) LookupConnection(token string) (connID string, ok bool) {
	s := st.sessions[token]
	if s == nil || s.ConnID == "" {
		return "", false
	}
	return s.ConnID, true
}

// SetRoom pairs a and b symmetrically in roomID and clears both buffers.
func (st *Store) SetRoom(a, b *Session, roomID string) {
	for _, s := range []*Session{a, b} {
		s.dropPending()
		s.RoomLost = false
	}
	a.RoomID, a.PartnerToken = roomID, b.Token
	b.RoomID, b.PartnerToken = roomID, a.Token
}

// ClearRoom removes s and its partner (if still present) from their room
// and returns the partner. Buffers on both sides are dropped.
func (st *Store) ClearRoom(s *Session) *Session {
	partner := st.sessions[s.PartnerToken]
	if partner != nil && partner.PartnerToken == s.Token {
		partner.RoomID, partner.PartnerToken = "", ""
		partner.dropPending()
	} else {
		partner = nil
	}
	s.RoomID, s.PartnerToken = "", ""
	s.dropPending()
	return partner
}

// Delete removes the session and cancels its timers.
func (st *Store) Delete(token string) {
	s, ok := st.sessions[token]
	if !ok {
		return
	}
	s.StopGrace()
	s.StopSearch()
	delete(st.sessions, token)
}

// Count returns the number of sessions.
func (st *Store) Count() int {
	return len(st.sessions)
}
