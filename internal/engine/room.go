package engine

import (
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/pairchat/internal/chat"
	"github.com/whisper/pairchat/internal/messaging"
	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/session"
)

// Report is what a report_partner leaves behind for persistence.
type Report struct {
	RoomID        string
	ReporterToken string
	ReportedToken string
	ReportedAddr  string
	Reason        string
	Transcript    []chat.HistoryEntry
	CreatedAt     time.Time
}

// roomOf resolves connID to its session and partner. Callers hold e.mu.
func (e *Engine) roomOf(connID string) (s, partner *session.Session, err error) {
	s, err = e.sessionFor(connID)
	if err != nil {
		return nil, nil, err
	}
	if !s.Paired() {
		return nil, nil, ErrNotPaired
	}
	partner = e.sessions.Get(s.PartnerToken)
	if partner == nil {
		return nil, nil, ErrNotPaired
	}
	return s, partner, nil
}

// SendMessage routes a chat message to the partner. A partner without a
// live connection gets it appended to its pending buffer instead.
func (e *Engine) SendMessage(connID string, m chat.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	out := &outbox{}

	e.mu.Lock()
	s, partner, err := e.roomOf(connID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if m.Timestamp == 0 {
		m.Timestamp = e.clock.Now().UnixMilli()
	}

	e.history.Add(s.RoomID, chat.HistoryEntry{From: s.Token, Text: m.Text, Ts: m.Timestamp})
	if partner.Connected() {
		out.sendChat(partner, m)
		metrics.MessagesTotal.WithLabelValues(metrics.MessageDelivered).Inc()
	} else {
		partner.Buffer(m)
		metrics.MessagesTotal.WithLabelValues(metrics.MessageBuffered).Inc()
	}
	e.release(out)
	return nil
}

// Typing relays the typing indicator. It is dropped if the partner is
// offline.
func (e *Engine) Typing(connID string, isTyping bool) error {
	return e.relay(connID, protocol.TypePartnerTyping, protocol.PartnerTypingMsg{IsTyping: isTyping}, nil)
}

// SendReaction relays a reaction. It is dropped if the partner is offline.
func (e *Engine) SendReaction(connID string, r chat.Reaction) error {
	return e.relay(connID, protocol.TypeReceiveReaction, protocol.ReceiveReactionMsg{
		MessageID: r.MessageID,
		Reaction:  r.Reaction,
	}, nil)
}

// MarkRead tells the partner one of its messages was read, provided both
// sides have read receipts enabled.
func (e *Engine) MarkRead(connID, messageID string) error {
	return e.relay(connID, protocol.TypeMessageReadByPartner, protocol.MessageReadMsg{MessageID: messageID},
		func(s, partner *session.Session) bool {
			return s.ReadReceipts && partner.ReadReceipts
		})
}

// relay sends an unbuffered signal to the partner's live connection.
func (e *Engine) relay(connID, msgType string, payload interface{}, allow func(s, partner *session.Session) bool) error {
	out := &outbox{}

	e.mu.Lock()
	s, partner, err := e.roomOf(connID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if partner.Connected() && (allow == nil || allow(s, partner)) {
		out.send(partner.ConnID, msgType, payload)
	}
	e.release(out)
	return nil
}

// SetReadReceipts stores the session's read-receipt preference.
func (e *Engine) SetReadReceipts(connID string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.sessionFor(connID)
	if err != nil {
		return err
	}
	s.ReadReceipts = enabled
	return nil
}

// LeavePartner ends the session's room, or its search if it has no room.
// Only the partner is notified. Calling it again is a no-op.
func (e *Engine) LeavePartner(connID string) error {
	out := &outbox{}

	e.mu.Lock()
	s, err := e.sessionFor(connID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if e.pool.Remove(s.Token) {
		s.StopSearch()
		log.Printf("[engine] search cancelled token=%s", s.Token)
	}
	if s.Paired() {
		e.leaveRoom(s, ReasonLeft, out)
	}
	e.observe()
	e.release(out)
	return nil
}

// ReportPartner snapshots the room's recent history, blocks the pair from
// each other for BlockDuration and ends the room.
func (e *Engine) ReportPartner(connID, reason string) (*Report, error) {
	out := &outbox{}

	e.mu.Lock()
	s, partner, err := e.roomOf(connID)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}

	now := e.clock.Now()
	rep := &Report{
		RoomID:        s.RoomID,
		ReporterToken: s.Token,
		ReportedToken: partner.Token,
		ReportedAddr:  partner.RemoteAddr,
		Reason:        reason,
		Transcript:    e.history.Snapshot(s.RoomID, s.Token),
		CreatedAt:     now,
	}

	until := now.Add(e.cfg.BlockDuration)
	s.Block(partner.Token, until)
	partner.Block(s.Token, until)
	e.leaveRoom(s, ReasonReported, out)
	e.observe()
	e.release(out)
	log.Printf("[engine] report filed room=%s reason=%s", rep.RoomID, reason)
	return rep, nil
}

// leaveRoom tears the room of s down on both sides and tells a connected
// partner. Callers hold e.mu.
func (e *Engine) leaveRoom(s *session.Session, reason string, out *outbox) {
	roomID := s.RoomID
	partner := e.sessions.ClearRoom(s)
	e.history.Remove(roomID)
	e.rooms--

	switch {
	case partner == nil:
	case partner.Connected():
		out.send(partner.ConnID, protocol.TypePartnerDisconnected, protocol.PartnerStatusMsg{})
	default:
		partner.RoomLost = true
	}
	out.publish(messaging.SubjectRoomClosed, RoomEvent{RoomID: roomID, Reason: reason, At: e.clock.Now()})
	log.Printf("[engine] room closed room=%s token=%s reason=%s", roomID, s.Token, reason)
}
