package engine

import (
	"context"
	"log"
	"time"

	"github.com/whisper/pairchat/internal/messaging"
	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/session"
)

// Disconnect reasons used in logs.
const (
	DisconnectClosed = "closed"
	DisconnectIdle   = "idle"
)

// SessionExpired is published when a session is dropped after its grace
// period.
type SessionExpired struct {
	RoomID string    `json:"roomID,omitempty"`
	At     time.Time `json:"at"`
}

// Connect binds a freshly accepted connection to token. An unseen token
// gets a new idle session. A known token cancels its grace timer, takes
// over from any older connection, and if paired tells the partner and
// flushes the messages buffered while it was away before acknowledging
// with session_restored.
func (e *Engine) Connect(connID, token, remoteAddr string) {
	out := &outbox{}

	e.mu.Lock()
	now := e.clock.Now()
	e.registry.Add(connID, token, remoteAddr, now)

	var previous string
	if prev := e.sessions.Get(token); prev != nil && prev.Connected() && prev.ConnID != connID {
		previous = prev.ConnID
	}
	s, created := e.sessions.Bind(token, connID, now)
	s.RemoteAddr = remoteAddr

	if previous != "" {
		e.registry.Remove(previous)
		out.close(previous)
		log.Printf("[engine] conn=%s replaced by conn=%s token=%s", previous, connID, token)
	}

	if created {
		log.Printf("[engine] new session token=%s conn=%s", token, connID)
		e.observe()
		e.release(out)
		return
	}

	metrics.ReconnectsTotal.Inc()
	if s.RoomLost {
		s.RoomLost = false
		out.send(connID, protocol.TypePartnerDisconnected, protocol.PartnerStatusMsg{})
	}
	if s.Paired() {
		if partner := e.sessions.Get(s.PartnerToken); partner != nil && partner.Connected() {
			out.send(partner.ConnID, protocol.TypePartnerConnected, protocol.PartnerStatusMsg{})
		}
		pending := s.TakePending()
		for _, m := range pending {
			out.sendChat(s, m)
		}
		metrics.MessagesTotal.WithLabelValues(metrics.MessageFlushed).Add(float64(len(pending)))
	}
	status := e.status(s)
	out.send(connID, protocol.TypeSessionRestored, protocol.SessionRestoredMsg{Status: status})
	log.Printf("[engine] session restored token=%s conn=%s status=%s", token, connID, status)

	e.observe()
	e.release(out)
}

// Disconnect handles the loss of a connection. A disconnect for a
// connection that no longer is the session's current one is ignored.
// A searching session leaves the pool at once; a paired one keeps its room
// for GracePeriod while the partner is told it is reconnecting. Unpaired
// sessions are also kept for GracePeriod, then dropped silently.
func (e *Engine) Disconnect(connID, reason string) {
	out := &outbox{}

	e.mu.Lock()
	c := e.registry.Remove(connID)
	if c == nil {
		e.mu.Unlock()
		return
	}
	s := e.sessions.Get(c.Token)
	if s == nil || s.ConnID != connID {
		log.Printf("[engine] stale disconnect conn=%s token=%s ignored", connID, c.Token)
		e.observe()
		e.mu.Unlock()
		return
	}

	s.ConnID = ""
	if e.pool.Remove(s.Token) {
		s.StopSearch()
	}
	if s.Paired() {
		if partner := e.sessions.Get(s.PartnerToken); partner != nil && partner.Connected() {
			out.send(partner.ConnID, protocol.TypePartnerReconnecting, protocol.PartnerStatusMsg{})
		}
	}
	e.startGrace(s)
	log.Printf("[engine] disconnect conn=%s token=%s reason=%s status=%s age=%s grace=%s",
		connID, s.Token, reason, e.status(s), c.Age(e.clock.Now()), e.cfg.GracePeriod)

	e.observe()
	e.release(out)
}

// status names the lifecycle state of s. Callers hold e.mu.
func (e *Engine) status(s *session.Session) string {
	switch {
	case s.Paired() && !s.Connected():
		return session.StatusDisconnectedPaired
	case s.Paired():
		return session.StatusPaired
	case e.pool.Has(s.Token):
		return session.StatusSearching
	default:
		return session.StatusIdle
	}
}

// startGrace arms the session's grace timer. Callers hold e.mu.
func (e *Engine) startGrace(s *session.Session) {
	s.StopGrace()
	token := s.Token
	var t session.Timer
	t = e.clock.AfterFunc(e.cfg.GracePeriod, func() {
		out := &outbox{}

		e.mu.Lock()
		e.expireGrace(token, t, out)
		e.observe()
		e.release(out)
	})
	s.GraceTimer = t
}

// expireGrace removes a session whose grace period ran out. It does
// nothing if the session is gone, reconnected, or t is no longer its
// current grace timer. Callers hold e.mu.
func (e *Engine) expireGrace(token string, t session.Timer, out *outbox) {
	s := e.sessions.Get(token)
	if s == nil || s.GraceTimer != t || s.Connected() {
		return
	}
	s.GraceTimer = nil

	roomID := s.RoomID
	if s.Paired() {
		e.leaveRoom(s, ReasonGraceExpired, out)
		metrics.GraceExpiredTotal.Inc()
		out.publish(messaging.SubjectGraceExpired, SessionExpired{RoomID: roomID, At: e.clock.Now()})
	}
	e.sessions.Delete(token)
	log.Printf("[engine] session expired token=%s room=%s", token, roomID)
}

// Touch records inbound activity on a connection.
func (e *Engine) Touch(connID string) {
	e.mu.Lock()
	e.registry.Touch(connID, e.clock.Now())
	e.mu.Unlock()
}

// Sweep evicts every connection idle for longer than IdleTimeout and
// returns how many it closed. Each eviction goes through Disconnect like
// any other lost connection.
func (e *Engine) Sweep() int {
	e.mu.Lock()
	idle := e.registry.IdleSince(e.clock.Now().Add(-e.cfg.IdleTimeout))
	e.mu.Unlock()

	for _, connID := range idle {
		log.Printf("[engine] idle eviction conn=%s", connID)
		e.transport.CloseConnection(connID)
		e.Disconnect(connID, DisconnectIdle)
	}
	return len(idle)
}

// Run performs the idle sweep every SweepInterval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	log.Printf("[engine] idle sweep every %s (timeout=%s)", e.cfg.SweepInterval, e.cfg.IdleTimeout)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.Sweep(); n > 0 {
				log.Printf("[engine] idle sweep evicted %d connections", n)
			}
		}
	}
}
