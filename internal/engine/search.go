package engine

import (
	"log"
	"time"

	"github.com/whisper/pairchat/internal/matching"
	"github.com/whisper/pairchat/internal/messaging"
	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/session"
)

// FindPartner queues the session behind connID for matching. A session
// that is already paired forfeits its room first and the old partner is
// told it left. The first scan runs only after Phase1Delay.
func (e *Engine) FindPartner(connID string, profile session.Profile) error {
	out := &outbox{}

	e.mu.Lock()
	s, err := e.sessionFor(connID)
	if err != nil {
		e.mu.Unlock()
		return err
	}

	if s.Paired() {
		e.leaveRoom(s, ReasonResearch, out)
	}
	s.StopSearch()
	s.Profile = profile

	entry := e.pool.Add(s.Token, profile.DisplayName(), profile.Field, e.clock.Now())
	out.send(connID, protocol.TypeSearching, protocol.SearchingMsg{Field: profile.Field})
	e.schedulePhase(s, entry, e.cfg.Phase1Delay, e.runPriorityPhase)
	log.Printf("[engine] search started token=%s field=%q", s.Token, entry.Field)

	e.observe()
	e.release(out)
	return nil
}

// schedulePhase arms the session's search timer to run phase against
// entry. The callback re-validates that the timer is still the session's
// current one and that entry is still queued and unlocked.
func (e *Engine) schedulePhase(s *session.Session, entry *matching.Entry, d time.Duration, phase func(*matching.Entry, *outbox)) {
	var t session.Timer
	t = e.clock.AfterFunc(d, func() {
		out := &outbox{}

		e.mu.Lock()
		cur := e.sessions.Get(entry.Token)
		if cur == nil || cur.SearchTimer != t || e.pool.Get(entry.Token) != entry || entry.Locked {
			e.mu.Unlock()
			return
		}
		cur.SearchTimer = nil
		phase(entry, out)
		e.observe()
		e.release(out)
	})
	s.SearchTimer = t
}

// runPriorityPhase is the phase-1 scan. Without an exact-topic partner the
// entry opens up to anyone and waits for phase 2.
func (e *Engine) runPriorityPhase(entry *matching.Entry, out *outbox) {
	if e.matchLoop(entry, e.pool.TryPriorityMatch, out) {
		return
	}
	if e.pool.Get(entry.Token) != entry {
		return
	}

	entry.Phase = matching.PhaseOpenToAny
	s := e.sessions.Get(entry.Token)
	e.schedulePhase(s, entry, e.cfg.Phase2Delay, e.runOpenPhase)
	log.Printf("[engine] no priority match token=%s, open to any", entry.Token)
}

// runOpenPhase is the phase-2 scan. An entry that still finds nobody
// stays queued as a target for later arrivals.
func (e *Engine) runOpenPhase(entry *matching.Entry, out *outbox) {
	if e.matchLoop(entry, e.pool.TryOpenMatch, out) {
		return
	}
	if e.pool.Get(entry.Token) == entry {
		log.Printf("[engine] no open match token=%s, waiting (queue=%d)", entry.Token, e.pool.Len())
	}
}

// matchLoop scans for entry until a pairing executes or nothing is left.
// An aborted pairing removes the unreachable side from the pool, so each
// retry sees a strictly smaller pool.
func (e *Engine) matchLoop(entry *matching.Entry, scan func(string, matching.EligibleFunc) *matching.Candidate, out *outbox) bool {
	for {
		c := scan(entry.Token, e.eligible)
		if c == nil {
			return false
		}
		if e.executeMatch(c, out) {
			return true
		}
		if e.pool.Get(entry.Token) != entry {
			return false
		}
	}
}

// eligible reports whether neither session has blocked the other.
func (e *Engine) eligible(a, b string) bool {
	sa, sb := e.sessions.Get(a), e.sessions.Get(b)
	if sa == nil || sb == nil {
		return false
	}
	now := e.clock.Now()
	return !sa.Blocks(b, now) && !sb.Blocks(a, now)
}

// executeMatch turns a locked candidate pair into a room. If either side
// has no live connection the pairing is abandoned: the reachable side is
// unlocked and stays queued, the other is dropped from the pool.
func (e *Engine) executeMatch(c *matching.Candidate, out *outbox) bool {
	a, b := e.sessions.Get(c.A.Token), e.sessions.Get(c.B.Token)
	connA, okA := e.sessions.LookupConnection(c.A.Token)
	connB, okB := e.sessions.LookupConnection(c.B.Token)

	if a == nil || b == nil || !okA || !okB {
		for _, side := range []struct {
			entry *matching.Entry
			s     *session.Session
			ok    bool
		}{{c.A, a, okA && a != nil}, {c.B, b, okB && b != nil}} {
			if side.ok {
				e.pool.Unlock(side.entry.Token)
				continue
			}
			e.pool.Remove(side.entry.Token)
			if side.s != nil {
				side.s.StopSearch()
			}
		}
		log.Printf("[engine] match aborted a=%s b=%s: partner unreachable", c.A.Token, c.B.Token)
		return false
	}

	roomID := connA + connB
	e.sessions.SetRoom(a, b, roomID)
	e.pool.Remove(a.Token)
	e.pool.Remove(b.Token)
	a.StopSearch()
	b.StopSearch()
	e.rooms++

	out.send(connA, protocol.TypeMatched, protocol.MatchedMsg{
		Name:   b.Profile.DisplayName(),
		Field:  b.Profile.Field,
		RoomID: roomID,
	})
	out.send(connB, protocol.TypeMatched, protocol.MatchedMsg{
		Name:   a.Profile.DisplayName(),
		Field:  a.Profile.Field,
		RoomID: roomID,
	})

	now := e.clock.Now()
	metrics.MatchDuration.Observe(now.Sub(c.A.JoinedAt).Seconds())
	metrics.MatchDuration.Observe(now.Sub(c.B.JoinedAt).Seconds())
	out.publish(messaging.SubjectRoomOpened, RoomEvent{RoomID: roomID, At: now})

	log.Printf("[engine] matched room=%s a=%s b=%s phase=%s", roomID, a.Token, b.Token, c.A.Phase)
	return true
}
