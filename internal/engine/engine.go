// Package engine is the matching and session-continuity core of the
// server. One Engine per process owns the Session Store, the Connection
// Registry, the Waiting Pool and the per-room history, and serialises
// every mutation of them under a single lock.
//
// Outbound frames are never written while the lock is held. Each
// operation collects what it wants to send in an outbox and hands it to
// the transport after unlocking, so a slow socket can not stall matching.
package engine

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/whisper/pairchat/internal/chat"
	"github.com/whisper/pairchat/internal/matching"
	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/session"
)

var (
	// ErrUnknownConnection is returned for a connection id the engine does
	// not know, typically one that already disconnected.
	ErrUnknownConnection = errors.New("engine: unknown connection")
	// ErrNotPaired is returned by room operations from a session without
	// a partner.
	ErrNotPaired = errors.New("engine: not paired")
)

// Config holds the engine's timing parameters.
type Config struct {
	Phase1Delay   time.Duration // wait before the exact-topic scan
	Phase2Delay   time.Duration // further wait before the open scan
	GracePeriod   time.Duration // how long a disconnected session is kept
	IdleTimeout   time.Duration // inactivity after which a connection is evicted
	SweepInterval time.Duration // how often the idle sweep runs
	BlockDuration time.Duration // how long a report keeps two sessions apart
}

// DefaultConfig returns the default timings.
func DefaultConfig() Config {
	return Config{
		Phase1Delay:   3 * time.Second,
		Phase2Delay:   2 * time.Second,
		GracePeriod:   3 * time.Minute,
		IdleTimeout:   30 * time.Minute,
		SweepInterval: 60 * time.Second,
		BlockDuration: 24 * time.Hour,
	}
}

// Transport delivers frames to live connections. SendMessage must fail
// when connID is no longer connected.
type Transport interface {
	SendMessage(connID string, data []byte) error
	CloseConnection(connID string)
}

// Publisher receives lifecycle events for external consumers.
type Publisher interface {
	PublishJSON(subject string, v interface{}) error
}

// RoomEvent is published when a room opens or closes.
type RoomEvent struct {
	RoomID string    `json:"roomID"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Close reasons carried by RoomEvent.
const (
	ReasonLeft         = "left"
	ReasonResearch     = "research"
	ReasonGraceExpired = "grace_expired"
	ReasonReported     = "reported"
)

// Stats is a point-in-time view of the engine's state.
type Stats struct {
	Sessions    int `json:"sessions"`
	Connections int `json:"connections"`
	Waiting     int `json:"waiting"`
	Rooms       int `json:"rooms"`
}

// Engine is the single matching engine instance of a server process.
type Engine struct {
	cfg       Config
	clock     Clock
	transport Transport
	publisher Publisher

	mu       sync.Mutex
	sessions *session.Store
	registry *session.Registry
	pool     *matching.Pool
	history  *chat.History
	rooms    int

	// Delivery turns, handed out under mu in commit order.
	turnMu   sync.Mutex
	turnCond *sync.Cond
	nextTurn uint64
	serving  uint64
}

// New creates an Engine. A nil clock means the wall clock.
func New(cfg Config, transport Transport, clock Clock) *Engine {
	if clock == nil {
		clock = RealClock()
	}
	e := &Engine{
		cfg:       cfg,
		clock:     clock,
		transport: transport,
		sessions:  session.NewStore(),
		registry:  session.NewRegistry(),
		pool:      matching.NewPool(),
		history:   chat.NewHistory(),
	}
	e.turnCond = sync.NewCond(&e.turnMu)
	return e
}

// SetPublisher attaches an event publisher. It must be called before the
// engine serves traffic.
func (e *Engine) SetPublisher(p Publisher) {
	e.publisher = p
}

// Stats returns current counts.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Sessions:    e.sessions.Count(),
		Connections: e.registry.Count(),
		Waiting:     e.pool.Len(),
		Rooms:       e.rooms,
	}
}

// sessionFor resolves a live connection to its session. Callers hold e.mu.
func (e *Engine) sessionFor(connID string) (*session.Session, error) {
	c := e.registry.Get(connID)
	if c == nil {
		return nil, ErrUnknownConnection
	}
	s := e.sessions.Get(c.Token)
	if s == nil || s.ConnID != connID {
		return nil, ErrUnknownConnection
	}
	return s, nil
}

// observe refreshes the gauges. Callers hold e.mu.
func (e *Engine) observe() {
	metrics.ConnectionsTotal.Set(float64(e.registry.Count()))
	metrics.SessionsTotal.Set(float64(e.sessions.Count()))
	metrics.MatchQueueSize.Set(float64(e.pool.Len()))
	metrics.ActiveRooms.Set(float64(e.rooms))
}

// ---------------------------------------------------------------------------
// Outbox
// ---------------------------------------------------------------------------

// outbound is one frame queued for delivery. Chat messages also carry the
// recipient and room so a failed write can be buffered instead of lost.
type outbound struct {
	connID  string
	msgType string
	payload interface{}

	token  string
	roomID string
	msg    *chat.Message
}

type event struct {
	subject string
	payload interface{}
}

type outbox struct {
	closes []string
	frames []outbound
	events []event
}

func (o *outbox) send(connID, msgType string, payload interface{}) {
	o.frames = append(o.frames, outbound{connID: connID, msgType: msgType, payload: payload})
}

// sendChat queues a receive_message for s, which must be in a room.
func (o *outbox) sendChat(s *session.Session, m chat.Message) {
	o.frames = append(o.frames, outbound{
		connID:  s.ConnID,
		msgType: protocol.TypeReceiveMessage,
		payload: protocol.NewReceiveMessage(m),
		token:   s.Token,
		roomID:  s.RoomID,
		msg:     &m,
	})
}

func (o *outbox) close(connID string) {
	o.closes = append(o.closes, connID)
}

func (o *outbox) publish(subject string, payload interface{}) {
	o.events = append(o.events, event{subject: subject, payload: payload})
}

// release unlocks e.mu and delivers out once every outbox committed before
// it has been delivered, so frames reach the transport in the order their
// state changes were made. Callers hold e.mu. The transport must not call
// back into the engine for a live connection while a delivery is running.
func (e *Engine) release(out *outbox) {
	turn := e.nextTurn
	e.nextTurn++
	e.mu.Unlock()

	e.turnMu.Lock()
	for e.serving != turn {
		e.turnCond.Wait()
	}
	e.turnMu.Unlock()

	e.deliver(out)

	e.turnMu.Lock()
	e.serving++
	e.turnCond.Broadcast()
	e.turnMu.Unlock()
}

// deliver hands the outbox to the transport. It runs inside a delivery
// turn, without e.mu.
func (e *Engine) deliver(out *outbox) {
	for _, id := range out.closes {
		e.transport.CloseConnection(id)
	}

	var failed []outbound
	for _, f := range out.frames {
		data, err := protocol.NewServerMessage(f.msgType, f.payload)
		if err != nil {
			log.Printf("[engine] build %s failed: %v", f.msgType, err)
			continue
		}
		if err := e.transport.SendMessage(f.connID, data); err != nil {
			log.Printf("[engine] send %s conn=%s failed: %v", f.msgType, f.connID, err)
			if f.msg != nil {
				failed = append(failed, f)
			}
		}
	}
	if len(failed) > 0 {
		e.rebuffer(failed)
	}

	if e.publisher == nil {
		return
	}
	for _, ev := range out.events {
		if err := e.publisher.PublishJSON(ev.subject, ev.payload); err != nil {
			log.Printf("[engine] publish %s failed: %v", ev.subject, err)
		}
	}
}

// rebuffer puts chat messages whose live write failed back into the
// recipient's pending buffer, provided the room still exists. They were
// committed before anything buffered since, so they go ahead of it. A
// recipient that already reconnected on another connection gets them
// there; its restore flush is a later turn and follows them.
func (e *Engine) rebuffer(failed []outbound) {
	out := &outbox{}

	e.mu.Lock()
	for _, f := range failed {
		s := e.sessions.Get(f.token)
		if s == nil || s.RoomID != f.roomID {
			continue
		}
		if s.Connected() && s.ConnID != f.connID {
			out.sendChat(s, *f.msg)
			continue
		}
		s.Requeue(*f.msg)
		metrics.MessagesTotal.WithLabelValues(metrics.MessageBuffered).Inc()
	}
	e.mu.Unlock()

	if len(out.frames) > 0 {
		e.deliver(out)
	}
}
