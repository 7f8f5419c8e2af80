// Package handler connects the WebSocket transport to the matching
// engine. It registers one handler per inbound message type and applies
// the checks that sit in front of the engine: per-token rate limits,
// message validation, content moderation, handshake admission and abuse
// reporting.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/whisper/pairchat/internal/ban"
	"github.com/whisper/pairchat/internal/chat"
	"github.com/whisper/pairchat/internal/engine"
	"github.com/whisper/pairchat/internal/messaging"
	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/moderation"
	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/ratelimit"
	"github.com/whisper/pairchat/internal/report"
	"github.com/whisper/pairchat/internal/session"
	"github.com/whisper/pairchat/internal/ws"
)

// Error codes sent to clients.
const (
	CodeInvalidMessage = "invalid_message"
	CodeMessageBlocked = "message_blocked"
	CodeNotPaired      = "not_paired"
)

// backendTimeout bounds every Redis and Postgres call made on behalf of
// one frame.
const backendTimeout = 3 * time.Second

// Engine is the part of the matching engine the handlers drive.
type Engine interface {
	Connect(connID, token, remoteAddr string)
	Disconnect(connID, reason string)
	Touch(connID string)
	FindPartner(connID string, profile session.Profile) error
	SendMessage(connID string, m chat.Message) error
	Typing(connID string, isTyping bool) error
	SendReaction(connID string, r chat.Reaction) error
	MarkRead(connID, messageID string) error
	SetReadReceipts(connID string, enabled bool) error
	LeavePartner(connID string) error
	ReportPartner(connID, reason string) (*engine.Report, error)
}

// Replier sends direct answers to the connection a frame came from.
type Replier interface {
	Reply(connID, msgType string, payload interface{})
	SendError(connID, code, message string)
}

// RateLimiter is implemented by *ratelimit.Limiter.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) (int, error)
}

// BanStore is implemented by *ban.Store.
type BanStore interface {
	Check(ctx context.Context, addr string) (*ban.Status, error)
	Escalate(ctx context.Context, addr, reason string) (time.Duration, error)
	RecordReport(ctx context.Context, addr string) (bool, time.Duration, error)
}

// ReportStore is implemented by *report.Store.
type ReportStore interface {
	Create(ctx context.Context, r *report.Report) error
}

// Deps are the optional backends. A nil field disables its feature.
type Deps struct {
	Limiter RateLimiter
	Bans    BanStore
	Reports ReportStore
	Events  engine.Publisher
}

// ReportFiled is published on messaging.SubjectReportFiled.
type ReportFiled struct {
	RoomID string    `json:"roomID"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Handlers holds everything the message handlers need.
type Handlers struct {
	engine Engine
	reply  Replier
	filter *moderation.Filter
	deps   Deps
}

// New creates the handler set.
func New(eng Engine, reply Replier, filter *moderation.Filter, deps Deps) *Handlers {
	return &Handlers{engine: eng, reply: reply, filter: filter, deps: deps}
}

// Register installs a handler for every inbound message type and records
// activity for every frame.
func (h *Handlers) Register(d *ws.MessageDispatcher) {
	d.SetOnActivity(h.engine.Touch)

	d.Register(protocol.TypeFindPartner, h.findPartner)
	d.Register(protocol.TypeSendMessage, h.sendMessage)
	d.Register(protocol.TypeTyping, h.typing)
	d.Register(protocol.TypeSendReaction, h.sendReaction)
	d.Register(protocol.TypeMarkRead, h.markRead)
	d.Register(protocol.TypeToggleReadReceipts, h.toggleReadReceipts)
	d.Register(protocol.TypeDisconnectPartner, h.disconnectPartner)
	d.Register(protocol.TypeReportPartner, h.reportPartner)
}

// OnConnect hands an accepted connection to the engine.
func (h *Handlers) OnConnect(connID, token, remoteAddr string) {
	h.engine.Connect(connID, token, remoteAddr)
}

// OnDisconnect reports a lost connection to the engine.
func (h *Handlers) OnDisconnect(connID string) {
	h.engine.Disconnect(connID, engine.DisconnectClosed)
}

// Admit is the handshake admission check: banned addresses get 403 and
// addresses over the connect rate get 429. Backend failures admit.
func (h *Handlers) Admit(ctx context.Context, token, remoteAddr string) error {
	ctx, cancel := context.WithTimeout(ctx, backendTimeout)
	defer cancel()

	if h.deps.Bans != nil {
		st, err := h.deps.Bans.Check(ctx, remoteAddr)
		if err != nil {
			log.Printf("[handler] ban check addr=%s: %v (failing open)", remoteAddr, err)
		} else if st != nil {
			log.Printf("[handler] banned addr=%s rejected reason=%s remaining=%s", remoteAddr, st.Reason, st.Remaining)
			return &ws.RejectError{
				Status:     http.StatusForbidden,
				Reason:     "banned: " + st.Reason,
				RetryAfter: st.RetryAfter(),
			}
		}
	}

	if h.deps.Limiter != nil {
		allowed, err := h.deps.Limiter.Allow(ctx, remoteAddr, ratelimit.RuleConnect)
		if err == nil && !allowed {
			retry, _ := h.deps.Limiter.RetryAfter(ctx, remoteAddr, ratelimit.RuleConnect)
			log.Printf("[handler] connect rate exceeded addr=%s", remoteAddr)
			return &ws.RejectError{
				Status:     http.StatusTooManyRequests,
				Reason:     "too many connection attempts",
				RetryAfter: retry,
			}
		}
	}
	return nil
}

// limited applies rule to the connection's session token and answers
// rate_limited when it is exceeded. Limiter errors allow the request.
func (h *Handlers) limited(conn *ws.Connection, rule ratelimit.Rule) bool {
	if h.deps.Limiter == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()

	allowed, err := h.deps.Limiter.Allow(ctx, conn.Token, rule)
	if err != nil || allowed {
		return false
	}
	retry, _ := h.deps.Limiter.RetryAfter(ctx, conn.Token, rule)
	h.reply.Reply(conn.ID, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: retry})
	log.Printf("[handler] rate limited conn=%s rule=%s retry_after=%ds", conn.ID, rule.Key, retry)
	return true
}

// fail turns an engine error into a client-visible error where one is
// useful.
func (h *Handlers) fail(conn *ws.Connection, op string, err error) {
	switch {
	case errors.Is(err, engine.ErrNotPaired):
		h.reply.SendError(conn.ID, CodeNotPaired, "not in a chat")
	case errors.Is(err, engine.ErrUnknownConnection):
		log.Printf("[handler] %s from unknown conn=%s", op, conn.ID)
	default:
		log.Printf("[handler] %s conn=%s: %v", op, conn.ID, err)
	}
}

func (h *Handlers) findPartner(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.FindPartnerMsg)
	if !ok {
		return
	}
	if h.limited(conn, ratelimit.RuleSearch) {
		return
	}
	name, field := m.Username, m.Field
	if h.filter != nil {
		name, field = h.filter.CleanProfile(name, field)
	}
	if err := h.engine.FindPartner(conn.ID, session.Profile{Name: name, Field: field}); err != nil {
		h.fail(conn, "find_partner", err)
	}
}

func (h *Handlers) sendMessage(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SendMessageMsg)
	if !ok {
		return
	}
	if h.limited(conn, ratelimit.RuleMessage) {
		return
	}
	if err := chat.ValidateMessage(m.Text); err != nil {
		h.reply.SendError(conn.ID, CodeInvalidMessage, err.Error())
		return
	}
	if h.filter != nil {
		if res := h.filter.Check(m.Text); res.Blocked {
			metrics.MessagesTotal.WithLabelValues(metrics.MessageBlocked).Inc()
			log.Printf("[handler] message blocked conn=%s reason=%s", conn.ID, res.Reason)
			h.reply.SendError(conn.ID, CodeMessageBlocked, "message was blocked")
			if res.Reason == moderation.ReasonKeyword {
				h.escalate(conn.RemoteAddr, res.Reason)
			}
			return
		}
	}
	if err := h.engine.SendMessage(conn.ID, m.Message()); err != nil {
		h.fail(conn, "send_message", err)
	}
}

// escalate records a moderation offense against addr.
func (h *Handlers) escalate(addr, reason string) {
	if h.deps.Bans == nil || addr == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()
	d, err := h.deps.Bans.Escalate(ctx, addr, reason)
	if err != nil {
		log.Printf("[handler] escalate addr=%s: %v", addr, err)
		return
	}
	log.Printf("[handler] addr=%s banned for %s reason=%s", addr, d, reason)
}

func (h *Handlers) typing(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.TypingMsg)
	if !ok {
		return
	}
	// Typing is best effort; a missing room is not worth an error frame.
	if err := h.engine.Typing(conn.ID, m.IsTyping); err != nil && !errors.Is(err, engine.ErrNotPaired) {
		h.fail(conn, "typing", err)
	}
}

func (h *Handlers) sendReaction(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SendReactionMsg)
	if !ok {
		return
	}
	r := chat.Reaction{MessageID: m.MessageID, Reaction: m.Reaction}
	if err := h.engine.SendReaction(conn.ID, r); err != nil {
		h.fail(conn, "send_reaction", err)
	}
}

func (h *Handlers) markRead(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.MarkReadMsg)
	if !ok {
		return
	}
	if err := h.engine.MarkRead(conn.ID, m.MessageID); err != nil {
		h.fail(conn, "mark_read", err)
	}
}

func (h *Handlers) toggleReadReceipts(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.ToggleReadReceiptsMsg)
	if !ok {
		return
	}
	if err := h.engine.SetReadReceipts(conn.ID, m.Enabled); err != nil {
		h.fail(conn, "toggle_read_receipts", err)
	}
}

func (h *Handlers) disconnectPartner(conn *ws.Connection, msg interface{}) {
	if err := h.engine.LeavePartner(conn.ID); err != nil {
		h.fail(conn, "disconnect_partner", err)
	}
}

func (h *Handlers) reportPartner(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.ReportPartnerMsg)
	if !ok {
		return
	}
	reason := report.NormalizeReason(m.Reason)
	rep, err := h.engine.ReportPartner(conn.ID, reason)
	if err != nil {
		h.fail(conn, "report_partner", err)
		return
	}
	if err := h.fileReport(rep); err != nil {
		log.Printf("[handler] %v", err)
	}
}

// fileReport persists rep, counts it against the reported address and
// announces it. Each backend is optional and failures do not stop the
// others.
func (h *Handlers) fileReport(rep *engine.Report) error {
	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()

	var errs []error
	if h.deps.Reports != nil {
		err := h.deps.Reports.Create(ctx, &report.Report{
			RoomID:        rep.RoomID,
			ReporterToken: rep.ReporterToken,
			ReportedToken: rep.ReportedToken,
			ReportedAddr:  rep.ReportedAddr,
			Reason:        rep.Reason,
			Messages:      rep.Transcript,
			CreatedAt:     rep.CreatedAt,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("store report room=%s: %w", rep.RoomID, err))
		}
	}

	if h.deps.Bans != nil && rep.ReportedAddr != "" {
		banned, d, err := h.deps.Bans.RecordReport(ctx, rep.ReportedAddr)
		if err != nil {
			errs = append(errs, fmt.Errorf("count report addr=%s: %w", rep.ReportedAddr, err))
		} else if banned {
			log.Printf("[handler] addr=%s auto-banned for %s after reports", rep.ReportedAddr, d)
		}
	}

	if h.deps.Events != nil {
		ev := ReportFiled{RoomID: rep.RoomID, Reason: rep.Reason, At: rep.CreatedAt}
		if err := h.deps.Events.PublishJSON(messaging.SubjectReportFiled, ev); err != nil {
			errs = append(errs, fmt.Errorf("publish report room=%s: %w", rep.RoomID, err))
		}
	}
	return errors.Join(errs...)
}
