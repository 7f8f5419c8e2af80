package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairchat/internal/ban"
	"github.com/whisper/pairchat/internal/chat"
	"github.com/whisper/pairchat/internal/engine"
	"github.com/whisper/pairchat/internal/messaging"
	"github.com/whisper/pairchat/internal/moderation"
	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/ratelimit"
	"github.com/whisper/pairchat/internal/report"
	"github.com/whisper/pairchat/internal/session"
	"github.com/whisper/pairchat/internal/ws"
)

type call struct {
	op   string
	args []interface{}
}

type fakeEngine struct {
	mu     sync.Mutex
	calls  []call
	err    error
	report *engine.Report
}

func (f *fakeEngine) record(op string, args ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op, args})
	return f.err
}

func (f *fakeEngine) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.op
	}
	return out
}

func (f *fakeEngine) last() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeEngine) Connect(connID, token, remoteAddr string) {
	f.record("connect", connID, token, remoteAddr)
}
func (f *fakeEngine) Disconnect(connID, reason string) { f.record("disconnect", connID, reason) }
func (f *fakeEngine) Touch(connID string)              { f.record("touch", connID) }
func (f *fakeEngine) FindPartner(connID string, p session.Profile) error {
	return f.record("find_partner", connID, p)
}
func (f *fakeEngine) SendMessage(connID string, m chat.Message) error {
	return f.record("send_message", connID, m)
}
func (f *fakeEngine) Typing(connID string, isTyping bool) error {
	return f.record("typing", connID, isTyping)
}
func (f *fakeEngine) SendReaction(connID string, r chat.Reaction) error {
	return f.record("send_reaction", connID, r)
}
func (f *fakeEngine) MarkRead(connID, messageID string) error {
	return f.record("mark_read", connID, messageID)
}
func (f *fakeEngine) SetReadReceipts(connID string, enabled bool) error {
	return f.record("toggle_read_receipts", connID, enabled)
}
func (f *fakeEngine) LeavePartner(connID string) error { return f.record("leave", connID) }
func (f *fakeEngine) ReportPartner(connID, reason string) (*engine.Report, error) {
	if err := f.record("report", connID, reason); err != nil {
		return nil, err
	}
	return f.report, nil
}

type reply struct {
	connID, msgType string
	payload         interface{}
}

type fakeReplier struct{ replies []reply }

func (f *fakeReplier) Reply(connID, msgType string, payload interface{}) {
	f.replies = append(f.replies, reply{connID, msgType, payload})
}

func (f *fakeReplier) SendError(connID, code, message string) {
	f.Reply(connID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (f *fakeReplier) errorCodes() []string {
	var codes []string
	for _, r := range f.replies {
		if e, ok := r.payload.(protocol.ErrorMsg); ok {
			codes = append(codes, e.Code)
		}
	}
	return codes
}

type fakeLimiter struct {
	deny  map[string]bool // rule key -> deny
	err   error
	retry int
	ids   []string
}

func (f *fakeLimiter) Allow(ctx context.Context, id string, rule ratelimit.Rule) (bool, error) {
	f.ids = append(f.ids, rule.Key+id)
	if f.err != nil {
		return true, f.err
	}
	return !f.deny[rule.Key], nil
}

func (f *fakeLimiter) RetryAfter(ctx context.Context, id string, rule ratelimit.Rule) (int, error) {
	return f.retry, nil
}

type fakeBans struct {
	status     *ban.Status
	err        error
	escalated  []string
	reported   []string
	autoBanned bool
}

func (f *fakeBans) Check(ctx context.Context, addr string) (*ban.Status, error) {
	return f.status, f.err
}

func (f *fakeBans) Escalate(ctx context.Context, addr, reason string) (time.Duration, error) {
	f.escalated = append(f.escalated, addr+"/"+reason)
	return time.Minute, nil
}

func (f *fakeBans) RecordReport(ctx context.Context, addr string) (bool, time.Duration, error) {
	f.reported = append(f.reported, addr)
	return f.autoBanned, time.Hour, nil
}

type fakeReports struct {
	created []*report.Report
	err     error
}

func (f *fakeReports) Create(ctx context.Context, r *report.Report) error {
	f.created = append(f.created, r)
	return f.err
}

type fakeEvents struct{ subjects []string }

func (f *fakeEvents) PublishJSON(subject string, v interface{}) error {
	f.subjects = append(f.subjects, subject)
	return nil
}

type harness struct {
	h       *Handlers
	eng     *fakeEngine
	rep     *fakeReplier
	limiter *fakeLimiter
	bans    *fakeBans
	reports *fakeReports
	events  *fakeEvents
	conn    *ws.Connection
}

func newHarness() *harness {
	x := &harness{
		eng:     &fakeEngine{},
		rep:     &fakeReplier{},
		limiter: &fakeLimiter{deny: map[string]bool{}},
		bans:    &fakeBans{},
		reports: &fakeReports{},
		events:  &fakeEvents{},
		conn:    &ws.Connection{ID: "c1", Token: "tokA", RemoteAddr: "10.0.0.1"},
	}
	x.h = New(x.eng, x.rep, moderation.NewFilterWithTerms([]string{"badword"}), Deps{
		Limiter: x.limiter,
		Bans:    x.bans,
		Reports: x.reports,
		Events:  x.events,
	})
	return x
}

func TestRegister_DispatchesEveryInboundType(t *testing.T) {
	x := newHarness()
	d := ws.NewMessageDispatcher(nil)
	x.h.Register(d)

	frames := []string{
		`{"type":"find_partner","username":"ann","field":"music"}`,
		`{"type":"send_message","text":"hello","timestamp":1}`,
		`{"type":"typing","isTyping":true}`,
		`{"type":"send_reaction","messageID":"m1","reaction":"+1"}`,
		`{"type":"mark_read","messageID":"m1"}`,
		`{"type":"toggle_read_receipts","enabled":false}`,
		`{"type":"disconnect_partner"}`,
	}
	for _, f := range frames {
		d.Dispatch(x.conn, []byte(f))
	}

	assert.Equal(t, []string{
		"touch", "find_partner",
		"touch", "send_message",
		"touch", "typing",
		"touch", "send_reaction",
		"touch", "mark_read",
		"touch", "toggle_read_receipts",
		"touch", "leave",
	}, x.eng.ops())
	assert.Empty(t, x.rep.replies)
}

func TestFindPartner_CleansProfile(t *testing.T) {
	x := newHarness()

	x.h.findPartner(x.conn, protocol.FindPartnerMsg{Username: "badword", Field: "music"})

	c := x.eng.last()
	require.Equal(t, "find_partner", c.op)
	assert.Equal(t, session.Profile{Name: "", Field: "music"}, c.args[1])
}

func TestFindPartner_RateLimited(t *testing.T) {
	x := newHarness()
	x.limiter.deny[ratelimit.RuleSearch.Key] = true
	x.limiter.retry = 12

	x.h.findPartner(x.conn, protocol.FindPartnerMsg{Field: "music"})

	assert.Empty(t, x.eng.ops())
	require.Len(t, x.rep.replies, 1)
	assert.Equal(t, protocol.TypeRateLimited, x.rep.replies[0].msgType)
	assert.Equal(t, protocol.RateLimitedMsg{RetryAfter: 12}, x.rep.replies[0].payload)
	assert.Equal(t, []string{ratelimit.RuleSearch.Key + "tokA"}, x.limiter.ids, "limits are per session token")
}

func TestSendMessage_LimiterErrorFailsOpen(t *testing.T) {
	x := newHarness()
	x.limiter.err = errors.New("redis down")

	x.h.sendMessage(x.conn, protocol.SendMessageMsg{Text: "hi"})

	assert.Equal(t, []string{"send_message"}, x.eng.ops())
}

func TestSendMessage_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		code      string
		escalated []string
	}{
		{"empty", "   ", CodeInvalidMessage, nil},
		{"too long", strings.Repeat("a", chat.MaxTextChars+1), CodeInvalidMessage, nil},
		{"keyword", "you badword", CodeMessageBlocked, []string{"10.0.0.1/" + moderation.ReasonKeyword}},
		{"spam", strings.Repeat("z", 40), CodeMessageBlocked, nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			x := newHarness()

			x.h.sendMessage(x.conn, protocol.SendMessageMsg{Text: tc.text})

			assert.Empty(t, x.eng.ops(), "rejected text never reaches the engine")
			assert.Equal(t, []string{tc.code}, x.rep.errorCodes())
			assert.Equal(t, tc.escalated, x.bans.escalated)
		})
	}
}

func TestEngineErrors(t *testing.T) {
	x := newHarness()
	x.eng.err = engine.ErrNotPaired

	x.h.sendMessage(x.conn, protocol.SendMessageMsg{Text: "hi"})
	x.h.typing(x.conn, protocol.TypingMsg{IsTyping: true})
	x.h.markRead(x.conn, protocol.MarkReadMsg{MessageID: "m1"})

	assert.Equal(t, []string{CodeNotPaired, CodeNotPaired}, x.rep.errorCodes(), "typing stays silent")

	x = newHarness()
	x.eng.err = engine.ErrUnknownConnection
	x.h.disconnectPartner(x.conn, protocol.DisconnectPartnerMsg{})
	assert.Empty(t, x.rep.replies)
}

func TestReportPartner_FilesEverywhere(t *testing.T) {
	x := newHarness()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	x.eng.report = &engine.Report{
		RoomID:        "c1c2",
		ReporterToken: "tokA",
		ReportedToken: "tokB",
		ReportedAddr:  "10.0.0.2",
		Reason:        report.ReasonSpam,
		Transcript:    []chat.HistoryEntry{{From: "reported", Text: "buy", Ts: 1}},
		CreatedAt:     at,
	}

	x.h.reportPartner(x.conn, protocol.ReportPartnerMsg{Reason: " SPAM "})

	c := x.eng.last()
	require.Equal(t, "report", c.op)
	assert.Equal(t, report.ReasonSpam, c.args[1], "reason is normalized before the engine sees it")

	require.Len(t, x.reports.created, 1)
	stored := x.reports.created[0]
	assert.Equal(t, "c1c2", stored.RoomID)
	assert.Equal(t, "tokB", stored.ReportedToken)
	assert.Equal(t, "10.0.0.2", stored.ReportedAddr)
	assert.Equal(t, x.eng.report.Transcript, stored.Messages)
	assert.Equal(t, at, stored.CreatedAt)

	assert.Equal(t, []string{"10.0.0.2"}, x.bans.reported)
	assert.Equal(t, []string{messaging.SubjectReportFiled}, x.events.subjects)
}

func TestReportPartner_UnknownReasonAndFailures(t *testing.T) {
	x := newHarness()
	x.reports.err = errors.New("db down")
	x.eng.report = &engine.Report{RoomID: "c1c2", Reason: report.ReasonOther}

	x.h.reportPartner(x.conn, protocol.ReportPartnerMsg{Reason: "rude"})

	assert.Equal(t, report.ReasonOther, x.eng.last().args[1])
	assert.Len(t, x.reports.created, 1)
	assert.Empty(t, x.bans.reported, "no address, no ban counting")
	assert.Equal(t, []string{messaging.SubjectReportFiled}, x.events.subjects, "a failed insert does not stop the event")
}

func TestReportPartner_NotPaired(t *testing.T) {
	x := newHarness()
	x.eng.err = engine.ErrNotPaired

	x.h.reportPartner(x.conn, protocol.ReportPartnerMsg{Reason: "spam"})

	assert.Equal(t, []string{CodeNotPaired}, x.rep.errorCodes())
	assert.Empty(t, x.reports.created)
	assert.Empty(t, x.events.subjects)
}

func TestAdmit(t *testing.T) {
	t.Run("admitted", func(t *testing.T) {
		x := newHarness()
		require.NoError(t, x.h.Admit(context.Background(), "tokA", "10.0.0.1"))
		assert.Equal(t, []string{ratelimit.RuleConnect.Key + "10.0.0.1"}, x.limiter.ids)
	})

	t.Run("banned", func(t *testing.T) {
		x := newHarness()
		x.bans.status = &ban.Status{Reason: ban.ReasonReports, Remaining: 10 * time.Minute}

		err := x.h.Admit(context.Background(), "tokA", "10.0.0.1")

		var rej *ws.RejectError
		require.ErrorAs(t, err, &rej)
		assert.Equal(t, http.StatusForbidden, rej.Status)
		assert.Contains(t, rej.Reason, "multiple_reports")
		assert.Empty(t, x.limiter.ids, "a banned address is not counted")
	})

	t.Run("rate limited", func(t *testing.T) {
		x := newHarness()
		x.limiter.deny[ratelimit.RuleConnect.Key] = true
		x.limiter.retry = 30

		err := x.h.Admit(context.Background(), "tokA", "10.0.0.1")

		var rej *ws.RejectError
		require.ErrorAs(t, err, &rej)
		assert.Equal(t, http.StatusTooManyRequests, rej.Status)
		assert.Equal(t, 30, rej.RetryAfter)
	})

	t.Run("backends down", func(t *testing.T) {
		x := newHarness()
		x.bans.err = errors.New("redis down")
		x.limiter.err = errors.New("redis down")
		assert.NoError(t, x.h.Admit(context.Background(), "tokA", "10.0.0.1"))
	})

	t.Run("no backends", func(t *testing.T) {
		h := New(&fakeEngine{}, &fakeReplier{}, nil, Deps{})
		assert.NoError(t, h.Admit(context.Background(), "tokA", "10.0.0.1"))
	})
}

func TestConnectAndDisconnect(t *testing.T) {
	x := newHarness()

	x.h.OnConnect("c1", "tokA", "10.0.0.1")
	x.h.OnDisconnect("c1")

	assert.Equal(t, []string{"connect", "disconnect"}, x.eng.ops())
	assert.Equal(t, []interface{}{"c1", engine.DisconnectClosed}, x.eng.last().args)
}
