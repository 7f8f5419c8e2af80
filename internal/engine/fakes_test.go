package engine

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/whisper/pairchat/internal/session"
)

// fakeClock fires timers only when Advance moves past their deadline,
// earliest first. Callbacks run on the caller's goroutine.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) session.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		c.now = next.at
		c.mu.Unlock()

		next.f()
	}
}

// pending returns the number of armed timers.
func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type frame struct {
	Type string
	Data map[string]interface{}
}

// fakeTransport records frames per connection. Writes to a connection in
// dead fail. onSend, when set, runs before each write without the lock
// held and may block it or fail it.
type fakeTransport struct {
	mu     sync.Mutex
	frames map[string][]frame
	closed []string
	dead   map[string]bool
	onSend func(connID, typ string) error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(map[string][]frame),
		dead:   make(map[string]bool),
	}
}

func (f *fakeTransport) SendMessage(connID string, data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	typ, _ := m["type"].(string)

	f.mu.Lock()
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		if err := hook(connID, typ); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead[connID] {
		return errors.New("connection gone")
	}
	f.frames[connID] = append(f.frames[connID], frame{Type: typ, Data: m})
	return nil
}

func (f *fakeTransport) CloseConnection(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, connID)
}

func (f *fakeTransport) kill(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead[connID] = true
}

// types returns the frame types sent to connID in order.
func (f *fakeTransport) types(connID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, fr := range f.frames[connID] {
		out = append(out, fr.Type)
	}
	return out
}

func (f *fakeTransport) count(connID, typ string) int {
	n := 0
	for _, t := range f.types(connID) {
		if t == typ {
			n++
		}
	}
	return n
}

// last returns the most recent frame of typ sent to connID.
func (f *fakeTransport) last(t *testing.T, connID, typ string) map[string]interface{} {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	frames := f.frames[connID]
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Type == typ {
			return frames[i].Data
		}
	}
	require.Failf(t, "frame not found", "no %s frame sent to %s", typ, connID)
	return nil
}

// all returns every frame of typ sent to connID.
func (f *fakeTransport) all(connID, typ string) []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]interface{}
	for _, fr := range f.frames[connID] {
		if fr.Type == typ {
			out = append(out, fr.Data)
		}
	}
	return out
}

// setOnSend installs the write hook.
func (f *fakeTransport) setOnSend(fn func(connID, typ string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSend = fn
}

// ids returns the ids of the receive_message frames sent to connID.
func (f *fakeTransport) ids(connID string) []interface{} {
	var out []interface{}
	for _, m := range f.all(connID, "receive_message") {
		out = append(out, m["id"])
	}
	return out
}

// stall blocks the first write of typ to connID until the returned
// release is called; release's argument becomes that write's result.
// stalled is closed once the write is blocked.
func (f *fakeTransport) stall(connID, typ string) (stalled <-chan struct{}, release func(error)) {
	hit := make(chan struct{})
	resume := make(chan error, 1)
	var once sync.Once
	f.setOnSend(func(c, ty string) error {
		if c != connID || ty != typ {
			return nil
		}
		first := false
		once.Do(func() { first = true })
		if !first {
			return nil
		}
		close(hit)
		return <-resume
	})
	return hit, func(err error) { resume <- err }
}

// turns returns how many delivery turns have been handed out.
func (e *Engine) turns() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextTurn
}

// waitTurns waits until n turns have been handed out, meaning every
// operation started so far has committed.
func (h *harness) waitTurns(t *testing.T, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool { return h.e.turns() >= n },
		2*time.Second, time.Millisecond)
}

type published struct {
	subject string
	payload interface{}
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *fakePublisher) PublishJSON(subject string, v interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{subject, v})
	return nil
}

func (p *fakePublisher) subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.subject
	}
	return out
}

type harness struct {
	e     *Engine
	clock *fakeClock
	tr    *fakeTransport
	pub   *fakePublisher
	cfg   Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := DefaultConfig()
	clock := newFakeClock()
	tr := newFakeTransport()
	pub := &fakePublisher{}
	e := New(cfg, tr, clock)
	e.SetPublisher(pub)
	return &harness{e: e, clock: clock, tr: tr, pub: pub, cfg: cfg}
}

// search connects nothing; it issues find_partner for an already connected conn.
func (h *harness) search(t *testing.T, connID, name, field string) {
	t.Helper()
	require.NoError(t, h.e.FindPartner(connID, session.Profile{Name: name, Field: field}))
}

// pair connects two sessions with the same topic and runs phase 1.
func (h *harness) pair(t *testing.T) {
	t.Helper()
	h.e.Connect("c1", "tokA", "10.0.0.1")
	h.e.Connect("c2", "tokB", "10.0.0.2")
	h.search(t, "c1", "alice", "music")
	h.search(t, "c2", "bob", "music")
	h.clock.Advance(h.cfg.Phase1Delay)
	require.Equal(t, 1, h.tr.count("c1", "matched"))
	require.Equal(t, 1, h.tr.count("c2", "matched"))
}
