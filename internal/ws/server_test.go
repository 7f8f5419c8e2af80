package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

func TestOriginPolicy(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    bool
	}{
		{"wildcard", []string{"*"}, "https://evil.example", true},
		{"no origin header", []string{"https://app.example"}, "", true},
		{"listed", []string{"https://app.example"}, "https://app.example", true},
		{"listed with trailing slash", []string{"https://app.example/"}, "https://app.example", true},
		{"not listed", []string{"https://app.example"}, "https://evil.example", false},
		{"empty list", nil, "https://app.example", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := NewOriginPolicy(tc.origins).Allowed(tc.origin); got != tc.want {
				t.Errorf("Allowed(%q) = %v, want %v", tc.origin, got, tc.want)
			}
		})
	}
}

func TestHandshakeAdmission(t *testing.T) {
	banned := &RejectError{Status: http.StatusForbidden, Reason: "banned: spam"}
	limited := &RejectError{Status: http.StatusTooManyRequests, Reason: "too many connections", RetryAfter: 42}

	tests := []struct {
		name       string
		query      string
		origin     string
		admitErr   error
		full       bool
		wantStatus int
		wantRetry  string
		wantAdmit  bool
	}{
		{name: "missing token", query: "", wantStatus: http.StatusBadRequest},
		{name: "blank token", query: "?token=%20%20", wantStatus: http.StatusBadRequest},
		{name: "origin rejected", query: "?token=a", origin: "https://evil.example", wantStatus: http.StatusForbidden},
		{name: "banned", query: "?token=a", admitErr: banned, wantStatus: http.StatusForbidden, wantAdmit: true},
		{name: "rate limited", query: "?token=a", admitErr: limited, wantStatus: http.StatusTooManyRequests, wantRetry: "42", wantAdmit: true},
		{name: "connection cap", query: "?token=a", full: true, wantStatus: http.StatusServiceUnavailable, wantAdmit: true},
		{name: "admission backend error fails open", query: "?token=a", admitErr: errors.New("redis down"), full: true, wantStatus: http.StatusServiceUnavailable, wantAdmit: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultServerConfig()
			cfg.AllowedOrigins = []string{"https://app.example"}
			if tc.full {
				cfg.MaxConnections = 0
			}
			srv := NewServer(cfg, nil)

			admitted := false
			srv.SetAdmission(func(ctx context.Context, token, remoteAddr string) error {
				admitted = true
				if token != "a" {
					t.Errorf("admission token = %q, want %q", token, "a")
				}
				return tc.admitErr
			})
			srv.SetOnConnect(func(connID, token, remoteAddr string) {
				t.Error("onConnect must not run for a rejected handshake")
			})

			req := httptest.NewRequest(http.MethodGet, "/ws"+tc.query, nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			rec := httptest.NewRecorder()
			srv.Router().ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if got := rec.Header().Get("Retry-After"); got != tc.wantRetry {
				t.Errorf("Retry-After = %q, want %q", got, tc.wantRetry)
			}
			if admitted != tc.wantAdmit {
				t.Errorf("admission hook called = %v, want %v", admitted, tc.wantAdmit)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.AllowedOrigins = []string{"https://app.example"}
	srv := NewServer(cfg, nil)

	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got Access-Control-Allow-Origin = %q", got)
	}
}

func TestHealth(t *testing.T) {
	srv := NewServer(DefaultServerConfig(), nil)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Connections != 0 {
		t.Errorf("health = %+v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := NewServer(DefaultServerConfig(), nil)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestClientAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	if got := clientAddr(req); got != "10.1.2.3" {
		t.Errorf("clientAddr = %q, want %q", got, "10.1.2.3")
	}
	req.RemoteAddr = "10.1.2.3"
	if got := clientAddr(req); got != "10.1.2.3" {
		t.Errorf("clientAddr without port = %q", got)
	}
}

// recv waits for a value on ch or fails the test.
func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func TestServer_ConnectMessageDisconnect(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 4

	type connectEvent struct{ connID, token, addr string }
	connected := make(chan connectEvent, 1)
	received := make(chan string, 1)
	disconnected := make(chan string, 1)

	var srv *Server
	srv = NewServer(cfg, func(c *Connection, data []byte) {
		received <- string(data)
	})
	srv.SetOnConnect(func(connID, token, remoteAddr string) {
		connected <- connectEvent{connID, token, remoteAddr}
		if err := srv.SendMessage(connID, []byte(`{"type":"hello"}`)); err != nil {
			t.Errorf("SendMessage from onConnect: %v", err)
		}
	})
	srv.SetOnDisconnect(func(connID string) {
		disconnected <- connID
	})
	if err := srv.init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	defer srv.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=tok-1"
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	var rd io.Reader = conn
	if br != nil {
		rd = io.MultiReader(br, conn)
	}
	client := struct {
		io.Reader
		io.Writer
	}{rd, conn}

	ev := recv(t, connected, "onConnect")
	if ev.token != "tok-1" || ev.addr != "127.0.0.1" || ev.connID == "" {
		t.Errorf("onConnect = %+v", ev)
	}

	msg, err := wsutil.ReadServerText(client)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != `{"type":"hello"}` {
		t.Errorf("first frame = %s", msg)
	}

	if err := wsutil.WriteClientText(conn, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := recv(t, received, "onMessage"); got != `{"type":"ping"}` {
		t.Errorf("onMessage data = %s", got)
	}
	if n := srv.Connections().Count(); n != 1 {
		t.Errorf("connections = %d, want 1", n)
	}

	conn.Close()
	if got := recv(t, disconnected, "onDisconnect"); got != ev.connID {
		t.Errorf("onDisconnect conn = %q, want %q", got, ev.connID)
	}
	if err := srv.SendMessage(ev.connID, []byte("{}")); err == nil {
		t.Error("SendMessage to a closed connection should fail")
	}
}

func TestServer_CloseConnection(t *testing.T) {
	srv := NewServer(DefaultServerConfig(), nil)
	disconnected := make(chan string, 1)
	srv.SetOnDisconnect(func(connID string) { disconnected <- connID })

	server, client := net.Pipe()
	defer client.Close()
	c := &Connection{ID: "c1", Conn: server}
	srv.conns.Add(c)

	srv.CloseConnection("c1")
	srv.CloseConnection("c1")
	srv.CloseConnection("unknown")

	if got := recv(t, disconnected, "onDisconnect"); got != "c1" {
		t.Errorf("onDisconnect = %q", got)
	}
	select {
	case id := <-disconnected:
		t.Errorf("second onDisconnect for %q", id)
	default:
	}
}
