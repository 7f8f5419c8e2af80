// Package ws handles WebSocket connection management: upgrading HTTP
// connections after admission checks, tracking live connections, reading
// frames through an epoll-driven worker pool and dispatching them to the
// registered handlers.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

// TokenParam is the handshake query parameter carrying the session token.
const TokenParam = "token"

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	AllowedOrigins []string      // browser origins allowed to connect, "*" for any
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		AllowedOrigins: []string{"*"},
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// RejectError refuses a handshake with an HTTP status.
type RejectError struct {
	Status     int
	Reason     string
	RetryAfter int // seconds, sent as Retry-After when positive
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("ws: rejected (%d): %s", e.Status, e.Reason)
}

// AdmitFunc is consulted for every handshake that carries a token and an
// allowed origin. A *RejectError refuses the connection; any other error
// is logged and the connection admitted.
type AdmitFunc func(ctx context.Context, token, remoteAddr string) error

// Server accepts token-carrying WebSocket handshakes and reads frames
// through a readiness poller and a bounded worker pool. Connection ids are
// fresh per socket; the token links them to a session upstream.
type Server struct {
	config       ServerConfig
	origins      OriginPolicy
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{} // semaphore limiting concurrent read workers
	admit        AdmitFunc
	onConnect    func(connID, token, remoteAddr string)
	onMessage    func(conn *Connection, data []byte)
	onDisconnect func(connID string)
	httpServer   *http.Server
	done         chan struct{}
	closeOnce    sync.Once
	startedAt    time.Time
}

// NewServer creates a Server. onMessage is called from a worker goroutine
// whenever a complete text frame is received from a client.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:     config,
		origins:    NewOriginPolicy(config.AllowedOrigins),
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}
}

// SetAdmission installs the handshake admission check.
func (s *Server) SetAdmission(fn AdmitFunc) {
	s.admit = fn
}

// SetOnConnect registers a callback invoked once a connection is accepted,
// before any of its frames are read. Frames sent from the callback reach
// the client.
func (s *Server) SetOnConnect(fn func(connID, token, remoteAddr string)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, heartbeat timeout, or an explicit close).
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// init creates the poller and starts the event loop and heartbeat.
func (s *Server) init() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, DefaultHeartbeatConfig())
	return nil
}

// Start begins accepting connections and blocks until the HTTP server
// stops.
func (s *Server) Start() error {
	if err := s.init(); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade runs the admission checks in order (token, origin, the
// admission hook, connection cap), upgrades the request and registers the
// new connection.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get(TokenParam))
	if token == "" {
		http.Error(w, "missing session token", http.StatusBadRequest)
		return
	}

	if origin := r.Header.Get("Origin"); !s.origins.Allowed(origin) {
		log.Printf("ws: origin %q rejected", origin)
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	remoteAddr := clientAddr(r)
	if s.admit != nil {
		if err := s.admit(r.Context(), token, remoteAddr); err != nil {
			var rej *RejectError
			if errors.As(err, &rej) {
				if rej.RetryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(rej.RetryAfter))
				}
				http.Error(w, rej.Reason, rej.Status)
				return
			}
			log.Printf("ws: admission check failed addr=%s, admitting: %v", remoteAddr, err)
		}
	}

	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	readConn, err := s.epoll.Add(conn)
	if err != nil {
		log.Printf("ws: epoll add failed addr=%s: %v", remoteAddr, err)
		conn.Close()
		return
	}

	now := time.Now()
	c := &Connection{
		ID:         uuid.New().String(),
		Token:      token,
		RemoteAddr: remoteAddr,
		Conn:       readConn,
		Fd:         socketFD(conn),
		CreatedAt:  now,
	}
	c.touch(now)

	// Workers skip c until onConnect has returned.
	c.processing.Store(1)
	s.conns.Add(c)

	if s.onConnect != nil {
		s.onConnect(c.ID, token, remoteAddr)
	}
	c.processing.Store(0)
	s.epoll.Rearm(c.Conn)

	log.Printf("ws: new connection conn=%s addr=%s fd=%d (total=%d)", c.ID, remoteAddr, c.Fd, s.conns.Count())
}

// startEventLoop runs the poller wait loop. Each ready connection is read
// by a worker goroutine, bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single frame from a ready connection using
// wsutil.NextReader so that control frames are handled without blocking on
// a data frame that may never arrive. A failed read removes the
// connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// A conn still in handleUpgrade or held by another worker is skipped;
	// its owner rearms it.
	if !c.processing.CompareAndSwap(0, 1) {
		return
	}
	defer func() {
		c.processing.Store(0)
		s.epoll.Rearm(netConn)
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A timeout means the readiness was stale; the heartbeat handles
		// connections that are really dead.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})
	c.touch(time.Now())

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection unregisters a connection, closes it and notifies the
// disconnect callback. Concurrent removals of the same connection notify
// once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	if !s.conns.Remove(c.ID) {
		return
	}

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	log.Printf("ws: connection closed conn=%s (total=%d)", c.ID, s.conns.Count())
}

// CloseConnection closes the connection with the given id, if it is still
// open.
func (s *Server) CloseConnection(connID string) {
	if c := s.conns.Get(connID); c != nil {
		s.RemoveConnection(c)
	}
}

// SendMessage writes a text frame to the connection identified by connID.
// It fails when the connection is gone.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteMessage(data)

	// Clear write deadline so it doesn't affect future writes (e.g., heartbeat pings).
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, signals the event loop to exit and
// closes every connection.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("ws: shutting down server...")

	s.closeOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		if s.epoll != nil {
			_ = s.epoll.Remove(c.Conn)
		}
		c.Close()
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
