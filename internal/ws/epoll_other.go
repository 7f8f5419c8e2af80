//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll is the goroutine-per-connection fallback for platforms without
// epoll. Each registered conn gets a monitor goroutine that peeks for
// the next byte and reports the conn ready, then waits for Rearm before
// peeking again so one frame is never dispatched twice.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]*monitored
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

type monitored struct {
	rearm chan struct{}
	stop  chan struct{}
}

// peekConn buffers reads so the monitor can peek without consuming.
type peekConn struct {
	net.Conn
	br *bufio.Reader
}

func (c *peekConn) Read(p []byte) (int, error) { return c.br.Read(p) }

// NewEpoll creates a fallback instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*monitored),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring conn. Reads must go through the returned conn.
func (e *Epoll) Add(conn net.Conn) (net.Conn, error) {
	pc := &peekConn{Conn: conn, br: bufio.NewReader(conn)}
	m := &monitored{rearm: make(chan struct{}, 1), stop: make(chan struct{})}

	e.mu.Lock()
	e.conns[pc] = m
	e.mu.Unlock()

	go e.monitor(pc, m)
	return pc, nil
}

func (e *Epoll) monitor(pc *peekConn, m *monitored) {
	for {
		_, err := pc.br.Peek(1)

		select {
		case e.readyCh <- pc:
		case <-m.stop:
			return
		case <-e.done:
			return
		}
		if err != nil {
			// The read path sees the same error and removes the conn.
			return
		}

		select {
		case <-m.rearm:
		case <-m.stop:
			return
		case <-e.done:
			return
		}
	}
}

// Rearm lets the monitor of conn report it again once the previous
// readiness has been handled.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.Lock()
	m := e.conns[conn]
	e.mu.Unlock()
	if m == nil {
		return
	}
	select {
	case m.rearm <- struct{}{}:
	default:
	}
}

// Remove stops monitoring conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	m := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if m != nil {
		close(m.stop)
	}
	return nil
}

// Wait blocks until at least one connection is ready and returns every
// connection ready at that moment.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops every monitor.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

// socketFD has no meaning without epoll.
func socketFD(conn net.Conn) int {
	return -1
}
