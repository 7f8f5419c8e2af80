//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// armEvents is the interest set of every registered socket. EPOLLONESHOT
// disarms the fd after one report; Rearm re-enables it once a worker is
// done reading.
const armEvents = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLONESHOT

// Epoll reports sockets that are ready to read, so idle connections cost
// no goroutine.
type Epoll struct {
	fd     int
	mu     sync.RWMutex
	byFD   map[int]net.Conn
	events []unix.EpollEvent // reused by Wait; only the event loop calls Wait
}

// NewEpoll creates the epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		byFD:   make(map[int]net.Conn),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers conn in the armed state. Reads go straight to conn, so it
// is returned unchanged.
func (e *Epoll) Add(conn net.Conn) (net.Conn, error) {
	fd := socketFD(conn)
	if err := e.ctl(unix.EPOLL_CTL_ADD, fd); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.byFD[fd] = conn
	e.mu.Unlock()
	return conn, nil
}

// Rearm re-enables readiness reports for conn after Wait returned it. Data
// that arrived in the meantime is reported immediately.
func (e *Epoll) Rearm(conn net.Conn) {
	_ = e.ctl(unix.EPOLL_CTL_MOD, socketFD(conn))
}

// Remove unregisters conn.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)

	e.mu.Lock()
	delete(e.byFD, fd)
	e.mu.Unlock()

	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks until at least one registered conn is readable or hung up
// and returns those conns. Each returned conn stays disarmed until Rearm.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, -1)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	ready := make([]net.Conn, 0, n)
	for _, ev := range e.events[:n] {
		if conn, ok := e.byFD[int(ev.Fd)]; ok {
			ready = append(ready, conn)
		}
	}
	return ready, nil
}

// Close releases the epoll instance. A blocked Wait returns an error.
func (e *Epoll) Close() error {
	e.mu.Lock()
	e.byFD = map[int]net.Conn{}
	e.mu.Unlock()
	return unix.Close(e.fd)
}

func (e *Epoll) ctl(op, fd int) error {
	return unix.EpollCtl(e.fd, op, fd, &unix.EpollEvent{Events: armEvents, Fd: int32(fd)})
}

// socketFD returns the descriptor behind conn without dup'ing it, or -1
// for conns that are not backed by a socket.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) { fd = int(sfd) })
	return fd
}
