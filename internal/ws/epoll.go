//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	pollBatch = 256

	// Each registration fires once; the worker re-enables it after it has
	// consumed a frame, so a socket is never handed to two workers.
	pollFlags = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLONESHOT
)

// poller reports sockets with pending input. Idle peers cost one map
// entry and no goroutine.
type poller struct {
	epfd int

	mu    sync.RWMutex
	byFD  map[int32]net.Conn
	ready []unix.EpollEvent
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{
		epfd:  epfd,
		byFD:  make(map[int32]net.Conn),
		ready: make([]unix.EpollEvent, pollBatch),
	}, nil
}

func (p *poller) ctl(op int, conn net.Conn) (int32, error) {
	fd := socketFD(conn)
	if fd < 0 {
		return -1, unix.EBADF
	}
	var ev *unix.EpollEvent
	if op != unix.EPOLL_CTL_DEL {
		ev = &unix.EpollEvent{Events: pollFlags, Fd: int32(fd)}
	}
	return int32(fd), unix.EpollCtl(p.epfd, op, fd, ev)
}

// Add starts watching conn.
func (p *poller) Add(conn net.Conn) error {
	fd, err := p.ctl(unix.EPOLL_CTL_ADD, conn)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.byFD[fd] = conn
	p.mu.Unlock()
	return nil
}

// Rearm re-enables a one-shot registration after its frame was handled.
// Connections removed in the meantime are ignored.
func (p *poller) Rearm(conn net.Conn) {
	fd := int32(socketFD(conn))
	p.mu.RLock()
	_, watched := p.byFD[fd]
	p.mu.RUnlock()
	if watched {
		_, _ = p.ctl(unix.EPOLL_CTL_MOD, conn)
	}
}

// Remove stops watching conn. The map entry goes first so a concurrent
// Rearm cannot resurrect it.
func (p *poller) Remove(conn net.Conn) error {
	fd := int32(socketFD(conn))
	p.mu.Lock()
	delete(p.byFD, fd)
	p.mu.Unlock()
	_, err := p.ctl(unix.EPOLL_CTL_DEL, conn)
	return err
}

// Wait blocks until at least one watched socket is readable or hung up.
func (p *poller) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(p.epfd, p.ready, -1)
	if err != nil {
		return nil, err
	}

	out := make([]net.Conn, 0, n)
	p.mu.RLock()
	for _, ev := range p.ready[:n] {
		if conn := p.byFD[ev.Fd]; conn != nil {
			out = append(out, conn)
		}
	}
	p.mu.RUnlock()
	return out, nil
}

func (p *poller) Close() error {
	p.mu.Lock()
	p.byFD = map[int32]net.Conn{}
	p.mu.Unlock()
	return unix.Close(p.epfd)
}

// socketFD reads the descriptor through RawConn.Control, which unlike
// File() does not dup it. Returns -1 for conns without one.
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
	_ = raw.Control(func(s uintptr) { fd = int(s) })
	return fd
}
