//go:build !linux

package ws

import (
	"net"
	"sync"
)

// poller is the development fallback for platforms without epoll. Each
// connection gets a goroutine that reports it ready, then waits for the
// server to finish with it before reporting it again. The read itself
// happens in handleConn, bounded by the server's read timeout, so no bytes
// are consumed here.
type poller struct {
	mu      sync.Mutex
	conns   map[net.Conn]chan struct{} // conn -> rearm signal
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// newPoller creates a fallback poller.
func newPoller() (*poller, error) {
	return &poller{
		conns:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring conn.
func (e *poller) Add(conn net.Conn) error {
	rearm := make(chan struct{}, 1)
	e.mu.Lock()
	e.conns[conn] = rearm
	e.mu.Unlock()

	go e.monitor(conn, rearm)
	return nil
}

func (e *poller) monitor(conn net.Conn, rearm chan struct{}) {
	for {
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		select {
		case _, ok := <-rearm:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Rearm lets the monitor report conn again.
func (e *poller) Rearm(conn net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rearm, ok := e.conns[conn]; ok {
		select {
		case rearm <- struct{}{}:
		default:
		}
	}
}

// Remove stops monitoring conn.
func (e *poller) Remove(conn net.Conn) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rearm, ok := e.conns[conn]; ok {
		close(rearm)
		delete(e.conns, conn)
	}
	return nil
}

// Wait blocks until at least one connection is ready and returns every
// connection ready at that moment.
func (e *poller) Wait() ([]net.Conn, error) {
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

// Close shuts down the poller.
func (e *poller) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]chan struct{})
	e.mu.Unlock()
	return nil
}

// socketFD has no meaning without epoll.
func socketFD(net.Conn) int {
	return -1
}
