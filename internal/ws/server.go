// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, maintaining one connection per anonymous user, and
// dispatching incoming frames to the signaling handlers.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/anonmeet/meet-server/internal/metrics"
	"github.com/anonmeet/meet-server/internal/protocol"
	"github.com/anonmeet/meet-server/internal/region"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	MaxFrameSize   int64         // larger data frames close the connection
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		MaxFrameSize:   64 << 10,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP requests to WebSocket, assigns each connection a fresh user
// id, registers it with epoll and dispatches ready connections to a bounded
// worker pool for frame reading. Serving HTTP is left to the caller, which
// mounts HandleUpgrade on its router.
type Server struct {
	config       ServerConfig
	poll         *poller
	conns        *ConnectionManager
	detector     region.Detector
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onConnect    func(conn *Connection)              // called after the greeting is sent
	onDisconnect func(conn *Connection)              // called when a connection is removed
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time
}

// NewServer creates a Server. The onMessage function is called from a worker
// goroutine whenever a complete WebSocket text frame is received.
func NewServer(config ServerConfig, detector region.Detector, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	if detector == nil {
		detector = region.NewHeaderDetector("")
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		detector:   detector,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// Start initializes the epoll instance and launches the event loop and the
// heartbeat monitor. It returns immediately.
func (s *Server) Start() error {
	var err error
	s.poll, err = newPoller()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()

	go s.startEventLoop()
	go s.runHeartbeat()

	log.Printf("[ws] server started (workers=%d, max_conns=%d)",
		s.config.WorkerPoolSize, s.config.MaxConnections)
	return nil
}

// HandleUpgrade upgrades an HTTP request to a WebSocket connection, assigns
// the user id, and greets the client with connected and region-detected.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.poll == nil {
		http.Error(w, "server not started", http.StatusServiceUnavailable)
		return
	}
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	// Detect before the upgrade hijacks the request.
	reg := s.detector.DetectRegion(r)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}

	now := time.Now()
	c := &Connection{
		ID:        uuid.New().String(),
		Region:    reg,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: now,
	}
	c.touch(now)

	s.conns.Add(c)
	if err := s.poll.Add(conn); err != nil {
		log.Printf("[ws] epoll add failed for user %s: %v", c.ID, err)
		s.conns.Remove(c.ID)
		return
	}
	metrics.ConnectionsActive.Inc()

	s.greet(c)
	if s.onConnect != nil {
		s.onConnect(c)
	}

	log.Printf("[ws] new connection user=%s region=%s fd=%d (total=%d)", c.ID, reg, c.Fd, s.conns.Count())
}

func (s *Server) greet(c *Connection) {
	greetings := []struct {
		event   string
		payload interface{}
	}{
		{protocol.TypeConnected, protocol.ConnectedMsg{UserID: c.ID}},
		{protocol.TypeRegionDetected, protocol.RegionDetectedMsg{
			Region:     string(c.Region),
			ICEServers: region.ICEServers(c.Region),
		}},
	}
	for _, g := range greetings {
		data, err := protocol.NewServerMessage(g.event, g.payload)
		if err != nil {
			log.Printf("[ws] failed to build %s for user %s: %v", g.event, c.ID, err)
			continue
		}
		if err := s.write(c, data); err != nil {
			log.Printf("[ws] failed to send %s to user %s: %v", g.event, c.ID, err)
		}
	}
}

// startEventLoop drains the poller. Each ready connection is handed to a
// worker goroutine, bounded by the pool semaphore, which reads one frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			// EINTR is expected during signal handling.
			if isEINTR(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[ws] epoll wait error: %v", err)
			continue
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

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames are handled without blocking on
// a data frame that may never arrive.
func (s *Server) handleConn(netConn net.Conn) {
	defer s.poll.Rearm(netConn)

	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// One reader per connection at a time.
	if !c.reading.CompareAndSwap(false, true) {
		return
	}
	defer c.reading.Store(false)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// No data despite the readiness report; the heartbeat handles dead peers.
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

	if s.config.MaxFrameSize > 0 && header.Length > s.config.MaxFrameSize {
		log.Printf("[ws] frame of %d bytes from user %s exceeds limit", header.Length, c.ID)
		s.RemoveConnection(c)
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

// SetOnConnect registers a callback invoked once a new connection has been
// greeted.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, heartbeat timeout, or graceful close).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// RemoveConnection removes a connection from both epoll and the connection
// manager and closes it. Concurrent removals of the same connection run the
// disconnect callback once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poll != nil {
		_ = s.poll.Remove(c.Conn)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsActive.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}
	log.Printf("[ws] connection closed user=%s (total=%d)", c.ID, s.conns.Count())
}

// SendMessage writes a WebSocket text frame to the user's connection.
func (s *Server) SendMessage(userID string, data []byte) error {
	c := s.conns.Get(userID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", userID)
	}
	return s.write(c, data)
}

func (s *Server) write(c *Connection, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Uptime reports how long the server has been running.
func (s *Server) Uptime() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// Shutdown signals the event loop to exit, closes every connection
// (running the disconnect callback for each) and releases the epoll
// instance.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("[ws] shutting down server...")
	s.stopOnce.Do(func() { close(s.done) })

	for _, c := range s.conns.All() {
		if ctx.Err() != nil {
			break
		}
		s.RemoveConnection(c)
	}

	if s.poll != nil {
		_ = s.poll.Close()
	}
	log.Printf("[ws] server stopped")
	return ctx.Err()
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
