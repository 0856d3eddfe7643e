package ws

import (
	"maps"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anonmeet/meet-server/internal/region"
)

// Connection is one anonymous user's socket. The user id is minted at
// upgrade and dies with the socket.
type Connection struct {
	ID        string
	Region    region.Region
	Conn      net.Conn
	Fd        int // -1 without epoll
	CreatedAt time.Time

	writeMu    sync.Mutex
	lastActive atomic.Int64 // unix nanos
	reading    atomic.Bool
}

func (c *Connection) touch(t time.Time) {
	c.lastActive.Store(t.UnixNano())
}

// LastActive is when the last frame, control frames included, arrived.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager indexes live connections by user id and by the
// net.Conn the poller reports.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   map[string]*Connection{},
		byConn: map[net.Conn]*Connection{},
	}
}

func (cm *ConnectionManager) Add(c *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.byID[c.ID] = c
	cm.byConn[c.Conn] = c
}

// Remove drops and closes the connection for id. Only the first of several
// concurrent calls returns true.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	c, ok := cm.byID[id]
	delete(cm.byID, id)
	if ok {
		delete(cm.byConn, c.Conn)
	}
	cm.mu.Unlock()

	if ok {
		_ = c.Close()
	}
	return ok
}

func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

func (cm *ConnectionManager) GetByConn(nc net.Conn) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byConn[nc]
}

func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot in no particular order.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return slices.Collect(maps.Values(cm.byID))
}
