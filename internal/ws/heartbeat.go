package ws

import (
	"log"
	"time"

	"github.com/gobwas/ws"
)

const pingWriteTimeout = 5 * time.Second

// HeartbeatConfig controls liveness probing. A connection silent for longer
// than Interval+Grace is dropped; the others get a protocol ping every
// Interval, which browsers answer on their own.
type HeartbeatConfig struct {
	Interval time.Duration
	Grace    time.Duration
}

func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{Interval: 30 * time.Second, Grace: 10 * time.Second}
}

func (h HeartbeatConfig) deadline() time.Duration {
	return h.Interval + h.Grace
}

func (s *Server) runHeartbeat() {
	hb := s.config.Heartbeat
	if hb.Interval <= 0 {
		hb = DefaultHeartbeatConfig()
	}

	ticker := time.NewTicker(hb.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			if n := s.sweep(hb, now); n > 0 {
				log.Printf("[ws] heartbeat dropped %d connection(s)", n)
			}
		}
	}
}

// sweep evicts stale connections and pings live ones, returning how many
// were dropped.
func (s *Server) sweep(hb HeartbeatConfig, now time.Time) int {
	var dead []*Connection
	for _, c := range s.Connections().All() {
		if now.Sub(c.LastActive()) > hb.deadline() {
			dead = append(dead, c)
			continue
		}
		if err := c.ping(); err != nil {
			log.Printf("[ws] ping user=%s: %v", c.ID, err)
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		s.RemoveConnection(c)
	}
	return len(dead)
}

func (c *Connection) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(pingWriteTimeout))
	err := ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}
